package checkpoint

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

const (
	bucketName = "checkpoints"

	// offset | line | committedAt (unix nanos), big-endian
	valueSize = 24
)

// OpenDB opens the state database shared by the checkpoint and dead-letter stores
func OpenDB(dbPath string) (*bbolt.DB, error) {
	// Try to open with short timeout
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		// A lock held by another process cannot be broken automatically
		return nil, fmt.Errorf("failed to open boltdb (file may be locked by another process): %w", err)
	}

	log.Info().
		Str("db_path", dbPath).
		Msg("BoltDB state database opened")

	return db, nil
}

// BoltDBStore implements Store using BoltDB
type BoltDBStore struct {
	db     *bbolt.DB
	ownsDB bool
}

// NewBoltDBStore creates a checkpoint store on an open database.
// The database is not closed by Close.
func NewBoltDBStore(db *bbolt.DB) (*BoltDBStore, error) {
	// Create bucket if not exists
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltDBStore{db: db}, nil
}

// OpenBoltDBStore opens dbPath and creates a store that owns the database
func OpenBoltDBStore(dbPath string) (*BoltDBStore, error) {
	db, err := OpenDB(dbPath)
	if err != nil {
		return nil, err
	}
	s, err := NewBoltDBStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// Get retrieves the checkpoint of a source
func (s *BoltDBStore) Get(ctx context.Context, sourceID string) (*domain.Checkpoint, error) {
	var cp *domain.Checkpoint

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		val := b.Get([]byte(sourceID))
		if val == nil {
			return nil
		}

		decoded, err := decode(sourceID, val)
		if err != nil {
			return err
		}
		cp = &decoded
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	return cp, nil
}

// Set stores the checkpoint. bbolt syncs the file before Update returns.
func (s *BoltDBStore) Set(ctx context.Context, cp domain.Checkpoint) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Put([]byte(cp.SourceID), encode(cp))
	})

	if err != nil {
		return fmt.Errorf("failed to set checkpoint: %w", err)
	}

	log.Debug().
		Str("source", cp.SourceID).
		Int64("offset", cp.Position.Offset).
		Int64("line", cp.Position.Line).
		Msg("Checkpoint updated")

	return nil
}

// Delete removes the checkpoint of a source
func (s *BoltDBStore) Delete(ctx context.Context, sourceID string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Delete([]byte(sourceID))
	})

	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	return nil
}

// List returns all stored checkpoints
func (s *BoltDBStore) List(ctx context.Context) ([]domain.Checkpoint, error) {
	var result []domain.Checkpoint

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		// bbolt iterates keys in byte order
		return b.ForEach(func(k, v []byte) error {
			cp, err := decode(string(k), v)
			if err != nil {
				log.Warn().Err(err).Str("source", string(k)).Msg("Skipping corrupt checkpoint")
				return nil
			}
			result = append(result, cp)
			return nil
		})
	})

	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	return result, nil
}

// Close closes the database if the store owns it
func (s *BoltDBStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	log.Info().Msg("Closing BoltDB checkpoint store")
	return s.db.Close()
}

func encode(cp domain.Checkpoint) []byte {
	val := make([]byte, valueSize)
	binary.BigEndian.PutUint64(val[0:8], uint64(cp.Position.Offset))
	binary.BigEndian.PutUint64(val[8:16], uint64(cp.Position.Line))
	binary.BigEndian.PutUint64(val[16:24], uint64(cp.CommittedAt.UnixNano()))
	return val
}

func decode(sourceID string, val []byte) (domain.Checkpoint, error) {
	if len(val) < valueSize {
		return domain.Checkpoint{}, fmt.Errorf("invalid checkpoint value for %s: %d bytes", sourceID, len(val))
	}
	return domain.Checkpoint{
		SourceID: sourceID,
		Position: domain.Position{
			Offset: int64(binary.BigEndian.Uint64(val[0:8])),
			Line:   int64(binary.BigEndian.Uint64(val[8:16])),
		},
		CommittedAt: time.Unix(0, int64(binary.BigEndian.Uint64(val[16:24]))).UTC(),
	}, nil
}
