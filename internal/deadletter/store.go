package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

const bucketName = "dead_letters"

// Entry is a batch that could not be delivered to the sink
type Entry struct {
	BatchID  string                    `json:"batch_id"`
	SourceID string                    `json:"source_id"`
	Sink     string                    `json:"sink"`
	From     domain.Position           `json:"from"`
	To       domain.Position           `json:"to"`
	Reason   string                    `json:"reason"`
	Attempts int                       `json:"attempts"`
	FailedAt time.Time                 `json:"failed_at"`
	Records  []domain.EnrichedLogEntry `json:"records"`
}

// Store persists undeliverable batches
type Store interface {
	Put(ctx context.Context, entry Entry) error
	List(ctx context.Context) ([]Entry, error)
	Delete(ctx context.Context, batchID string) error
}

// BoltDBStore implements Store using BoltDB. Values are JSON keyed by batch ID.
type BoltDBStore struct {
	db *bbolt.DB
}

// NewBoltDBStore creates a dead-letter store on an open database
func NewBoltDBStore(db *bbolt.DB) (*BoltDBStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &BoltDBStore{db: db}, nil
}

// Put stores an entry, replacing any entry with the same batch ID
func (s *BoltDBStore) Put(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter %s: %w", entry.BatchID, err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Put([]byte(entry.BatchID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store dead letter %s: %w", entry.BatchID, err)
	}

	log.Warn().
		Str("batch_id", entry.BatchID).
		Str("source", entry.SourceID).
		Int("records", len(entry.Records)).
		Str("reason", entry.Reason).
		Msg("Batch dead-lettered")
	return nil
}

// List returns all entries, oldest failure first
func (s *BoltDBStore) List(ctx context.Context) ([]Entry, error) {
	var result []Entry

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				log.Warn().Err(err).Str("batch_id", string(k)).Msg("Skipping corrupt dead letter")
				return nil
			}
			result = append(result, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].FailedAt.Before(result[j].FailedAt)
	})
	return result, nil
}

// Delete removes an entry
func (s *BoltDBStore) Delete(ctx context.Context, batchID string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Delete([]byte(batchID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete dead letter %s: %w", batchID, err)
	}
	return nil
}
