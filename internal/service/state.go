package service

import (
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/SteelMorgan/weblog-etl/internal/checkpoint"
	"github.com/SteelMorgan/weblog-etl/internal/deadletter"
)

// State is the local state database: checkpoints and dead letters share one
// bbolt file
type State struct {
	db          *bbolt.DB
	Checkpoints *checkpoint.BoltDBStore
	DeadLetters *deadletter.BoltDBStore
}

// OpenState opens (or creates) the state database at path
func OpenState(path string) (*State, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	db, err := checkpoint.OpenDB(path)
	if err != nil {
		return nil, err
	}

	checkpoints, err := checkpoint.NewBoltDBStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	deadLetters, err := deadletter.NewBoltDBStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &State{db: db, Checkpoints: checkpoints, DeadLetters: deadLetters}, nil
}

// Close closes the database
func (s *State) Close() error {
	return s.db.Close()
}
