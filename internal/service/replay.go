package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/weblog-etl/internal/deadletter"
	"github.com/SteelMorgan/weblog-etl/internal/domain"
)

// ReplaySummary reports what a replay delivered
type ReplaySummary struct {
	Batches int      // Batches delivered and removed from the store
	Records int      // Records written by those batches
	Failed  []string // Batch IDs that failed again and stay dead-lettered
}

// Replay sends dead-lettered batches to the sink again, all of them when
// batchIDs is empty. Delivered batches are removed from the store; a batch
// that fails again is dead-lettered anew under the same ID. Checkpoints are
// not touched: they moved past these lines when the batch first failed.
func (s *ETLService) Replay(ctx context.Context, batchIDs ...string) (*ReplaySummary, error) {
	if s.cfg.ReadOnly {
		return nil, errors.New("replay needs a sink, READ_ONLY is set")
	}

	entries, err := s.state.DeadLetters.List(ctx)
	if err != nil {
		return nil, err
	}
	entries, err = selectEntries(entries, batchIDs)
	if err != nil {
		return nil, err
	}

	summary := &ReplaySummary{}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		batch := &domain.Batch{
			ID:       e.BatchID,
			SourceID: e.SourceID,
			Entries:  e.Records,
			From:     e.From,
			To:       e.To,
		}
		res := s.loader.Load(ctx, batch)
		if res.Err != nil {
			log.Error().
				Err(res.Err).
				Str("batch_id", e.BatchID).
				Int("attempts", res.Attempts).
				Msg("Replay failed")
			summary.Failed = append(summary.Failed, e.BatchID)
			continue
		}

		if err := s.state.DeadLetters.Delete(ctx, e.BatchID); err != nil {
			return summary, err
		}
		summary.Batches++
		summary.Records += res.Loaded

		log.Info().
			Str("batch_id", e.BatchID).
			Str("source", e.SourceID).
			Int("records", res.Loaded).
			Str("sink", s.sink.Name()).
			Msg("Dead-lettered batch replayed")
	}
	return summary, nil
}

// selectEntries keeps the entries named by ids, in store order
func selectEntries(entries []deadletter.Entry, ids []string) ([]deadletter.Entry, error) {
	if len(ids) == 0 {
		return entries, nil
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var selected []deadletter.Entry
	for _, e := range entries {
		if wanted[e.BatchID] {
			selected = append(selected, e)
			delete(wanted, e.BatchID)
		}
	}
	for _, id := range ids {
		if wanted[id] {
			return nil, fmt.Errorf("no dead-lettered batch %s", id)
		}
	}
	return selected, nil
}
