package core

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/sharedcode/dynatx"
)

// Sweeper cleans up after crashed or abandoned coordinators: stale Pending
// transactions get rolled back, completed-but-unfinalized ones get driven to
// completion, and finalized records past their retention get deleted. Safe to
// run from many hosts at once; every step it takes is the same conditioned
// protocol step a live coordinator would take.
type Sweeper struct {
	manager *TransactionManager

	// RollbackAfter is the age past which a Pending transaction is presumed
	// abandoned. Keep it well above the longest legitimate transaction.
	RollbackAfter time.Duration
	// DeleteAfter is the age past which a finalized record is removed.
	DeleteAfter time.Duration
	// PageSize caps rows per scan page. Zero means the store's default.
	PageSize int32
	// MaxThreads caps concurrent per-record work within one sweep.
	MaxThreads int
}

const (
	defaultRollbackAfter = 10 * time.Minute
	defaultDeleteAfter   = 24 * time.Hour
)

// NewSweeper constructs a sweeper with the default age thresholds.
func NewSweeper(manager *TransactionManager) *Sweeper {
	return &Sweeper{manager: manager, RollbackAfter: defaultRollbackAfter, DeleteAfter: defaultDeleteAfter}
}

// Run sweeps on the given interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := s.SweepOnce(ctx); err != nil {
				log.Error("sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce walks the whole transaction table once, fanning per-record work
// across a bounded task pool. Per-record failures are logged and counted, not
// fatal; the next sweep retries them.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	swept := 0
	var startKey dynatx.Item
	for {
		items, nextKey, err := s.manager.store.Scan(ctx, s.manager.opts.TransactionTable, startKey, s.PageSize)
		if err != nil {
			return fmt.Errorf("sweep scan of table %s failed, details: %w", s.manager.opts.TransactionTable, err)
		}
		tr := dynatx.NewTaskRunner(ctx, s.MaxThreads)
		for _, item := range items {
			item := item
			tr.Go(func() error {
				if err := s.sweepRecord(ctx, item); err != nil {
					log.Warn("sweep of a transaction record failed", "error", err)
				}
				return nil
			})
		}
		if err := tr.Wait(); err != nil {
			return err
		}
		swept += len(items)
		if nextKey == nil {
			break
		}
		startKey = nextKey
	}
	log.Debug("sweep pass complete", "records", swept)
	return nil
}

// sweepRecord applies the age policy to one transaction table row.
func (s *Sweeper) sweepRecord(ctx context.Context, item dynatx.Item) error {
	rec, err := parseRecord(item)
	if err != nil {
		return err
	}
	age := dynatx.Now().Sub(rec.lastUpdated)
	switch {
	case rec.finalized:
		if age < s.DeleteAfter {
			return nil
		}
		return dynatx.Retry(ctx, func(ctx context.Context) error {
			return retryable(s.manager.repo.delete(ctx, rec.id))
		}, nil)
	case rec.state.Terminal():
		// Completed but not finalized: some coordinator died mid-cleanup.
		// Rolling back converges either way; on a Committed record it
		// completes the commit instead.
		return s.completeRecord(ctx, rec.id)
	default:
		if age < s.RollbackAfter {
			return nil
		}
		log.Info("rolling back stale transaction", "tid", rec.id, "age", age)
		return s.completeRecord(ctx, rec.id)
	}
}

func (s *Sweeper) completeRecord(ctx context.Context, id string) error {
	return dynatx.Retry(ctx, func(ctx context.Context) error {
		tx, err := s.manager.Resume(ctx, id)
		if err != nil {
			if dynatx.CodeOf(err) == dynatx.TransactionNotFound {
				return nil
			}
			return retryable(err)
		}
		err = tx.Rollback(ctx)
		if dynatx.IsTransactionCompleted(err) {
			return nil
		}
		return retryable(err)
	}, nil)
}

// retryable marks transient failures for the backoff loop; permanent ones
// pass through and stop it.
func retryable(err error) error {
	if err == nil {
		return nil
	}
	if dynatx.ShouldRetry(err) {
		return retry.RetryableError(err)
	}
	return err
}
