package reportstore

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// RetentionConfig holds configuration for the rollup retention cleaner.
// Pruning the rollups table never loses data StatusDB still has: it is a
// derived cache, rebuildable at any time by re-running a Materializer pass.
// The host_history table is not pruned.
type RetentionConfig struct {
	RetentionDays int
}

// RetentionCleaner periodically deletes rollup rows older than the
// configured retention period.
type RetentionCleaner struct {
	store         *Store
	retentionDays int
	done          chan struct{}
	wg            sync.WaitGroup
	tickWg        sync.WaitGroup
	stopOnce      sync.Once
}

// NewRetentionCleaner creates a retention cleaner for store. Returns nil
// when retention is 0 (disabled).
func NewRetentionCleaner(store *Store, conf ...RetentionConfig) *RetentionCleaner {
	days := 180
	if len(conf) > 0 {
		days = conf[0].RetentionDays
	}
	if days <= 0 {
		return nil
	}

	rc := &RetentionCleaner{store: store, retentionDays: days, done: make(chan struct{})}
	rc.cleanup()

	rc.wg.Add(1)
	rc.tickWg.Add(1)
	go rc.tickLoop()

	return rc
}

func (rc *RetentionCleaner) tickLoop() {
	defer rc.wg.Done()
	defer rc.tickWg.Done()
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rc.cleanup()
		case <-rc.done:
			return
		}
	}
}

func (rc *RetentionCleaner) cleanup() {
	cutoff := time.Now().Add(-time.Duration(rc.retentionDays) * 24 * time.Hour).UnixMilli()

	rows, err := rc.store.DeleteRollupsBefore(cutoff)
	if err != nil {
		log.Printf("reportstore: retention cleanup error: %v", err)
		return
	}
	if rows > 0 {
		log.Printf("reportstore: retention cleanup deleted %d expired rollup rows (older than %d days)", rows, rc.retentionDays)
	}
}

// Stop signals the cleaner to stop and waits for it to finish.
func (rc *RetentionCleaner) Stop() {
	rc.stopOnce.Do(func() {
		close(rc.done)
		rc.tickWg.Wait()
		rc.wg.Wait()
	})
}

// DeleteRollupsBefore deletes every rollups row with bucket_ts < cutoff
// (epoch ms), returning the number of rows removed.
func (s *Store) DeleteRollupsBefore(cutoff int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := s.queryCtx()
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM rollups WHERE bucket_ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reportstore: delete rollups before %d: %w", cutoff, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}
