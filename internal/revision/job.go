package revision

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/driftnote/driftnote/internal/core/observability/log"
)

// Config holds snapshot job configuration.
type Config struct {
	// Interval paces the periodic sweep.
	Interval time.Duration
}

// DefaultConfig returns default job configuration.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute}
}

// Job runs the periodic revision sweep. A single timer drives it; when a
// sweep writes nothing the job goes to sleep and stays asleep until a
// manual save or an explicit Wake.
type Job struct {
	store  Store
	config Config
	logger log.Log

	mu       sync.Mutex
	sleeping bool
	running  bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewJob creates the snapshot job.
func NewJob(store Store, config Config, logger log.Log) *Job {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Job{
		store:  store,
		config: config,
		logger: logger.With(log.String("component", "revision-job")),
	}
}

// Start launches the sweep timer. Calling Start on a running job is a no-op.
func (j *Job) Start(ctx context.Context) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.stop = make(chan struct{})
	stop := j.stop
	j.mu.Unlock()

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				j.tick(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	j.logger.Info("Revision job started", log.Duration("interval", j.config.Interval))
}

// Stop halts the timer. Calling Stop on a stopped job is a no-op.
func (j *Job) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.stop)
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("Revision job stopped")
}

// Sleeping reports whether the job skipped its last sweep.
func (j *Job) Sleeping() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sleeping
}

// Wake clears the sleep flag so the next tick sweeps again. A realtime
// layer calls this when note content changes.
func (j *Job) Wake() {
	j.mu.Lock()
	j.sleeping = false
	j.mu.Unlock()
}

// tick runs one sweep. A failed sweep is logged and the timer keeps going;
// a sweep that saved nothing puts the job to sleep.
func (j *Job) tick(ctx context.Context) {
	j.mu.Lock()
	if j.sleeping {
		j.mu.Unlock()
		return
	}
	j.mu.Unlock()

	saved, err := j.store.SaveAllDirtyRevisions(ctx)
	if err != nil {
		j.logger.Error("Revision sweep failed", log.Error(err))
		return
	}
	if saved == 0 {
		j.mu.Lock()
		j.sleeping = true
		j.mu.Unlock()
		j.logger.Debug("No dirty notes, revision job sleeping")
		return
	}
	j.logger.Info("Revision sweep saved", log.Int("count", saved))
}

// SaveOne snapshots a single note on demand and wakes the sweeper.
func (j *Job) SaveOne(ctx context.Context, noteID string) (Revision, error) {
	rev, err := j.store.SaveOneRevision(ctx, noteID)
	if err != nil {
		return Revision{}, err
	}
	j.Wake()
	return rev, nil
}

// SaveAll snapshots every note immediately, dirty or not, and returns the
// revisions it created. Administrative use only; the periodic sweep stays
// on SaveAllDirtyRevisions.
func (j *Job) SaveAll(ctx context.Context) ([]Revision, error) {
	ids, err := j.store.ListNoteIDs(ctx)
	if err != nil {
		return nil, err
	}
	var revs []Revision
	for _, id := range ids {
		rev, err := j.store.SaveOneRevision(ctx, id)
		if err != nil {
			// A note deleted mid-iteration is not a failure.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return revs, err
		}
		revs = append(revs, rev)
	}
	if len(revs) > 0 {
		j.Wake()
	}
	return revs, nil
}
