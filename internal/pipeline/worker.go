package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/claims-cli/internal/jobstore"
)

// Worker polls the job store for pending work and runs each claimed job
// through the controller. Multiple workers can share one store because
// ClaimPending hands each job to exactly one claimant.
type Worker struct {
	store      jobstore.Store
	controller *Controller
	count      int
	poll       time.Duration
}

// NewWorker creates a worker pool of the given size. count < 1 is treated as
// a single worker; poll <= 0 defaults to five seconds.
func NewWorker(store jobstore.Store, controller *Controller, count int, poll time.Duration) *Worker {
	if count < 1 {
		count = 1
	}
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Worker{
		store:      store,
		controller: controller,
		count:      count,
		poll:       poll,
	}
}

// Run blocks until the context is cancelled, draining the pending queue with
// the configured number of workers.
func (w *Worker) Run(ctx context.Context) error {
	zap.L().Info("worker pool starting",
		zap.Int("workers", w.count),
		zap.Duration("poll_interval", w.poll),
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.count; i++ {
		id := i
		g.Go(func() error {
			return w.loop(ctx, id)
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context, id int) error {
	log := zap.L().With(zap.Int("worker", id))
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		job, err := w.store.ClaimPending(ctx)
		if err != nil {
			log.Error("claim pending job", zap.Error(err))
			if !w.sleep(ctx) {
				return nil
			}
			continue
		}
		if job == nil {
			if !w.sleep(ctx) {
				return nil
			}
			continue
		}

		if err := w.controller.ProcessJob(ctx, job); err != nil {
			// Pipeline errors here are store or state-machine faults, not
			// submission failures; those are already terminal job statuses.
			log.Error("process job",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}
}

// sleep waits one poll interval, returning false when the context ended.
func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
