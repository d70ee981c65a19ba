package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/jobstore"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/notify"
	"github.com/hochfrequenz/midjourney-orchestrator/internal/orchestrator"
)

// Source delivers queued job messages
type Source interface {
	ReadJob(ctx context.Context) (JobMessage, func(context.Context) error, error)
}

// JobStore is the part of the job store the worker needs
type JobStore interface {
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ClaimJob(ctx context.Context, id string) (bool, error)
	FinishJob(ctx context.Context, id string, status domain.JobStatus, errMsg string) error
}

// Executor runs one claimed job to completion
type Executor interface {
	Execute(ctx context.Context, job *domain.Job) (orchestrator.Summary, error)
}

// Worker pulls jobs from the queue and runs them in pool slots
type Worker struct {
	source     Source
	store      JobStore
	exec       Executor
	pool       *Pool
	notifier   notify.Notifier
	logger     *zap.Logger
	retryDelay time.Duration

	slots chan struct{}
	wg    sync.WaitGroup
}

// NewWorker creates a worker. A nil notifier disables notifications.
func NewWorker(source Source, store JobStore, exec Executor, pool *Pool, notifier notify.Notifier, logger *zap.Logger) *Worker {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		source:     source,
		store:      store,
		exec:       exec,
		pool:       pool,
		notifier:   notifier,
		logger:     logger,
		retryDelay: time.Second,
		slots:      make(chan struct{}, 1),
	}
	pool.SetOnSlotsChanged(func(available int) {
		if available > 0 {
			select {
			case w.slots <- struct{}{}:
			default:
			}
		}
	})
	return w
}

// Run consumes jobs until ctx is done, then waits for running jobs
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		if running := w.pool.Running(); len(running) > 0 {
			w.logger.Info("waiting for running jobs", zap.Strings("jobs", running))
		}
		w.wg.Wait()
	}()

	for {
		if !w.pool.Reserve() {
			select {
			case <-ctx.Done():
				return nil
			case <-w.slots:
				continue
			}
		}

		msg, commit, err := w.source.ReadJob(ctx)
		if err != nil {
			w.pool.Cancel()
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("reading job message failed", zap.Error(err))
			if !errors.Is(err, ErrInvalidMessage) {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(w.retryDelay):
				}
			}
			continue
		}

		// bind the slot before the claim so a claimed job always has one
		if !w.pool.Assign(msg.JobID) {
			w.pool.Cancel()
			w.logger.Info("job already runs in this worker, skipping", zap.String("job", msg.JobID))
			if err := commit(ctx); err != nil {
				w.logger.Warn("committing job message failed", zap.String("job", msg.JobID), zap.Error(err))
			}
			continue
		}

		job, ok := w.claim(ctx, msg, commit)
		if !ok {
			w.pool.Release(msg.JobID)
			continue
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.pool.Release(job.ID)
			w.execute(ctx, job)
		}()
	}
}

// claim moves the job to started and commits its message. Messages for
// jobs that cannot be claimed are committed and skipped.
func (w *Worker) claim(ctx context.Context, msg JobMessage, commit func(context.Context) error) (*domain.Job, bool) {
	log := w.logger.With(zap.String("job", msg.JobID))

	claimed, err := w.store.ClaimJob(ctx, msg.JobID)
	if err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		log.Error("claiming job failed", zap.Error(err))
		return nil, false
	}
	if commitErr := commit(ctx); commitErr != nil {
		log.Warn("committing job message failed", zap.Error(commitErr))
	}
	if err != nil || !claimed {
		log.Info("job is not claimable, skipping")
		return nil, false
	}

	job, err := w.store.GetJob(ctx, msg.JobID)
	if err != nil {
		log.Error("loading claimed job failed", zap.Error(err))
		return nil, false
	}
	return job, true
}

func (w *Worker) execute(ctx context.Context, job *domain.Job) {
	log := w.logger.With(zap.String("job", job.ID), zap.String("email", job.Email))
	log.Info("job started", zap.String("mode", job.Mode.String()))

	summary, err := w.exec.Execute(ctx, job)

	status := domain.JobFinished
	errMsg := ""
	switch {
	case ctx.Err() != nil:
		status = domain.JobFailed
		errMsg = "worker stopped before the job finished"
	case errors.Is(err, orchestrator.ErrCanceled):
		status = domain.JobCanceled
	case err != nil:
		status = domain.JobFailed
		errMsg = err.Error()
	}

	// the job must reach a terminal status even when the worker is stopping
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := w.store.FinishJob(fctx, job.ID, status, errMsg); err != nil {
		log.Error("finishing job failed", zap.Error(err))
		return
	}
	log.Info("job done",
		zap.String("status", string(status)),
		zap.Int("images", summary.Images),
		zap.Int("failed", summary.Failed))

	final, err := w.store.GetJob(fctx, job.ID)
	if err != nil {
		log.Warn("reloading finished job failed", zap.Error(err))
		return
	}
	if err := w.notifier.Send(fctx, notify.ForJob(final, summary.Images, summary.Failed)); err != nil {
		log.Warn("sending notification failed", zap.Error(fmt.Errorf("job %s: %w", job.ID, err)))
	}
}
