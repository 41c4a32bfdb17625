// Package scheduler runs the submission batch on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const LockKey = "mailinglist:process-submissions"

// Job is one batch run, typically submission.Service.ProcessSubmissions.
type Job func(ctx context.Context) error

type Worker struct {
	job      Job
	interval time.Duration
	locker   Locker
	log      *zap.SugaredLogger
}

func NewWorker(job Job, interval time.Duration, locker Locker, log *zap.SugaredLogger) *Worker {
	if locker == nil {
		locker = NopLocker{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Worker{job: job, interval: interval, locker: locker, log: log}
}

// RunOnce runs the job under the lock. It reports false without error when
// another worker holds the lock.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	// The lock outlives a normal run so a crashed holder frees it eventually.
	release, ok, err := w.locker.Acquire(ctx, LockKey, 2*w.interval+time.Minute)
	if err != nil {
		return false, err
	}
	if !ok {
		w.log.Debugw("batch run skipped, lock held elsewhere")
		return false, nil
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			w.log.Warnw("release lock failed", "error", err)
		}
	}()
	return true, w.job(ctx)
}

// Run calls RunOnce immediately and then every interval until ctx is done.
// Job errors are logged; the next tick retries.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Infow("worker started", "interval", w.interval)
	for ctx.Err() == nil {
		start := time.Now()
		if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Errorw("batch run failed", "error", err)
		}

		wait := w.interval - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	w.log.Infow("worker stopped")
	return nil
}
