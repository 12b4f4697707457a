// Package worker runs the periodic background jobs: expiry sweeps,
// reconciliation, outbox relay and housekeeping.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pharmstock/pkg/logger"
)

// Job is one periodic task. Run is called once at start and then every Interval.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Worker runs jobs on independent tickers until its context is cancelled.
type Worker struct {
	log  *logger.Logger
	jobs []Job
}

// New creates a worker with no jobs.
func New(log *logger.Logger) *Worker {
	return &Worker{log: log.WithComponent("worker")}
}

// Add registers a job. Jobs with a non-positive interval are skipped.
func (w *Worker) Add(job Job) {
	if job.Interval <= 0 {
		w.log.Warnw("job disabled", "job", job.Name)
		return
	}
	w.jobs = append(w.jobs, job)
}

// Jobs returns the registered job names.
func (w *Worker) Jobs() []string {
	names := make([]string, 0, len(w.jobs))
	for _, j := range w.jobs {
		names = append(names, j.Name)
	}
	return names
}

// Run blocks until ctx is done and every running job has returned.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range w.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			w.loop(ctx, job)
		}(job)
	}
	w.log.Infow("worker started", "jobs", w.Jobs())
	wg.Wait()
	w.log.Info("worker stopped")
}

func (w *Worker) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	w.RunOnce(ctx, job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx, job)
		}
	}
}

// RunOnce executes job a single time, turning a panic into a logged error.
func (w *Worker) RunOnce(ctx context.Context, job Job) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
		if err != nil && ctx.Err() == nil {
			w.log.Errorw("job failed", "job", job.Name, "error", err, "duration_ms", time.Since(start).Milliseconds())
			return
		}
		w.log.Debugw("job finished", "job", job.Name, "duration_ms", time.Since(start).Milliseconds())
	}()
	return job.Run(ctx)
}
