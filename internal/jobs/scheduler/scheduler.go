// Package scheduler runs periodic jobs inside the API process. The asynq
// worker schedules the same work through redis; this is the fallback when no
// redis is configured.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"x402-engine/internal/observability"
)

// Job is a unit of periodic work
type Job interface {
	Name() string
	Run(ctx context.Context) error
	Schedule() time.Duration
}

// Scheduler runs each registered job on its own ticker until stopped
type Scheduler struct {
	jobs   []Job
	logger *observability.Logger
}

func New(logger *observability.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Register adds a job. Jobs registered after Start are not run.
func (s *Scheduler) Register(job Job) {
	s.jobs = append(s.jobs, job)
	s.logger.Info(context.Background(), fmt.Sprintf("registered scheduled job %s every %s", job.Name(), job.Schedule()))
}

// Start runs every job once immediately and then on its interval. It blocks
// until ctx is cancelled and every job has returned.
func (s *Scheduler) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		job := job
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, job)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ctx = observability.WithFields(ctx, observability.Field{Key: "scheduled_job", Value: job.Name()})
	s.execute(ctx, job)

	ticker := time.NewTicker(job.Schedule())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.execute(ctx, job)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job) {
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error(ctx, fmt.Sprintf("job %s failed after %v", job.Name(), time.Since(start)), err)
		return
	}
	s.logger.Debug(ctx, fmt.Sprintf("job %s finished in %v", job.Name(), time.Since(start)))
}
