// Package scheduler runs periodic background jobs: daily ones at a local
// wall-clock time and fixed-interval ones.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/netplay-project/netplay/internal/util"
)

// Job is one scheduled task. Exactly one of At and Every must be set.
type Job struct {
	Name string

	// At is a local "HH:MM" time; the job runs once a day at that time.
	At string

	// Every runs the job at a fixed interval, first after one interval.
	Every time.Duration

	Run func(ctx context.Context) error
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	mu     sync.Mutex
	jobs   []Job
	logger zerolog.Logger
	now    func() time.Time
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		logger: util.ComponentLogger("scheduler"),
		now:    time.Now,
	}
}

// Add registers a job. It must be called before Start.
func (s *Scheduler) Add(job Job) error {
	switch {
	case job.Name == "":
		return errors.New("job name is required")
	case job.Run == nil:
		return fmt.Errorf("job %s has no run function", job.Name)
	case (job.At == "") == (job.Every <= 0):
		return fmt.Errorf("job %s needs exactly one of At and Every", job.Name)
	}
	if job.At != "" {
		if _, err := nextRun(job.At, time.Now()); err != nil {
			return fmt.Errorf("job %s: %w", job.Name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.Name
	}
	return names
}

// Start runs every job until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	s.logger.Info().Int("jobs", len(jobs)).Msg("scheduler started")

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			if job.At != "" {
				s.runDaily(ctx, job)
			} else {
				s.runEvery(ctx, job)
			}
		}(job)
	}

	<-ctx.Done()
	wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runDaily(ctx context.Context, job Job) {
	for {
		next, _ := nextRun(job.At, s.now())
		wait := next.Sub(s.now())

		s.logger.Info().
			Str("job", job.Name).
			Time("next_run", next).
			Dur("sleep", wait).
			Msg("job scheduled")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.run(ctx, job)
		}
	}
}

func (s *Scheduler) runEvery(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, job)
		}
	}
}

// run executes one job, containing panics so one bad job does not stop
// the others.
func (s *Scheduler) run(ctx context.Context, job Job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("job", job.Name).Interface("panic", r).Msg("job panicked")
		}
	}()

	if err := job.Run(ctx); err != nil {
		s.logger.Warn().Err(err).Str("job", job.Name).Msg("job failed")
		return
	}
	s.logger.Debug().Str("job", job.Name).Dur("took", time.Since(start)).Msg("job completed")
}

// nextRun returns the next time strictly after now at the local clock time
// at ("HH:MM").
func nextRun(at string, now time.Time) (time.Time, error) {
	clock, err := time.Parse("15:04", at)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time of day %q, want HH:MM", at)
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), clock.Hour(), clock.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}

// FormatBytes formats bytes into human-readable format.
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
