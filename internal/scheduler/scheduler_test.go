package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestNextRun(t *testing.T) {
	loc := time.FixedZone("test", 2*3600)
	now := time.Date(2026, 3, 10, 12, 30, 0, 0, loc)

	tests := []struct {
		at   string
		want time.Time
	}{
		{"13:00", time.Date(2026, 3, 10, 13, 0, 0, 0, loc)},
		{"04:00", time.Date(2026, 3, 11, 4, 0, 0, 0, loc)},
		{"12:30", time.Date(2026, 3, 11, 12, 30, 0, 0, loc)},
		{"23:59", time.Date(2026, 3, 10, 23, 59, 0, 0, loc)},
	}

	for _, tt := range tests {
		t.Run(tt.at, func(t *testing.T) {
			got, err := nextRun(tt.at, now)
			if err != nil {
				t.Fatalf("nextRun: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("nextRun(%s) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}

	if _, err := nextRun("4am", now); err == nil {
		t.Fatal("expected an error for a malformed time")
	}
}

func TestAddValidates(t *testing.T) {
	s := NewScheduler()
	noop := func(context.Context) error { return nil }

	bad := []Job{
		{Run: noop, Every: time.Second},
		{Name: "no-run", Every: time.Second},
		{Name: "neither", Run: noop},
		{Name: "both", Run: noop, Every: time.Second, At: "04:00"},
		{Name: "bad-clock", Run: noop, At: "25:00"},
	}
	for _, job := range bad {
		if err := s.Add(job); err == nil {
			t.Errorf("Add(%q) accepted an invalid job", job.Name)
		}
	}

	if err := s.Add(Job{Name: "ok", Run: noop, At: "04:00"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := s.Jobs(); len(got) != 1 || got[0] != "ok" {
		t.Fatalf("Jobs() = %v", got)
	}
}

func TestIntervalJobsRunAndSurviveFailures(t *testing.T) {
	s := NewScheduler()

	var good, failing, panicking atomic.Int32
	s.Add(Job{Name: "good", Every: 10 * time.Millisecond, Run: func(context.Context) error {
		good.Add(1)
		return nil
	}})
	s.Add(Job{Name: "failing", Every: 10 * time.Millisecond, Run: func(context.Context) error {
		failing.Add(1)
		return errors.New("nope")
	}})
	s.Add(Job{Name: "panicking", Every: 10 * time.Millisecond, Run: func(context.Context) error {
		panicking.Add(1)
		panic("boom")
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(ctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for good.Load() < 3 || failing.Load() < 3 || panicking.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("runs: good=%d failing=%d panicking=%d", good.Load(), failing.Load(), panicking.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		512:             "512 B",
		2048:            "2.00 KB",
		5 * 1024 * 1024: "5.00 MB",
		3 << 30:         "3.00 GB",
	}
	for in, want := range tests {
		if got := FormatBytes(in); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
