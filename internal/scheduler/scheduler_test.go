package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 5 * time.Minute, AlignToBucket: true}, zerolog.Nop())
	now := time.Date(2025, 1, 1, 10, 7, 30, 0, time.UTC)

	got := s.nextTick(now)
	want := time.Date(2025, 1, 1, 10, 10, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("nextTick = %s, want %s", got, want)
	}

	onBoundary := time.Date(2025, 1, 1, 10, 10, 0, 0, time.UTC)
	if got := s.nextTick(onBoundary); !got.Equal(onBoundary.Add(5 * time.Minute)) {
		t.Fatalf("boundary nextTick = %s", got)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: time.Minute}, zerolog.Nop())
	now := time.Date(2025, 1, 1, 10, 7, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("nextTick = %s", got)
	}
	if got := s.tickStart(now); !got.Equal(now) {
		t.Fatalf("tickStart = %s", got)
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond, Immediate: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			if atomic.AddInt32(&ticks, 1) == 3 {
				cancel()
			}
			return errors.New("tick errors are logged, not fatal")
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if n := atomic.LoadInt32(&ticks); n < 3 {
		t.Fatalf("ticks = %d, want at least 3", n)
	}
}

func TestRunHonoursStartupDelayCancellation(t *testing.T) {
	s := New(Options{Interval: time.Hour, StartupDelay: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.Run(ctx, func(context.Context, time.Time) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	if called {
		t.Fatal("tick ran despite cancelled startup delay")
	}
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}

type countingJob struct {
	runs int32
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run(context.Context) error {
	atomic.AddInt32(&j.runs, 1)
	return nil
}

func TestCronAddJob(t *testing.T) {
	c := NewCron(time.UTC, zerolog.Nop())
	job := &countingJob{}

	if err := c.AddJob("not a schedule", job); err == nil {
		t.Fatal("expected invalid schedule error")
	}
	if err := c.AddJob("0 9 * * *", job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	next := c.Next()
	if len(next) != 1 {
		t.Fatalf("entries = %d, want 1", len(next))
	}
	if next[0].Hour() != 9 || next[0].Minute() != 0 {
		t.Fatalf("next activation %s is not 09:00", next[0])
	}

	if err := c.RunNow(context.Background(), job); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if atomic.LoadInt32(&job.runs) != 1 {
		t.Fatalf("runs = %d", job.runs)
	}

	c.Start()
	c.Stop()
}
