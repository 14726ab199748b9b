package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunOnStartAndInterval(t *testing.T) {
	var runs atomic.Int32
	s := New()
	s.Register(Job{
		Name:       "tick",
		Interval:   20 * time.Millisecond,
		RunOnStart: true,
		Fn: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	waitFor(t, func() bool { return runs.Load() >= 3 })
	cancel()
	s.Wait()

	res, err := s.GetTask("tick")
	if err != nil || res.Status != StatusFulfill {
		t.Fatalf("GetTask = %+v, %v", res, err)
	}
}

func TestFailureAndPanicAreRecorded(t *testing.T) {
	s := New()
	s.Register(Job{Name: "fails", Interval: time.Hour, Fn: func(context.Context) error { return errors.New("boom") }})
	s.Register(Job{Name: "panics", Interval: time.Hour, Fn: func(context.Context) error { panic("bad") }})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	for _, name := range []string{"fails", "panics"} {
		if err := s.Run(name); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool {
		a, _ := s.GetTask("fails")
		b, _ := s.GetTask("panics")
		return a.Status == StatusReject && b.Status == StatusReject
	})
	if res, _ := s.GetTask("fails"); res.Message != "boom" {
		t.Fatalf("message %q", res.Message)
	}
	if err := s.Run("missing"); err == nil {
		t.Fatal("expected error for unknown job")
	}

	items := s.List()
	if len(items) != 2 || items[0].Name != "fails" || items[1].Name != "panics" {
		t.Fatalf("List = %+v", items)
	}
	cancel()
	s.Wait()
}

func TestJobTimeout(t *testing.T) {
	s := New()
	s.Register(Job{
		Name:     "slow",
		Interval: time.Hour,
		Timeout:  20 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	if err := s.Run("slow"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		res, _ := s.GetTask("slow")
		return res.Status == StatusReject
	})
	cancel()
	s.Wait()
}
