package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSweeperRunsPasses(t *testing.T) {
	var passes int32
	s := NewSweeper("test", 10*time.Millisecond, time.Millisecond, func(context.Context) error {
		atomic.AddInt32(&passes, 1)
		return nil
	})
	s.Start()
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&passes) < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d passes ran", atomic.LoadInt32(&passes))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSweeperContinuesAfterError(t *testing.T) {
	var passes int32
	s := NewSweeper("test", 5*time.Millisecond, time.Millisecond, func(context.Context) error {
		if atomic.AddInt32(&passes, 1) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	s.Start()
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&passes) < 2 {
		select {
		case <-deadline:
			t.Fatal("sweeper did not resume after a failing pass")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSweeperStopAwaitsInFlightPass(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan struct{})
	s := NewSweeper("test", time.Millisecond, time.Millisecond, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
			time.Sleep(20 * time.Millisecond)
			close(finished)
		default:
		}
		return nil
	})
	s.Start()

	<-started
	s.Stop()
	select {
	case <-finished:
	default:
		t.Fatal("stop returned before the in-flight pass completed")
	}

	// Stop is idempotent.
	s.Stop()
}
