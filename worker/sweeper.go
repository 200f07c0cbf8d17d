// Package worker runs Clarinet's background sweepers: periodic cleanup
// passes with a shared loop shape and graceful shutdown.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clarinet-dicom/clarinet/common"
)

// Pass is one cleanup pass. It should honor ctx and return promptly on
// cancellation.
type Pass func(ctx context.Context) error

// Sweeper runs a pass on a fixed interval. A failing pass is logged and
// followed by a grace backoff before the loop resumes.
type Sweeper struct {
	name     string
	interval time.Duration
	grace    time.Duration
	pass     Pass

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewSweeper builds a sweeper. The grace backoff defaults to one minute
// when zero.
func NewSweeper(name string, interval, grace time.Duration, pass Pass) *Sweeper {
	if grace <= 0 {
		grace = time.Minute
	}
	return &Sweeper{
		name:     name,
		interval: interval,
		grace:    grace,
		pass:     pass,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. The first pass runs after one interval,
// not immediately, so startup is not delayed by cleanup work.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		defer close(s.done)
		log := common.Logger.WithFields(logrus.Fields{"sweeper": s.name})
		log.WithFields(logrus.Fields{"interval": s.interval}).Info("sweeper started")

		timer := time.NewTimer(s.interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info("sweeper stopped")
				return
			case <-timer.C:
			}

			wait := s.interval
			if err := s.pass(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("sweep pass failed")
				wait = s.grace
			}
			timer.Reset(wait)
		}
	}()
}

// Stop cancels the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.once.Do(func() {
		if s.cancel == nil {
			close(s.done)
			return
		}
		s.cancel()
		<-s.done
	})
}
