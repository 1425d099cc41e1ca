package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/relayops/actionqueue/pkg/metrics"
	"github.com/relayops/actionqueue/pkg/store"
)

// Sweeper periodically fails actions whose deadline passed while they waited
// in the queue. Expiration only touches waiting statuses, so an action that
// is already executing finishes on its own terms.
type Sweeper struct {
	repo     store.ActionRepository
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(repo store.ActionRepository, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{repo: repo, interval: interval}
}

func (s *Sweeper) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		log.Printf("sweeper: started with interval %v", s.interval)
		for {
			select {
			case <-runCtx.Done():
				log.Println("sweeper: stopping")
				return
			case <-ticker.C:
				s.sweepOnce(runCtx)
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	expired, err := s.repo.ExpireOverdue(ctx, time.Now().UTC())
	if err != nil {
		log.Printf("sweeper: expire pass failed: %v", err)
		return
	}
	if expired > 0 {
		log.Printf("sweeper: expired %d overdue actions", expired)
		metrics.AddExpired(float64(expired))
	}

	waiting, err := s.repo.List(ctx, store.ListFilter{
		Statuses: []store.Status{store.StatusQueued, store.StatusScheduled},
	})
	if err != nil {
		log.Printf("sweeper: queue depth refresh failed: %v", err)
		return
	}
	metrics.SetQueueDepth(float64(len(waiting)))
}
