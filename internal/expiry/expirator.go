package expiry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PeriodicExpirator sweeps an ExpirationMap on a fixed cadence and hands
// expired entries to a callback.
type PeriodicExpirator[K comparable, V any] struct {
	m        *ExpirationMap[K, V]
	interval time.Duration
	onExpire func(map[K]V)

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewPeriodicExpirator creates a sweeper for m. Start must be called to
// begin sweeping.
func NewPeriodicExpirator[K comparable, V any](m *ExpirationMap[K, V], interval time.Duration, onExpire func(map[K]V)) *PeriodicExpirator[K, V] {
	return &PeriodicExpirator[K, V]{
		m:        m,
		interval: interval,
		onExpire: onExpire,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep goroutine.
func (p *PeriodicExpirator[K, V]) Start() {
	go p.run()
}

// Stop halts sweeping and waits for the worker to exit.
func (p *PeriodicExpirator[K, V]) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	<-p.doneCh
}

func (p *PeriodicExpirator[K, V]) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopCh:
			return
		}
	}
}

func (p *PeriodicExpirator[K, V]) sweep() {
	expired := p.m.PopExpired(time.Now())
	if len(expired) == 0 {
		return
	}
	log.Debug().Int("count", len(expired)).Msg("Expired entries swept")
	if p.onExpire != nil {
		p.onExpire(expired)
	}
}
