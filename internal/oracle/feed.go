package oracle

import (
	"math/big"
	"sync"
	"time"
)

// Feed is an updatable in-process PriceSource. The NATS price
// subscriber writes into it; the adapter reads from it.
type Feed struct {
	mu     sync.RWMutex
	latest Observation
	set    bool
}

func NewFeed() *Feed {
	return &Feed{}
}

// Update replaces the latest observation. Rounds are expected to be
// monotonic; the feed stores whatever the upstream reports and leaves
// round validation to the adapter.
func (f *Feed) Update(price *big.Int, observedAt time.Time, round, answeredInRound uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = Observation{
		Price:           new(big.Int).Set(price),
		ObservedAt:      observedAt,
		Round:           round,
		AnsweredInRound: answeredInRound,
	}
	f.set = true
}

// Latest implements PriceSource.
func (f *Feed) Latest() (Observation, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.set {
		return Observation{}, ErrNoObservation
	}
	obs := f.latest
	obs.Price = new(big.Int).Set(f.latest.Price)
	return obs, nil
}
