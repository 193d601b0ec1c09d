// Package tick provides the block height the switch logic runs on. The core
// only ever reads a Source, it never advances one.
package tick

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/raulk/clock"

	"dead-mans-switch/internal/core"
)

// Source reports the current block height.
type Source interface {
	CurrentTick() core.Tick
}

// Manual is a Source advanced explicitly, by tests or by an embedding
// block producer.
type Manual struct {
	height atomic.Uint64
}

func NewManual(start core.Tick) *Manual {
	m := &Manual{}
	m.height.Store(uint64(start))
	return m
}

func (m *Manual) CurrentTick() core.Tick {
	return core.Tick(m.height.Load())
}

// Advance moves the height forward by n and returns the new height.
func (m *Manual) Advance(n core.Tick) core.Tick {
	return core.Tick(m.height.Add(uint64(n)))
}

// Set jumps to height h. Going backwards is refused.
func (m *Manual) Set(h core.Tick) error {
	for {
		cur := m.height.Load()
		if uint64(h) < cur {
			return fmt.Errorf("tick: cannot move from %d back to %d", cur, h)
		}
		if m.height.CompareAndSwap(cur, uint64(h)) {
			return nil
		}
	}
}

// Wall derives the height from elapsed wall time since genesis, one tick per
// interval. Readings before genesis are height zero.
type Wall struct {
	clk      clock.Clock
	genesis  time.Time
	interval time.Duration
}

func NewWall(clk clock.Clock, genesis time.Time, interval time.Duration) (*Wall, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("tick: block interval must be positive, got %s", interval)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Wall{clk: clk, genesis: genesis, interval: interval}, nil
}

func (w *Wall) CurrentTick() core.Tick {
	elapsed := w.clk.Now().Sub(w.genesis)
	if elapsed <= 0 {
		return 0
	}
	return core.Tick(elapsed / w.interval)
}

// Interval is the wall duration of one tick.
func (w *Wall) Interval() time.Duration { return w.interval }
