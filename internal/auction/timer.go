package auction

import (
	"sync"
	"time"

	"github.com/jensholdgaard/draft-auction/internal/clock"
)

// Countdown is a cancellable, restartable countdown scoped to one auction.
// Start emits the current value through tick before each sleep, so the first
// tick carries the full value (5, 4, 3, ...), then calls expire exactly once
// when the count reaches zero. Cancel stops the run and reports the value it
// held; a cancelled run never fires expire.
type Countdown struct {
	clk      clock.Clock
	interval time.Duration

	mu  sync.Mutex
	run *countdownRun
}

type countdownRun struct {
	stop      chan struct{}
	remaining int
}

// NewCountdown returns a countdown ticking at the given interval. An
// interval of zero or below falls back to one second.
func NewCountdown(clk clock.Clock, interval time.Duration) *Countdown {
	if interval <= 0 {
		interval = time.Second
	}
	return &Countdown{clk: clk, interval: interval}
}

// Start cancels any prior run and begins a new countdown from initial.
func (c *Countdown) Start(initial int, tick func(remaining int), expire func()) {
	c.mu.Lock()
	c.cancelLocked()
	run := &countdownRun{stop: make(chan struct{}), remaining: initial}
	c.run = run
	c.mu.Unlock()

	go c.loop(run, initial, tick, expire)
}

// Cancel stops the active run and reports the value it held. After Cancel
// returns, the run cannot fire expire.
func (c *Countdown) Cancel() (remaining int, wasRunning bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return 0, false
	}
	remaining = c.run.remaining
	c.cancelLocked()
	return remaining, true
}

// Running reports whether a countdown is live.
func (c *Countdown) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != nil
}

func (c *Countdown) cancelLocked() {
	if c.run != nil {
		close(c.run.stop)
		c.run = nil
	}
}

func (c *Countdown) loop(run *countdownRun, initial int, tick func(int), expire func()) {
	for v := initial; v > 0; v-- {
		c.mu.Lock()
		if c.run != run {
			c.mu.Unlock()
			return
		}
		run.remaining = v
		c.mu.Unlock()

		tick(v)

		select {
		case <-run.stop:
			return
		case <-c.clk.After(c.interval):
		}
	}

	// Claim the expiry under the lock so Cancel cannot race a late fire.
	c.mu.Lock()
	if c.run != run {
		c.mu.Unlock()
		return
	}
	c.run = nil
	c.mu.Unlock()

	expire()
}
