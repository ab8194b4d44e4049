// ABOUTME: Cancellable sleeping and per-destination outbound pacing
// ABOUTME: Sleeper is injectable so rate-limit waits are observable in tests

package relay

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Sleeper pauses the calling handler.
type Sleeper interface {
	// Sleep waits for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pacer keeps one token bucket per destination peer.
type pacer struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newPacer(perSecond float64, burst int) *pacer {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &pacer{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// wait blocks until peer may receive another message. A nil pacer never
// blocks.
func (p *pacer) wait(ctx context.Context, peer string) error {
	if p == nil {
		return nil
	}

	p.mu.Lock()
	lim, ok := p.limiters[peer]
	if !ok {
		lim = rate.NewLimiter(p.limit, p.burst)
		p.limiters[peer] = lim
	}
	p.mu.Unlock()

	return lim.Wait(ctx)
}
