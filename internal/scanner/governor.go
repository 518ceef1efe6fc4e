package scanner

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Governor bounds how many probes run at once within a scan and, optionally,
// how fast new probes may start.
type Governor struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewGovernor creates a governor admitting at most limit concurrent probes.
// A positive perSecond additionally paces probe starts.
func NewGovernor(limit int, perSecond int) *Governor {
	if limit < 1 {
		limit = 1
	}
	g := &Governor{sem: semaphore.NewWeighted(int64(limit))}
	if perSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	}
	return g
}

// Each runs fn for every target, never more than the governor's limit at a
// time, and returns once all started calls have finished. Targets not yet
// started when ctx is cancelled are skipped.
func (g *Governor) Each(ctx context.Context, targets []string, fn func(ctx context.Context, target string)) {
	var wg sync.WaitGroup
	for _, target := range targets {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			break
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				g.sem.Release(1)
				break
			}
		}

		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			defer g.sem.Release(1)
			fn(ctx, target)
		}(target)
	}
	wg.Wait()
}
