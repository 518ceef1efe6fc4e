package scanner

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// peakTracker records the highest number of calls running at once.
type peakTracker struct {
	inFlight, peak, calls atomic.Int64
}

func (p *peakTracker) enter() {
	n := p.inFlight.Add(1)
	for {
		cur := p.peak.Load()
		if n <= cur || p.peak.CompareAndSwap(cur, n) {
			break
		}
	}
}

func (p *peakTracker) leave() {
	p.inFlight.Add(-1)
	p.calls.Add(1)
}

func TestGovernorBoundsConcurrency(t *testing.T) {
	for _, limit := range []int{MinConcurrency, 2, 5, 37, MaxConcurrency} {
		t.Run(fmt.Sprintf("limit_%d", limit), func(t *testing.T) {
			targets := make([]string, 2*limit+3)
			for i := range targets {
				targets[i] = fmt.Sprintf("target-%d", i)
			}

			var tr peakTracker
			NewGovernor(limit, 0).Each(context.Background(), targets, func(ctx context.Context, target string) {
				tr.enter()
				time.Sleep(2 * time.Millisecond)
				tr.leave()
			})

			assert.EqualValues(t, len(targets), tr.calls.Load())
			assert.LessOrEqual(t, tr.peak.Load(), int64(limit))
			assert.Positive(t, tr.peak.Load())
		})
	}
}

func TestGovernorSkipsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int64
	NewGovernor(2, 0).Each(ctx, []string{"a", "b", "c"}, func(context.Context, string) {
		calls.Add(1)
	})
	assert.Zero(t, calls.Load())
}

func TestGovernorRateLimit(t *testing.T) {
	var calls atomic.Int64
	NewGovernor(10, 1000).Each(context.Background(), []string{"a", "b", "c", "d"}, func(context.Context, string) {
		calls.Add(1)
	})
	assert.EqualValues(t, 4, calls.Load())
}
