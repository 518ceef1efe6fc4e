package scanner

import (
	"context"
	"runtime"
	"strconv"
	"time"
)

// Options carries the per-scan knobs shared by all strategies.
type Options struct {
	Timeout           time.Duration
	MaxConcurrency    int
	IncludeReverseDNS bool
	// ProbeRate caps probe starts per second; zero disables pacing.
	ProbeRate int
}

// Prober is one liveness strategy. Probe sends every event it produces to
// events and returns when all targets are handled or ctx is cancelled. It
// must not close events.
type Prober interface {
	Method() Method
	Probe(ctx context.Context, targets []string, opts Options, events chan<- Event)
}

// emit delivers ev unless the scan has been cancelled.
func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// pingArgs builds a single-echo ping command for the host platform. wait is
// how long ping itself waits for the reply.
func pingArgs(goos, ip string, wait time.Duration) []string {
	ms := wait.Milliseconds()
	switch goos {
	case "windows":
		return []string{"ping", "-n", "1", "-w", strconv.FormatInt(ms, 10), ip}
	case "darwin", "freebsd":
		return []string{"ping", "-c", "1", "-W", strconv.FormatInt(ms, 10), ip}
	default:
		return []string{"ping", "-c", "1", "-W", strconv.FormatFloat(wait.Seconds(), 'f', -1, 64), ip}
	}
}

func hostOS() string { return runtime.GOOS }
