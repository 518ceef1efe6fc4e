package scanner

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pifleet/panel/internal/shell"
)

const pingWait = 500 * time.Millisecond

// PingProber marks a host active when it answers a single ICMP echo.
type PingProber struct {
	runner shell.Runner
	goos   string
	logger *zap.SugaredLogger
}

// NewPingProber creates a ping strategy that shells out through runner.
func NewPingProber(runner shell.Runner, logger *zap.SugaredLogger) *PingProber {
	return &PingProber{runner: runner, goos: hostOS(), logger: logger}
}

// Method implements Prober.
func (p *PingProber) Method() Method { return MethodPing }

// Probe implements Prober.
func (p *PingProber) Probe(ctx context.Context, targets []string, opts Options, events chan<- Event) {
	if !emit(ctx, events, logEvent("Starting ping scan of %d hosts", len(targets))) {
		return
	}

	gov := NewGovernor(opts.MaxConcurrency, opts.ProbeRate)
	gov.Each(ctx, targets, func(ctx context.Context, ip string) {
		if !emit(ctx, events, logEvent("Pinging %s...", ip)) {
			return
		}

		res := Result{IP: ip, Status: StatusInactive, Method: MethodPing, Details: "No response to ping"}
		if p.alive(ctx, ip, opts.Timeout) {
			res.Status = StatusActive
			res.Details = "Responds to ping"
		}
		emit(ctx, events, resultEvent(res))
	})
}

func (p *PingProber) alive(ctx context.Context, ip string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout+pingWait)
	defer cancel()

	out, err := p.runner.Run(ctx, pingArgs(p.goos, ip, pingWait)...)
	if err != nil {
		p.logger.Debugw("Ping failed to start", "ip", ip, "error", err)
		return false
	}
	return pingReplied(out.Stdout)
}

func pingReplied(stdout string) bool {
	lower := strings.ToLower(stdout)
	return strings.Contains(lower, "ttl") || strings.Contains(lower, "bytes from")
}
