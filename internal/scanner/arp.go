package scanner

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/pifleet/panel/internal/shell"
)

const arpPopulateWait = 100 * time.Millisecond

// Matches both "192.168.1.5   b8-27-eb-01-02-03   dynamic" (Windows) and
// "? (192.168.1.5) at b8:27:eb:1:2:3 on en0" (Linux, BSD).
var arpEntryPattern = regexp.MustCompile(
	`\(?(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\)?\s+(?:at\s+)?([0-9A-Fa-f]{1,2}(?:[:-][0-9A-Fa-f]{1,2}){5})`)

// ARPEntry is one IP to MAC mapping from the neighbour table.
type ARPEntry struct {
	IP  string
	MAC string
}

// ParseARPTable extracts entries from `arp -a` output. MACs are normalised.
func ParseARPTable(output string) []ARPEntry {
	var entries []ARPEntry
	for _, m := range arpEntryPattern.FindAllStringSubmatch(output, -1) {
		entries = append(entries, ARPEntry{IP: m[1], MAC: NormalizeMAC(m[2])})
	}
	return entries
}

// ARPProber refreshes the neighbour table with a ping sweep, then reads it
// once and reports which targets have a resolved MAC.
type ARPProber struct {
	runner shell.Runner
	goos   string
	logger *zap.SugaredLogger
}

// NewARPProber creates an ARP strategy that shells out through runner.
func NewARPProber(runner shell.Runner, logger *zap.SugaredLogger) *ARPProber {
	return &ARPProber{runner: runner, goos: hostOS(), logger: logger}
}

// Method implements Prober.
func (p *ARPProber) Method() Method { return MethodARP }

// Probe implements Prober.
func (p *ARPProber) Probe(ctx context.Context, targets []string, opts Options, events chan<- Event) {
	if !emit(ctx, events, logEvent("Starting ARP scan of %d hosts", len(targets))) {
		return
	}

	gov := NewGovernor(opts.MaxConcurrency, opts.ProbeRate)
	gov.Each(ctx, targets, func(ctx context.Context, ip string) {
		pctx, cancel := context.WithTimeout(ctx, opts.Timeout+arpPopulateWait)
		defer cancel()
		// Only the side effect on the neighbour table matters here.
		_, _ = p.runner.Run(pctx, pingArgs(p.goos, ip, arpPopulateWait)...)
	})
	if ctx.Err() != nil {
		return
	}

	if !emit(ctx, events, logEvent("ARP table updated, reading entries...")) {
		return
	}

	out, err := p.runner.Run(ctx, "arp", "-a")
	if err != nil {
		p.logger.Warnw("Failed to read ARP table", "error", err)
		emit(ctx, events, logEvent("Could not read ARP table: %v", err))
	}

	pending := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		pending[t] = struct{}{}
	}

	for _, entry := range ParseARPTable(out.Stdout) {
		if _, ok := pending[entry.IP]; !ok {
			continue
		}
		delete(pending, entry.IP)

		res := Result{
			IP:            entry.IP,
			Status:        StatusActive,
			Method:        MethodARP,
			MAC:           entry.MAC,
			IsRaspberryPi: IsRaspberryPiMAC(entry.MAC),
			Details:       fmt.Sprintf("MAC: %s", entry.MAC),
		}
		if !emit(ctx, events, resultEvent(res)) {
			return
		}
	}

	for _, ip := range targets {
		if _, ok := pending[ip]; !ok {
			continue
		}
		res := Result{IP: ip, Status: StatusInactive, Method: MethodARP, Details: "No ARP response"}
		if !emit(ctx, events, resultEvent(res)) {
			return
		}
	}
}
