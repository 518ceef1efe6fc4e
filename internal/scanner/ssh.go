package scanner

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pifleet/panel/internal/shell"
)

const (
	defaultSSHPort       = 22
	defaultBannerTimeout = 500 * time.Millisecond
	maxBannerLength      = 255
)

// Dialer opens TCP connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver performs reverse DNS lookups. *net.Resolver satisfies it.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// SSHProber marks a host active when its SSH port accepts a connection and
// reads the identification banner when one arrives quickly.
type SSHProber struct {
	dialer        Dialer
	resolver      Resolver
	port          int
	bannerTimeout time.Duration
	logger        *zap.SugaredLogger
}

// SSHProberOption configures an SSHProber.
type SSHProberOption func(*SSHProber)

// WithSSHPort overrides the probed port.
func WithSSHPort(port int) SSHProberOption {
	return func(p *SSHProber) { p.port = port }
}

// WithBannerTimeout bounds how long to wait for the banner after connecting.
func WithBannerTimeout(d time.Duration) SSHProberOption {
	return func(p *SSHProber) { p.bannerTimeout = d }
}

// WithDialer replaces the network dialer.
func WithDialer(d Dialer) SSHProberOption {
	return func(p *SSHProber) { p.dialer = d }
}

// WithResolver replaces the reverse DNS resolver.
func WithResolver(r Resolver) SSHProberOption {
	return func(p *SSHProber) { p.resolver = r }
}

// NewSSHProber creates an SSH strategy.
func NewSSHProber(logger *zap.SugaredLogger, opts ...SSHProberOption) *SSHProber {
	p := &SSHProber{
		dialer:        &net.Dialer{},
		resolver:      net.DefaultResolver,
		port:          defaultSSHPort,
		bannerTimeout: defaultBannerTimeout,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.port <= 0 {
		p.port = defaultSSHPort
	}
	if p.bannerTimeout <= 0 {
		p.bannerTimeout = defaultBannerTimeout
	}
	return p
}

// Method implements Prober.
func (p *SSHProber) Method() Method { return MethodSSH }

// Probe implements Prober.
func (p *SSHProber) Probe(ctx context.Context, targets []string, opts Options, events chan<- Event) {
	if !emit(ctx, events, logEvent("Starting SSH scan of %d hosts on port %d", len(targets), p.port)) {
		return
	}

	gov := NewGovernor(opts.MaxConcurrency, opts.ProbeRate)
	gov.Each(ctx, targets, func(ctx context.Context, ip string) {
		if !emit(ctx, events, logEvent("Checking SSH on %s...", ip)) {
			return
		}
		res := p.probeHost(ctx, ip, opts)
		if res.Status == StatusActive {
			emit(ctx, events, logEvent("SSH open on %s", ip))
		}
		emit(ctx, events, resultEvent(res))
	})
}

func (p *SSHProber) probeHost(ctx context.Context, ip string, opts Options) Result {
	res := Result{
		IP:      ip,
		Status:  StatusInactive,
		Method:  MethodSSH,
		Details: fmt.Sprintf("Port %d closed or filtered", p.port),
	}

	dctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	conn, err := p.dialer.DialContext(dctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(p.port)))
	cancel()
	if err != nil {
		return res
	}

	res.Status = StatusActive
	res.Details = fmt.Sprintf("Port %d open", p.port)

	banner := p.readBanner(conn)
	_ = conn.Close()
	if banner != "" {
		res.SSHBanner = banner
		res.Details += fmt.Sprintf(" (%s)", banner)
		res.IsRaspberryPi = IsRaspberryPiBanner(banner)
		if fp, ok := ParseSSHBanner(banner); ok {
			res.SSHSoftware = fp.Software
		}
	}

	if opts.IncludeReverseDNS {
		if name := p.reverseLookup(ctx, ip, opts.Timeout); name != "" {
			res.Hostname = name
			if !res.IsRaspberryPi {
				res.IsRaspberryPi = IsRaspberryPiHostname(name)
			}
		}
	}

	return res
}

// readBanner returns the first line the server sends, or whatever arrived
// before the banner timeout.
func (p *SSHProber) readBanner(conn net.Conn) string {
	if err := conn.SetReadDeadline(time.Now().Add(p.bannerTimeout)); err != nil {
		return ""
	}
	line, _ := bufio.NewReaderSize(conn, maxBannerLength+1).ReadSlice('\n')
	return strings.TrimSpace(shell.Decode(line))
}

func (p *SSHProber) reverseLookup(ctx context.Context, ip string, timeout time.Duration) string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	names, err := p.resolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		p.logger.Debugw("Reverse DNS lookup failed", "ip", ip, "error", err)
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}
