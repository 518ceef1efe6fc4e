package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pifleet/panel/internal/config"
	"github.com/pifleet/panel/internal/scanner"
	"github.com/pifleet/panel/internal/shell"
)

var discoverFlags struct {
	method      string
	network     string
	hosts       []string
	timeout     time.Duration
	concurrency int
	noDNS       bool
	verbose     bool
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Run one discovery scan and print the results",
	Long: `Run a single discovery scan without starting the HTTP API.
Results are printed to stdout as JSON lines; progress goes to stderr.

Examples:
  panel discover --network 192.168.1.0/24
  panel discover --method ping --hosts 10.0.0.5,10.0.0.6 --timeout 500ms
`,
	RunE: runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)

	f := discoverCmd.Flags()
	f.StringVarP(&discoverFlags.method, "method", "m", string(scanner.MethodSSH), "probe strategy: ssh, ping or arp")
	f.StringVarP(&discoverFlags.network, "network", "n", "", "IPv4 network in CIDR form")
	f.StringSliceVar(&discoverFlags.hosts, "hosts", nil, "explicit IPv4 addresses, scanned after the hosts of --network")
	f.DurationVarP(&discoverFlags.timeout, "timeout", "t", 0, "per-probe timeout")
	f.IntVarP(&discoverFlags.concurrency, "concurrency", "c", 0, "maximum probes in flight")
	f.BoolVar(&discoverFlags.noDNS, "no-dns", false, "skip reverse DNS lookups")
	f.BoolVarP(&discoverFlags.verbose, "verbose", "v", false, "log probe details to stderr")
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := newCLILogger(discoverFlags.verbose)
	defer func() { _ = logger.Sync() }()

	scan := scanner.New(cfg.Scanner, shell.NewExecRunner(), logger)
	defer scan.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := scan.Start(ctx, scan.Defaults(scanner.Request{
		Method:            scanner.Method(discoverFlags.method),
		Network:           discoverFlags.network,
		Hosts:             discoverFlags.hosts,
		Timeout:           discoverFlags.timeout,
		MaxConcurrency:    discoverFlags.concurrency,
		IncludeReverseDNS: !discoverFlags.noDNS,
	}))
	if err != nil {
		return err
	}

	return printEvents(ctx, sess, json.NewEncoder(cmd.OutOrStdout()), cmd.ErrOrStderr())
}

func printEvents(ctx context.Context, sess *scanner.Session, enc *json.Encoder, progress io.Writer) error {
	var active int
	for ev := range sess.Events() {
		if ev.Kind == scanner.EventResult {
			if ev.Result.Status == scanner.StatusActive {
				active++
			}
			if err := enc.Encode(ev.Result); err != nil {
				sess.Cancel()
				return err
			}
			continue
		}
		if !ev.IsFinished() {
			_, _ = fmt.Fprintln(progress, ev.Message)
		}
	}
	if ctx.Err() != nil || sess.State() == scanner.StateCancelled {
		return fmt.Errorf("scan cancelled")
	}
	_, _ = fmt.Fprintf(progress, "%d of %d hosts active in %s\n",
		active, len(sess.Targets), time.Since(sess.StartedAt).Round(time.Millisecond))
	return nil
}
