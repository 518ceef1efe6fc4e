package system

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/pifleet/panel/internal/shell"
	"github.com/pifleet/panel/internal/whitelist"
)

const (
	// JournalctlBin is run through sudo -n so a missing sudoers rule fails fast.
	JournalctlBin = "/bin/journalctl"

	// TailDefault is how many past lines a live stream starts with.
	TailDefault = 200
	// DownloadDefault is the number of lines returned when none is requested.
	DownloadDefault = 500
	MinDownload     = 10
	MaxDownload     = 5000

	// LinesPerSecond caps how fast a live stream is forwarded.
	LinesPerSecond = 100

	maxLineSize = 1 << 20
)

// StreamStarter launches a long-running command and returns its stdout.
// Closing the reader stops the command.
type StreamStarter func(ctx context.Context, argv []string) (io.ReadCloser, error)

// Journal reads journald through journalctl.
type Journal struct {
	runner shell.Runner
	policy Policy
	start  StreamStarter
	perSec int
}

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithStreamStarter replaces the process launcher used by Stream.
func WithStreamStarter(fn StreamStarter) JournalOption {
	return func(j *Journal) { j.start = fn }
}

// WithLineRate overrides LinesPerSecond. Zero or less disables pacing.
func WithLineRate(perSecond int) JournalOption {
	return func(j *Journal) { j.perSec = perSecond }
}

// NewJournal creates a journal reader.
func NewJournal(runner shell.Runner, policy Policy, opts ...JournalOption) *Journal {
	j := &Journal{
		runner: runner,
		policy: policy,
		start:  execStream,
		perSec: LinesPerSecond,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// ClampLines bounds a requested download size to MinDownload..MaxDownload.
func ClampLines(lines int) int {
	switch {
	case lines <= 0:
		return DownloadDefault
	case lines < MinDownload:
		return MinDownload
	case lines > MaxDownload:
		return MaxDownload
	}
	return lines
}

// Download returns the last lines of the journal, optionally for one unit.
func (j *Journal) Download(ctx context.Context, unit string, lines int) (string, error) {
	unit = strings.TrimSpace(unit)
	if !j.policy.AllowLogUnit(unit) {
		return "", fmt.Errorf("log unit %q: %w", unit, whitelist.ErrNotAllowed)
	}

	res, err := j.runner.Run(ctx, journalArgs(unit, ClampLines(lines), false)...)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", commandError(res, "failed to read logs")
	}
	return res.Stdout, nil
}

// Stream follows the journal and calls send for every non-empty line until
// ctx is done, the command exits or send fails. Lines are paced to the
// configured rate.
func (j *Journal) Stream(ctx context.Context, unit string, send func(line string) error) error {
	unit = strings.TrimSpace(unit)
	if !j.policy.AllowLogUnit(unit) {
		return fmt.Errorf("log unit %q: %w", unit, whitelist.ErrNotAllowed)
	}

	out, err := j.start(ctx, journalArgs(unit, TailDefault, true))
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	limiter := rate.NewLimiter(rate.Inf, 0)
	if j.perSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(j.perSec), j.perSec)
	}

	sc := bufio.NewScanner(out)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := strings.TrimRight(shell.Decode(sc.Bytes()), " \t\r")
		if line == "" {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		if err := send(line); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}

func journalArgs(unit string, lines int, follow bool) []string {
	argv := []string{"sudo", "-n", JournalctlBin, "-o", "cat"}
	if lines > 0 {
		argv = append(argv, "-n", strconv.Itoa(lines))
	}
	if unit != "" {
		argv = append(argv, "-u", unit)
	}
	if follow {
		argv = append(argv, "-f")
	}
	return argv
}

// execStream runs argv locally. Stderr is discarded.
func execStream(ctx context.Context, argv []string) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	return &processReader{ReadCloser: stdout, cmd: cmd, cancel: cancel}, nil
}

type processReader struct {
	io.ReadCloser
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

func (p *processReader) Close() error {
	p.cancel()
	_ = p.cmd.Wait()
	return nil
}
