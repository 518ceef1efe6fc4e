// Package terminal relays an interactive remote shell to a browser client.
package terminal

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/pifleet/panel/internal/shell"
)

// ErrClosed is returned by Client.ReadText once the client has gone away.
var ErrClosed = errors.New("client closed")

// WebSocket close codes used by the relay.
const (
	CloseNormal        = 1000
	ClosePolicy        = 1008
	CloseInternalError = 1011
)

const readBufferSize = 1024

// Shell is the remote end of a session.
type Shell interface {
	io.Reader
	io.Writer
	Close() error
}

// Client is the browser end of a session.
type Client interface {
	ReadText(ctx context.Context) (string, error)
	WriteText(ctx context.Context, text string) error
	Close(code int, reason string) error
}

// Relay pumps bytes between a Shell and a Client until either side ends.
type Relay struct {
	shell  Shell
	client Client
	logger *zap.SugaredLogger

	closeOnce sync.Once
	closing   atomic.Bool
}

// NewRelay creates a relay for one session.
func NewRelay(sh Shell, client Client, logger *zap.SugaredLogger) *Relay {
	return &Relay{shell: sh, client: client, logger: logger}
}

// Run relays until the remote shell ends, the client disconnects or ctx is
// cancelled. Whichever pump finishes first stops the other; Run returns only
// after both have exited. The remote shell is closed exactly once and the
// client is always closed. A failure is reported to the client as a text
// notice followed by close code 1011, and returned.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, r.closeRemote)
	defer stop()

	errs := make(chan error, 2)
	go func() { errs <- r.outbound(ctx) }()
	go func() { errs <- r.inbound(ctx) }()

	first := <-errs
	r.closeRemote()

	code, reason := CloseNormal, "session ended"
	if first != nil {
		r.logger.Warnw("Terminal session failed", "error", first)
		_ = r.client.WriteText(ctx, "\r\n[session error: "+first.Error()+"]\r\n")
		code, reason = CloseInternalError, "session error"
	}
	_ = r.client.Close(code, reason)

	if second := <-errs; second != nil && first == nil {
		r.logger.Debugw("Terminal pump ended with error after shutdown", "error", second)
	}
	cancel()
	return first
}

func (r *Relay) closeRemote() {
	r.closeOnce.Do(func() {
		r.closing.Store(true)
		if err := r.shell.Close(); err != nil {
			r.logger.Debugw("Closing remote shell", "error", err)
		}
	})
}

// outbound copies remote output to the client. A multi-byte character split
// across reads is held back until its remaining bytes arrive.
func (r *Relay) outbound(ctx context.Context) error {
	buf := make([]byte, readBufferSize)
	var pending []byte

	for {
		n, err := r.shell.Read(buf)
		if n > 0 {
			data := append(pending, buf[:n]...)
			cut := completePrefix(data)
			text := shell.Decode(data[:cut])
			pending = append([]byte(nil), data[cut:]...)
			if text != "" {
				if werr := r.client.WriteText(ctx, text); werr != nil {
					return nil
				}
			}
		}
		if err != nil {
			if len(pending) > 0 {
				_ = r.client.WriteText(ctx, shell.Decode(pending))
			}
			if errors.Is(err, io.EOF) || r.closing.Load() {
				return nil
			}
			return err
		}
	}
}

// inbound copies client keystrokes to the remote shell.
func (r *Relay) inbound(ctx context.Context) error {
	for {
		text, err := r.client.ReadText(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || r.closing.Load() || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if _, err := r.shell.Write([]byte(text)); err != nil {
			if r.closing.Load() {
				return nil
			}
			return err
		}
	}
}

// completePrefix returns the length of data without a trailing incomplete
// UTF-8 sequence.
func completePrefix(data []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(data); i++ {
		b := data[len(data)-i]
		if !utf8.RuneStart(b) {
			continue
		}
		if !utf8.FullRune(data[len(data)-i:]) {
			return len(data) - i
		}
		break
	}
	return len(data)
}
