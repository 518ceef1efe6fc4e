package terminal

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeShell struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu     sync.Mutex
	input  strings.Builder
	closes atomic.Int32
}

func newFakeShell() *fakeShell {
	pr, pw := io.Pipe()
	return &fakeShell{pr: pr, pw: pw}
}

func (s *fakeShell) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *fakeShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input.Write(p)
}

func (s *fakeShell) Close() error {
	s.closes.Add(1)
	return s.pr.Close()
}

func (s *fakeShell) typed() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input.String()
}

type fakeClient struct {
	incoming chan string
	done     chan struct{}

	mu        sync.Mutex
	out       []string
	code      int
	closeOnce sync.Once
	closes    atomic.Int32
}

func newFakeClient() *fakeClient {
	return &fakeClient{incoming: make(chan string), done: make(chan struct{})}
}

func (c *fakeClient) ReadText(ctx context.Context) (string, error) {
	select {
	case msg, ok := <-c.incoming:
		if !ok {
			return "", ErrClosed
		}
		return msg, nil
	case <-c.done:
		return "", ErrClosed
	}
}

func (c *fakeClient) WriteText(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, text)
	return nil
}

func (c *fakeClient) Close(code int, _ string) error {
	c.closes.Add(1)
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.code = code
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *fakeClient) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.out, "")
}

func (c *fakeClient) closeCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func startRelay(ctx context.Context, sh *fakeShell, cl *fakeClient) <-chan error {
	done := make(chan error, 1)
	go func() { done <- NewRelay(sh, cl, zap.NewNop().Sugar()).Run(ctx) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
		return nil
	}
}

func TestRelayClientDisconnect(t *testing.T) {
	sh, cl := newFakeShell(), newFakeClient()
	done := startRelay(context.Background(), sh, cl)

	_, err := sh.pw.Write([]byte("pi@raspberrypi:~ $ "))
	require.NoError(t, err)
	cl.incoming <- "ls\r"
	assert.Eventually(t, func() bool { return sh.typed() == "ls\r" }, time.Second, 5*time.Millisecond)

	close(cl.incoming)
	require.NoError(t, wait(t, done))

	assert.Equal(t, "pi@raspberrypi:~ $ ", cl.output())
	assert.EqualValues(t, 1, sh.closes.Load())
	assert.Equal(t, CloseNormal, cl.closeCode())
}

func TestRelayRemoteExit(t *testing.T) {
	sh, cl := newFakeShell(), newFakeClient()
	done := startRelay(context.Background(), sh, cl)

	_, err := sh.pw.Write([]byte("logout\r\n"))
	require.NoError(t, err)
	require.NoError(t, sh.pw.Close())

	require.NoError(t, wait(t, done))
	assert.Equal(t, "logout\r\n", cl.output())
	assert.EqualValues(t, 1, sh.closes.Load())
	assert.Equal(t, CloseNormal, cl.closeCode())
}

func TestRelayRemoteFailure(t *testing.T) {
	sh, cl := newFakeShell(), newFakeClient()
	done := startRelay(context.Background(), sh, cl)

	require.NoError(t, sh.pw.CloseWithError(errors.New("connection reset")))

	err := wait(t, done)
	require.Error(t, err)
	assert.Contains(t, cl.output(), "connection reset")
	assert.Equal(t, CloseInternalError, cl.closeCode())
	assert.EqualValues(t, 1, sh.closes.Load())
	assert.EqualValues(t, 1, cl.closes.Load())
}

func TestRelayContextCancel(t *testing.T) {
	sh, cl := newFakeShell(), newFakeClient()
	ctx, cancel := context.WithCancel(context.Background())
	done := startRelay(ctx, sh, cl)

	cancel()
	require.NoError(t, wait(t, done))
	assert.EqualValues(t, 1, sh.closes.Load())
	assert.Equal(t, CloseNormal, cl.closeCode())
}

func TestRelayHoldsSplitCharacters(t *testing.T) {
	sh, cl := newFakeShell(), newFakeClient()
	done := startRelay(context.Background(), sh, cl)

	euro := []byte("€")
	_, err := sh.pw.Write(euro[:2])
	require.NoError(t, err)
	_, err = sh.pw.Write(euro[2:])
	require.NoError(t, err)
	require.NoError(t, sh.pw.Close())

	require.NoError(t, wait(t, done))
	assert.Equal(t, "€", cl.output())
}

func TestCompletePrefix(t *testing.T) {
	euro := []byte("a€")
	assert.Equal(t, 4, completePrefix(euro))
	assert.Equal(t, 1, completePrefix(euro[:2]))
	assert.Equal(t, 1, completePrefix(euro[:3]))
	assert.Equal(t, 0, completePrefix(nil))
	assert.Equal(t, 2, completePrefix([]byte{'a', 0xff}))
}
