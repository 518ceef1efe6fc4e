// Package remote runs commands and interactive shells on registered devices over SSH.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pifleet/panel/internal/registry"
	"github.com/pifleet/panel/internal/shell"
)

const (
	defaultPort        = "22"
	defaultDialTimeout = 10 * time.Second
	defaultCols        = 120
	defaultRows        = 32
)

// Client is an open SSH connection to one device.
type Client struct {
	conn *ssh.Client
}

// Dial opens an SSH connection with password authentication.
func Dial(ctx context.Context, creds registry.Credentials, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	config := &ssh.ClientConfig{
		User: creds.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(creds.Secret),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = creds.Secret
				}
				return answers, nil
			}),
		},
		// Devices on the LAN are added by address; there is no known_hosts to check against.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := creds.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, defaultPort)
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	netConn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if deadline, ok := dctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})

	return &Client{conn: ssh.NewClient(c, chans, reqs)}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Run executes argv on the device, quoting each argument for the remote
// shell. It lets a Client stand in for a local shell.Runner.
func (c *Client) Run(ctx context.Context, argv ...string) (shell.Result, error) {
	if len(argv) == 0 {
		return shell.Result{}, shell.ErrEmptyCommand
	}
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = quote(arg)
	}
	return c.Exec(ctx, strings.Join(quoted, " "))
}

// Exec executes a command line on the device through the login shell. A
// non-zero exit is reported in the result code. Cancelling ctx closes the session.
func (c *Client) Exec(ctx context.Context, command string) (shell.Result, error) {
	sess, err := c.conn.NewSession()
	if err != nil {
		return shell.Result{}, fmt.Errorf("failed to open session: %w", err)
	}
	defer func() { _ = sess.Close() }()

	var stdout, stderr strings.Builder
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return shell.Result{Code: -1, Stderr: "command timed out"}, nil
	}

	res := shell.Result{
		Stdout: shell.Decode([]byte(stdout.String())),
		Stderr: shell.Decode([]byte(stderr.String())),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.Code = exitErr.ExitStatus()
			return res, nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			res.Code = -1
			return res, nil
		}
		return res, fmt.Errorf("remote command failed: %w", err)
	}
	return res, nil
}

// quote wraps s in single quotes unless it is made only of safe characters.
func quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,@%+", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Shell is an interactive login shell on a pseudo-terminal.
type Shell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	once    sync.Once
	err     error
}

// OpenShell starts a login shell with a pty of the given terminal type.
func (c *Client) OpenShell(term string, cols, rows int) (*Shell, error) {
	if term == "" {
		term = "xterm"
	}
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}

	sess, err := c.conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(term, rows, cols, modes); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("failed to request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	sess.Stderr = io.Discard

	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	return &Shell{session: sess, stdin: stdin, stdout: stdout}, nil
}

// Read reads terminal output. It returns io.EOF once the shell exits or is closed.
func (s *Shell) Read(p []byte) (int, error) { return s.stdout.Read(p) }

// Write sends keystrokes to the terminal.
func (s *Shell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// Resize changes the pty window size.
func (s *Shell) Resize(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

// Close ends the shell session. It is safe to call more than once.
func (s *Shell) Close() error {
	s.once.Do(func() {
		_ = s.stdin.Close()
		s.err = s.session.Close()
		if errors.Is(s.err, io.EOF) {
			s.err = nil
		}
	})
	return s.err
}
