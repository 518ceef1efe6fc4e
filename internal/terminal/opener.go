package terminal

import (
	"context"
	"time"

	"github.com/pifleet/panel/internal/registry"
	"github.com/pifleet/panel/internal/remote"
)

// Opener starts an interactive shell on a device.
type Opener interface {
	Open(ctx context.Context, creds registry.Credentials) (Shell, error)
}

// SSHOpener opens shells over SSH with a pty of type Term.
type SSHOpener struct {
	Timeout time.Duration
	Term    string
}

// Open implements Opener. Closing the returned shell also closes the connection.
func (o SSHOpener) Open(ctx context.Context, creds registry.Credentials) (Shell, error) {
	client, err := remote.Dial(ctx, creds, o.Timeout)
	if err != nil {
		return nil, err
	}
	sh, err := client.OpenShell(o.Term, 0, 0)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return &sshShell{Shell: sh, client: client}, nil
}

type sshShell struct {
	*remote.Shell
	client *remote.Client
}

func (s *sshShell) Close() error {
	err := s.Shell.Close()
	_ = s.client.Close()
	return err
}
