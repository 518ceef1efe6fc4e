package system

import (
	"context"
	"fmt"

	"github.com/pifleet/panel/internal/shell"
)

const (
	RebootBin   = "/sbin/reboot"
	PoweroffBin = "/sbin/poweroff"
)

// Confirmation values expected in the X-Confirm header.
const (
	ConfirmReboot   = "REBOOT"
	ConfirmPoweroff = "POWEROFF"
)

// Power changes the power state of a host.
type Power struct {
	runner shell.Runner
	sudo   bool
}

// NewPower controls the host behind runner. Remote devices log in as an
// unprivileged user, so their commands go through sudo -n.
func NewPower(runner shell.Runner, sudo bool) *Power {
	return &Power{runner: runner, sudo: sudo}
}

// Reboot restarts the host.
func (p *Power) Reboot(ctx context.Context) (shell.Result, error) {
	return p.run(ctx, RebootBin)
}

// Poweroff halts the host.
func (p *Power) Poweroff(ctx context.Context) (shell.Result, error) {
	return p.run(ctx, PoweroffBin)
}

func (p *Power) run(ctx context.Context, bin string) (shell.Result, error) {
	argv := []string{bin}
	if p.sudo {
		argv = append([]string{"sudo", "-n"}, argv...)
	}
	return p.runner.Run(ctx, argv...)
}

// Exec runs an operator supplied command line after rejecting anything that
// would need a shell to interpret.
func Exec(ctx context.Context, runner shell.Runner, command string) (shell.Result, error) {
	argv, err := shell.Sanitize(command)
	if err != nil {
		return shell.Result{}, err
	}
	res, err := runner.Run(ctx, argv...)
	if err != nil {
		return res, fmt.Errorf("exec %s: %w", argv[0], err)
	}
	return res, nil
}
