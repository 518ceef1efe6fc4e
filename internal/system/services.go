// Package system wraps the host commands the panel drives: systemd units,
// the journal, power state and ad-hoc commands. Every helper runs through a
// shell.Runner, so the same code manages the local host or a device over SSH.
package system

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pifleet/panel/internal/shell"
	"github.com/pifleet/panel/internal/whitelist"
)

// SystemctlBin is the absolute path used for every systemctl call.
const SystemctlBin = "/bin/systemctl"

// ErrCommandFailed wraps a host command that exited non-zero.
var ErrCommandFailed = errors.New("command failed")

// ErrInvalidAction is returned for systemctl verbs outside start|stop|restart|status.
var ErrInvalidAction = errors.New("invalid action; use start, stop, restart or status")

var serviceActions = map[string]struct{}{
	"start":   {},
	"stop":    {},
	"restart": {},
	"status":  {},
}

// Policy is the subset of the whitelist the helpers consult.
type Policy interface {
	Services() []string
	AllowService(name string) bool
	AllowLogUnit(unit string) bool
}

// ServiceStatus is the parsed output of systemctl show.
type ServiceStatus struct {
	Name        string `json:"name"`
	ActiveState string `json:"active_state"`
	SubState    string `json:"sub_state"`
	Result      string `json:"result,omitempty"`
	Description string `json:"description,omitempty"`
}

// Services manages systemd units allowed by a Policy.
type Services struct {
	runner shell.Runner
	policy Policy
}

// NewServices creates a unit manager on top of runner.
func NewServices(runner shell.Runner, policy Policy) *Services {
	return &Services{runner: runner, policy: policy}
}

// List returns the whitelisted services, or every installed service unit
// when the whitelist is empty.
func (s *Services) List(ctx context.Context) ([]string, error) {
	if names := s.policy.Services(); len(names) > 0 {
		return names, nil
	}

	res, err := s.runner.Run(ctx, SystemctlBin, "list-unit-files", "--type=service", "--no-legend", "--no-pager")
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, commandError(res, "failed to list services")
	}

	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if fields := strings.Fields(line); len(fields) > 0 {
			names = append(names, fields[0])
		}
	}
	return names, nil
}

// Status returns the state of one unit.
func (s *Services) Status(ctx context.Context, name string) (ServiceStatus, error) {
	name = strings.TrimSpace(name)
	if !s.policy.AllowService(name) {
		return ServiceStatus{}, fmt.Errorf("service %q: %w", name, whitelist.ErrNotAllowed)
	}

	res, err := s.runner.Run(ctx, SystemctlBin, "show", name, "--property=ActiveState,SubState,Result,Description")
	if err != nil {
		return ServiceStatus{}, err
	}
	if !res.OK() {
		return ServiceStatus{}, commandError(res, "failed to read service status")
	}

	props := parseProperties(res.Stdout)
	st := ServiceStatus{
		Name:        name,
		ActiveState: props["ActiveState"],
		SubState:    props["SubState"],
		Result:      props["Result"],
		Description: props["Description"],
	}
	if st.ActiveState == "" {
		st.ActiveState = "unknown"
	}
	return st, nil
}

// StatusMany returns one status per name. A unit that cannot be queried is
// reported as failed with the reason in Description rather than aborting
// the whole call.
func (s *Services) StatusMany(ctx context.Context, names []string) []ServiceStatus {
	out := make([]ServiceStatus, 0, len(names))
	for _, name := range names {
		st, err := s.Status(ctx, name)
		if err != nil {
			st = ServiceStatus{
				Name:        name,
				ActiveState: "failed",
				Result:      "error",
				Description: err.Error(),
			}
		}
		out = append(out, st)
	}
	return out
}

// Action runs systemctl <action> <name>. A non-zero exit is returned in the
// result, not as an error.
func (s *Services) Action(ctx context.Context, name, action string) (shell.Result, error) {
	name = strings.TrimSpace(name)
	action = strings.ToLower(strings.TrimSpace(action))

	if name == "" {
		return shell.Result{}, fmt.Errorf("service name: %w", shell.ErrEmptyCommand)
	}
	if _, ok := serviceActions[action]; !ok {
		return shell.Result{}, ErrInvalidAction
	}
	if !s.policy.AllowService(name) {
		return shell.Result{}, fmt.Errorf("service %q: %w", name, whitelist.ErrNotAllowed)
	}

	return s.runner.Run(ctx, SystemctlBin, action, name)
}

// parseProperties reads key=value lines.
func parseProperties(output string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		props[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return props
}

func commandError(res shell.Result, fallback string) error {
	if msg := strings.TrimSpace(res.Stderr); msg != "" {
		return fmt.Errorf("%w: %s", ErrCommandFailed, msg)
	}
	return fmt.Errorf("%w: %s", ErrCommandFailed, fallback)
}
