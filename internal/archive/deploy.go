package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/pifleet/panel/internal/shell"
	"github.com/pifleet/panel/internal/system"
	"github.com/pifleet/panel/internal/whitelist"
)

var (
	// ErrTargetMissing is returned when a whitelisted target does not exist.
	ErrTargetMissing = errors.New("deploy target does not exist")
	// ErrDeployFailed wraps a failed git pull.
	ErrDeployFailed = errors.New("deploy failed")
)

// DeployPolicy restricts where bundles may land.
type DeployPolicy interface {
	AllowDeployTarget(dir string) bool
	RestartService() string
}

// Outcome is the result of a deploy.
type Outcome struct {
	OK     bool   `json:"ok"`
	Target string `json:"target"`
	Stdout string `json:"stdout,omitempty"`
}

// Deployer unpacks bundles and pulls git checkouts into whitelisted
// directories, then restarts the configured service.
type Deployer struct {
	policy DeployPolicy
	runner shell.Runner
	logger *zap.SugaredLogger
}

// NewDeployer creates a deployer for the local host.
func NewDeployer(policy DeployPolicy, runner shell.Runner, logger *zap.SugaredLogger) *Deployer {
	return &Deployer{policy: policy, runner: runner, logger: logger}
}

// Archive unpacks the uploaded bundle named filename into targetDir.
func (d *Deployer) Archive(ctx context.Context, filename string, body io.Reader, targetDir string) (Outcome, error) {
	target, err := d.resolveTarget(targetDir)
	if err != nil {
		return Outcome{}, err
	}
	format, err := DetectFormat(filename)
	if err != nil {
		return Outcome{}, err
	}

	tmp, err := os.CreateTemp("", "pi-deploy-*")
	if err != nil {
		return Outcome{}, err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		return Outcome{}, fmt.Errorf("failed to store upload: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return Outcome{}, err
	}

	if err := ExtractFile(tmp.Name(), format, target); err != nil {
		return Outcome{}, err
	}
	d.logger.Infow("Bundle deployed", "target", target, "file", filepath.Base(filename), "format", format)

	d.restart(ctx)
	return Outcome{OK: true, Target: target}, nil
}

// GitPull runs git pull in targetDir, optionally for one branch of origin.
func (d *Deployer) GitPull(ctx context.Context, targetDir, branch string) (Outcome, error) {
	target, err := d.resolveTarget(targetDir)
	if err != nil {
		return Outcome{}, err
	}

	argv := []string{"git", "-C", target, "pull"}
	if branch = strings.TrimSpace(branch); branch != "" {
		argv = append(argv, "origin", branch)
	}
	res, err := d.runner.Run(ctx, argv...)
	if err != nil {
		return Outcome{}, err
	}
	if !res.OK() {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = "git pull failed"
		}
		return Outcome{}, fmt.Errorf("%w: %s", ErrDeployFailed, msg)
	}
	d.logger.Infow("Git checkout updated", "target", target, "branch", branch)

	d.restart(ctx)
	return Outcome{OK: true, Target: target, Stdout: res.Stdout}, nil
}

func (d *Deployer) resolveTarget(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("deploy target: %w", whitelist.ErrNotAllowed)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if !d.policy.AllowDeployTarget(abs) {
		return "", fmt.Errorf("deploy target %s: %w", abs, whitelist.ErrNotAllowed)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrTargetMissing, abs)
	}
	return abs, nil
}

// restart bounces the configured service. Failures are logged; the deploy
// itself already succeeded.
func (d *Deployer) restart(ctx context.Context) {
	svc := d.policy.RestartService()
	if svc == "" {
		return
	}
	res, err := d.runner.Run(ctx, system.SystemctlBin, "restart", svc)
	if err != nil || !res.OK() {
		d.logger.Warnw("Post-deploy restart failed", "service", svc, "error", err, "stderr", res.Stderr)
		return
	}
	d.logger.Infow("Service restarted after deploy", "service", svc)
}
