package api

import (
	"time"

	"github.com/pifleet/panel/internal/scanner"
)

// DiscoverRequest is the body of POST /api/discover. Timeout is in seconds.
type DiscoverRequest struct {
	ScanMethod        scanner.Method `json:"scan_method"`
	Network           string         `json:"network"`
	Hosts             []string       `json:"hosts"`
	Timeout           float64        `json:"timeout"`
	MaxConcurrency    int            `json:"max_concurrency"`
	IncludeReverseDNS *bool          `json:"include_reverse_dns"`
}

func (r DiscoverRequest) toScan() scanner.Request {
	reverse := true
	if r.IncludeReverseDNS != nil {
		reverse = *r.IncludeReverseDNS
	}
	return scanner.Request{
		Method:            r.ScanMethod,
		Network:           r.Network,
		Hosts:             r.Hosts,
		Timeout:           time.Duration(r.Timeout * float64(time.Second)),
		MaxConcurrency:    r.MaxConcurrency,
		IncludeReverseDNS: reverse,
	}
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse carries an issued token.
type LoginResponse struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

// ServiceActionRequest asks systemd to act on one unit.
type ServiceActionRequest struct {
	Name   string `json:"name" binding:"required"`
	Action string `json:"action" binding:"required"`
}

// ServiceStatusRequest lists the units to report on.
type ServiceStatusRequest struct {
	Services []string `json:"services" binding:"required,min=1"`
}

// CommandRequest carries a command line.
type CommandRequest struct {
	Command string `json:"command" binding:"required"`
}

// CommandResponse is the outcome of a command run on a device. ExitCode is a
// string for compatibility with existing front ends.
type CommandResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode string `json:"exit_code"`
}

// DeployGitRequest is the body of POST /deploy/git.
type DeployGitRequest struct {
	TargetDir string `json:"target_dir" binding:"required"`
	Branch    string `json:"branch"`
}
