package scanner

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidInput is returned for malformed or oversized scan requests.
	ErrInvalidInput = errors.New("invalid scan request")
	// ErrInvalidAddress is returned when an explicit host is not an IP address.
	ErrInvalidAddress = errors.New("invalid IP address")
)

// Method selects the probing strategy of a scan.
type Method string

const (
	MethodSSH  Method = "ssh"
	MethodPing Method = "ping"
	MethodARP  Method = "arp"
)

// Valid reports whether m names a known strategy.
func (m Method) Valid() bool {
	switch m {
	case MethodSSH, MethodPing, MethodARP:
		return true
	}
	return false
}

// Status is the liveness verdict of a probe.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Request bounds.
const (
	MinTimeout        = 100 * time.Millisecond
	MaxTimeout        = 10 * time.Second
	MinConcurrency    = 1
	MaxConcurrency    = 512
	DefaultMaxHosts   = 4096
	DefaultTimeout    = 1500 * time.Millisecond
	DefaultConcurrent = 100
)

// Request describes one discovery scan.
type Request struct {
	Method            Method
	Network           string
	Hosts             []string
	Timeout           time.Duration
	MaxConcurrency    int
	IncludeReverseDNS bool
}

// Validate checks the request bounds. Target resolution is validated separately.
func (r Request) Validate() error {
	if !r.Method.Valid() {
		return fmt.Errorf("%w: unknown scan method %q", ErrInvalidInput, r.Method)
	}
	if r.Timeout <= MinTimeout || r.Timeout > MaxTimeout {
		return fmt.Errorf("%w: timeout must be greater than %s and at most %s", ErrInvalidInput, MinTimeout, MaxTimeout)
	}
	if r.MaxConcurrency < MinConcurrency || r.MaxConcurrency > MaxConcurrency {
		return fmt.Errorf("%w: max_concurrency must be between %d and %d", ErrInvalidInput, MinConcurrency, MaxConcurrency)
	}
	return nil
}

// Result is the verdict for a single target, produced once per target per scan.
type Result struct {
	IP            string `json:"ip"`
	Status        Status `json:"status"`
	Method        Method `json:"method"`
	Hostname      string `json:"hostname,omitempty"`
	MAC           string `json:"mac,omitempty"`
	SSHBanner     string `json:"ssh_banner,omitempty"`
	SSHSoftware   string `json:"ssh_software,omitempty"`
	IsRaspberryPi bool   `json:"is_raspberry_pi"`
	Details       string `json:"details"`
}

// EventKind names the SSE event a scan event is delivered as.
type EventKind string

const (
	EventLog    EventKind = "log"
	EventResult EventKind = "result"
)

// FinishedMessage is the message of the final log event of a completed scan.
const FinishedMessage = "FIN_ESCANEADO"

// LogMessage is the payload of a log event.
type LogMessage struct {
	Message string `json:"message"`
}

// Event is one item of a scan stream: either a progress note or a result.
type Event struct {
	Kind    EventKind
	Message string
	Result  *Result
}

// Payload returns the JSON-serialisable body of the event.
func (e Event) Payload() any {
	if e.Kind == EventResult && e.Result != nil {
		return e.Result
	}
	return LogMessage{Message: e.Message}
}

// IsFinished reports whether e is the end-of-scan sentinel.
func (e Event) IsFinished() bool {
	return e.Kind == EventLog && e.Message == FinishedMessage
}

func logEvent(format string, args ...any) Event {
	return Event{Kind: EventLog, Message: fmt.Sprintf(format, args...)}
}

func resultEvent(r Result) Event {
	return Event{Kind: EventResult, Result: &r}
}
