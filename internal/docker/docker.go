// Package docker exposes a small read-mostly view of the local Docker daemon.
package docker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	systemtypes "github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

var (
	// ErrInvalidAction is returned for verbs other than start, stop and restart.
	ErrInvalidAction = errors.New("invalid container action; use start, stop or restart")
	// ErrNotFound is returned when no container matches an id or name.
	ErrNotFound = errors.New("container not found")
	// ErrUnavailable wraps failures to reach the daemon.
	ErrUnavailable = errors.New("docker daemon unavailable")
)

const stopTimeoutSeconds = 10

// API is the part of the Docker client the panel uses.
type API interface {
	Info(ctx context.Context) (systemtypes.Info, error)
	ContainerList(ctx context.Context, options containertypes.ListOptions) ([]containertypes.Summary, error)
	ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options containertypes.StopOptions) error
	Close() error
}

// Info summarises the daemon.
type Info struct {
	ServerVersion     string `json:"server_version"`
	OS                string `json:"os"`
	Architecture      string `json:"architecture"`
	KernelVersion     string `json:"kernel_version,omitempty"`
	ContainersTotal   int    `json:"containers_total"`
	ContainersRunning int    `json:"containers_running"`
	ContainersStopped int    `json:"containers_stopped"`
	ContainersPaused  int    `json:"containers_paused"`
	Images            int    `json:"images"`
	CgroupDriver      string `json:"cgroup_driver,omitempty"`
	SwarmActive       bool   `json:"swarm_active"`
}

// PortMapping is one published or exposed port.
type PortMapping struct {
	ContainerPort string `json:"container_port"`
	Protocol      string `json:"protocol"`
	HostIP        string `json:"host_ip,omitempty"`
	HostPort      string `json:"host_port,omitempty"`
}

// Container summarises one container.
type Container struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Image   string        `json:"image"`
	Status  string        `json:"status"`
	State   string        `json:"state"`
	Created time.Time     `json:"created"`
	Ports   []PortMapping `json:"ports"`
}

// Service wraps the Docker client.
type Service struct {
	api    API
	logger *zap.SugaredLogger
}

// New connects to the daemon at host, or to the environment's DOCKER_HOST
// when host is empty. The connection is lazy; no request is made here.
func New(host string, logger *zap.SugaredLogger) (*Service, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return NewWithAPI(cli, logger), nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API, logger *zap.SugaredLogger) *Service {
	return &Service{api: api, logger: logger}
}

// Close releases the client.
func (s *Service) Close() error {
	return s.api.Close()
}

// Info describes the daemon.
func (s *Service) Info(ctx context.Context) (Info, error) {
	info, err := s.api.Info(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Info{
		ServerVersion:     info.ServerVersion,
		OS:                info.OperatingSystem,
		Architecture:      info.Architecture,
		KernelVersion:     info.KernelVersion,
		ContainersTotal:   info.Containers,
		ContainersRunning: info.ContainersRunning,
		ContainersStopped: info.ContainersStopped,
		ContainersPaused:  info.ContainersPaused,
		Images:            info.Images,
		CgroupDriver:      info.CgroupDriver,
		SwarmActive:       string(info.Swarm.LocalNodeState) == "active",
	}, nil
}

// Containers lists containers, including stopped ones when all is set.
func (s *Service) Containers(ctx context.Context, all bool) ([]Container, error) {
	list, err := s.api.ContainerList(ctx, containertypes.ListOptions{All: all})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out := make([]Container, 0, len(list))
	for _, summary := range list {
		out = append(out, convert(summary))
	}
	return out, nil
}

// Apply starts, stops or restarts a container and returns its new state.
func (s *Service) Apply(ctx context.Context, id, action string) (Container, error) {
	timeout := stopTimeoutSeconds
	var err error
	switch action {
	case "start":
		err = s.api.ContainerStart(ctx, id, containertypes.StartOptions{})
	case "stop":
		err = s.api.ContainerStop(ctx, id, containertypes.StopOptions{Timeout: &timeout})
	case "restart":
		err = s.api.ContainerRestart(ctx, id, containertypes.StopOptions{Timeout: &timeout})
	default:
		return Container{}, ErrInvalidAction
	}
	if err != nil {
		if client.IsErrNotFound(err) {
			return Container{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Container{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.logger.Infow("Container action applied", "container", id, "action", action)

	list, err := s.api.ContainerList(ctx, containertypes.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("id", id)),
	})
	if err != nil {
		return Container{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(list) == 0 {
		return Container{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return convert(list[0]), nil
}

func convert(summary containertypes.Summary) Container {
	name := summary.ID
	if len(name) > 12 {
		name = name[:12]
	}
	if len(summary.Names) > 0 {
		name = strings.TrimPrefix(summary.Names[0], "/")
	}

	ports := make([]PortMapping, 0, len(summary.Ports))
	for _, p := range summary.Ports {
		pm := PortMapping{
			ContainerPort: strconv.Itoa(int(p.PrivatePort)),
			Protocol:      p.Type,
			HostIP:        p.IP,
		}
		if pm.Protocol == "" {
			pm.Protocol = "tcp"
		}
		if p.PublicPort != 0 {
			pm.HostPort = strconv.Itoa(int(p.PublicPort))
		}
		ports = append(ports, pm)
	}
	sort.SliceStable(ports, func(i, j int) bool { return ports[i].ContainerPort < ports[j].ContainerPort })

	return Container{
		ID:      summary.ID,
		Name:    name,
		Image:   summary.Image,
		Status:  summary.Status,
		State:   summary.State,
		Created: time.Unix(summary.Created, 0).UTC(),
		Ports:   ports,
	}
}
