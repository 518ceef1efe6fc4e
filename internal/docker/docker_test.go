package docker

import (
	"context"
	"errors"
	"testing"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/swarm"
	systemtypes "github.com/docker/docker/api/types/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAPI struct {
	info       systemtypes.Info
	containers []containertypes.Summary
	err        error
	actions    []string
	lastList   containertypes.ListOptions
}

func (f *fakeAPI) Info(context.Context) (systemtypes.Info, error) { return f.info, f.err }

func (f *fakeAPI) ContainerList(_ context.Context, opts containertypes.ListOptions) ([]containertypes.Summary, error) {
	f.lastList = opts
	if f.err != nil {
		return nil, f.err
	}
	if ids := opts.Filters.Get("id"); len(ids) > 0 {
		for _, c := range f.containers {
			if c.ID == ids[0] {
				return []containertypes.Summary{c}, nil
			}
		}
		return nil, nil
	}
	return f.containers, nil
}

func (f *fakeAPI) ContainerStart(_ context.Context, id string, _ containertypes.StartOptions) error {
	f.actions = append(f.actions, "start "+id)
	return f.err
}

func (f *fakeAPI) ContainerStop(_ context.Context, id string, opts containertypes.StopOptions) error {
	f.actions = append(f.actions, "stop "+id)
	if opts.Timeout == nil || *opts.Timeout != stopTimeoutSeconds {
		return errors.New("missing stop timeout")
	}
	return f.err
}

func (f *fakeAPI) ContainerRestart(_ context.Context, id string, _ containertypes.StopOptions) error {
	f.actions = append(f.actions, "restart "+id)
	return f.err
}

func (f *fakeAPI) Close() error { return nil }

var created = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sampleContainers() []containertypes.Summary {
	return []containertypes.Summary{
		{
			ID:      "3f4a9c1d2e5b6a7c8d9e",
			Names:   []string{"/homeassistant"},
			Image:   "ghcr.io/home-assistant/home-assistant:stable",
			State:   "running",
			Status:  "Up 2 hours",
			Created: created.Unix(),
			Ports: []containertypes.Port{
				{PrivatePort: 8123, PublicPort: 8123, Type: "tcp", IP: "0.0.0.0"},
				{PrivatePort: 1900, Type: "udp"},
			},
		},
		{
			ID:     "aabbccddeeff00112233",
			Image:  "busybox",
			State:  "exited",
			Status: "Exited (0) 3 days ago",
		},
	}
}

func TestInfo(t *testing.T) {
	api := &fakeAPI{info: systemtypes.Info{
		ServerVersion:     "27.3.1",
		OperatingSystem:   "Debian GNU/Linux 12 (bookworm)",
		Architecture:      "aarch64",
		Containers:        3,
		ContainersRunning: 2,
		ContainersStopped: 1,
		Images:            5,
		CgroupDriver:      "systemd",
		Swarm:             swarm.Info{LocalNodeState: swarm.LocalNodeStateInactive},
	}}

	info, err := NewWithAPI(api, zap.NewNop().Sugar()).Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "27.3.1", info.ServerVersion)
	assert.Equal(t, "aarch64", info.Architecture)
	assert.Equal(t, 2, info.ContainersRunning)
	assert.False(t, info.SwarmActive)
}

func TestInfoUnavailable(t *testing.T) {
	api := &fakeAPI{err: errors.New("dial unix /var/run/docker.sock: connect: no such file or directory")}

	_, err := NewWithAPI(api, zap.NewNop().Sugar()).Info(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestContainers(t *testing.T) {
	api := &fakeAPI{containers: sampleContainers()}

	list, err := NewWithAPI(api, zap.NewNop().Sugar()).Containers(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, api.lastList.All)

	ha := list[0]
	assert.Equal(t, "homeassistant", ha.Name)
	assert.Equal(t, created, ha.Created)
	assert.Equal(t, []PortMapping{
		{ContainerPort: "1900", Protocol: "udp"},
		{ContainerPort: "8123", Protocol: "tcp", HostIP: "0.0.0.0", HostPort: "8123"},
	}, ha.Ports)

	assert.Equal(t, "aabbccddeeff", list[1].Name)
}

func TestApply(t *testing.T) {
	api := &fakeAPI{containers: sampleContainers()}
	svc := NewWithAPI(api, zap.NewNop().Sugar())

	c, err := svc.Apply(context.Background(), "3f4a9c1d2e5b6a7c8d9e", "stop")
	require.NoError(t, err)
	assert.Equal(t, "homeassistant", c.Name)
	assert.Equal(t, []string{"stop 3f4a9c1d2e5b6a7c8d9e"}, api.actions)

	_, err = svc.Apply(context.Background(), "3f4a9c1d2e5b6a7c8d9e", "kill")
	require.ErrorIs(t, err, ErrInvalidAction)

	_, err = svc.Apply(context.Background(), "missing", "start")
	require.ErrorIs(t, err, ErrNotFound)
}
