package sysinfo

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	gohost "github.com/shirou/gopsutil/v4/host"
	gomem "github.com/shirou/gopsutil/v4/mem"
	gonet "github.com/shirou/gopsutil/v4/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pifleet/panel/internal/shell"
)

func stubInterfaces(t *testing.T, list gonet.InterfaceStatList) {
	t.Helper()
	orig := netInterfaces
	t.Cleanup(func() { netInterfaces = orig })
	netInterfaces = func(context.Context) (gonet.InterfaceStatList, error) { return list, nil }
}

func iface(name string, addrs ...string) gonet.InterfaceStat {
	st := gonet.InterfaceStat{Name: name, Flags: []string{"up"}, MTU: 1500}
	for _, a := range addrs {
		st.Addrs = append(st.Addrs, gonet.InterfaceAddr{Addr: a})
	}
	return st
}

func TestLocalNetworks(t *testing.T) {
	stubInterfaces(t, gonet.InterfaceStatList{
		iface("lo", "127.0.0.1/8", "::1/128"),
		iface("eth0", "192.168.1.23/24", "fe80::1/64"),
		iface("wlan0", "10.0.0.7/8"),
		iface("docker0", "172.17.0.1/16"),
		iface("tun0", "100.64.0.2/10"),
		iface("eth1", "192.168.1.99/24"),
		iface("pub", "8.8.4.4/24"),
	})

	nets, err := LocalNetworks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.0/24", "172.17.0.0/16", "10.0.0.0/8"}, nets)
}

func TestLocalNetworksNone(t *testing.T) {
	stubInterfaces(t, gonet.InterfaceStatList{iface("lo", "127.0.0.1/8")})

	_, err := LocalNetworks(context.Background())
	require.ErrorIs(t, err, ErrNoPrivateNetwork)
}

type counterSeq struct {
	samples [][]gonet.IOCountersStat
	i       int
}

func (s *counterSeq) next(context.Context, bool) ([]gonet.IOCountersStat, error) {
	out := s.samples[s.i]
	if s.i < len(s.samples)-1 {
		s.i++
	}
	return out, nil
}

func TestNetworkRates(t *testing.T) {
	seq := &counterSeq{samples: [][]gonet.IOCountersStat{
		{{Name: "lo", BytesRecv: 1 << 30, BytesSent: 1 << 30}, {Name: "eth0", BytesRecv: 0, BytesSent: 0}},
		{{Name: "lo", BytesRecv: 1 << 31, BytesSent: 1 << 31}, {Name: "eth0", BytesRecv: 20480, BytesSent: 10240}},
		{{Name: "eth0", BytesRecv: 100, BytesSent: 100}},
	}}
	orig := netIOCounters
	t.Cleanup(func() { netIOCounters = orig })
	netIOCounters = seq.next

	now := time.Unix(1_700_000_000, 0)
	c := NewCollector(nil)
	c.now = func() time.Time { return now }

	rx, tx := c.networkRates(context.Background())
	assert.Zero(t, rx)
	assert.Zero(t, tx)

	now = now.Add(2 * time.Second)
	rx, tx = c.networkRates(context.Background())
	assert.Equal(t, 10.0, rx)
	assert.Equal(t, 5.0, tx)

	// counters reset
	now = now.Add(time.Second)
	rx, tx = c.networkRates(context.Background())
	assert.Zero(t, rx)
	assert.Zero(t, tx)
}

func TestCollectCollectorsAreIsolated(t *testing.T) {
	orig := netIOCounters
	t.Cleanup(func() { netIOCounters = orig })
	netIOCounters = func(context.Context, bool) ([]gonet.IOCountersStat, error) {
		return []gonet.IOCountersStat{{Name: "eth0", BytesRecv: 4096}}, nil
	}

	a, b := NewCollector(nil), NewCollector(nil)
	_, _ = a.networkRates(context.Background())
	assert.NotNil(t, a.last)
	assert.Nil(t, b.last)
}

func TestCollectMemoryFailure(t *testing.T) {
	orig := virtualMemory
	t.Cleanup(func() { virtualMemory = orig })
	virtualMemory = func(context.Context) (*gomem.VirtualMemoryStat, error) {
		return nil, errors.New("no /proc")
	}

	_, err := NewCollector(nil).Collect(context.Background())
	require.Error(t, err)
}

func TestCollectMemory(t *testing.T) {
	orig := virtualMemory
	t.Cleanup(func() { virtualMemory = orig })
	virtualMemory = func(context.Context) (*gomem.VirtualMemoryStat, error) {
		return &gomem.VirtualMemoryStat{
			Total:       4096 * 1024 * 1024,
			Used:        1024 * 1024 * 1024,
			Available:   3072 * 1024 * 1024,
			UsedPercent: 25.004,
		}, nil
	}

	m, err := NewCollector(nil).Collect(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 4096, m.MemTotalMB)
	assert.EqualValues(t, 1024, m.MemUsedMB)
	assert.EqualValues(t, 3072, m.MemAvailableMB)
	assert.Equal(t, 25.0, m.MemPercent)
	assert.False(t, m.Timestamp.IsZero())
}

type vcgencmdRunner struct{ out string }

func (r vcgencmdRunner) Run(_ context.Context, argv ...string) (shell.Result, error) {
	if len(argv) == 2 && argv[0] == "vcgencmd" {
		return shell.Result{Stdout: r.out}, nil
	}
	return shell.Result{Code: 1}, nil
}

func TestTemperature(t *testing.T) {
	origRead := readFile
	t.Cleanup(func() { readFile = origRead })

	readFile = func(name string) ([]byte, error) {
		if name == thermalFile {
			return []byte("51540\n"), nil
		}
		return nil, os.ErrNotExist
	}
	got := NewCollector(nil).temperature(context.Background())
	require.NotNil(t, got)
	assert.Equal(t, 51.54, *got)

	readFile = func(string) ([]byte, error) { return nil, os.ErrNotExist }
	got = NewCollector(vcgencmdRunner{out: "temp=47.2'C\n"}).temperature(context.Background())
	require.NotNil(t, got)
	assert.Equal(t, 47.2, *got)

	assert.Nil(t, NewCollector(nil).temperature(context.Background()))
}

func TestHostDetectsRaspberryPi(t *testing.T) {
	origRead, origHost, origIP := readFile, hostInfo, primaryIP
	t.Cleanup(func() { readFile, hostInfo, primaryIP = origRead, origHost, origIP })

	readFile = func(name string) ([]byte, error) {
		if name == modelFiles[0] {
			return []byte("Raspberry Pi 4 Model B Rev 1.4\x00"), nil
		}
		return nil, os.ErrNotExist
	}
	hostInfo = func(context.Context) (*gohost.InfoStat, error) {
		return &gohost.InfoStat{
			Hostname:        "pi-kitchen",
			Uptime:          3600,
			KernelVersion:   "6.1.0-rpi7-rpi-v8",
			KernelArch:      "aarch64",
			Platform:        "debian",
			PlatformVersion: "12.4",
		}, nil
	}
	primaryIP = func() string { return "192.168.1.40" }

	info := NewCollector(vcgencmdRunner{}).Host(context.Background())
	assert.Equal(t, "pi-kitchen", info.Hostname)
	assert.Equal(t, "192.168.1.40", info.IP)
	assert.Equal(t, "aarch64", info.Arch)
	assert.Equal(t, "debian 12.4", info.Distro)
	assert.EqualValues(t, 3600, info.UptimeSeconds)
	assert.Contains(t, info.MetricsCapabilities, "gopsutil")
	if info.OSName == "linux" {
		assert.True(t, info.IsRaspberryPi)
		assert.Equal(t, "raspberry_pi", info.DeviceFamily)
		assert.Contains(t, info.MetricsCapabilities, "vcgencmd")
	}
}

func TestParseVcgencmdTemp(t *testing.T) {
	assert.Nil(t, parseVcgencmdTemp("error"))
	v := parseVcgencmdTemp("temp=60.1'C")
	require.NotNil(t, v)
	assert.Equal(t, 60.1, *v)
}
