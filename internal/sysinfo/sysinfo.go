// Package sysinfo samples the local host: identity, resource usage and the
// private networks it is attached to.
package sysinfo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	gocpu "github.com/shirou/gopsutil/v4/cpu"
	godisk "github.com/shirou/gopsutil/v4/disk"
	gohost "github.com/shirou/gopsutil/v4/host"
	goload "github.com/shirou/gopsutil/v4/load"
	gomem "github.com/shirou/gopsutil/v4/mem"
	gonet "github.com/shirou/gopsutil/v4/net"

	"github.com/pifleet/panel/internal/shell"
)

// ErrNoPrivateNetwork is returned when no private IPv4 network is attached.
var ErrNoPrivateNetwork = errors.New("no active private network detected")

// System call wrappers for testing
var (
	cpuPercent     = gocpu.PercentWithContext
	cpuCounts      = gocpu.CountsWithContext
	virtualMemory  = gomem.VirtualMemoryWithContext
	swapMemory     = gomem.SwapMemoryWithContext
	diskUsage      = godisk.UsageWithContext
	diskPartitions = godisk.PartitionsWithContext
	netIOCounters  = gonet.IOCountersWithContext
	netInterfaces  = gonet.InterfacesWithContext
	loadAvg        = goload.AvgWithContext
	hostInfo       = gohost.InfoWithContext
	readFile       = os.ReadFile
	primaryIP      = dialPrimaryIP
)

var (
	modelFiles   = []string{"/sys/firmware/devicetree/base/model", "/proc/device-tree/model"}
	thermalFile  = "/sys/class/thermal/thermal_zone0/temp"
	tempPattern  = regexp.MustCompile(`temp=([\d.]+)`)
	collectLimit = 10 * time.Second
)

// HostInfo identifies the machine the panel runs on.
type HostInfo struct {
	Hostname            string   `json:"hostname"`
	IP                  string   `json:"ip"`
	Arch                string   `json:"arch"`
	Kernel              string   `json:"kernel"`
	OSName              string   `json:"os_name"`
	Distro              string   `json:"distro,omitempty"`
	DeviceFamily        string   `json:"device_family"`
	IsRaspberryPi       bool     `json:"is_raspberry_pi"`
	MetricsCapabilities []string `json:"metrics_capabilities"`
	UptimeSeconds       uint64   `json:"uptime_seconds"`
}

// DiskPartition is the usage of one mount point.
type DiskPartition struct {
	Device     string  `json:"device"`
	Mountpoint string  `json:"mountpoint"`
	Fstype     string  `json:"fstype"`
	TotalGB    float64 `json:"total_gb"`
	UsedGB     float64 `json:"used_gb"`
	Percent    float64 `json:"percent"`
}

// NetworkInterface is the state of one local interface.
type NetworkInterface struct {
	Name string `json:"name"`
	MAC  string `json:"mac,omitempty"`
	IPv4 string `json:"ipv4,omitempty"`
	IPv6 string `json:"ipv6,omitempty"`
	IsUp bool   `json:"is_up"`
	MTU  int    `json:"mtu,omitempty"`
}

// Metrics is one resource usage sample.
type Metrics struct {
	CPUPercent     float64            `json:"cpu_percent"`
	CPUCores       int                `json:"cpu_cores"`
	CPUPerCore     []float64          `json:"cpu_per_core"`
	MemTotalMB     uint64             `json:"mem_total_mb"`
	MemUsedMB      uint64             `json:"mem_used_mb"`
	MemAvailableMB uint64             `json:"mem_available_mb"`
	MemFreeMB      uint64             `json:"mem_free_mb"`
	MemPercent     float64            `json:"mem_percent"`
	MemCachedMB    uint64             `json:"mem_cached_mb"`
	MemBuffersMB   uint64             `json:"mem_buffers_mb"`
	SwapTotalMB    uint64             `json:"swap_total_mb"`
	SwapUsedMB     uint64             `json:"swap_used_mb"`
	SwapFreeMB     uint64             `json:"swap_free_mb"`
	DiskTotalGB    float64            `json:"disk_total_gb"`
	DiskUsedGB     float64            `json:"disk_used_gb"`
	DiskFreeGB     float64            `json:"disk_free_gb"`
	DiskPercent    float64            `json:"disk_percent"`
	DiskPartitions []DiskPartition    `json:"disk_partitions"`
	NetRxKbps      float64            `json:"net_rx_kbps"`
	NetTxKbps      float64            `json:"net_tx_kbps"`
	NetInterfaces  []NetworkInterface `json:"net_interfaces"`
	ProcessCount   uint64             `json:"process_count"`
	TempC          *float64           `json:"temp_c"`
	Load1          float64            `json:"load1"`
	Load5          float64            `json:"load5"`
	Load15         float64            `json:"load15"`
	UptimeSeconds  uint64             `json:"uptime_seconds"`
	Timestamp      time.Time          `json:"timestamp"`
}

type netSnapshot struct {
	at     time.Time
	rx, tx uint64
}

// Collector samples host metrics. It remembers the previous network counters
// so consecutive samples report transfer rates; use one Collector per stream
// of samples.
type Collector struct {
	runner shell.Runner
	now    func() time.Time

	mu   sync.Mutex
	last *netSnapshot
}

// NewCollector creates a collector. runner is used for vcgencmd when the
// kernel exposes no thermal zone; it may be nil.
func NewCollector(runner shell.Runner) *Collector {
	return &Collector{runner: runner, now: time.Now}
}

// Collect takes one sample. Only a memory read failure is fatal; every other
// source leaves its fields zeroed when unavailable.
func (c *Collector) Collect(ctx context.Context) (Metrics, error) {
	ctx, cancel := context.WithTimeout(ctx, collectLimit)
	defer cancel()

	m := Metrics{Timestamp: c.now().UTC()}

	vm, err := virtualMemory(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("memory stats: %w", err)
	}
	m.MemTotalMB = toMB(vm.Total)
	m.MemUsedMB = toMB(vm.Used)
	m.MemAvailableMB = toMB(vm.Available)
	m.MemFreeMB = toMB(vm.Free)
	m.MemPercent = round2(vm.UsedPercent)
	m.MemCachedMB = toMB(vm.Cached)
	m.MemBuffersMB = toMB(vm.Buffers)

	if perCore, err := cpuPercent(ctx, 0, true); err == nil && len(perCore) > 0 {
		var sum float64
		m.CPUPerCore = make([]float64, len(perCore))
		for i, v := range perCore {
			m.CPUPerCore[i] = round2(v)
			sum += v
		}
		m.CPUPercent = round2(sum / float64(len(perCore)))
		m.CPUCores = len(perCore)
	} else if n, err := cpuCounts(ctx, true); err == nil {
		m.CPUCores = n
	}

	if sw, err := swapMemory(ctx); err == nil {
		m.SwapTotalMB = toMB(sw.Total)
		m.SwapUsedMB = toMB(sw.Used)
		m.SwapFreeMB = toMB(sw.Free)
	}

	if du, err := diskUsage(ctx, "/"); err == nil {
		m.DiskTotalGB = toGB(du.Total)
		m.DiskUsedGB = toGB(du.Used)
		m.DiskFreeGB = toGB(du.Free)
		m.DiskPercent = round2(du.UsedPercent)
	}
	m.DiskPartitions = collectPartitions(ctx)

	m.NetRxKbps, m.NetTxKbps = c.networkRates(ctx)
	m.NetInterfaces = collectInterfaces(ctx)

	if avg, err := loadAvg(ctx); err == nil && avg != nil {
		m.Load1, m.Load5, m.Load15 = round2(avg.Load1), round2(avg.Load5), round2(avg.Load15)
	}

	if info, err := hostInfo(ctx); err == nil && info != nil {
		m.UptimeSeconds = info.Uptime
		m.ProcessCount = info.Procs
	}

	m.TempC = c.temperature(ctx)
	return m, nil
}

// networkRates returns KiB/s received and sent since the previous call,
// ignoring loopback interfaces. The first call reports zero.
func (c *Collector) networkRates(ctx context.Context) (float64, float64) {
	counters, err := netIOCounters(ctx, true)
	if err != nil {
		return 0, 0
	}

	cur := netSnapshot{at: c.now()}
	for _, stat := range counters {
		if strings.HasPrefix(strings.ToLower(stat.Name), "lo") {
			continue
		}
		cur.rx += stat.BytesRecv
		cur.tx += stat.BytesSent
	}

	c.mu.Lock()
	prev := c.last
	c.last = &cur
	c.mu.Unlock()

	if prev == nil {
		return 0, 0
	}
	elapsed := cur.at.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0, 0
	}
	return round2(rate(prev.rx, cur.rx, elapsed)), round2(rate(prev.tx, cur.tx, elapsed))
}

func rate(prev, cur uint64, seconds float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) / 1024 / seconds
}

// temperature reads the SoC temperature from the first thermal zone,
// falling back to vcgencmd.
func (c *Collector) temperature(ctx context.Context) *float64 {
	if raw, err := readFile(thermalFile); err == nil {
		if milli, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64); err == nil {
			v := round2(milli / 1000)
			return &v
		}
	}
	if c.runner == nil {
		return nil
	}
	res, err := c.runner.Run(ctx, "vcgencmd", "measure_temp")
	if err != nil || !res.OK() {
		return nil
	}
	return parseVcgencmdTemp(res.Stdout)
}

func parseVcgencmdTemp(out string) *float64 {
	m := tempPattern.FindStringSubmatch(out)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	v = round2(v)
	return &v
}

func collectPartitions(ctx context.Context) []DiskPartition {
	parts, err := diskPartitions(ctx, false)
	if err != nil {
		return nil
	}

	out := make([]DiskPartition, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		if _, ok := seen[p.Mountpoint]; ok || p.Mountpoint == "" {
			continue
		}
		seen[p.Mountpoint] = struct{}{}

		usage, err := diskUsage(ctx, p.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		out = append(out, DiskPartition{
			Device:     p.Device,
			Mountpoint: p.Mountpoint,
			Fstype:     p.Fstype,
			TotalGB:    toGB(usage.Total),
			UsedGB:     toGB(usage.Used),
			Percent:    round2(usage.UsedPercent),
		})
	}
	return out
}

func collectInterfaces(ctx context.Context) []NetworkInterface {
	ifaces, err := netInterfaces(ctx)
	if err != nil {
		return nil
	}

	out := make([]NetworkInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		ni := NetworkInterface{
			Name: iface.Name,
			MAC:  iface.HardwareAddr,
			IsUp: hasFlag(iface.Flags, "up"),
			MTU:  iface.MTU,
		}
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				continue
			}
			if ip.To4() != nil {
				if ni.IPv4 == "" {
					ni.IPv4 = ip.String()
				}
			} else if ni.IPv6 == "" {
				ni.IPv6 = ip.String()
			}
		}
		out = append(out, ni)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LocalNetworks lists the private IPv4 networks of the local interfaces in
// CIDR form, most specific first.
func LocalNetworks(ctx context.Context) ([]string, error) {
	ifaces, err := netInterfaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}

	type network struct {
		cidr string
		ones int
	}
	var nets []network
	seen := make(map[string]struct{})

	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			ip, ipnet, err := net.ParseCIDR(addr.Addr)
			if err != nil || ip.To4() == nil || ip.IsLoopback() || !ip.IsPrivate() {
				continue
			}
			cidr := ipnet.String()
			if _, ok := seen[cidr]; ok {
				continue
			}
			seen[cidr] = struct{}{}
			ones, _ := ipnet.Mask.Size()
			nets = append(nets, network{cidr: cidr, ones: ones})
		}
	}

	if len(nets) == 0 {
		return nil, ErrNoPrivateNetwork
	}

	sort.SliceStable(nets, func(i, j int) bool {
		if nets[i].ones != nets[j].ones {
			return nets[i].ones > nets[j].ones
		}
		return nets[i].cidr < nets[j].cidr
	})

	out := make([]string, len(nets))
	for i, n := range nets {
		out[i] = n.cidr
	}
	return out, nil
}

// Host describes the local machine.
func (c *Collector) Host(ctx context.Context) HostInfo {
	info := HostInfo{
		Arch:   runtime.GOARCH,
		OSName: runtime.GOOS,
		IP:     primaryIP(),
	}

	if hi, err := hostInfo(ctx); err == nil && hi != nil {
		info.Hostname = hi.Hostname
		info.Kernel = hi.KernelVersion
		info.UptimeSeconds = hi.Uptime
		if hi.KernelArch != "" {
			info.Arch = hi.KernelArch
		}
		if hi.Platform != "" {
			info.Distro = strings.TrimSpace(hi.Platform + " " + hi.PlatformVersion)
		}
	}
	if info.Hostname == "" {
		info.Hostname, _ = os.Hostname()
	}

	info.DeviceFamily = deviceFamily(runtime.GOOS)
	info.IsRaspberryPi = info.DeviceFamily == "raspberry_pi"
	info.MetricsCapabilities = c.capabilities(runtime.GOOS, info.IsRaspberryPi)
	return info
}

func deviceFamily(goos string) string {
	switch goos {
	case "linux":
		for _, path := range modelFiles {
			if raw, err := readFile(path); err == nil && strings.Contains(strings.ToLower(string(raw)), "raspberry") {
				return "raspberry_pi"
			}
		}
		return "linux"
	case "darwin":
		return "macos"
	case "":
		return "unknown"
	}
	return goos
}

func (c *Collector) capabilities(goos string, isPi bool) []string {
	caps := []string{"gopsutil"}
	if goos == "linux" {
		caps = append(caps, "procfs")
	}
	if _, err := readFile(thermalFile); err == nil {
		caps = append(caps, "thermal_zone")
	}
	if isPi && c.runner != nil {
		caps = append(caps, "vcgencmd")
	}
	return caps
}

// dialPrimaryIP finds the source address of the default route. Connecting a
// UDP socket sends no packets.
func dialPrimaryIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer func() { _ = conn.Close() }()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

func toMB(b uint64) uint64 { return b / (1024 * 1024) }

func toGB(b uint64) float64 { return round2(float64(b) / (1024 * 1024 * 1024)) }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
