package system

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pifleet/panel/internal/shell"
)

// dfPattern matches "size used avail pcent%" in KiB.
var dfPattern = regexp.MustCompile(`\s*(\d+)\s+(\d+)\s+(\d+)\s+(\d+)%`)

// StorageInfo describes the root filesystem in human units.
type StorageInfo struct {
	Total   string `json:"total"`
	Used    string `json:"used"`
	Free    string `json:"free"`
	Percent int    `json:"percent"`
}

// DeviceDetails is the quick summary shown for a device card.
type DeviceDetails struct {
	Storage *StorageInfo `json:"storage"`
	Uptime  string       `json:"uptime,omitempty"`
	Temp    string       `json:"temp,omitempty"`
}

// Details collects disk usage, uptime and, where vcgencmd exists, the SoC
// temperature. Disk and uptime failures are errors; a missing vcgencmd is not.
func Details(ctx context.Context, runner shell.Runner) (DeviceDetails, error) {
	var d DeviceDetails

	res, err := runner.Run(ctx, "df", "--output=size,used,avail,pcent", "/")
	if err != nil {
		return d, err
	}
	if !res.OK() {
		return d, commandError(res, "df failed")
	}
	d.Storage = ParseDF(res.Stdout)

	res, err = runner.Run(ctx, "uptime", "-p")
	if err != nil {
		return d, err
	}
	if !res.OK() {
		return d, commandError(res, "uptime failed")
	}
	d.Uptime = strings.Replace(strings.TrimSpace(res.Stdout), "up ", "", 1)

	if res, err := runner.Run(ctx, "vcgencmd", "measure_temp"); err == nil && res.OK() {
		d.Temp = strings.Replace(strings.TrimSpace(res.Stdout), "temp=", "", 1)
	}

	return d, nil
}

// ParseDF reads the last line of df --output=size,used,avail,pcent. Free is
// size minus used.
func ParseDF(output string) *StorageInfo {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	m := dfPattern.FindStringSubmatch(lines[len(lines)-1])
	if m == nil {
		return nil
	}

	total, _ := strconv.ParseInt(m[1], 10, 64)
	used, _ := strconv.ParseInt(m[2], 10, 64)
	percent, _ := strconv.Atoi(m[4])

	return &StorageInfo{
		Total:   gib(total),
		Used:    gib(used),
		Free:    gib(total - used),
		Percent: percent,
	}
}

func gib(kib int64) string {
	return fmt.Sprintf("%.1fG", float64(kib)/1024/1024)
}
