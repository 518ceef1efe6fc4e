package system

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pifleet/panel/internal/shell"
	"github.com/pifleet/panel/internal/whitelist"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	out   map[string]shell.Result
}

func (f *fakeRunner) Run(_ context.Context, argv ...string) (shell.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, argv)
	if res, ok := f.out[strings.Join(argv, " ")]; ok {
		return res, nil
	}
	return shell.Result{Code: 127, Stderr: argv[0] + ": not found"}, nil
}

func (f *fakeRunner) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return strings.Join(f.calls[len(f.calls)-1], " ")
}

type fakePolicy struct {
	services []string
	units    []string
}

func (p fakePolicy) Services() []string { return p.services }

func (p fakePolicy) AllowService(name string) bool {
	return len(p.services) == 0 || contains(p.services, name)
}

func (p fakePolicy) AllowLogUnit(unit string) bool {
	return unit == "" || len(p.units) == 0 || contains(p.units, unit)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

const showNginx = "ActiveState=active\nSubState=running\nResult=success\nDescription=A high performance web server\n"

func TestServicesListFromWhitelist(t *testing.T) {
	r := &fakeRunner{}
	svc := NewServices(r, fakePolicy{services: []string{"nginx.service"}})

	names, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"nginx.service"}, names)
	assert.Empty(t, r.calls)
}

func TestServicesListFromSystemctl(t *testing.T) {
	r := &fakeRunner{out: map[string]shell.Result{
		"/bin/systemctl list-unit-files --type=service --no-legend --no-pager": {
			Stdout: "ssh.service enabled enabled\n\nnginx.service disabled enabled\n",
		},
	}}
	svc := NewServices(r, fakePolicy{})

	names, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ssh.service", "nginx.service"}, names)
}

func TestServicesListFailure(t *testing.T) {
	svc := NewServices(&fakeRunner{}, fakePolicy{})

	_, err := svc.List(context.Background())
	require.ErrorIs(t, err, ErrCommandFailed)
}

func TestServicesStatus(t *testing.T) {
	r := &fakeRunner{out: map[string]shell.Result{
		"/bin/systemctl show nginx.service --property=ActiveState,SubState,Result,Description": {Stdout: showNginx},
		"/bin/systemctl show empty.service --property=ActiveState,SubState,Result,Description": {},
	}}
	svc := NewServices(r, fakePolicy{})

	st, err := svc.Status(context.Background(), " nginx.service ")
	require.NoError(t, err)
	assert.Equal(t, ServiceStatus{
		Name:        "nginx.service",
		ActiveState: "active",
		SubState:    "running",
		Result:      "success",
		Description: "A high performance web server",
	}, st)

	st, err = svc.Status(context.Background(), "empty.service")
	require.NoError(t, err)
	assert.Equal(t, "unknown", st.ActiveState)
}

func TestServicesStatusMany(t *testing.T) {
	r := &fakeRunner{out: map[string]shell.Result{
		"/bin/systemctl show nginx.service --property=ActiveState,SubState,Result,Description": {Stdout: showNginx},
	}}
	svc := NewServices(r, fakePolicy{services: []string{"nginx.service", "broken.service"}})

	got := svc.StatusMany(context.Background(), []string{"nginx.service", "secret.service", "broken.service"})
	require.Len(t, got, 3)

	assert.Equal(t, "active", got[0].ActiveState)

	assert.Equal(t, "secret.service", got[1].Name)
	assert.Equal(t, "failed", got[1].ActiveState)
	assert.Equal(t, "error", got[1].Result)
	assert.Contains(t, got[1].Description, "not allowed")

	assert.Equal(t, "failed", got[2].ActiveState)
	assert.Contains(t, got[2].Description, "not found")
}

func TestServicesAction(t *testing.T) {
	r := &fakeRunner{out: map[string]shell.Result{
		"/bin/systemctl restart nginx.service": {},
	}}
	svc := NewServices(r, fakePolicy{services: []string{"nginx.service"}})

	res, err := svc.Action(context.Background(), "nginx.service", " Restart ")
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "/bin/systemctl restart nginx.service", r.last())

	_, err = svc.Action(context.Background(), "nginx.service", "mask")
	require.ErrorIs(t, err, ErrInvalidAction)

	_, err = svc.Action(context.Background(), "sshd.service", "stop")
	require.ErrorIs(t, err, whitelist.ErrNotAllowed)

	_, err = svc.Action(context.Background(), "  ", "stop")
	require.ErrorIs(t, err, shell.ErrEmptyCommand)
}

func TestClampLines(t *testing.T) {
	assert.Equal(t, DownloadDefault, ClampLines(0))
	assert.Equal(t, MinDownload, ClampLines(3))
	assert.Equal(t, 250, ClampLines(250))
	assert.Equal(t, MaxDownload, ClampLines(90000))
}

func TestJournalDownload(t *testing.T) {
	r := &fakeRunner{out: map[string]shell.Result{
		"sudo -n /bin/journalctl -o cat -n 50 -u nginx.service": {Stdout: "started\n"},
		"sudo -n /bin/journalctl -o cat -n 500":                 {Stdout: "boot\n"},
	}}
	j := NewJournal(r, fakePolicy{units: []string{"nginx.service"}})

	out, err := j.Download(context.Background(), "nginx.service", 50)
	require.NoError(t, err)
	assert.Equal(t, "started\n", out)

	out, err = j.Download(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Equal(t, "boot\n", out)

	_, err = j.Download(context.Background(), "sshd.service", 50)
	require.ErrorIs(t, err, whitelist.ErrNotAllowed)

	_, err = j.Download(context.Background(), "nginx.service", 20)
	require.ErrorIs(t, err, ErrCommandFailed)
}

func TestJournalStream(t *testing.T) {
	var argv []string
	starter := func(_ context.Context, a []string) (io.ReadCloser, error) {
		argv = a
		return io.NopCloser(strings.NewReader("one\n\n  \ntwo\r\nthree")), nil
	}
	j := NewJournal(&fakeRunner{}, fakePolicy{}, WithStreamStarter(starter), WithLineRate(0))

	var lines []string
	err := j.Stream(context.Background(), "nginx.service", func(line string) error {
		lines = append(lines, line)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, lines)
	assert.Equal(t, []string{"sudo", "-n", "/bin/journalctl", "-o", "cat", "-n", "200", "-u", "nginx.service", "-f"}, argv)
}

func TestJournalStreamStopsOnSendError(t *testing.T) {
	starter := func(context.Context, []string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("a\nb\nc\n")), nil
	}
	j := NewJournal(&fakeRunner{}, fakePolicy{}, WithStreamStarter(starter))

	gone := errors.New("client gone")
	n := 0
	err := j.Stream(context.Background(), "", func(string) error {
		n++
		return gone
	})
	require.ErrorIs(t, err, gone)
	assert.Equal(t, 1, n)
}

func TestJournalStreamPaced(t *testing.T) {
	starter := func(context.Context, []string) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("a\nb\nc\nd\n")), nil
	}
	j := NewJournal(&fakeRunner{}, fakePolicy{}, WithStreamStarter(starter), WithLineRate(2))

	start := time.Now()
	n := 0
	require.NoError(t, j.Stream(context.Background(), "", func(string) error {
		n++
		return nil
	}))
	assert.Equal(t, 4, n)
	// burst of 2, then two more at 2/s
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestJournalStreamNotAllowed(t *testing.T) {
	j := NewJournal(&fakeRunner{}, fakePolicy{units: []string{"nginx.service"}})
	err := j.Stream(context.Background(), "sshd.service", func(string) error { return nil })
	require.ErrorIs(t, err, whitelist.ErrNotAllowed)
}

func TestPower(t *testing.T) {
	r := &fakeRunner{out: map[string]shell.Result{
		"/sbin/reboot":           {},
		"sudo -n /sbin/poweroff": {},
		"sudo -n /sbin/reboot":   {},
		"/sbin/poweroff":         {},
	}}

	_, err := NewPower(r, false).Reboot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/sbin/reboot", r.last())

	_, err = NewPower(r, true).Poweroff(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sudo -n /sbin/poweroff", r.last())
}

func TestExec(t *testing.T) {
	r := &fakeRunner{out: map[string]shell.Result{
		"ls -la /home/pi": {Stdout: "total 0\n"},
	}}

	res, err := Exec(context.Background(), r, "ls -la '/home/pi'")
	require.NoError(t, err)
	assert.Equal(t, "total 0\n", res.Stdout)

	_, err = Exec(context.Background(), r, "ls; rm -rf /")
	require.ErrorIs(t, err, shell.ErrForbiddenToken)
	assert.Equal(t, "ls -la /home/pi", r.last())
}

func TestDetails(t *testing.T) {
	r := &fakeRunner{out: map[string]shell.Result{
		"df --output=size,used,avail,pcent /": {Stdout: " 1K-blocks    Used   Avail Use%\n 30417472 6291456 22845440  22%\n"},
		"uptime -p":                           {Stdout: "up 3 days, 2 hours\n"},
		"vcgencmd measure_temp":               {Stdout: "temp=48.3'C\n"},
	}}

	d, err := Details(context.Background(), r)
	require.NoError(t, err)
	require.NotNil(t, d.Storage)
	assert.Equal(t, StorageInfo{Total: "29.0G", Used: "6.0G", Free: "23.0G", Percent: 22}, *d.Storage)
	assert.Equal(t, "3 days, 2 hours", d.Uptime)
	assert.Equal(t, "48.3'C", d.Temp)
}

func TestDetailsWithoutVcgencmd(t *testing.T) {
	r := &fakeRunner{out: map[string]shell.Result{
		"df --output=size,used,avail,pcent /": {Stdout: "1048576 524288 524288 50%\n"},
		"uptime -p":                           {Stdout: "up 5 minutes\n"},
	}}

	d, err := Details(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "1.0G", d.Storage.Total)
	assert.Equal(t, "5 minutes", d.Uptime)
	assert.Empty(t, d.Temp)
}

func TestDetailsDFFailure(t *testing.T) {
	_, err := Details(context.Background(), &fakeRunner{})
	require.ErrorIs(t, err, ErrCommandFailed)
}

func TestParseDFUnparseable(t *testing.T) {
	assert.Nil(t, ParseDF("Filesystem error"))
}
