package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pifleet/panel/internal/scanner"
)

type sseFrame struct {
	event string
	data  string
}

func parseSSE(body string) []sseFrame {
	var frames []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var f sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event:"):
				f.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				f.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
		frames = append(frames, f)
	}
	return frames
}

func TestDiscoverStreamsResultsThenFinished(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/discover", "", map[string]any{
		"scan_method":     "ssh",
		"hosts":           []string{"127.0.0.1"},
		"timeout":         1,
		"max_concurrency": 4,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream"))
	assert.NotEmpty(t, w.Header().Get("X-Scan-Id"))

	frames := parseSSE(w.Body.String())
	require.NotEmpty(t, frames)

	var results []scanner.Result
	for _, f := range frames {
		require.Contains(t, []string{"log", "result"}, f.event)
		if f.event == "result" {
			var r scanner.Result
			require.NoError(t, json.Unmarshal([]byte(f.data), &r))
			results = append(results, r)
		}
	}
	require.Len(t, results, 1)
	assert.Equal(t, "127.0.0.1", results[0].IP)
	assert.Equal(t, scanner.StatusInactive, results[0].Status)
	assert.Equal(t, scanner.MethodSSH, results[0].Method)

	last := frames[len(frames)-1]
	assert.Equal(t, "log", last.event)
	var msg scanner.LogMessage
	require.NoError(t, json.Unmarshal([]byte(last.data), &msg))
	assert.Equal(t, scanner.FinishedMessage, msg.Message)
}

func TestDiscoverEmptyNetworkStillFinishes(t *testing.T) {
	env := newTestEnv(t)

	// ARP over a /32 with no cache entry: one synthesised inactive result.
	w := env.do(http.MethodPost, "/api/discover", "", map[string]any{
		"scan_method": "arp",
		"network":     "192.0.2.7/32",
		"timeout":     0.5,
	})
	require.Equal(t, http.StatusOK, w.Code)

	frames := parseSSE(w.Body.String())
	require.NotEmpty(t, frames)
	assert.Contains(t, frames[len(frames)-1].data, scanner.FinishedMessage)
}

func TestDiscoverRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)

	cases := map[string]any{
		"no targets":     map[string]any{"scan_method": "ssh"},
		"bad network":    map[string]any{"network": "192.168.1.0/33"},
		"too large":      map[string]any{"network": "10.0.0.0/8"},
		"bad host":       map[string]any{"hosts": []string{"pi.local"}},
		"unknown method": map[string]any{"scan_method": "nmap", "hosts": []string{"10.0.0.1"}},
		"timeout":        map[string]any{"hosts": []string{"10.0.0.1"}, "timeout": 30},
		"concurrency":    map[string]any{"hosts": []string{"10.0.0.1"}, "max_concurrency": 1000},
		"malformed":      `{"hosts": [`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/api/discover", "", body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.NotContains(t, w.Header().Get("Content-Type"), "text/event-stream")
			assert.Contains(t, w.Body.String(), "error")
		})
	}
}

func TestScanListAndCancel(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/scans", env.viewer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"scans":[]}`, w.Body.String())

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodDelete, "/api/scans/unknown", env.admin, nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do(http.MethodDelete, "/api/scans/unknown", env.viewer, nil).Code)
}
