package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pifleet/panel/internal/config"
	"github.com/pifleet/panel/internal/scanner"
	"github.com/pifleet/panel/internal/shell"
)

type listProber struct{}

func (listProber) Method() scanner.Method { return scanner.MethodPing }

func (listProber) Probe(ctx context.Context, targets []string, _ scanner.Options, events chan<- scanner.Event) {
	for i, ip := range targets {
		status := scanner.StatusInactive
		if i == 0 {
			status = scanner.StatusActive
		}
		r := scanner.Result{IP: ip, Status: status, Method: scanner.MethodPing}
		select {
		case events <- scanner.Event{Kind: scanner.EventResult, Result: &r}:
		case <-ctx.Done():
			return
		}
	}
}

func TestPrintEvents(t *testing.T) {
	s := scanner.New(config.ScannerConfig{MaxHosts: 16, EventBuffer: 4}, shell.NewExecRunner(), zap.NewNop().Sugar(),
		scanner.WithProber(listProber{}))
	defer s.Stop()

	ctx := context.Background()
	sess, err := s.Start(ctx, scanner.Request{
		Method:         scanner.MethodPing,
		Hosts:          []string{"10.0.0.1", "10.0.0.2"},
		Timeout:        time.Second,
		MaxConcurrency: 2,
	})
	require.NoError(t, err)

	var out, progress bytes.Buffer
	require.NoError(t, printEvents(ctx, sess, json.NewEncoder(&out), &progress))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	var first scanner.Result
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "10.0.0.1", first.IP)
	assert.Equal(t, scanner.StatusActive, first.Status)

	assert.Contains(t, progress.String(), "1 of 2 hosts active")
	assert.NotContains(t, progress.String(), scanner.FinishedMessage)
}

func TestTokenRejectsUnknownRole(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"token", "--role", "root"})
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown role "root"`)
}

func TestCommandsRegistered(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "discover", "token"})
}
