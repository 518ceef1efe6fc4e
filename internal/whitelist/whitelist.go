// Package whitelist decides which services, log units and deploy targets the
// panel may touch.
package whitelist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrNotAllowed is returned for names outside the whitelist.
var ErrNotAllowed = errors.New("not allowed by whitelist")

// File is the on-disk whitelist document.
type File struct {
	Services  []string     `yaml:"services"`
	LogsUnits []string     `yaml:"logs_units"`
	Deploy    DeployConfig `yaml:"deploy"`
}

// DeployConfig restricts where archives and git pulls may land.
type DeployConfig struct {
	AllowedTargets   []string `yaml:"allowed_targets"`
	ServiceToRestart string   `yaml:"service_to_restart"`
}

type rules struct {
	services map[string]struct{}
	units    map[string]struct{}
	targets  map[string]struct{}
	restart  string
}

// Store holds the current whitelist and reloads it when the file changes.
type Store struct {
	path   string
	logger *zap.SugaredLogger

	mu    sync.RWMutex
	rules rules
}

// Load reads the whitelist at path. A missing file allows every service and
// log unit and no deploy target.
func Load(path string, logger *zap.SugaredLogger) (*Store, error) {
	s := &Store{path: path, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Reload re-reads the file.
func (s *Store) Reload() error {
	var f File
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("failed to read whitelist: %w", err)
	default:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("failed to parse whitelist %s: %w", s.path, err)
		}
	}

	r := rules{
		services: toSet(f.Services, strings.TrimSpace),
		units:    toSet(f.LogsUnits, strings.TrimSpace),
		targets:  toSet(f.Deploy.AllowedTargets, cleanPath),
		restart:  strings.TrimSpace(f.Deploy.ServiceToRestart),
	}

	s.mu.Lock()
	s.rules = r
	s.mu.Unlock()
	return nil
}

// Services lists whitelisted services, sorted. Empty means all are allowed.
func (s *Store) Services() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.rules.services)
}

// LogUnits lists whitelisted journal units, sorted. Empty means all are allowed.
func (s *Store) LogUnits() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.rules.units)
}

// AllowService reports whether a systemd unit may be managed.
func (s *Store) AllowService(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return allowed(s.rules.services, name)
}

// AllowLogUnit reports whether a unit's journal may be read. An empty unit
// means the whole journal and follows the same rule.
func (s *Store) AllowLogUnit(unit string) bool {
	if unit == "" {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return allowed(s.rules.units, unit)
}

// AllowDeployTarget reports whether dir is an explicitly listed deploy target.
func (s *Store) AllowDeployTarget(dir string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.rules.targets) == 0 {
		return false
	}
	_, ok := s.rules.targets[cleanPath(dir)]
	return ok
}

// RestartService is the unit restarted after a deploy, if any.
func (s *Store) RestartService() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules.restart
}

// Watch reloads the whitelist whenever its file is written, created or
// renamed into place, until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		target := filepath.Clean(s.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.Warnw("Whitelist reload failed, keeping previous rules", "path", s.path, "error", err)
					continue
				}
				s.logger.Infow("Whitelist reloaded", "path", s.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warnw("Whitelist watcher error", "error", err)
			}
		}
	}()
	return nil
}

func allowed(set map[string]struct{}, name string) bool {
	if len(set) == 0 {
		return true
	}
	_, ok := set[name]
	return ok
}

func toSet(items []string, norm func(string) string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if v := norm(item); v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func cleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
