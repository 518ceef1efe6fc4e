// Package registry keeps the list of managed devices in a YAML file.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFound is returned for unknown device ids.
	ErrNotFound = errors.New("device not found")
	// ErrNoCredentials is returned when a device has no SSH password stored.
	ErrNoCredentials = errors.New("device has no SSH password configured")
	// ErrInvalidDevice is returned when required fields are missing.
	ErrInvalidDevice = errors.New("invalid device")
)

const defaultSSHUser = "pi"

// Device is one registered host.
type Device struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	BaseURL string `yaml:"base_url" json:"base_url"`
	SSHUser string `yaml:"ssh_user" json:"ssh_user"`
	SSHPass string `yaml:"ssh_pass,omitempty" json:"ssh_pass,omitempty"`
}

// Redacted returns a copy without the stored password.
func (d Device) Redacted() Device {
	d.SSHPass = ""
	return d
}

// DeviceInput carries the writable fields of a device.
type DeviceInput struct {
	Name    string `json:"name" binding:"required"`
	BaseURL string `json:"base_url" binding:"required"`
	SSHUser string `json:"ssh_user"`
	SSHPass string `json:"ssh_pass"`
}

// Credentials is what is needed to open an SSH session to a device.
type Credentials struct {
	Host   string
	User   string
	Secret string
}

type document struct {
	Devices []Device `yaml:"devices"`
}

// Store is a file-backed device registry. It is safe for concurrent use.
type Store struct {
	path   string
	logger *zap.SugaredLogger
	mu     sync.Mutex
}

// NewStore creates a registry stored at path. The file is created on first write.
func NewStore(path string, logger *zap.SugaredLogger) *Store {
	return &Store{path: path, logger: logger}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// List returns every device with passwords removed.
func (s *Store) List() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	out := make([]Device, 0, len(doc.Devices))
	for _, d := range doc.Devices {
		out = append(out, d.Redacted())
	}
	return out
}

// Get returns a device including its credentials.
func (s *Store) Get(id string) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.load().Devices {
		if d.ID == id {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Upsert updates the device with the given id, or creates one. An empty id
// gets a new random id; an unknown id is created as given. On update an
// empty password keeps the stored one.
func (s *Store) Upsert(in DeviceInput, id string) (Device, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.BaseURL = strings.TrimSpace(in.BaseURL)
	if in.Name == "" || in.BaseURL == "" {
		return Device{}, fmt.Errorf("%w: name and base_url are required", ErrInvalidDevice)
	}
	if in.SSHUser == "" {
		in.SSHUser = defaultSSHUser
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	if id != "" {
		for i, existing := range doc.Devices {
			if existing.ID != id {
				continue
			}
			updated := Device{ID: id, Name: in.Name, BaseURL: in.BaseURL, SSHUser: in.SSHUser, SSHPass: in.SSHPass}
			if updated.SSHPass == "" {
				updated.SSHPass = existing.SSHPass
			}
			doc.Devices[i] = updated
			if err := s.save(doc); err != nil {
				return Device{}, err
			}
			return updated, nil
		}
	} else {
		id = uuid.New().String()
	}

	created := Device{ID: id, Name: in.Name, BaseURL: in.BaseURL, SSHUser: in.SSHUser, SSHPass: in.SSHPass}
	doc.Devices = append(doc.Devices, created)
	if err := s.save(doc); err != nil {
		return Device{}, err
	}
	return created, nil
}

// Delete removes a device.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	kept := doc.Devices[:0]
	for _, d := range doc.Devices {
		if d.ID != id {
			kept = append(kept, d)
		}
	}
	if len(kept) == len(doc.Devices) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	doc.Devices = kept
	return s.save(doc)
}

// Resolve returns SSH credentials for a device.
func (s *Store) Resolve(id string) (Credentials, error) {
	d, err := s.Get(id)
	if err != nil {
		return Credentials{}, err
	}
	if d.SSHPass == "" {
		return Credentials{}, fmt.Errorf("%w: %s", ErrNoCredentials, d.Name)
	}
	user := d.SSHUser
	if user == "" {
		user = defaultSSHUser
	}
	return Credentials{Host: hostOf(d.BaseURL), User: user, Secret: d.SSHPass}, nil
}

// hostOf strips a scheme, path and port from a base URL so that
// "http://10.0.0.5:8000/" and "10.0.0.5" name the same SSH host.
func hostOf(baseURL string) string {
	h := strings.TrimSpace(baseURL)
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if i := strings.IndexAny(h, "/?#"); i >= 0 {
		h = h[:i]
	}
	if strings.HasPrefix(h, "[") {
		if i := strings.Index(h, "]"); i > 0 {
			return h[1:i]
		}
	}
	if strings.Count(h, ":") == 1 {
		h = h[:strings.Index(h, ":")]
	}
	return h
}

// load reads the registry; a missing or unreadable file yields an empty one.
func (s *Store) load() document {
	var doc document
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warnw("Failed to read device registry", "path", s.path, "error", err)
		}
		return doc
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		s.logger.Warnw("Device registry is corrupt, treating as empty", "path", s.path, "error", err)
		return document{}
	}
	return doc
}

func (s *Store) save(doc document) error {
	if doc.Devices == nil {
		doc.Devices = []Device{}
	}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".devices-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set registry permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace registry: %w", err)
	}
	return nil
}
