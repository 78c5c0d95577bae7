package file

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// record is the JSON structure persisted to disk.
type record struct {
	Expired        bool      `json:"expired"`
	Registered     bool      `json:"registered"`
	Login          string    `json:"login,omitempty"`
	Password       string    `json:"password,omitempty"`
	ExpiredAt      time.Time `json:"expired_at,omitempty"`
	DeregisteredAt time.Time `json:"deregistered_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store is a file-backed app expiry and registration oracle.
// State survives restarts, so an expired build stays expired and a
// rejected account stays deregistered until new credentials arrive.
// Not suitable for multi-process use; one process owns the file.
type Store struct {
	mu      sync.RWMutex
	path    string
	rec     record
	lastErr error
}

// New creates a store at the given path.
// If the file exists, state is loaded from it.
// If it doesn't exist, it will be created on first write.
func New(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.load(); err != nil {
		return nil, errors.Wrapf(err, "load account state from %s", path)
	}
	return s, nil
}

func (s *Store) IsExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.Expired
}

// SetExpired records expiry and flushes. A failed flush is kept for Err;
// the in-memory state changes regardless.
func (s *Store) SetExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.Expired {
		return
	}
	s.rec.Expired = true
	s.rec.ExpiredAt = time.Now().UTC()
	s.lastErr = s.flush()
}

func (s *Store) IsRegistered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.Registered
}

// SetDeregistered flushes like SetExpired.
func (s *Store) SetDeregistered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rec.Registered {
		return
	}
	s.rec.Registered = false
	s.rec.DeregisteredAt = time.Now().UTC()
	s.lastErr = s.flush()
}

func (s *Store) Credentials() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.Login, s.rec.Password
}

// SetCredentials stores new credentials, marks the app registered and
// flushes to disk.
func (s *Store) SetCredentials(login, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Login, s.rec.Password = login, password
	s.rec.Registered = login != ""
	s.rec.DeregisteredAt = time.Time{}
	s.lastErr = s.flush()
	return s.lastErr
}

// Flush writes the current state to disk.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = s.flush()
	return s.lastErr
}

// Err returns the result of the most recent write.
func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// load reads state from the JSON file. A missing file is a fresh start.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.WithStack(err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return errors.Wrap(err, "decode account state")
	}
	s.rec = rec
	return nil
}

// flush writes the current state to the JSON file.
// Must be called with the write lock held.
func (s *Store) flush() error {
	s.rec.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s.rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode account state")
	}

	// temp file then rename, so a crash mid-write never leaves a torn file
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrap(err, "write account state")
	}
	return errors.Wrap(os.Rename(tmp, s.path), "replace account state")
}
