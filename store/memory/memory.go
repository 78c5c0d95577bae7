package memory

import (
	"sync"
)

// Store is a thread-safe in-memory app expiry and registration oracle.
// It satisfies channel.AppExpiry and channel.Registration.
// Suitable for tests and short-lived tools. State is lost on restart.
type Store struct {
	mu         sync.RWMutex
	expired    bool
	registered bool
	login      string
	password   string
}

// New creates a store for an unregistered, unexpired app.
func New() *Store {
	return &Store{}
}

// IsExpired reports whether the server has declared this build too old.
func (s *Store) IsExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expired
}

// SetExpired is permanent for the life of the store.
func (s *Store) SetExpired() {
	s.mu.Lock()
	s.expired = true
	s.mu.Unlock()
}

// IsRegistered reports whether credentials are present and still accepted.
func (s *Store) IsRegistered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registered
}

// SetDeregistered keeps the credentials but stops using them.
// Called when the server rejects them.
func (s *Store) SetDeregistered() {
	s.mu.Lock()
	s.registered = false
	s.mu.Unlock()
}

// Credentials returns the login and password for the identified channel.
func (s *Store) Credentials() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.login, s.password
}

// SetCredentials stores new credentials and marks the app registered.
func (s *Store) SetCredentials(login, password string) {
	s.mu.Lock()
	s.login, s.password = login, password
	s.registered = login != ""
	s.mu.Unlock()
}
