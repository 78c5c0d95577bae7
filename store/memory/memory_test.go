package memory

import (
	"sync"
	"testing"
)

func TestNewStoreIsUnregistered(t *testing.T) {
	store := New()

	if store.IsRegistered() {
		t.Error("expected a new store to be unregistered")
	}
	if store.IsExpired() {
		t.Error("expected a new store to be unexpired")
	}
	login, password := store.Credentials()
	if login != "" || password != "" {
		t.Errorf("expected empty credentials, got %q/%q", login, password)
	}
}

func TestSetCredentialsRegisters(t *testing.T) {
	store := New()
	store.SetCredentials("alice", "secret")

	if !store.IsRegistered() {
		t.Fatal("expected store to be registered after SetCredentials")
	}
	login, password := store.Credentials()
	if login != "alice" || password != "secret" {
		t.Errorf("expected alice/secret, got %s/%s", login, password)
	}

	store.SetCredentials("", "")
	if store.IsRegistered() {
		t.Error("expected empty login to leave the store unregistered")
	}
}

func TestDeregisterKeepsCredentials(t *testing.T) {
	store := New()
	store.SetCredentials("alice", "secret")
	store.SetDeregistered()

	if store.IsRegistered() {
		t.Error("expected store to be deregistered")
	}
	if login, _ := store.Credentials(); login != "alice" {
		t.Errorf("expected credentials to survive deregistration, got %q", login)
	}
}

func TestExpiryIsSticky(t *testing.T) {
	store := New()
	store.SetExpired()
	store.SetCredentials("alice", "secret")

	if !store.IsExpired() {
		t.Error("expected expiry to survive later updates")
	}
}

func TestConcurrentAccess(t *testing.T) {
	store := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			store.SetCredentials("alice", "secret")
			store.SetDeregistered()
		}()
		go func() {
			defer wg.Done()
			store.IsRegistered()
			store.Credentials()
			store.IsExpired()
		}()
	}
	wg.Wait()
}
