// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/gemini/log"
)

// ErrNotFound is returned for an unknown identity ID.
var ErrNotFound = errors.New("identity: no such identity")

// Storage is the persistence backend of a Manager.  LoadIdentities returns
// encrypted identities locked.
type Storage interface {
	LoadIdentities() ([]*Certificate, error)
	SaveIdentity(c *Certificate, password string) error
	DeleteIdentity(id string) error

	LoadAssignments() (map[string]string, error)
	SaveAssignment(host, id string) error
	DeleteAssignment(host string) error
}

// StorageError wraps a failure of the persistence backend.
type StorageError struct {
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("identity: storage failure: %v", e.Err)
}

// Unwrap returns the backend error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Manager owns the user's identities and decides which one, if any, is
// presented to a given host.  It is safe for concurrent use.
type Manager struct {
	mu sync.RWMutex

	storage Storage
	log     *logging.Logger

	identities  map[string]*Certificate
	assignments map[string]string
}

// NewManager loads the identities and host assignments from storage.
func NewManager(storage Storage, logBackend *log.Backend) (*Manager, error) {
	m := &Manager{
		storage:     storage,
		log:         logBackend.GetLogger("identity"),
		identities:  make(map[string]*Certificate),
		assignments: make(map[string]string),
	}
	ids, err := storage.LoadIdentities()
	if err != nil {
		return nil, &StorageError{Err: err}
	}
	for _, c := range ids {
		m.identities[c.ID] = c
	}
	assignments, err := storage.LoadAssignments()
	if err != nil {
		return nil, &StorageError{Err: err}
	}
	for host, id := range assignments {
		if _, ok := m.identities[id]; !ok {
			m.log.Warningf("Dropping assignment of %v to missing identity %v.", host, id)
			continue
		}
		m.assignments[host] = id
	}
	m.log.Debugf("Loaded %d identities, %d assignments.", len(m.identities), len(m.assignments))
	return m, nil
}

// List returns all identities ordered by name.
func (m *Manager) List() []*Certificate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Certificate, 0, len(m.identities))
	for _, c := range m.identities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Get returns the identity with the given ID.
func (m *Manager) Get(id string) (*Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.identities[strings.ToUpper(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *Manager) add(c *Certificate, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.storage.SaveIdentity(c, password); err != nil {
		return &StorageError{Err: err}
	}
	m.identities[c.ID] = c
	return nil
}

// Issue creates and stores a new identity.  A non-empty password encrypts
// the stored private key; the returned identity is unlocked.
func (m *Manager) Issue(name string, expiration time.Time, password string) (*Certificate, error) {
	c, err := Issue(name, expiration)
	if err != nil {
		return nil, err
	}
	c.Encrypted = password != ""
	if err := m.add(c, password); err != nil {
		return nil, err
	}
	m.log.Noticef("Issued identity %v.", c)
	return c, nil
}

// Update renews the identity id with a new name and expiration, keeping its
// key.  password unlocks the old identity if needed and encrypts the stored
// renewal; an encrypted identity is never renewed into plaintext, so it
// requires one.  The new certificate is stored alongside the old one unless
// replace is set, in which case the old one is deleted and its host
// assignments move to the new one.
func (m *Manager) Update(id, name string, expiration time.Time, password string, replace bool) (*Certificate, error) {
	old, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if old.Encrypted && password == "" {
		return nil, ErrPasswordRequired
	}
	if old.Locked() {
		if password == "" {
			return nil, ErrLocked
		}
		if old, err = old.Unlock(password); err != nil {
			return nil, err
		}
	}
	c, err := Update(old, name, expiration)
	if err != nil {
		return nil, err
	}
	c.Encrypted = password != ""
	if err := m.add(c, password); err != nil {
		return nil, err
	}
	m.log.Noticef("Renewed identity %v as %v.", old.ID, c)
	if !replace {
		return c, nil
	}

	for _, host := range m.Hosts(old.ID) {
		if err := m.Assign(host, c.ID); err != nil {
			return nil, err
		}
	}
	if err := m.Delete(old.ID); err != nil {
		return nil, err
	}
	return c, nil
}

// Import loads the identity at path and stores it, encrypted with password
// if one is given.
func (m *Manager) Import(path, password string) (*Certificate, error) {
	c, err := Import(path, password)
	if err != nil {
		return nil, err
	}
	c.Encrypted = password != ""
	if err := m.add(c, password); err != nil {
		return nil, err
	}
	m.log.Noticef("Imported identity %v.", c)
	return c, nil
}

// Export serializes the identity id, unlocking it with unlockPassword if
// needed and encrypting the output with password if non-empty.
func (m *Manager) Export(id, unlockPassword, password string) ([]byte, error) {
	c, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if c.Locked() {
		if c, err = c.Unlock(unlockPassword); err != nil {
			return nil, err
		}
	}
	return Export(c, password)
}

// Unlock decrypts the private key of the identity id for the lifetime of
// the Manager.  The stored form stays encrypted.
func (m *Manager) Unlock(id, password string) (*Certificate, error) {
	c, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if !c.Locked() {
		return c, nil
	}
	u, err := c.Unlock(password)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[u.ID] = u
	return u, nil
}

// Delete removes the identity id along with its host assignments.
func (m *Manager) Delete(id string) error {
	id = strings.ToUpper(id)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[id]; !ok {
		return ErrNotFound
	}
	for host, aid := range m.assignments {
		if aid != id {
			continue
		}
		if err := m.storage.DeleteAssignment(host); err != nil {
			return &StorageError{Err: err}
		}
		delete(m.assignments, host)
	}
	if err := m.storage.DeleteIdentity(id); err != nil {
		return &StorageError{Err: err}
	}
	delete(m.identities, id)
	m.log.Noticef("Deleted identity %v.", id)
	return nil
}

// Assign makes the identity id the one presented to host.
func (m *Manager) Assign(host, id string) error {
	host = strings.ToLower(host)
	id = strings.ToUpper(id)
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[id]; !ok {
		return ErrNotFound
	}
	if err := m.storage.SaveAssignment(host, id); err != nil {
		return &StorageError{Err: err}
	}
	m.assignments[host] = id
	m.log.Infof("Using identity %v for %v.", id, host)
	return nil
}

// Unassign stops presenting any identity to host.
func (m *Manager) Unassign(host string) error {
	host = strings.ToLower(host)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.storage.DeleteAssignment(host); err != nil {
		return &StorageError{Err: err}
	}
	delete(m.assignments, host)
	return nil
}

// Hosts returns the hosts the identity id is assigned to.
func (m *Manager) Hosts(id string) []string {
	id = strings.ToUpper(id)

	m.mu.RLock()
	defer m.mu.RUnlock()
	var hosts []string
	for host, aid := range m.assignments {
		if aid == id {
			hosts = append(hosts, host)
		}
	}
	sort.Strings(hosts)
	return hosts
}

// ForHost returns the identity to present to host, nil if none is assigned
// or the assigned one is still locked.
func (m *Manager) ForHost(host string) *Certificate {
	host = strings.ToLower(host)

	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.assignments[host]
	if !ok {
		return nil
	}
	c := m.identities[id]
	if c == nil {
		return nil
	}
	if c.Locked() {
		m.log.Warningf("Identity %v for %v is locked, not presenting it.", id, host)
		return nil
	}
	if c.Expired(time.Now()) {
		m.log.Warningf("Identity %v for %v expired at %v.", id, host, c.NotAfter)
	}
	return c
}
