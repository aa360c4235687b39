// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package tofu implements trust-on-first-use pinning of server certificates.
//
// A host starts out unknown.  Every certificate the store has not been told
// to trust, whether on first contact or after a key change, is reported as
// an UnknownCertificateError so that a human can decide; the store never
// trusts nor rejects on its own.  Expired pins are kept for the record but
// stop matching.
package tofu

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/gemini/log"
)

// DefaultTrustWindow is how long an explicit trust decision lasts when the
// caller does not say otherwise.
const DefaultTrustWindow = 365 * 24 * time.Hour

// ErrInvalidHost is returned for an empty host name.
var ErrInvalidHost = errors.New("tofu: invalid host")

// Period is a span during which a fingerprint was trusted.
type Period struct {
	TrustedAt time.Time
	Expires   time.Time
}

// TrustEntry is a single pinned certificate fingerprint for a host.
// History holds the earlier periods of the same fingerprint, oldest first,
// when it was trusted more than once.
type TrustEntry struct {
	Host        string
	Fingerprint string
	TrustedAt   time.Time
	Expires     time.Time
	History     []Period
}

// Active returns true iff the entry still matches at time now.
func (e *TrustEntry) Active(now time.Time) bool {
	return now.Before(e.Expires)
}

// Storage is the persistence backend of a Store.
type Storage interface {
	LoadTrustEntries(host string) ([]TrustEntry, error)
	SaveTrustEntry(entry TrustEntry) error
	DeleteTrustEntry(host, fingerprint string) error
}

// UnknownCertificateError is returned when a host presents a certificate
// that is not currently trusted.  It is the only handshake condition a
// caller is expected to recover from, by calling Store.Trust and retrying.
type UnknownCertificateError struct {
	Host        string
	Fingerprint string
	Certificate *x509.Certificate

	// Known are the entries on record for the host, expired ones included.
	// Empty on first contact.
	Known []TrustEntry
}

// Error implements the error interface.
func (e *UnknownCertificateError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("tofu: first contact with %v, certificate %v is not trusted", e.Host, e.Fingerprint)
	}
	return fmt.Sprintf("tofu: certificate %v presented by %v does not match any trusted certificate", e.Fingerprint, e.Host)
}

// FirstContact returns true iff nothing was on record for the host.
func (e *UnknownCertificateError) FirstContact() bool {
	return len(e.Known) == 0
}

// StorageError wraps a failure of the persistence backend.
type StorageError struct {
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("tofu: storage failure: %v", e.Err)
}

// Unwrap returns the backend error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Fingerprint returns the uppercase hex SHA-256 digest of the DER encoded
// certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Store is the trust store.  It is safe for concurrent use.
type Store struct {
	sync.RWMutex

	storage Storage
	window  time.Duration
	log     *logging.Logger
	now     func() time.Time

	cache map[string][]TrustEntry
}

// New returns a Store backed by storage.  A zero window selects
// DefaultTrustWindow.
func New(storage Storage, window time.Duration, logBackend *log.Backend) *Store {
	if window <= 0 {
		window = DefaultTrustWindow
	}
	return &Store{
		storage: storage,
		window:  window,
		log:     logBackend.GetLogger("tofu"),
		now:     time.Now,
		cache:   make(map[string][]TrustEntry),
	}
}

// Entries returns every entry on record for host, expired ones included.
func (s *Store) Entries(host string) ([]TrustEntry, error) {
	host = strings.ToLower(host)
	s.RLock()
	entries, ok := s.cache[host]
	s.RUnlock()
	if ok {
		return append([]TrustEntry(nil), entries...), nil
	}

	s.Lock()
	defer s.Unlock()
	entries, err := s.loadLocked(host)
	if err != nil {
		return nil, err
	}
	return append([]TrustEntry(nil), entries...), nil
}

func (s *Store) loadLocked(host string) ([]TrustEntry, error) {
	if entries, ok := s.cache[host]; ok {
		return entries, nil
	}
	entries, err := s.storage.LoadTrustEntries(host)
	if err != nil {
		return nil, &StorageError{Err: err}
	}
	s.cache[host] = entries
	return entries, nil
}

// Verify decides whether cert may be used to talk to host.  It returns nil
// iff the fingerprint matches an unexpired entry, and an
// *UnknownCertificateError otherwise.
func (s *Store) Verify(host string, cert *x509.Certificate) error {
	if host == "" {
		return ErrInvalidHost
	}
	entries, err := s.Entries(host)
	if err != nil {
		return err
	}

	fp := Fingerprint(cert)
	now := s.now()
	for i := range entries {
		if entries[i].Fingerprint != fp {
			continue
		}
		if entries[i].Active(now) {
			return nil
		}
		s.log.Debugf("Pin for %v (%v) expired at %v.", host, fp, entries[i].Expires)
	}

	if len(entries) == 0 {
		s.log.Infof("First contact with %v, fingerprint %v.", host, fp)
	} else {
		s.log.Warningf("Host %v presented unfamiliar certificate %v.", host, fp)
	}
	return &UnknownCertificateError{
		Host:        strings.ToLower(host),
		Fingerprint: fp,
		Certificate: cert,
		Known:       entries,
	}
}

// Trust records an explicit decision to trust cert for host.  The entry
// lasts for the store's window, or until the certificate's own expiry if
// that comes first.  Other fingerprints on record for the host are left
// untouched; an earlier entry for the same fingerprint moves to History.
func (s *Store) Trust(host string, cert *x509.Certificate) (TrustEntry, error) {
	if host == "" {
		return TrustEntry{}, ErrInvalidHost
	}
	host = strings.ToLower(host)
	now := s.now()
	entry := TrustEntry{
		Host:        host,
		Fingerprint: Fingerprint(cert),
		TrustedAt:   now,
		Expires:     now.Add(s.window),
	}
	if cert.NotAfter.After(now) && cert.NotAfter.Before(entry.Expires) {
		entry.Expires = cert.NotAfter
	}

	s.Lock()
	defer s.Unlock()

	entries, err := s.loadLocked(host)
	if err != nil {
		return TrustEntry{}, err
	}
	for _, e := range entries {
		if e.Fingerprint == entry.Fingerprint {
			entry.History = append(append([]Period(nil), e.History...), Period{
				TrustedAt: e.TrustedAt,
				Expires:   e.Expires,
			})
		}
	}
	if err := s.storage.SaveTrustEntry(entry); err != nil {
		return TrustEntry{}, &StorageError{Err: err}
	}

	updated := make([]TrustEntry, 0, len(entries)+1)
	for _, e := range entries {
		if e.Fingerprint != entry.Fingerprint {
			updated = append(updated, e)
		}
	}
	s.cache[host] = append(updated, entry)
	s.log.Noticef("Trusting %v for %v until %v.", entry.Fingerprint, host, entry.Expires.Format(time.RFC3339))
	return entry, nil
}

// Revoke removes the entry for fingerprint from host.  It takes effect for
// the next Verify.
func (s *Store) Revoke(host, fingerprint string) error {
	host = strings.ToLower(host)
	fingerprint = strings.ToUpper(fingerprint)

	s.Lock()
	defer s.Unlock()

	if err := s.storage.DeleteTrustEntry(host, fingerprint); err != nil {
		return &StorageError{Err: err}
	}
	if entries, ok := s.cache[host]; ok {
		updated := make([]TrustEntry, 0, len(entries))
		for _, e := range entries {
			if e.Fingerprint != fingerprint {
				updated = append(updated, e)
			}
		}
		s.cache[host] = updated
	}
	s.log.Noticef("Revoked %v for %v.", fingerprint, host)
	return nil
}
