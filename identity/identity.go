// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package identity manages self-signed client certificates, the identities a
// user presents to gemini servers that ask for one.
package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/katzenpost/gemini/tofu"
)

var (
	// ErrInvalidArgument is returned for an empty name or an expiration
	// that is not in the future.
	ErrInvalidArgument = errors.New("identity: invalid argument")

	// ErrLocked is returned when an operation needs the private key of an
	// identity whose key is still encrypted.
	ErrLocked = errors.New("identity: private key is locked")

	// ErrIncorrectPassword is returned when an encrypted private key fails
	// to decrypt.
	ErrIncorrectPassword = errors.New("identity: incorrect password")

	// ErrPasswordRequired is returned when loading an encrypted private key
	// without a password.
	ErrPasswordRequired = errors.New("identity: password required")

	// ErrNoCertificate is returned for PEM input without a certificate.
	ErrNoCertificate = errors.New("identity: no certificate found")

	// ErrKeyMismatch is returned when the private key does not belong to
	// the certificate.
	ErrKeyMismatch = errors.New("identity: private key does not match certificate")
)

// Certificate is a client identity.
type Certificate struct {
	// ID is the certificate fingerprint.
	ID string

	// Name is the display name, also the certificate common name.
	Name string

	NotBefore time.Time
	NotAfter  time.Time

	// Encrypted is set when the private key is stored encrypted.
	Encrypted bool

	X509 *x509.Certificate

	// Key is nil until the identity is unlocked.  Issued identities use
	// ECDSA P-256, imported ones may carry any key crypto/tls can sign with.
	Key crypto.Signer

	// raw is the stored PEM form, kept for locked identities.
	raw []byte
}

// Locked returns true iff the private key is unavailable.
func (c *Certificate) Locked() bool {
	return c.Key == nil
}

// Expired returns true iff the certificate is no longer valid at now.
func (c *Certificate) Expired(now time.Time) bool {
	return !now.Before(c.NotAfter)
}

// TLSCertificate returns the identity in the form crypto/tls presents.
func (c *Certificate) TLSCertificate() (tls.Certificate, error) {
	if c.Key == nil {
		return tls.Certificate{}, ErrLocked
	}
	return tls.Certificate{
		Certificate: [][]byte{c.X509.Raw},
		PrivateKey:  c.Key,
		Leaf:        c.X509,
	}, nil
}

func (c *Certificate) String() string {
	return fmt.Sprintf("%s (%s, until %s)", c.Name, c.ID[:16], c.NotAfter.Format(time.DateOnly))
}

// validityStart truncates now to midnight UTC on the first day of the
// month, so that certificates do not reveal when they were made.
func validityStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func checkArgs(name string, expiration, now time.Time) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidArgument)
	}
	if !expiration.UTC().After(now.UTC()) {
		return fmt.Errorf("%w: expiration %v is not in the future", ErrInvalidArgument, expiration.UTC().Format(time.RFC3339))
	}
	return nil
}

// Issue creates a new key and a self-signed certificate for it.
func Issue(name string, expiration time.Time) (*Certificate, error) {
	now := time.Now()
	if err := checkArgs(name, expiration, now); err != nil {
		return nil, err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return sign(key, name, validityStart(now), expiration.UTC())
}

// Update issues a new certificate for the key of existing, with a new name
// and validity window.  existing is not modified.
func Update(existing *Certificate, name string, expiration time.Time) (*Certificate, error) {
	now := time.Now()
	if err := checkArgs(name, expiration, now); err != nil {
		return nil, err
	}
	if existing == nil || existing.Key == nil {
		return nil, ErrLocked
	}
	c, err := sign(existing.Key, name, validityStart(now), expiration.UTC())
	if err != nil {
		return nil, err
	}
	c.Encrypted = existing.Encrypted
	return c, nil
}

func sign(key crypto.Signer, name string, notBefore, notAfter time.Time) (*Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if _, ok := key.(*ecdsa.PrivateKey); ok {
		tmpl.SignatureAlgorithm = x509.ECDSAWithSHA256
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return fromX509(cert, key), nil
}

func fromX509(cert *x509.Certificate, key crypto.Signer) *Certificate {
	return &Certificate{
		ID:        tofu.Fingerprint(cert),
		Name:      cert.Subject.CommonName,
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		X509:      cert,
		Key:       key,
	}
}
