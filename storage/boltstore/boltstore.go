// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltstore persists the trust store and the client identities in a
// single boltdb database.
package boltstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/gemini/identity"
	"github.com/katzenpost/gemini/tofu"
)

const (
	// StorageVersion is the version of the on disk format.
	StorageVersion = 0

	metadataBucket    = "metadata"
	versionKey        = "version"
	trustBucket       = "trust"
	identitiesBucket  = "identities"
	assignmentsBucket = "assignments"
)

type periodRecord struct {
	TrustedAt int64
	Expires   int64
}

type trustRecord struct {
	TrustedAt int64
	Expires   int64
	History   []periodRecord `cbor:",omitempty"`
}

type identityRecord struct {
	Name      string
	Encrypted bool
	PEM       []byte
}

// Store is the boltdb backed storage.  It implements tofu.Storage and
// identity.Storage.
type Store struct {
	db *bolt.DB
}

var (
	_ tofu.Storage     = (*Store)(nil)
	_ identity.Storage = (*Store)(nil)
)

// New creates (or loads) the database in file f.
func New(f string) (*Store, error) {
	db, err := bolt.Open(f, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{trustBucket, identitiesBucket, assignmentsBucket} {
			if _, err = tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			// Well it looks like we loaded as opposed to created.
			if len(b) != 1 || b[0] != StorageVersion {
				return fmt.Errorf("boltstore: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{StorageVersion})
	}); err != nil {
		// The struct isn't getting returned so clean up the database.
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// LoadTrustEntries implements tofu.Storage.
func (s *Store) LoadTrustEntries(host string) ([]tofu.TrustEntry, error) {
	host = strings.ToLower(host)
	var entries []tofu.TrustEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		hBkt := tx.Bucket([]byte(trustBucket)).Bucket([]byte(host))
		if hBkt == nil {
			return nil
		}
		return hBkt.ForEach(func(k, v []byte) error {
			var rec trustRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("boltstore: corrupt trust entry %v/%s: %v", host, k, err)
			}
			e := tofu.TrustEntry{
				Host:        host,
				Fingerprint: string(k),
				TrustedAt:   time.Unix(rec.TrustedAt, 0),
				Expires:     time.Unix(rec.Expires, 0),
			}
			for _, p := range rec.History {
				e.History = append(e.History, tofu.Period{
					TrustedAt: time.Unix(p.TrustedAt, 0),
					Expires:   time.Unix(p.Expires, 0),
				})
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// SaveTrustEntry implements tofu.Storage.
func (s *Store) SaveTrustEntry(e tofu.TrustEntry) error {
	rec := &trustRecord{
		TrustedAt: e.TrustedAt.Unix(),
		Expires:   e.Expires.Unix(),
	}
	for _, p := range e.History {
		rec.History = append(rec.History, periodRecord{
			TrustedAt: p.TrustedAt.Unix(),
			Expires:   p.Expires.Unix(),
		})
	}
	b, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		hBkt, err := tx.Bucket([]byte(trustBucket)).CreateBucketIfNotExists([]byte(strings.ToLower(e.Host)))
		if err != nil {
			return err
		}
		return hBkt.Put([]byte(e.Fingerprint), b)
	})
}

// DeleteTrustEntry implements tofu.Storage.
func (s *Store) DeleteTrustEntry(host, fingerprint string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tBkt := tx.Bucket([]byte(trustBucket))
		hBkt := tBkt.Bucket([]byte(strings.ToLower(host)))
		if hBkt == nil {
			return nil
		}
		if err := hBkt.Delete([]byte(fingerprint)); err != nil {
			return err
		}
		// Drop the host bucket once its last entry is gone.
		if k, _ := hBkt.Cursor().First(); k == nil {
			return tBkt.DeleteBucket([]byte(strings.ToLower(host)))
		}
		return nil
	})
}

// Hosts returns every host with trust entries on record.
func (s *Store) Hosts() ([]string, error) {
	var hosts []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(trustBucket)).ForEach(func(k, v []byte) error {
			if v == nil {
				hosts = append(hosts, string(k))
			}
			return nil
		})
	})
	return hosts, err
}

// LoadIdentities implements identity.Storage.  Encrypted identities are
// returned locked.
func (s *Store) LoadIdentities() ([]*identity.Certificate, error) {
	var ids []*identity.Certificate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(identitiesBucket)).ForEach(func(k, v []byte) error {
			var rec identityRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("boltstore: corrupt identity %s: %v", k, err)
			}
			c, err := identity.Decode(rec.PEM, "")
			if err != nil {
				return fmt.Errorf("boltstore: identity %s: %v", k, err)
			}
			c.Name = rec.Name
			c.Encrypted = rec.Encrypted
			ids = append(ids, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// SaveIdentity implements identity.Storage.  A non-empty password encrypts
// the stored private key.  Locked identities are stored as they were
// loaded.
func (s *Store) SaveIdentity(c *identity.Certificate, password string) error {
	rec := &identityRecord{
		Name:      c.Name,
		Encrypted: password != "",
	}
	if c.Locked() {
		if rec.PEM = c.Stored(); rec.PEM == nil {
			return identity.ErrLocked
		}
		rec.Encrypted = c.Encrypted
	} else {
		var err error
		if rec.PEM, err = identity.Export(c, password); err != nil {
			return err
		}
	}
	b, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(identitiesBucket)).Put([]byte(c.ID), b)
	})
}

// DeleteIdentity implements identity.Storage.
func (s *Store) DeleteIdentity(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(identitiesBucket)).Delete([]byte(id))
	})
}

// LoadAssignments implements identity.Storage.
func (s *Store) LoadAssignments() (map[string]string, error) {
	m := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(assignmentsBucket)).ForEach(func(k, v []byte) error {
			m[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SaveAssignment implements identity.Storage.
func (s *Store) SaveAssignment(host, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(assignmentsBucket)).Put([]byte(strings.ToLower(host)), []byte(id))
	})
}

// DeleteAssignment implements identity.Storage.
func (s *Store) DeleteAssignment(host string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(assignmentsBucket)).Delete([]byte(strings.ToLower(host)))
	})
}
