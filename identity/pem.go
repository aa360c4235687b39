// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/youmark/pkcs8"
)

// PBKDF2Iterations is the iteration count used when encrypting private keys.
const PBKDF2Iterations = 600000

const (
	certificateType         = "CERTIFICATE"
	publicKeyType           = "PUBLIC KEY"
	privateKeyType          = "PRIVATE KEY"
	ecPrivateKeyType        = "EC PRIVATE KEY"
	encryptedPrivateKeyType = "ENCRYPTED PRIVATE KEY"
)

// ErrNoPrivateKey is returned when a private key is required but the input
// carries none.
var ErrNoPrivateKey = errors.New("identity: no private key found")

// PBES2 with PBKDF2-HMAC-SHA256 and AES-256-CBC.
var encryptionOpts = &pkcs8.Opts{
	Cipher: pkcs8.AES256CBC,
	KDFOpts: pkcs8.PBKDF2Opts{
		SaltSize:       16,
		IterationCount: PBKDF2Iterations,
		HMACHash:       crypto.SHA256,
	},
}

// Export serializes the certificate, its public key and its private key as
// PEM blocks separated by blank lines.  A non-empty password encrypts the
// private key.
func Export(c *Certificate, password string) ([]byte, error) {
	if c.Key == nil {
		return nil, ErrLocked
	}
	pubDER, err := x509.MarshalPKIXPublicKey(c.Key.Public())
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(c.Key)
	if err != nil {
		return nil, err
	}
	keyBlock := &pem.Block{Type: privateKeyType, Bytes: keyDER}
	if password != "" {
		enc, err := pkcs8.MarshalPrivateKey(c.Key, []byte(password), encryptionOpts)
		if err != nil {
			return nil, err
		}
		keyBlock = &pem.Block{Type: encryptedPrivateKeyType, Bytes: enc}
	}

	var buf bytes.Buffer
	for i, b := range []*pem.Block{
		{Type: certificateType, Bytes: c.X509.Raw},
		{Type: publicKeyType, Bytes: pubDER},
		keyBlock,
	} {
		if i > 0 {
			buf.WriteByte('\n')
		}
		if err := pem.Encode(&buf, b); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Decode parses an exported identity.  When the private key is encrypted
// and password is empty the identity is returned locked, with Encrypted
// set.  A wrong password yields ErrIncorrectPassword.
func Decode(data []byte, password string) (*Certificate, error) {
	var (
		certBlock *pem.Block
		keyBlock  *pem.Block
	)
	for rest := data; ; {
		var b *pem.Block
		b, rest = pem.Decode(rest)
		if b == nil {
			break
		}
		switch b.Type {
		case certificateType:
			if certBlock == nil {
				certBlock = b
			}
		case privateKeyType, ecPrivateKeyType, encryptedPrivateKeyType:
			if keyBlock == nil {
				keyBlock = b
			}
		}
	}
	if certBlock == nil {
		return nil, ErrNoCertificate
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: malformed certificate: %v", err)
	}

	c := fromX509(cert, nil)
	c.raw = append([]byte(nil), data...)
	if keyBlock == nil {
		return c, nil
	}

	var key crypto.Signer
	if keyBlock.Type == encryptedPrivateKeyType {
		c.Encrypted = true
		if password == "" {
			return c, nil
		}
		k, err := pkcs8.ParsePKCS8PrivateKey(keyBlock.Bytes, []byte(password))
		if err != nil {
			return nil, ErrIncorrectPassword
		}
		var ok bool
		if key, ok = k.(crypto.Signer); !ok {
			return nil, fmt.Errorf("identity: unsupported key type %T", k)
		}
	} else if key, err = parsePrivateKey(keyBlock.Type, keyBlock.Bytes); err != nil {
		return nil, fmt.Errorf("identity: malformed private key: %v", err)
	}
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return nil, ErrKeyMismatch
	}
	c.Key = key
	return c, nil
}

func parsePrivateKey(blockType string, der []byte) (crypto.Signer, error) {
	var (
		key interface{}
		err error
	)
	if blockType == ecPrivateKeyType {
		key, err = x509.ParseECPrivateKey(der)
	} else {
		key, err = x509.ParsePKCS8PrivateKey(der)
	}
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T", key)
	}
	return signer, nil
}

// Import loads an identity, including its private key, from the PEM file
// at path.  A missing file yields an error wrapping os.ErrNotExist.
func Import(path, password string) (*Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to read '%v': %w", path, err)
	}
	c, err := Decode(data, password)
	if err != nil {
		return nil, err
	}
	if c.Key == nil {
		if c.Encrypted {
			return nil, ErrPasswordRequired
		}
		return nil, ErrNoPrivateKey
	}
	return c, nil
}

// PublicOnly loads the certificate metadata from the PEM file at path
// without touching the private key, which may be encrypted.
func PublicOnly(path string) (*Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to read '%v': %w", path, err)
	}
	c, err := Decode(data, "")
	if err != nil {
		return nil, err
	}
	c.Key = nil
	c.Encrypted = bytes.Contains(data, []byte("-----BEGIN "+encryptedPrivateKeyType+"-----"))
	return c, nil
}

// Stored returns the PEM form an identity was decoded from, nil for
// identities created in memory.
func (c *Certificate) Stored() []byte {
	return c.raw
}

// Unlock decrypts the private key of a locked identity.  c is not
// modified; the unlocked copy is returned.
func (c *Certificate) Unlock(password string) (*Certificate, error) {
	if c.Key != nil {
		return c, nil
	}
	if c.raw == nil {
		return nil, ErrNoPrivateKey
	}
	u, err := Decode(c.raw, password)
	if err != nil {
		return nil, err
	}
	if u.Key == nil {
		if u.Encrypted {
			return nil, ErrPasswordRequired
		}
		return nil, ErrNoPrivateKey
	}
	return u, nil
}
