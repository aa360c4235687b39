// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/gemini/tofu"
)

func firstOfMonth() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func TestIssue(t *testing.T) {
	exp := time.Now().Add(365 * 24 * time.Hour)
	c, err := Issue("Name", exp)
	require.NoError(t, err)

	require.Equal(t, "Name", c.Name)
	require.True(t, c.NotBefore.Equal(firstOfMonth()), "NotBefore %v", c.NotBefore)
	require.Equal(t, time.UTC, c.NotBefore.Location())
	require.True(t, exp.UTC().Truncate(time.Second).Equal(c.NotAfter))
	require.Equal(t, tofu.Fingerprint(c.X509), c.ID)
	require.False(t, c.Locked())
	require.False(t, c.Encrypted)

	require.Equal(t, x509.ECDSAWithSHA256, c.X509.SignatureAlgorithm)
	key, ok := c.Key.(*ecdsa.PrivateKey)
	require.True(t, ok)
	require.Equal(t, elliptic.P256(), key.Curve)
	require.NoError(t, c.X509.CheckSignature(c.X509.SignatureAlgorithm, c.X509.RawTBSCertificate, c.X509.Signature))
	require.False(t, c.X509.IsCA)

	tc, err := c.TLSCertificate()
	require.NoError(t, err)
	require.Equal(t, c.X509.Raw, tc.Certificate[0])
}

func TestIssueInvalidArguments(t *testing.T) {
	_, err := Issue("Name", time.Now().Add(-time.Hour))
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Issue("Name", time.Now())
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Issue("", time.Now().Add(time.Hour))
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Issue("   ", time.Now().Add(time.Hour))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestUpdateKeepsKey(t *testing.T) {
	orig, err := Issue("Old", time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	origNotAfter := orig.NotAfter

	exp := time.Now().Add(2 * 365 * 24 * time.Hour)
	renewed, err := Update(orig, "New", exp)
	require.NoError(t, err)

	require.Equal(t, "New", renewed.Name)
	require.NotEqual(t, orig.ID, renewed.ID)
	require.True(t, renewed.NotBefore.Equal(firstOfMonth()))
	require.Same(t, orig.Key, renewed.Key)
	require.True(t, renewed.X509.PublicKey.(*ecdsa.PublicKey).Equal(orig.X509.PublicKey))

	// The original is untouched.
	require.Equal(t, "Old", orig.Name)
	require.Equal(t, origNotAfter, orig.NotAfter)

	_, err = Update(orig, "", exp)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = Update(orig, "New", time.Now().Add(-time.Second))
	require.ErrorIs(t, err, ErrInvalidArgument)

	locked := *orig
	locked.Key = nil
	_, err = Update(&locked, "New", exp)
	require.ErrorIs(t, err, ErrLocked)
}

func TestLockedTLSCertificate(t *testing.T) {
	c, err := Issue("Name", time.Now().Add(time.Hour))
	require.NoError(t, err)
	c.Key = nil
	_, err = c.TLSCertificate()
	require.True(t, errors.Is(err, ErrLocked))
}

func signVerify(t *testing.T, c *Certificate) {
	digest := sha256.Sum256([]byte("gemini"))
	sig, err := c.Key.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err)
	pub := c.X509.PublicKey.(*ecdsa.PublicKey)
	require.True(t, ecdsa.VerifyASN1(pub, digest[:], sig))
}
