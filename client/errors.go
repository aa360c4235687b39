// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"errors"
	"fmt"
)

var (
	// ErrBodyTooLarge is returned when a response body exceeds the
	// configured MaxBodySize.  The truncated Response is returned with it.
	ErrBodyTooLarge = errors.New("client: response body exceeds the size limit")

	// ErrNoPeerCertificate is wrapped in a TLSError when the server
	// completes the handshake without presenting a certificate.
	ErrNoPeerCertificate = errors.New("client: server presented no certificate")
)

// UnreachableError is the error used to indicate that the server could not
// be talked to: the connect failed or timed out, or the connection broke
// during the exchange.
type UnreachableError struct {
	// Addr is the host:port that was dialed.
	Addr string

	// Err is the original network error.
	Err error
}

// Error implements the error interface.
func (e *UnreachableError) Error() string {
	return fmt.Sprintf("client: %v unreachable: %v", e.Addr, e.Err)
}

// Unwrap returns the network error.
func (e *UnreachableError) Unwrap() error {
	return e.Err
}

func newUnreachableError(addr string, err error) error {
	return &UnreachableError{Addr: addr, Err: err}
}

// TLSError is the error used to indicate a failed TLS handshake, for any
// reason other than an untrusted server certificate.
type TLSError struct {
	// Host is the server the handshake was with.
	Host string

	// Err is the original handshake error.
	Err error
}

// Error implements the error interface.
func (e *TLSError) Error() string {
	return fmt.Sprintf("client: TLS handshake with %v failed: %v", e.Host, e.Err)
}

// Unwrap returns the handshake error.
func (e *TLSError) Unwrap() error {
	return e.Err
}

// TooManyRedirectsError is returned when a redirect arrives after the
// redirect budget has been spent.
type TooManyRedirectsError struct {
	// URL is the redirect target that was not followed.
	URL string

	// Limit is the redirect budget.
	Limit int
}

// Error implements the error interface.
func (e *TooManyRedirectsError) Error() string {
	return fmt.Sprintf("client: too many redirects (limit %d), not following %v", e.Limit, e.URL)
}
