// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package gemini

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

var (
	// ErrNotAbsolute is returned for a request URL without scheme or host.
	ErrNotAbsolute = errors.New("gemini: request URL is not absolute")

	// ErrScheme is returned for a request URL with a foreign scheme.
	ErrScheme = errors.New("gemini: request URL scheme is not gemini")
)

// Request is an absolute gemini URL.
type Request struct {
	u    *url.URL
	host string
	port string
}

// ParseRequest parses and normalizes an absolute gemini URL.
func ParseRequest(raw string) (*Request, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return NewRequest(u)
}

// hostProfile is idna.Lookup without the STD3 ASCII rules, which would
// reject host names such as "my_host.example" that resolve fine.
var hostProfile = idna.New(
	idna.MapForLookup(),
	idna.BidiRule(),
	idna.StrictDomainName(false),
)

// NewRequest builds a Request from u, which must be absolute and use the
// gemini scheme.  The host is converted to lowercase ASCII.
func NewRequest(u *url.URL) (*Request, error) {
	if !u.IsAbs() || u.Host == "" {
		return nil, ErrNotAbsolute
	}
	if !strings.EqualFold(u.Scheme, Scheme) {
		return nil, ErrScheme
	}

	host := u.Hostname()
	if host == "" {
		return nil, ErrNotAbsolute
	}
	if net.ParseIP(host) == nil {
		var err error
		if host, err = hostProfile.ToASCII(host); err != nil {
			return nil, fmt.Errorf("gemini: invalid host '%v': %v", u.Hostname(), err)
		}
	}
	host = strings.ToLower(host)
	port := u.Port()
	if port == "" {
		port = DefaultPort
	}

	nu := *u
	nu.Scheme = Scheme
	nu.Host = host
	if strings.Contains(host, ":") {
		nu.Host = "[" + host + "]"
	}
	if u.Port() != "" {
		nu.Host = net.JoinHostPort(host, port)
	}
	return &Request{u: &nu, host: host, port: port}, nil
}

// Host returns the normalized host name without port.
func (r *Request) Host() string {
	return r.host
}

// Port returns the port, DefaultPort when none was given.
func (r *Request) Port() string {
	return r.port
}

// Address returns the host:port pair to dial.
func (r *Request) Address() string {
	return net.JoinHostPort(r.host, r.port)
}

// URL returns a copy of the underlying URL.
func (r *Request) URL() *url.URL {
	u := *r.u
	return &u
}

// String returns the full URL including any fragment.
func (r *Request) String() string {
	return r.u.String()
}

// Wire returns the URL as sent on the wire, without userinfo or fragment.
func (r *Request) Wire() string {
	u := *r.u
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// Equal returns true iff both requests address the same resource.
func (r *Request) Equal(o *Request) bool {
	if o == nil {
		return false
	}
	return r.host == o.host &&
		r.port == o.port &&
		normalPath(r.u) == normalPath(o.u) &&
		r.u.RawQuery == o.u.RawQuery
}

// Resolve resolves ref, typically a redirect target, against r.
func (r *Request) Resolve(ref string) (*url.URL, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("empty reference")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return r.u.ResolveReference(u), nil
}

func normalPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}
	return p
}
