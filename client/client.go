// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package client implements the Gemini protocol session engine: connect,
// handshake against the trust store, request, response and redirects.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/gemini/config"
	"github.com/katzenpost/gemini/gemini"
	"github.com/katzenpost/gemini/identity"
	"github.com/katzenpost/gemini/internal/instrument"
	"github.com/katzenpost/gemini/internal/proxy"
	"github.com/katzenpost/gemini/log"
	"github.com/katzenpost/gemini/tofu"
)

const keepAlive = 30 * time.Second

// Response is the outcome of a request.  Every call returns a fresh value.
type Response struct {
	// Status is the parsed status line, or the synthetic StatusMalformed
	// status carrying the raw line when it could not be parsed.
	Status gemini.StatusLine

	// MIME is the interpretation of the meta, set for success responses
	// only.
	MIME *gemini.MIMEInfo

	// Body is the response body, read for success responses only.
	Body []byte

	// URL is the request the response answers, the last one when
	// redirects were followed.
	URL *gemini.Request

	// Certificate is the certificate the server presented.
	Certificate *x509.Certificate

	// Redirects is the number of redirects followed.
	Redirects int

	// Identity is the ID of the client certificate offered to the server,
	// empty if none was.
	Identity string
}

// Text returns the body decoded to UTF-8 according to its charset.
func (r *Response) Text() (string, error) {
	if r.MIME == nil {
		return "", fmt.Errorf("client: status %02d has no body", r.Status.Code)
	}
	b, err := r.MIME.Decode(r.Body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Client is a Gemini client.  It holds no per-request state and is safe for
// concurrent use; the trust store and identity manager serialize their own
// writes.
type Client struct {
	cfg   *config.Client
	proxy *proxy.Config
	trust *tofu.Store
	ids   *identity.Manager
	log   *logging.Logger

	dialer net.Dialer
}

// New returns a Client.  ids may be nil, in which case no client
// certificate is ever offered.
func New(cfg *config.Config, trust *tofu.Store, ids *identity.Manager, logBackend *log.Backend) *Client {
	return &Client{
		cfg:   cfg.Client,
		proxy: cfg.UpstreamProxy,
		trust: trust,
		ids:   ids,
		log:   logBackend.GetLogger("client"),
		dialer: net.Dialer{
			Timeout:   cfg.Client.Dial(),
			KeepAlive: keepAlive,
		},
	}
}

// Trust returns the trust store the client verifies servers against.
func (c *Client) Trust() *tofu.Store {
	return c.trust
}

// Identities returns the identity manager, nil if there is none.
func (c *Client) Identities() *identity.Manager {
	return c.ids
}

// Fetch parses rawURL and performs the request.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	req, err := gemini.ParseRequest(rawURL)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Do performs req, following redirects within the configured budget.  The
// Response is returned alongside the error whenever a status line was
// received, so callers can inspect what the server said.
func (c *Client) Do(ctx context.Context, req *gemini.Request) (*Response, error) {
	limit := c.cfg.Redirects()
	for redirects := 0; ; redirects++ {
		resp, err := c.exchange(ctx, req)
		if resp != nil {
			resp.Redirects = redirects
		}
		if err != nil {
			return resp, err
		}
		if resp.Status.Class() != gemini.ClassRedirect {
			return resp, nil
		}

		next, err := c.redirectTarget(req, resp.Status)
		if err != nil {
			instrument.Failure("protocol")
			return resp, err
		}
		if next == nil {
			// Foreign scheme, the caller decides what to do with it.
			return resp, nil
		}
		if redirects >= limit {
			instrument.Failure("redirects")
			return resp, &TooManyRedirectsError{URL: next.String(), Limit: limit}
		}
		c.log.Debugf("Following %02d redirect %v -> %v.", resp.Status.Code, req, next)
		instrument.Redirect()
		req = next
	}
}

// redirectTarget resolves the meta of a redirect against req.  It returns
// nil without an error for a target outside the gemini scheme.
func (c *Client) redirectTarget(req *gemini.Request, st gemini.StatusLine) (*gemini.Request, error) {
	u, err := req.Resolve(st.Meta)
	if err != nil {
		return nil, gemini.NewProtocolError(st.String(), "unusable redirect target: %v", err)
	}
	if u.Scheme != gemini.Scheme {
		c.log.Noticef("Not following redirect from %v to %v scheme URL %v.", req, u.Scheme, u)
		return nil, nil
	}
	next, err := gemini.NewRequest(u)
	if err != nil {
		return nil, gemini.NewProtocolError(st.String(), "unusable redirect target: %v", err)
	}
	if next.Equal(req) {
		return nil, gemini.NewProtocolError(st.String(), "redirect to self")
	}
	return next, nil
}

func (c *Client) dial(ctx context.Context, req *gemini.Request) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Dial())
	defer cancel()

	if dialFn := c.proxy.ToDialContext(req.Host()); dialFn != nil {
		return dialFn(dialCtx, "tcp", req.Address())
	}
	return c.dialer.DialContext(dialCtx, "tcp", req.Address())
}

func (c *Client) tlsConfig(req *gemini.Request, offered *string) *tls.Config {
	cfg := &tls.Config{
		// The server certificate is checked against the trust store once
		// the handshake completes.
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
	if net.ParseIP(req.Host()) == nil {
		cfg.ServerName = req.Host()
	}

	var id *identity.Certificate
	if c.ids != nil {
		id = c.ids.ForHost(req.Host())
	}
	cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
		if id == nil {
			return &tls.Certificate{}, nil
		}
		tc, err := id.TLSCertificate()
		if err != nil {
			c.log.Warningf("Not offering identity %v to %v: %v", id.ID, req.Host(), err)
			return &tls.Certificate{}, nil
		}
		c.log.Debugf("Offering identity %v to %v.", id, req.Host())
		*offered = id.ID
		return &tc, nil
	}
	return cfg
}

// exchange runs one request/response exchange on a fresh connection.
func (c *Client) exchange(ctx context.Context, req *gemini.Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Request())
	defer cancel()

	rawConn, err := c.dial(ctx, req)
	if err != nil {
		c.log.Debugf("Dial %v failed: %v", req.Address(), err)
		instrument.Failure("unreachable")
		return nil, newUnreachableError(req.Address(), err)
	}
	defer rawConn.Close()

	// Unblock any pending I/O as soon as the context is done.
	stop := context.AfterFunc(ctx, func() {
		rawConn.Close()
	})
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		rawConn.SetDeadline(deadline)
	}

	var offered string
	conn := tls.Client(rawConn, c.tlsConfig(req, &offered))
	hsCtx, hsCancel := context.WithTimeout(ctx, c.cfg.Handshake())
	err = conn.HandshakeContext(hsCtx)
	hsErr := hsCtx.Err()
	hsCancel()
	if err != nil {
		if hsErr != nil {
			instrument.Failure("unreachable")
			return nil, newUnreachableError(req.Address(), hsErr)
		}
		instrument.Failure("tls")
		return nil, &TLSError{Host: req.Host(), Err: err}
	}

	peers := conn.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		instrument.Failure("tls")
		return nil, &TLSError{Host: req.Host(), Err: ErrNoPeerCertificate}
	}
	if err = c.trust.Verify(req.Host(), peers[0]); err != nil {
		var uce *tofu.UnknownCertificateError
		if errors.As(err, &uce) {
			instrument.UnknownCertificate()
		} else {
			instrument.Failure("storage")
		}
		return nil, err
	}

	if _, err = io.WriteString(conn, req.Wire()+"\r\n"); err != nil {
		instrument.Failure("unreachable")
		return nil, newUnreachableError(req.Address(), err)
	}

	resp := &Response{
		URL:         req,
		Certificate: peers[0],
		Identity:    offered,
	}
	br := bufio.NewReader(conn)
	st, raw, err := gemini.ReadStatusLine(br)
	if err != nil {
		var perr *gemini.ProtocolError
		if !errors.As(err, &perr) {
			instrument.Failure("unreachable")
			return nil, newUnreachableError(req.Address(), err)
		}
		c.log.Warningf("Malformed status line from %v: %q", req.Host(), raw)
		instrument.Failure("protocol")
		resp.Status = gemini.MalformedStatus(raw)
		return resp, err
	}
	resp.Status = st
	c.log.Debugf("%v -> %v", req, st)

	switch st.Class() {
	case gemini.ClassUnknown:
		instrument.Failure("status")
		return resp, &gemini.UnknownStatusError{Status: st}
	case gemini.ClassSuccess:
	default:
		// Nothing but the header is of interest, and the connection is
		// closed on return.
		instrument.Response(st.Class().String())
		return resp, nil
	}

	if resp.MIME, err = gemini.ParseMIME(st.Meta); err != nil {
		c.log.Warningf("Malformed MIME meta from %v: %q", req.Host(), st.Meta)
		instrument.Failure("protocol")
		return resp, err
	}
	for _, p := range resp.MIME.Discarded {
		c.log.Warningf("Discarding repeated MIME parameter %v=%q from %v.", p.Key, p.Value, req.Host())
	}

	if resp.Body, err = c.readBody(br); err != nil {
		if errors.Is(err, ErrBodyTooLarge) {
			instrument.Failure("size")
			return resp, err
		}
		instrument.Failure("unreachable")
		return resp, newUnreachableError(req.Address(), err)
	}
	instrument.BodyBytes(len(resp.Body))
	instrument.Response(st.Class().String())
	return resp, nil
}

func (c *Client) readBody(r io.Reader) ([]byte, error) {
	limit := c.cfg.MaxBodySize
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	body, err := io.ReadAll(r)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		// Plenty of servers close without a close_notify, the body is
		// delimited by the close either way.
		c.log.Debugf("Body ended without close_notify.")
		err = nil
	}
	if err != nil {
		return body, err
	}
	if limit > 0 && int64(len(body)) > limit {
		return body[:limit], ErrBodyTooLarge
	}
	return body, nil
}
