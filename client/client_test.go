// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/gemini/config"
	"github.com/katzenpost/gemini/gemini"
	"github.com/katzenpost/gemini/identity"
	"github.com/katzenpost/gemini/log"
	"github.com/katzenpost/gemini/storage/boltstore"
	"github.com/katzenpost/gemini/tofu"
)

const testHost = "127.0.0.1"

type handlerFn func(line string, cs tls.ConnectionState) string

type testServer struct {
	ln      net.Listener
	cert    *identity.Certificate
	handler handlerFn

	conns atomic.Int32

	sync.Mutex
	lines []string
}

func newTestServer(t *testing.T, handler handlerFn) *testServer {
	cert, err := identity.Issue("server", time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	tc, err := cert.TLSCertificate()
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", net.JoinHostPort(testHost, "0"), &tls.Config{
		Certificates: []tls.Certificate{tc},
		ClientAuth:   tls.RequestClientCert,
		MinVersion:   tls.VersionTLS12,
	})
	require.NoError(t, err)

	s := &testServer{
		ln:      ln,
		cert:    cert,
		handler: handler,
	}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *testServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.conns.Add(1)
		go func() {
			defer conn.Close()
			tconn := conn.(*tls.Conn)
			if err := tconn.Handshake(); err != nil {
				return
			}
			line, err := bufio.NewReader(tconn).ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSuffix(line, "\r\n")
			s.Lock()
			s.lines = append(s.lines, line)
			s.Unlock()
			io.WriteString(tconn, s.handler(line, tconn.ConnectionState()))
		}()
	}
}

func (s *testServer) url(path string) string {
	return "gemini://" + s.ln.Addr().String() + path
}

func (s *testServer) requests() []string {
	s.Lock()
	defer s.Unlock()
	return append([]string(nil), s.lines...)
}

func staticHandler(resp string) handlerFn {
	return func(string, tls.ConnectionState) string {
		return resp
	}
}

type env struct {
	client *Client
	trust  *tofu.Store
	ids    *identity.Manager
}

func newEnv(t *testing.T, mutate func(*config.Config)) *env {
	cfg := &config.Config{
		Storage: &config.Storage{DataDir: t.TempDir()},
	}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.FixupAndValidate())

	st, err := boltstore.New(filepath.Join(cfg.Storage.DataDir, "gemini.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	trust := tofu.New(st, cfg.Trust.Window(), log.Discard())
	ids, err := identity.NewManager(st, log.Discard())
	require.NoError(t, err)
	return &env{
		client: New(cfg, trust, ids, log.Discard()),
		trust:  trust,
		ids:    ids,
	}
}

func (e *env) trustServer(t *testing.T, s *testServer) {
	_, err := e.trust.Trust(testHost, s.cert.X509)
	require.NoError(t, err)
}

func TestFetchSuccess(t *testing.T) {
	srv := newTestServer(t, staticHandler("20 text/gemini; charset=UTF-8; lang=en\r\n# Hello\n=> /next Next\n"))
	e := newEnv(t, nil)
	e.trustServer(t, srv)

	resp, err := e.client.Fetch(context.Background(), srv.url("/index.gmi?q=1#top"))
	require.NoError(t, err)
	require.Equal(t, gemini.StatusSuccess, resp.Status.Code)
	require.Equal(t, "text/gemini", resp.MIME.MediaType)
	require.Equal(t, "utf-8", resp.MIME.Charset)
	lang, ok := resp.MIME.Param("lang")
	require.True(t, ok)
	require.Equal(t, "en", lang)
	require.Equal(t, "# Hello\n=> /next Next\n", string(resp.Body))
	text, err := resp.Text()
	require.NoError(t, err)
	require.Equal(t, string(resp.Body), text)
	require.Equal(t, 0, resp.Redirects)
	require.Empty(t, resp.Identity)
	require.Equal(t, srv.cert.ID, tofu.Fingerprint(resp.Certificate))

	// The fragment never goes on the wire.
	require.Equal(t, []string{srv.url("/index.gmi?q=1")}, srv.requests())
}

func TestFetchInvalidURL(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.client.Fetch(context.Background(), "https://example.org/")
	require.ErrorIs(t, err, gemini.ErrScheme)
	_, err = e.client.Fetch(context.Background(), "/relative")
	require.ErrorIs(t, err, gemini.ErrNotAbsolute)
}

func TestFirstContact(t *testing.T) {
	srv := newTestServer(t, staticHandler("20 text/plain\r\nok"))
	e := newEnv(t, nil)

	resp, err := e.client.Fetch(context.Background(), srv.url("/"))
	require.Nil(t, resp)
	var uce *tofu.UnknownCertificateError
	require.True(t, errors.As(err, &uce))
	require.True(t, uce.FirstContact())
	require.Equal(t, testHost, uce.Host)
	require.Equal(t, srv.cert.ID, uce.Fingerprint)
	require.Empty(t, srv.requests(), "no request is sent to an untrusted server")

	_, err = e.trust.Trust(uce.Host, uce.Certificate)
	require.NoError(t, err)

	resp, err = e.client.Fetch(context.Background(), srv.url("/"))
	require.NoError(t, err)
	require.Equal(t, "ok", string(resp.Body))
}

func TestChangedCertificate(t *testing.T) {
	srv := newTestServer(t, staticHandler("20 text/plain\r\nok"))
	e := newEnv(t, nil)

	other, err := identity.Issue("impostor", time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = e.trust.Trust(testHost, other.X509)
	require.NoError(t, err)

	_, err = e.client.Fetch(context.Background(), srv.url("/"))
	var uce *tofu.UnknownCertificateError
	require.True(t, errors.As(err, &uce))
	require.False(t, uce.FirstContact())
	require.Len(t, uce.Known, 1)
	require.Equal(t, other.ID, uce.Known[0].Fingerprint)

	// Nothing was replaced behind the user's back.
	entries, err := e.trust.Entries(testHost)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRedirect(t *testing.T) {
	srv := newTestServer(t, func(line string, _ tls.ConnectionState) string {
		switch {
		case strings.HasSuffix(line, "/old"):
			return "31 /new\r\n"
		case strings.HasSuffix(line, "/new"):
			return "20 text/plain\r\nmoved"
		}
		return "51 not found\r\n"
	})
	e := newEnv(t, nil)
	e.trustServer(t, srv)

	resp, err := e.client.Fetch(context.Background(), srv.url("/old"))
	require.NoError(t, err)
	require.Equal(t, "moved", string(resp.Body))
	require.Equal(t, 1, resp.Redirects)
	require.Equal(t, "/new", resp.URL.URL().Path)
	require.EqualValues(t, 2, srv.conns.Load())
}

func TestSelfRedirect(t *testing.T) {
	srv := newTestServer(t, staticHandler("30 /loop\r\n"))
	e := newEnv(t, nil)
	e.trustServer(t, srv)

	resp, err := e.client.Fetch(context.Background(), srv.url("/loop"))
	var perr *gemini.ProtocolError
	require.True(t, errors.As(err, &perr), "%v", err)
	require.Equal(t, 30, resp.Status.Code)
	require.EqualValues(t, 1, srv.conns.Load())
}

func TestRedirectBudget(t *testing.T) {
	srv := newTestServer(t, func(line string, _ tls.ConnectionState) string {
		n, err := strconv.Atoi(line[strings.LastIndex(line, "/")+1:])
		if err != nil {
			return "59 bad request\r\n"
		}
		return fmt.Sprintf("30 /%d\r\n", n+1)
	})
	e := newEnv(t, func(cfg *config.Config) {
		cfg.Client = &config.Client{MaxRedirects: 2}
	})
	e.trustServer(t, srv)

	resp, err := e.client.Fetch(context.Background(), srv.url("/0"))
	var tmr *TooManyRedirectsError
	require.True(t, errors.As(err, &tmr), "%v", err)
	require.Equal(t, 2, tmr.Limit)
	require.True(t, strings.HasSuffix(tmr.URL, "/3"))
	require.Equal(t, 2, resp.Redirects)
	require.EqualValues(t, 3, srv.conns.Load())
}

func TestRedirectsDisabled(t *testing.T) {
	srv := newTestServer(t, staticHandler("30 /elsewhere\r\n"))
	e := newEnv(t, func(cfg *config.Config) {
		cfg.Client = &config.Client{MaxRedirects: -1}
	})
	e.trustServer(t, srv)

	_, err := e.client.Fetch(context.Background(), srv.url("/"))
	var tmr *TooManyRedirectsError
	require.True(t, errors.As(err, &tmr))
	require.Zero(t, tmr.Limit)
	require.EqualValues(t, 1, srv.conns.Load())
}

func TestForeignRedirect(t *testing.T) {
	srv := newTestServer(t, staticHandler("31 https://example.org/\r\n"))
	e := newEnv(t, nil)
	e.trustServer(t, srv)

	resp, err := e.client.Fetch(context.Background(), srv.url("/"))
	require.NoError(t, err)
	require.Equal(t, 31, resp.Status.Code)
	require.Equal(t, "https://example.org/", resp.Status.Meta)
	require.EqualValues(t, 1, srv.conns.Load())
}

func TestMalformedResponses(t *testing.T) {
	for _, tc := range []struct {
		name   string
		resp   string
		status int
	}{
		{"garbage", "hello there\r\n", gemini.StatusMalformed},
		{"one digit", "2 text/plain\r\n", gemini.StatusMalformed},
		{"meta too long", "20 " + strings.Repeat("a", gemini.MaxMetaLength+1) + "\r\n", gemini.StatusMalformed},
		{"unterminated", "20 text/plain", gemini.StatusMalformed},
		{"bad mime", "20 nonsense\r\nbody", gemini.StatusSuccess},
		{"bad redirect", "30 \r\n", 30},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, staticHandler(tc.resp))
			e := newEnv(t, nil)
			e.trustServer(t, srv)

			resp, err := e.client.Fetch(context.Background(), srv.url("/"))
			var perr *gemini.ProtocolError
			require.True(t, errors.As(err, &perr), "%v", err)
			require.NotNil(t, resp)
			require.Equal(t, tc.status, resp.Status.Code)
			require.Nil(t, resp.Body)
		})
	}
}

func TestMalformedStatusCarriesRawLine(t *testing.T) {
	srv := newTestServer(t, staticHandler("hello there\r\n"))
	e := newEnv(t, nil)
	e.trustServer(t, srv)

	resp, err := e.client.Fetch(context.Background(), srv.url("/"))
	require.Error(t, err)
	require.Equal(t, gemini.StatusMalformed, resp.Status.Code)
	require.Equal(t, "hello there", resp.Status.Meta)
}

func TestUnknownStatus(t *testing.T) {
	srv := newTestServer(t, staticHandler("70 what\r\n"))
	e := newEnv(t, nil)
	e.trustServer(t, srv)

	resp, err := e.client.Fetch(context.Background(), srv.url("/"))
	var use *gemini.UnknownStatusError
	require.True(t, errors.As(err, &use))
	require.Equal(t, 70, use.Status.Code)
	require.Equal(t, 70, resp.Status.Code)
}

func TestNonSuccessStatuses(t *testing.T) {
	for _, line := range []string{
		"10 Enter a query",
		"11 Password",
		"44 60",
		"51 Not found",
		"60 Certificate required",
	} {
		srv := newTestServer(t, staticHandler(line+"\r\nignored body"))
		e := newEnv(t, nil)
		e.trustServer(t, srv)

		resp, err := e.client.Fetch(context.Background(), srv.url("/"))
		require.NoError(t, err, line)
		st, err := gemini.ParseStatusLine(line)
		require.NoError(t, err)
		require.Equal(t, st, resp.Status)
		require.Nil(t, resp.MIME)
		require.Nil(t, resp.Body)
		_, err = resp.Text()
		require.Error(t, err)
	}
}

func TestUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", net.JoinHostPort(testHost, "0"))
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	e := newEnv(t, nil)
	_, err = e.client.Fetch(context.Background(), "gemini://"+addr+"/")
	var ue *UnreachableError
	require.True(t, errors.As(err, &ue), "%v", err)
	require.Equal(t, addr, ue.Addr)
}

func TestNotTLS(t *testing.T) {
	ln, err := net.Listen("tcp", net.JoinHostPort(testHost, "0"))
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			io.WriteString(conn, "20 text/plain\r\nplaintext is not TLS\r\n")
			conn.Close()
		}
	}()

	e := newEnv(t, nil)
	_, err = e.client.Fetch(context.Background(), "gemini://"+ln.Addr().String()+"/")
	var te *TLSError
	require.True(t, errors.As(err, &te), "%v", err)
}

func TestContextCancelled(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	srv := newTestServer(t, func(string, tls.ConnectionState) string {
		<-block
		return ""
	})
	e := newEnv(t, nil)
	e.trustServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := e.client.Fetch(ctx, srv.url("/slow"))
	var ue *UnreachableError
	require.True(t, errors.As(err, &ue), "%v", err)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestBodyTooLarge(t *testing.T) {
	srv := newTestServer(t, staticHandler("20 application/octet-stream\r\n0123456789"))
	e := newEnv(t, func(cfg *config.Config) {
		cfg.Client = &config.Client{MaxBodySize: 4}
	})
	e.trustServer(t, srv)

	resp, err := e.client.Fetch(context.Background(), srv.url("/"))
	require.ErrorIs(t, err, ErrBodyTooLarge)
	require.Equal(t, "0123", string(resp.Body))
	require.Nil(t, resp.MIME.Encoding)
}

func certHandler(line string, cs tls.ConnectionState) string {
	if len(cs.PeerCertificates) == 0 {
		return "60 Certificate required\r\n"
	}
	return "20 text/plain\r\n" + tofu.Fingerprint(cs.PeerCertificates[0])
}

func TestClientCertificate(t *testing.T) {
	srv := newTestServer(t, certHandler)
	e := newEnv(t, nil)
	e.trustServer(t, srv)

	resp, err := e.client.Fetch(context.Background(), srv.url("/"))
	require.NoError(t, err)
	require.Equal(t, gemini.StatusCertificateRequired, resp.Status.Code)

	id, err := e.ids.Issue("Me", time.Now().Add(24*time.Hour), "")
	require.NoError(t, err)
	require.NoError(t, e.ids.Assign(testHost, id.ID))

	resp, err = e.client.Fetch(context.Background(), srv.url("/"))
	require.NoError(t, err)
	require.Equal(t, gemini.StatusSuccess, resp.Status.Code)
	require.Equal(t, id.ID, resp.Identity)
	require.Equal(t, id.ID, string(resp.Body))
}

type fakePrompter struct {
	accept   bool
	identity func() *identity.Certificate

	certPrompts     int
	identityPrompts int
}

func (p *fakePrompter) PromptUnknownCertificate(host string, err *tofu.UnknownCertificateError) bool {
	p.certPrompts++
	return p.accept
}

func (p *fakePrompter) SelectIdentity(host string, ids []*identity.Certificate) *identity.Certificate {
	p.identityPrompts++
	if p.identity == nil {
		return nil
	}
	return p.identity()
}

func TestFetchInteractive(t *testing.T) {
	srv := newTestServer(t, certHandler)
	e := newEnv(t, nil)

	id, err := e.ids.Issue("Me", time.Now().Add(24*time.Hour), "")
	require.NoError(t, err)
	p := &fakePrompter{
		accept:   true,
		identity: func() *identity.Certificate { return id },
	}

	resp, err := e.client.FetchInteractive(context.Background(), srv.url("/"), p)
	require.NoError(t, err)
	require.Equal(t, gemini.StatusSuccess, resp.Status.Code)
	require.Equal(t, id.ID, string(resp.Body))
	require.Equal(t, 1, p.certPrompts)
	require.Equal(t, 1, p.identityPrompts)
	require.Equal(t, id.ID, e.ids.ForHost(testHost).ID)
	require.NoError(t, e.trust.Verify(testHost, srv.cert.X509))

	// Both decisions stick.
	resp, err = e.client.FetchInteractive(context.Background(), srv.url("/"), p)
	require.NoError(t, err)
	require.Equal(t, gemini.StatusSuccess, resp.Status.Code)
	require.Equal(t, 1, p.certPrompts)
	require.Equal(t, 1, p.identityPrompts)
}

func TestFetchInteractiveDeclined(t *testing.T) {
	srv := newTestServer(t, certHandler)
	e := newEnv(t, nil)

	p := &fakePrompter{}
	_, err := e.client.FetchInteractive(context.Background(), srv.url("/"), p)
	var uce *tofu.UnknownCertificateError
	require.True(t, errors.As(err, &uce))
	require.Equal(t, 1, p.certPrompts)
	entries, err := e.trust.Entries(testHost)
	require.NoError(t, err)
	require.Empty(t, entries)

	// Trusted, but no identity chosen: the 60 is handed back.
	p.accept = true
	resp, err := e.client.FetchInteractive(context.Background(), srv.url("/"), p)
	require.NoError(t, err)
	require.Equal(t, gemini.StatusCertificateRequired, resp.Status.Code)
	require.Equal(t, 1, p.identityPrompts)
}
