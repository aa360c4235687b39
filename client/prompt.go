// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"

	"github.com/katzenpost/gemini/gemini"
	"github.com/katzenpost/gemini/identity"
	"github.com/katzenpost/gemini/tofu"
)

// maxPromptRounds bounds how often FetchInteractive asks before giving up
// and handing the last outcome to the caller.
const maxPromptRounds = 3

// Prompter is the user facing side of the decisions the engine never makes
// on its own.
type Prompter interface {
	// PromptUnknownCertificate asks whether to trust the certificate
	// described by err for host.
	PromptUnknownCertificate(host string, err *tofu.UnknownCertificateError) bool

	// SelectIdentity asks which identity to present to host, which asked
	// for a client certificate.  It returns nil to present none.  The
	// returned identity must be unlocked.
	SelectIdentity(host string, ids []*identity.Certificate) *identity.Certificate
}

// FetchInteractive fetches rawURL like Fetch, consulting p when the server
// presents an untrusted certificate or asks for a client certificate while
// none is assigned.  An accepted certificate is trusted and a selected
// identity is assigned to the host before the request is made again.
func (c *Client) FetchInteractive(ctx context.Context, rawURL string, p Prompter) (*Response, error) {
	req, err := gemini.ParseRequest(rawURL)
	if err != nil {
		return nil, err
	}

	for round := 0; ; round++ {
		resp, err := c.Do(ctx, req)
		if round >= maxPromptRounds {
			return resp, err
		}

		var uce *tofu.UnknownCertificateError
		if errors.As(err, &uce) {
			if !p.PromptUnknownCertificate(uce.Host, uce) {
				c.log.Noticef("Certificate %v for %v rejected.", uce.Fingerprint, uce.Host)
				return resp, err
			}
			if _, err := c.trust.Trust(uce.Host, uce.Certificate); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil || !c.wantsIdentity(resp) {
			return resp, err
		}

		host := resp.URL.Host()
		id := p.SelectIdentity(host, c.ids.List())
		if id == nil {
			return resp, nil
		}
		if id.Locked() {
			return resp, identity.ErrLocked
		}
		if err := c.ids.Assign(host, id.ID); err != nil {
			return resp, err
		}
		// Pick up where the redirects left off.
		req = resp.URL
	}
}

func (c *Client) wantsIdentity(resp *Response) bool {
	if c.ids == nil || resp.Identity != "" {
		return false
	}
	switch resp.Status.Code {
	case gemini.StatusCertificateRequired, gemini.StatusCertificateNotAuthorized, gemini.StatusCertificateNotValid:
		return true
	}
	return false
}
