// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/gemini/client"
	"github.com/katzenpost/gemini/common"
	"github.com/katzenpost/gemini/gemini"
	"github.com/katzenpost/gemini/identity"
	"github.com/katzenpost/gemini/tofu"
)

// terminalPrompter asks the user on the terminal.
type terminalPrompter struct {
	in  *terminal
	out io.Writer
	ids *identity.Manager
}

func (p *terminalPrompter) PromptUnknownCertificate(host string, err *tofu.UnknownCertificateError) bool {
	if err.FirstContact() {
		fmt.Fprintln(p.out, common.Heading.Render("First visit to "+host))
	} else {
		fmt.Fprintln(p.out, common.Warning.Render("The certificate of "+host+" does not match the one on record!"))
		for _, e := range err.Known {
			state := "expires " + e.Expires.Format(time.DateOnly)
			if !e.Active(time.Now()) {
				state = "expired " + e.Expires.Format(time.DateOnly)
			}
			fmt.Fprintf(p.out, "  known: %v %v\n", e.Fingerprint, common.Faint.Render("("+state+")"))
		}
	}
	c := err.Certificate
	fmt.Fprintf(p.out, "  offered: %v\n", err.Fingerprint)
	fmt.Fprintln(p.out, common.Faint.Render(fmt.Sprintf("  subject %q, valid %v to %v",
		c.Subject.CommonName, c.NotBefore.Format(time.DateOnly), c.NotAfter.Format(time.DateOnly))))

	answer, rerr := p.in.readLine(p.out, "Trust this certificate? [y/N] ")
	if rerr != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func (p *terminalPrompter) SelectIdentity(host string, ids []*identity.Certificate) *identity.Certificate {
	fmt.Fprintln(p.out, common.Heading.Render(host+" asks for a client certificate."))
	if len(ids) == 0 {
		fmt.Fprintln(p.out, "No identities exist, create one with `gemget identity issue`.")
		return nil
	}
	for i, c := range ids {
		fmt.Fprintf(p.out, "  %d) %v\n", i+1, c)
	}
	answer, err := p.in.readLine(p.out, "Identity to present [number, empty for none]: ")
	if err != nil {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(answer))
	if err != nil || n < 1 || n > len(ids) {
		return nil
	}

	c := ids[n-1]
	if !c.Locked() {
		return c
	}
	pw, err := p.in.readPassword(p.out, "Password for "+c.Name+": ")
	if err != nil {
		return nil
	}
	u, err := p.ids.Unlock(c.ID, pw)
	if err != nil {
		fmt.Fprintf(p.out, "Failed to unlock %v: %v\n", c.Name, err)
		return nil
	}
	return u
}

// withInput returns rawURL with its query replaced by the escaped input, the
// way a 1x response expects the answer.
func withInput(rawURL, input string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	u.RawQuery = strings.ReplaceAll(url.QueryEscape(input), "+", "%20")
	return u.String(), nil
}

func writeResponse(w io.Writer, resp *client.Response, raw bool) error {
	st := resp.Status
	switch st.Class() {
	case gemini.ClassSuccess:
		body := resp.Body
		if !raw && resp.MIME.IsText() {
			text, err := resp.Text()
			if err != nil {
				return err
			}
			body = []byte(text)
		}
		_, err := w.Write(body)
		return err
	case gemini.ClassInput:
		return fmt.Errorf("%v asks for input (%q), answer with --input", resp.URL, st.Meta)
	case gemini.ClassRedirect:
		return fmt.Errorf("redirect to %v not followed", st.Meta)
	default:
		return fmt.Errorf("%v: %02d %v", resp.URL, st.Code, st.Meta)
	}
}

func newFetchCommand(flags *rootFlags) *cobra.Command {
	var (
		input string
		out   string
		raw   bool
	)

	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Fetch a gemini URL",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			target := args[0]
			if !strings.Contains(target, "://") {
				target = gemini.Scheme + "://" + target
			}
			if cmd.Flags().Changed("input") {
				var err error
				if target, err = withInput(target, input); err != nil {
					return err
				}
			}

			p := &terminalPrompter{
				in:  newTerminal(),
				out: cmd.ErrOrStderr(),
				ids: a.ids,
			}
			resp, err := a.client.FetchInteractive(cmd.Context(), target, p)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return writeResponse(w, resp, raw)
		}),
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "answer to a 1x input prompt, sent as the query")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the body to this file instead of stdout")
	cmd.Flags().BoolVar(&raw, "raw", false, "write text bodies without converting them to UTF-8")
	return cmd
}
