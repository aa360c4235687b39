// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/gemini/common"
	"github.com/katzenpost/gemini/tofu"
)

func newTrustCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Inspect and edit the server certificate trust store",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list [HOST]",
			Short: "List trusted certificates",
			Args:  cobra.MaximumNArgs(1),
			RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
				hosts := args
				if len(hosts) == 0 {
					var err error
					if hosts, err = a.store.Hosts(); err != nil {
						return err
					}
				}
				for _, host := range hosts {
					entries, err := a.trust.Entries(host)
					if err != nil {
						return err
					}
					printEntries(cmd.OutOrStdout(), host, entries)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "revoke HOST FINGERPRINT",
			Short: "Stop trusting a certificate",
			Args:  cobra.ExactArgs(2),
			RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
				return a.trust.Revoke(args[0], args[1])
			}),
		},
	)
	return cmd
}

func printEntries(w io.Writer, host string, entries []tofu.TrustEntry) {
	fmt.Fprintln(w, common.Heading.Render(host))
	now := time.Now()
	for _, e := range entries {
		state := "until " + e.Expires.Format(time.DateOnly)
		if !e.Active(now) {
			state = "expired " + e.Expires.Format(time.DateOnly)
		}
		fmt.Fprintf(w, "  %v %v\n", e.Fingerprint, common.Faint.Render(state))
		for _, p := range e.History {
			fmt.Fprintln(w, common.Faint.Render(fmt.Sprintf("    previously %v to %v",
				p.TrustedAt.Format(time.DateOnly), p.Expires.Format(time.DateOnly))))
		}
	}
}
