// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/gemini/common"
	"github.com/katzenpost/gemini/identity"
)

const day = 24 * time.Hour

func newIdentityCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "identity",
		Aliases: []string{"id"},
		Short:   "Manage client certificates",
	}
	cmd.AddCommand(
		newIdentityIssueCommand(flags),
		newIdentityListCommand(flags),
		newIdentityExportCommand(flags),
		newIdentityImportCommand(flags),
		newIdentityRenewCommand(flags),
		newIdentityUseCommand(flags),
		newIdentityUnuseCommand(flags),
		newIdentityForgetCommand(flags),
	)
	return cmd
}

func newIdentityIssueCommand(flags *rootFlags) *cobra.Command {
	var (
		days    int
		encrypt bool
	)
	cmd := &cobra.Command{
		Use:   "issue NAME",
		Short: "Create a new identity",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			var pw string
			if encrypt {
				var err error
				if pw, err = newTerminal().newPassword(cmd.ErrOrStderr()); err != nil {
					return err
				}
			}
			c, err := a.ids.Issue(args[0], time.Now().Add(time.Duration(days)*day), pw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), c.ID)
			return nil
		}),
	}
	cmd.Flags().IntVarP(&days, "days", "d", 365, "validity in days")
	cmd.Flags().BoolVarP(&encrypt, "encrypt", "e", false, "protect the private key with a password")
	return cmd
}

func newIdentityListCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List identities",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			w := cmd.OutOrStdout()
			now := time.Now()
			for _, c := range a.ids.List() {
				var notes []string
				if c.Encrypted {
					notes = append(notes, "encrypted")
				}
				if c.Expired(now) {
					notes = append(notes, "expired")
				}
				fmt.Fprintln(w, common.Heading.Render(c.Name))
				fmt.Fprintf(w, "  id:    %v\n", c.ID)
				fmt.Fprintf(w, "  valid: %v to %v %v\n", c.NotBefore.Format(time.DateOnly),
					c.NotAfter.Format(time.DateOnly), common.Faint.Render(strings.Join(notes, ", ")))
				if hosts := a.ids.Hosts(c.ID); len(hosts) != 0 {
					fmt.Fprintf(w, "  used:  %v\n", strings.Join(hosts, " "))
				}
			}
			return nil
		}),
	}
}

// unlockPassword asks for the password of c if it needs one.
func unlockPassword(cmd *cobra.Command, t *terminal, c *identity.Certificate) (string, error) {
	if !c.Locked() {
		return "", nil
	}
	return t.readPassword(cmd.ErrOrStderr(), "Password for "+c.Name+": ")
}

func newIdentityExportCommand(flags *rootFlags) *cobra.Command {
	var (
		out     string
		encrypt bool
	)
	cmd := &cobra.Command{
		Use:   "export ID",
		Short: "Write an identity as PEM",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			c, err := a.ids.Get(args[0])
			if err != nil {
				return err
			}
			t := newTerminal()
			unlock, err := unlockPassword(cmd, t, c)
			if err != nil {
				return err
			}
			var pw string
			if encrypt {
				if pw, err = t.newPassword(cmd.ErrOrStderr()); err != nil {
					return err
				}
			}
			b, err := a.ids.Export(c.ID, unlock, pw)
			if err != nil {
				return err
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(b)
				return err
			}
			return os.WriteFile(out, b, 0600)
		}),
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file, stdout if omitted")
	cmd.Flags().BoolVarP(&encrypt, "encrypt", "e", false, "encrypt the exported private key")
	return cmd
}

func newIdentityImportCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Import a PEM identity",
		Long: `Import a certificate and private key from a PEM file.  An encrypted
key is decrypted with the password asked for and stays encrypted with the
same password in the database.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			c, err := a.ids.Import(args[0], "")
			if errors.Is(err, identity.ErrPasswordRequired) {
				var pw string
				if pw, err = newTerminal().readPassword(cmd.ErrOrStderr(), "Password: "); err != nil {
					return err
				}
				c, err = a.ids.Import(args[0], pw)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), c.ID)
			return nil
		}),
	}
}

func newIdentityRenewCommand(flags *rootFlags) *cobra.Command {
	var (
		name    string
		days    int
		replace bool
	)
	cmd := &cobra.Command{
		Use:   "renew ID",
		Short: "Issue a new certificate for an identity's key",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			c, err := a.ids.Get(args[0])
			if err != nil {
				return err
			}
			if name == "" {
				name = c.Name
			}
			var pw string
			if c.Encrypted {
				if pw, err = newTerminal().readPassword(cmd.ErrOrStderr(), "Password for "+c.Name+": "); err != nil {
					return err
				}
			}
			renewed, err := a.ids.Update(c.ID, name, time.Now().Add(time.Duration(days)*day), pw, replace)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renewed.ID)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "new name, unchanged if omitted")
	cmd.Flags().IntVarP(&days, "days", "d", 365, "validity in days")
	cmd.Flags().BoolVar(&replace, "replace", false, "delete the old certificate and move its hosts to the new one")
	return cmd
}

func newIdentityUseCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "use ID HOST",
		Short: "Present an identity to a host",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			return a.ids.Assign(args[1], args[0])
		}),
	}
}

func newIdentityUnuseCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unuse HOST",
		Short: "Stop presenting any identity to a host",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			return a.ids.Unassign(args[0])
		}),
	}
}

func newIdentityForgetCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "forget ID",
		Short: "Delete an identity",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			return a.ids.Delete(args[0])
		}),
	}
}
