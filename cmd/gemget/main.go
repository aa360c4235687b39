// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// gemget fetches Gemini URLs and manages the trust store and client
// identities they depend on.
package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/gemini/client"
	"github.com/katzenpost/gemini/common"
	"github.com/katzenpost/gemini/config"
	"github.com/katzenpost/gemini/identity"
	"github.com/katzenpost/gemini/internal/instrument"
	"github.com/katzenpost/gemini/log"
	"github.com/katzenpost/gemini/storage/boltstore"
	"github.com/katzenpost/gemini/tofu"
)

type rootFlags struct {
	ConfigFile string
	Metrics    string
	LogLevel   string
}

// app is the wired up client state shared by every subcommand.
type app struct {
	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger
	store      *boltstore.Store
	trust      *tofu.Store
	ids        *identity.Manager
	client     *client.Client

	metrics *http.Server
}

func loadConfig(flags *rootFlags) (*config.Config, error) {
	if flags.ConfigFile == "" {
		return config.Default()
	}
	cfg, err := config.LoadFile(flags.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %v", err)
	}
	return cfg, nil
}

func openApp(flags *rootFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	if flags.LogLevel != "" {
		cfg.Logging.Level = flags.LogLevel
	}
	if flags.Metrics != "" {
		cfg.Metrics.Address = flags.Metrics
	}

	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0700); err != nil {
		logBackend.Close()
		return nil, err
	}
	store, err := boltstore.New(cfg.Storage.Database)
	if err != nil {
		logBackend.Close()
		return nil, fmt.Errorf("failed to open %v: %v", cfg.Storage.Database, err)
	}

	a := &app{
		cfg:        cfg,
		logBackend: logBackend,
		log:        logBackend.GetLogger("gemget"),
		store:      store,
		trust:      tofu.New(store, cfg.Trust.Window(), logBackend),
	}
	if a.ids, err = identity.NewManager(store, logBackend); err != nil {
		a.Close()
		return nil, err
	}
	a.client = client.New(cfg, a.trust, a.ids, logBackend)

	if addr := cfg.Metrics.Address; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("metrics: %v", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", instrument.Handler())
		a.metrics = &http.Server{Handler: mux}
		go func() {
			if err := a.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Errorf("Metrics server failed: %v", err)
			}
		}()
		a.log.Noticef("Serving metrics on http://%v/metrics.", ln.Addr())
	}
	return a, nil
}

func (a *app) Close() {
	if a.metrics != nil {
		a.metrics.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.Errorf("Failed to close the database: %v", err)
	}
	a.logBackend.Close()
}

// withApp adapts a subcommand body that needs the wired up client.
func withApp(flags *rootFlags, fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(flags)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

func newRootCommand() *cobra.Command {
	flags := new(rootFlags)

	cmd := &cobra.Command{
		Use:   "gemget",
		Short: "Gemini protocol client",
		Long: `gemget fetches gemini:// URLs.

Server certificates are trusted on first use: an unknown certificate is
shown for confirmation before anything is sent, and a certificate that
differs from the one on record is never accepted silently.  Client
certificates ("identities") are issued locally and presented only to the
hosts they are assigned to.`,
		Example: `  # Fetch a page
  gemget fetch gemini://geminiprotocol.net/

  # Answer a 10 input prompt
  gemget fetch gemini://example.org/search --input "gemini clients"

  # Create an identity and use it on a capsule
  gemget identity issue "Astrobotany" --encrypt
  gemget identity use <ID> example.org`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.ConfigFile, "config", "c", "", "configuration file")
	cmd.PersistentFlags().StringVar(&flags.Metrics, "metrics", "", "serve prometheus metrics on this host:port")
	cmd.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "logging level (DEBUG, INFO, NOTICE, WARNING, ERROR)")

	cmd.AddCommand(
		newFetchCommand(flags),
		newIdentityCommand(flags),
		newTrustCommand(flags),
	)
	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}
