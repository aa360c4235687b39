// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the gemini client configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/gemini/internal/proxy"
)

const (
	defaultLogLevel         = "NOTICE"
	defaultDialTimeout      = 5  // 5 sec.
	defaultHandshakeTimeout = 10 // 10 sec.
	defaultRequestTimeout   = 60 // 60 sec.
	defaultMaxRedirects     = 5
	defaultTrustWindow      = 365 // days.
	defaultDatabase         = "gemini.db"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stderr will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Client is the protocol engine configuration.  All timeouts are in seconds.
type Client struct {
	// DialTimeout bounds the TCP connect.
	DialTimeout int

	// HandshakeTimeout bounds the TLS handshake.
	HandshakeTimeout int

	// RequestTimeout bounds a single request/response exchange, including
	// the body.
	RequestTimeout int

	// MaxRedirects is the number of redirects followed before giving up.
	// Zero selects the default, a negative value disables redirect
	// following.
	MaxRedirects int

	// MaxBodySize caps the response body in bytes, 0 means unbounded.
	MaxBodySize int64
}

func (cCfg *Client) applyDefaults() {
	if cCfg.DialTimeout <= 0 {
		cCfg.DialTimeout = defaultDialTimeout
	}
	if cCfg.HandshakeTimeout <= 0 {
		cCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cCfg.RequestTimeout <= 0 {
		cCfg.RequestTimeout = defaultRequestTimeout
	}
	if cCfg.MaxRedirects == 0 {
		cCfg.MaxRedirects = defaultMaxRedirects
	}
}

func (cCfg *Client) validate() error {
	if cCfg.MaxBodySize < 0 {
		return fmt.Errorf("config: Client: MaxBodySize %v is negative", cCfg.MaxBodySize)
	}
	return nil
}

// Dial returns the TCP connect timeout.
func (cCfg *Client) Dial() time.Duration {
	return time.Duration(cCfg.DialTimeout) * time.Second
}

// Handshake returns the TLS handshake timeout.
func (cCfg *Client) Handshake() time.Duration {
	return time.Duration(cCfg.HandshakeTimeout) * time.Second
}

// Request returns the exchange timeout.
func (cCfg *Client) Request() time.Duration {
	return time.Duration(cCfg.RequestTimeout) * time.Second
}

// Redirects returns the effective redirect budget.
func (cCfg *Client) Redirects() int {
	if cCfg.MaxRedirects < 0 {
		return 0
	}
	return cCfg.MaxRedirects
}

// Trust is the trust store configuration.
type Trust struct {
	// TrustWindow is the number of days an accepted certificate stays
	// trusted.
	TrustWindow int
}

// Window returns the trust window as a duration.
func (tCfg *Trust) Window() time.Duration {
	return time.Duration(tCfg.TrustWindow) * 24 * time.Hour
}

// Storage is the persistence configuration.
type Storage struct {
	// DataDir is the absolute path to the client's state files.
	DataDir string

	// Database is the path of the bolt database.  If left empty it will use
	// `gemini.db` under the DataDir.
	Database string
}

func (sCfg *Storage) validate() error {
	if sCfg.DataDir == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("config: Storage: DataDir is not set: %v", err)
		}
		sCfg.DataDir = filepath.Join(dir, "gemini")
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Storage: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if sCfg.Database == "" {
		sCfg.Database = filepath.Join(sCfg.DataDir, defaultDatabase)
	} else if !filepath.IsAbs(sCfg.Database) {
		return fmt.Errorf("config: Storage: Database '%v' is not an absolute path", sCfg.Database)
	}
	return nil
}

// Metrics is the prometheus exporter configuration.
type Metrics struct {
	// Address is the host:port the /metrics endpoint listens on, empty
	// disables the exporter.
	Address string
}

func (mCfg *Metrics) validate() error {
	if mCfg.Address == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(mCfg.Address); err != nil {
		return fmt.Errorf("config: Metrics: Address '%v' is invalid: %v", mCfg.Address, err)
	}
	return nil
}

// Config is the top level gemini client configuration.
type Config struct {
	Logging       *Logging
	Client        *Client
	Trust         *Trust
	Storage       *Storage
	UpstreamProxy *proxy.Config
	Metrics       *Metrics
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// Every section is optional.
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Client == nil {
		cfg.Client = &Client{}
	}
	if cfg.Trust == nil {
		cfg.Trust = &Trust{}
	}
	if cfg.Storage == nil {
		cfg.Storage = &Storage{}
	}
	if cfg.UpstreamProxy == nil {
		cfg.UpstreamProxy = &proxy.Config{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}

	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	cfg.Client.applyDefaults()
	if err := cfg.Client.validate(); err != nil {
		return err
	}
	if cfg.Trust.TrustWindow < 0 {
		return errors.New("config: Trust: TrustWindow is negative")
	} else if cfg.Trust.TrustWindow == 0 {
		cfg.Trust.TrustWindow = defaultTrustWindow
	}
	if err := cfg.Storage.validate(); err != nil {
		return err
	}
	if err := cfg.UpstreamProxy.FixupAndValidate(); err != nil {
		return err
	}
	return cfg.Metrics.validate()
}

// Default returns a validated configuration with every default applied.
func Default() (*Config, error) {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
