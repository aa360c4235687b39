// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package log provides the logging backend shared by the gemini client
// packages, based around the go-logging package.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/op/go-logging.v1"
)

const logFormat = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

// Backend is a log backend.
type Backend struct {
	f       *os.File
	backend logging.LeveledBackend
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b.backend)
	return l
}

// New initializes a logging backend.  An empty f logs to stderr, leaving
// stdout free for response bodies.
func New(f string, level string, disable bool) (*Backend, error) {
	lvl, err := logLevelFromString(level)
	if err != nil {
		return nil, err
	}

	switch {
	case disable:
		return NewWithWriter(io.Discard, lvl), nil
	case f == "":
		return NewWithWriter(os.Stderr, lvl), nil
	}

	const fileMode = 0600

	flags := os.O_CREATE | os.O_APPEND | os.O_WRONLY
	file, err := os.OpenFile(f, flags, fileMode)
	if err != nil {
		return nil, fmt.Errorf("log: failed to create log file: %v", err)
	}
	b := NewWithWriter(file, lvl)
	b.f = file
	return b, nil
}

// Close closes the log file, if the backend owns one.  Loggers obtained
// from the backend must not be used afterwards.
func (b *Backend) Close() error {
	if b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}

// NewWithWriter returns a backend writing to w at the given level.
func NewWithWriter(w io.Writer, lvl logging.Level) *Backend {
	base := logging.NewLogBackend(w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(logFormat))
	b := &Backend{
		backend: logging.AddModuleLevel(formatted),
	}
	b.backend.SetLevel(lvl, "")
	return b
}

// Discard returns a backend that drops everything, for tests and callers
// that do not care about diagnostics.
func Discard() *Backend {
	return NewWithWriter(io.Discard, logging.CRITICAL)
}

func logLevelFromString(l string) (logging.Level, error) {
	switch strings.ToUpper(l) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	default:
		return logging.CRITICAL, fmt.Errorf("log: invalid level: '%v'", l)
	}
}
