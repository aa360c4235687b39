// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

var errNoAnswer = errors.New("no answer on stdin")

// terminal reads answers from stdin, without echo for passwords when stdin
// is a terminal.
type terminal struct {
	fd int
	r  *bufio.Reader
}

func newTerminal() *terminal {
	return &terminal{
		fd: int(os.Stdin.Fd()),
		r:  bufio.NewReader(os.Stdin),
	}
}

func (t *terminal) readLine(w io.Writer, prompt string) (string, error) {
	fmt.Fprint(w, prompt)
	line, err := t.r.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", errNoAnswer
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (t *terminal) readPassword(w io.Writer, prompt string) (string, error) {
	if !term.IsTerminal(t.fd) {
		return t.readLine(w, prompt)
	}
	fmt.Fprint(w, prompt)
	b, err := term.ReadPassword(t.fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// newPassword asks for a password twice.
func (t *terminal) newPassword(w io.Writer) (string, error) {
	pw, err := t.readPassword(w, "New password: ")
	if err != nil {
		return "", err
	}
	if pw == "" {
		return "", errors.New("empty password")
	}
	again, err := t.readPassword(w, "Repeat password: ")
	if err != nil {
		return "", err
	}
	if pw != again {
		return "", errors.New("passwords do not match")
	}
	return pw, nil
}
