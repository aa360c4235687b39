// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package gemini

import "fmt"

// ProtocolError is the error used to indicate that a peer violated the
// protocol: a malformed status or MIME line, an oversized meta, or an
// unusable redirect.
type ProtocolError struct {
	// Line is the offending raw input, if any.
	Line string

	// Err is the underlying reason.
	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("gemini: protocol error: %v", e.Err)
	}
	return fmt.Sprintf("gemini: protocol error: %v: %q", e.Err, e.Line)
}

// Unwrap returns the underlying reason.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func newProtocolError(line, f string, a ...interface{}) error {
	return &ProtocolError{Line: line, Err: fmt.Errorf(f, a...)}
}

// NewProtocolError returns a ProtocolError for line.
func NewProtocolError(line, f string, a ...interface{}) error {
	return newProtocolError(line, f, a...)
}

// UnknownStatusError is returned for a well formed status line whose code
// falls outside every known class.
type UnknownStatusError struct {
	Status StatusLine
}

// Error implements the error interface.
func (e *UnknownStatusError) Error() string {
	return fmt.Sprintf("gemini: unknown status code %02d", e.Status.Code)
}
