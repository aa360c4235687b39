// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package gemini implements the wire level pieces of the Gemini protocol:
// request URLs, response status lines and the MIME meta of success
// responses.
package gemini

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
)

const (
	// DefaultPort is the port used when a URL carries none.
	DefaultPort = "1965"

	// Scheme is the URL scheme of the protocol.
	Scheme = "gemini"

	// MaxMetaLength is the maximum length of the meta field in bytes.
	MaxMetaLength = 1024

	// MaxHeaderLength caps how much is read while looking for the end of
	// the status line.
	MaxHeaderLength = 2048

	// StatusMalformed is the out of band code standing in for a status
	// line that could not be parsed.
	StatusMalformed = 99
)

// Status codes.
const (
	StatusInput          = 10
	StatusSensitiveInput = 11

	StatusSuccess = 20

	StatusRedirectTemporary = 30
	StatusRedirectPermanent = 31

	StatusTemporaryFailure  = 40
	StatusServerUnavailable = 41
	StatusCGIError          = 42
	StatusProxyError        = 43
	StatusSlowDown          = 44

	StatusPermanentFailure    = 50
	StatusNotFound            = 51
	StatusGone                = 52
	StatusProxyRequestRefused = 53
	StatusBadRequest          = 59

	StatusCertificateRequired      = 60
	StatusCertificateNotAuthorized = 61
	StatusCertificateNotValid      = 62
)

// Class is the tens digit grouping of a status code.
type Class int

// Status classes.
const (
	ClassUnknown     Class = 0
	ClassInput       Class = 1
	ClassSuccess     Class = 2
	ClassRedirect    Class = 3
	ClassTemporary   Class = 4
	ClassPermanent   Class = 5
	ClassCertificate Class = 6
)

func (c Class) String() string {
	switch c {
	case ClassInput:
		return "input"
	case ClassSuccess:
		return "success"
	case ClassRedirect:
		return "redirect"
	case ClassTemporary:
		return "temporary failure"
	case ClassPermanent:
		return "permanent failure"
	case ClassCertificate:
		return "client certificate required"
	default:
		return "unknown"
	}
}

var statusLineRe = regexp.MustCompile(`^(\d{2})(?:\s+(.*))?$`)

// StatusLine is the first line of a response.
type StatusLine struct {
	Code int
	Meta string
}

// Class returns the status class of the code, ClassUnknown for anything
// outside 10-69.
func (s StatusLine) Class() Class {
	if s.Code < 10 || s.Code > 69 {
		return ClassUnknown
	}
	return Class(s.Code / 10)
}

func (s StatusLine) String() string {
	if s.Meta == "" {
		return strconv.Itoa(s.Code)
	}
	return fmt.Sprintf("%02d %s", s.Code, s.Meta)
}

// MalformedStatus returns the synthetic status line used in place of a
// line that failed to parse.
func MalformedStatus(raw string) StatusLine {
	return StatusLine{Code: StatusMalformed, Meta: raw}
}

// ParseStatusLine parses a status line without its terminator.
func ParseStatusLine(line string) (StatusLine, error) {
	m := statusLineRe.FindStringSubmatch(line)
	if m == nil {
		return StatusLine{}, newProtocolError(line, "malformed status line")
	}
	if len(m[2]) > MaxMetaLength {
		return StatusLine{}, newProtocolError(line, "meta exceeds %d bytes", MaxMetaLength)
	}
	code, _ := strconv.Atoi(m[1])
	return StatusLine{Code: code, Meta: m[2]}, nil
}

// ReadStatusLine reads and parses a status line from r.  The raw line is
// returned even when parsing fails so that the caller can report it.
func ReadStatusLine(r *bufio.Reader) (StatusLine, string, error) {
	var line []byte
	for {
		frag, err := r.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > MaxHeaderLength {
			raw := string(line[:MaxHeaderLength])
			return StatusLine{}, raw, newProtocolError(raw, "status line exceeds %d bytes", MaxHeaderLength)
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			raw := string(line)
			return StatusLine{}, raw, newProtocolError(raw, "unterminated status line")
		}
		return StatusLine{}, string(line), err
	}

	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	raw := string(line)
	st, err := ParseStatusLine(raw)
	return st, raw, err
}
