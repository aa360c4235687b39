// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package gemini

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

const (
	// DefaultMediaType is assumed when a success response has an empty meta.
	DefaultMediaType = "text/gemini"

	// DefaultCharset is assumed for text without an explicit charset.
	DefaultCharset = "utf-8"

	charsetParam = "charset"
)

var (
	mediaTypeRe = regexp.MustCompile(`^[^/\s]+/\S+$`)
	paramRe     = regexp.MustCompile(`^([^=]+)=(.*)$`)
)

// Param is a single MIME parameter.
type Param struct {
	Key   string
	Value string
}

// MIMEInfo is the interpretation of the meta field of a success response.
type MIMEInfo struct {
	// MediaType is the lowercased "type/subtype".
	MediaType string

	// Charset is the charset name the body is declared in, empty when the
	// body is opaque.
	Charset string

	// Encoding decodes the body, nil when the body is opaque bytes.
	Encoding encoding.Encoding

	// Params holds the parameters other than charset in order of
	// appearance.
	Params []Param

	// Discarded holds repeated parameters that lost to an earlier one.
	Discarded []Param
}

// Param returns the value of the named parameter.
func (m *MIMEInfo) Param(key string) (string, bool) {
	key = strings.ToLower(key)
	for _, p := range m.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// IsText returns true iff the media type is text/*.
func (m *MIMEInfo) IsText() bool {
	return strings.HasPrefix(m.MediaType, "text/")
}

// Decode converts body to UTF-8 using the declared encoding.  Opaque bodies
// are returned unchanged.
func (m *MIMEInfo) Decode(body []byte) ([]byte, error) {
	if m.Encoding == nil {
		return body, nil
	}
	return m.Encoding.NewDecoder().Bytes(body)
}

// ParseMIME parses the meta field of a success response.
func ParseMIME(meta string) (*MIMEInfo, error) {
	if strings.TrimSpace(meta) == "" {
		return &MIMEInfo{
			MediaType: DefaultMediaType,
			Charset:   DefaultCharset,
			Encoding:  unicode.UTF8,
		}, nil
	}

	segments := strings.Split(meta, ";")
	mediaType := strings.TrimSpace(segments[0])
	if !mediaTypeRe.MatchString(mediaType) {
		return nil, newProtocolError(meta, "malformed media type")
	}
	info := &MIMEInfo{MediaType: strings.ToLower(mediaType)}

	charset := ""
	seen := make(map[string]bool)
	for _, seg := range segments[1:] {
		seg = strings.TrimSpace(seg)
		m := paramRe.FindStringSubmatch(seg)
		if m == nil {
			return nil, newProtocolError(meta, "malformed parameter %q", seg)
		}
		p := Param{
			Key:   strings.ToLower(strings.TrimSpace(m[1])),
			Value: unquote(strings.TrimSpace(m[2])),
		}
		if seen[p.Key] {
			info.Discarded = append(info.Discarded, p)
			continue
		}
		seen[p.Key] = true
		if p.Key == charsetParam {
			charset = p.Value
			continue
		}
		info.Params = append(info.Params, p)
	}

	switch {
	case charset != "":
		info.Charset, info.Encoding = lookupCharset(charset)
	case info.IsText():
		info.Charset, info.Encoding = DefaultCharset, unicode.UTF8
	}
	return info, nil
}

// lookupCharset resolves a charset label, falling back to UTF-8 for names
// nothing recognizes.
func lookupCharset(name string) (string, encoding.Encoding) {
	if enc, err := htmlindex.Get(name); err == nil {
		if canonical, err := htmlindex.Name(enc); err == nil {
			return canonical, enc
		}
		return strings.ToLower(name), enc
	}
	if enc, err := ianaindex.IANA.Encoding(name); err == nil && enc != nil {
		return strings.ToLower(name), enc
	}
	return DefaultCharset, unicode.UTF8
}

func unquote(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		if s, err := strconv.Unquote(v); err == nil {
			return s
		}
		return v[1 : len(v)-1]
	}
	return v
}
