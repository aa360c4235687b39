// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func counter(t *testing.T, name string) float64 {
	mfs, err := Gatherer().Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestCounters(t *testing.T) {
	before := counter(t, "gemini_client_requests_total")
	Response("success")
	require.Equal(t, before+1, counter(t, "gemini_client_requests_total"))

	before = counter(t, "gemini_client_redirects_total")
	Redirect()
	require.Equal(t, before+1, counter(t, "gemini_client_redirects_total"))

	before = counter(t, "gemini_client_body_bytes_total")
	BodyBytes(42)
	require.Equal(t, before+42, counter(t, "gemini_client_body_bytes_total"))

	Failure("unreachable")
	UnknownCertificate()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `gemini_client_requests_total{class="success"}`)
	require.Contains(t, string(body), `gemini_client_failures_total{kind="unreachable"}`)
	require.Contains(t, string(body), "gemini_client_unknown_certificates_total")
}
