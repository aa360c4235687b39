// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes the client's prometheus counters.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_client_requests_total",
			Help: "Number of completed exchanges by status class",
		},
		[]string{"class"},
	)
	failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_client_failures_total",
			Help: "Number of exchanges that ended in an error",
		},
		[]string{"kind"},
	)
	redirects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gemini_client_redirects_total",
			Help: "Number of redirects followed",
		},
	)
	unknownCertificates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gemini_client_unknown_certificates_total",
			Help: "Number of server certificates not in the trust store",
		},
	)
	bodyBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gemini_client_body_bytes_total",
			Help: "Number of response body bytes read",
		},
	)

	registry = prometheus.NewRegistry()
)

func init() {
	registry.MustRegister(requests)
	registry.MustRegister(failures)
	registry.MustRegister(redirects)
	registry.MustRegister(unknownCertificates)
	registry.MustRegister(bodyBytes)
}

// Handler returns the HTTP handler serving the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Gatherer returns the registry backing Handler.
func Gatherer() prometheus.Gatherer {
	return registry
}

// Response counts a completed exchange by its status class name.
func Response(class string) {
	requests.With(prometheus.Labels{"class": class}).Inc()
}

// Failure counts an exchange that failed with an error of the given kind.
func Failure(kind string) {
	failures.With(prometheus.Labels{"kind": kind}).Inc()
}

// Redirect counts a followed redirect.
func Redirect() {
	redirects.Inc()
}

// UnknownCertificate counts a certificate the trust store had no active
// entry for.
func UnknownCertificate() {
	unknownCertificates.Inc()
}

// BodyBytes counts n body bytes read.
func BodyBytes(n int) {
	bodyBytes.Add(float64(n))
}
