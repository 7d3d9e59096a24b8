// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bureau-foundation/peek/coordinator"
)

// relayRoutes mounts the signaling endpoints.
type relayRoutes interface {
	Register(mux *http.ServeMux)
}

// newMux serves the relay, metrics, the session report, and a liveness
// check.
func newMux(relay relayRoutes, report func() []coordinator.SessionReport) *http.ServeMux {
	mux := http.NewServeMux()
	relay.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /debug/sessions", func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		encoder := json.NewEncoder(writer)
		encoder.SetIndent("", "  ")
		encoder.Encode(report())
	})
	mux.HandleFunc("GET /healthz", func(writer http.ResponseWriter, _ *http.Request) {
		writer.Write([]byte("ok\n"))
	})
	return mux
}
