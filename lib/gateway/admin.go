// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"net/http"

	"github.com/consolegate/consolegate/lib/envelope"
	"github.com/consolegate/consolegate/lib/version"
)

// AdminHandler serves the administrative API. Mount it only on the
// admin unix socket: it performs no authentication of its own.
func (g *Gateway) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/reload", g.handleAdminReload)
	mux.HandleFunc("POST /admin/shutdown", g.handleAdminShutdown)
	mux.HandleFunc("GET /admin/workers", func(w http.ResponseWriter, r *http.Request) {
		g.writeJSON(w, http.StatusOK, g.config.Supervisor.Workers())
	})
	mux.HandleFunc("GET /admin/sessions", func(w http.ResponseWriter, r *http.Request) {
		g.writeJSON(w, http.StatusOK, g.config.Sessions.Sessions())
	})
	mux.HandleFunc("POST /admin/sessions/invalidate", func(w http.ResponseWriter, r *http.Request) {
		count := g.config.Sessions.InvalidateAll()
		g.logger.Info("sessions invalidated by administrator", "count", count)
		g.writeJSON(w, http.StatusOK, map[string]int{"invalidated": count})
	})
	mux.HandleFunc("GET /admin/version", func(w http.ResponseWriter, r *http.Request) {
		g.writeJSON(w, http.StatusOK, map[string]string{"version": version.Full()})
	})
	mux.Handle("GET /metrics", g.config.Metrics.Handler())
	return mux
}

func (g *Gateway) handleAdminReload(w http.ResponseWriter, r *http.Request) {
	if g.config.AdminReload != nil {
		result, err := g.config.AdminReload(r.Context())
		if err != nil {
			envelope.Write(w, http.StatusInternalServerError, "reload failed: "+err.Error(), nil)
			return
		}
		g.writeJSON(w, http.StatusOK, result)
		return
	}
	report, err := g.Reload(r.Context())
	if err != nil {
		envelope.Write(w, http.StatusInternalServerError, "reload failed: "+err.Error(), nil)
		return
	}
	g.writeJSON(w, http.StatusOK, report)
}

func (g *Gateway) handleAdminShutdown(w http.ResponseWriter, r *http.Request) {
	if g.config.AdminShutdown == nil {
		envelope.Write(w, http.StatusNotImplemented, "shutdown is not available on this gateway", nil)
		return
	}
	if err := g.config.AdminShutdown(); err != nil {
		envelope.Write(w, http.StatusInternalServerError, "shutdown failed: "+err.Error(), nil)
		return
	}
	g.logger.Info("shutdown requested through the admin socket")
	envelope.Write(w, http.StatusAccepted, "shutting down", nil)
}
