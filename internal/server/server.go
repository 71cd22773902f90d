// Package server implements the JSON-over-HTTP admin API for the station
// daemon: session introspection, version and health.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dim-network/godim/internal/session"
	appversion "github.com/dim-network/godim/internal/version"
)

// Admin serves the read-only admin API over the session center.
type Admin struct {
	center *session.Center
	logger *slog.Logger
}

// New creates the admin handler with logging and panic recovery applied.
func New(center *session.Center, logger *slog.Logger) http.Handler {
	a := &Admin{
		center: center,
		logger: logger.With(slog.String("component", "server.admin")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /v1/version", a.handleVersion)
	mux.HandleFunc("GET /v1/sessions", a.handleSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", a.handleSession)

	return Recovery(a.logger, Logging(a.logger, mux))
}

// versionResponse is the /v1/version payload.
type versionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
}

// sessionsResponse is the /v1/sessions payload.
type sessionsResponse struct {
	Count    int                `json:"count"`
	Sessions []session.Snapshot `json:"sessions"`
}

func (a *Admin) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(a.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *Admin) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(a.logger, w, http.StatusOK, versionResponse{
		Version:   appversion.Version,
		GitCommit: appversion.GitCommit,
		BuildDate: appversion.BuildDate,
	})
}

func (a *Admin) handleSessions(w http.ResponseWriter, _ *http.Request) {
	snapshots := a.center.Snapshots()
	writeJSON(a.logger, w, http.StatusOK, sessionsResponse{
		Count:    len(snapshots),
		Sessions: snapshots,
	})
}

// handleSession lists the sessions bound to one user identifier.
func (a *Admin) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var matched []session.Snapshot
	for _, snap := range a.center.Snapshots() {
		if snap.ID == id {
			matched = append(matched, snap)
		}
	}
	if len(matched) == 0 {
		writeJSON(a.logger, w, http.StatusNotFound, map[string]string{
			"error": "no sessions for " + id,
		})
		return
	}
	writeJSON(a.logger, w, http.StatusOK, sessionsResponse{
		Count:    len(matched),
		Sessions: matched,
	})
}

// writeJSON renders one response body. Encode failures are logged, not
// surfaced: the status line is already on the wire.
func writeJSON(logger *slog.Logger, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("response encode failed", slog.Any("error", err))
	}
}
