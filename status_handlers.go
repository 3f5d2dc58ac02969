package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"hls-engine/work/middleware"
	"hls-engine/work/session"
	"hls-engine/work/types"
)

// StatsResponse is the process-wide summary served at /api/stats.
type StatsResponse struct {
	Sessions      int    `json:"sessions"`
	MaxSessions   int    `json:"maxSessions"`
	WorkerThreads int    `json:"workerThreads"`
	Uptime        string `json:"uptime"`
	MemoryUsage   uint64 `json:"memoryUsage"` // bytes currently allocated
	Version       string `json:"version"`
}

// speedRequest is the body of POST /api/sessions/{id}/speed.
type speedRequest struct {
	Speed float64 `json:"speed"`
}

// seekRequest is the body of POST /api/sessions/{id}/seek. Position is a
// Go duration string such as "1m30s".
type seekRequest struct {
	Position string `json:"position"`
}

// bitrateRequest is the body of POST /api/sessions/{id}/bitrate.
type bitrateRequest struct {
	Min int `json:"min"`
	Max int `json:"max"` // 0 = unbounded
}

var startTime = time.Now()

// setupStatusRoutes registers the session status and control API.
//
// Parameters:
//   - router: mux router receiving the routes
//   - mgr: manager owning the sessions being served
//   - maxSessions, workers: configured limits echoed by /api/stats
func setupStatusRoutes(router *mux.Router, mgr *session.Manager, maxSessions, workers int) {
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stats", corsMiddleware(middleware.GzipMiddleware(handleGetStats(mgr, maxSessions, workers)))).Methods("GET", "OPTIONS")
	api.HandleFunc("/sessions", corsMiddleware(middleware.GzipMiddleware(handleListSessions(mgr)))).Methods("GET", "OPTIONS")
	api.HandleFunc("/sessions/{id}", corsMiddleware(middleware.GzipMiddleware(handleGetSession(mgr)))).Methods("GET", "OPTIONS")
	api.HandleFunc("/sessions/{id}/speed", corsMiddleware(handleSetSpeed(mgr))).Methods("POST", "OPTIONS")
	api.HandleFunc("/sessions/{id}/seek", corsMiddleware(handleSeek(mgr))).Methods("POST", "OPTIONS")
	api.HandleFunc("/sessions/{id}/bitrate", corsMiddleware(handleSetBitrate(mgr))).Methods("POST", "OPTIONS")
	api.HandleFunc("/sessions/{id}/stop", corsMiddleware(handleStop(mgr))).Methods("POST", "OPTIONS")
	api.HandleFunc("/sessions/{id}/play", corsMiddleware(handlePlay(mgr))).Methods("POST", "OPTIONS")
}

// corsMiddleware lets a browser dashboard on another origin use the API.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("{main/status_handlers - writeJSON} encode response: %v", err)
	}
}

// writeError maps an engine error category onto an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrInvalidParameter):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrState):
		status = http.StatusConflict
	case errors.Is(err, types.ErrUnsupported):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrDownload):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{
		"status": "error",
		"code":   types.CodeOf(err).String(),
		"error":  err.Error(),
	})
}

func lookup(mgr *session.Manager, w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := mux.Vars(r)["id"]
	s, ok := mgr.Get(id)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return nil, false
	}
	return s, true
}

func handleGetStats(mgr *session.Manager, maxSessions, workers int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		writeJSON(w, http.StatusOK, StatsResponse{
			Sessions:      mgr.Len(),
			MaxSessions:   maxSessions,
			WorkerThreads: workers,
			Uptime:        formatDuration(time.Since(startTime)),
			MemoryUsage:   m.Alloc,
			Version:       Version,
		})
	}
}

// handleListSessions returns the status of every session ordered by id.
func handleListSessions(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make([]session.Status, 0, mgr.Len())
		mgr.Range(func(_ string, s *session.Session) bool {
			out = append(out, s.Status())
			return true
		})
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetSession(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s, ok := lookup(mgr, w, r); ok {
			writeJSON(w, http.StatusOK, s.Status())
		}
	}
}

// handleSetSpeed changes playback speed; 0 pauses, negative values rewind.
func handleSetSpeed(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookup(mgr, w, r)
		if !ok {
			return
		}
		var req speedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if err := s.SetSpeed(req.Speed); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.Status())
	}
}

func handleSeek(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookup(mgr, w, r)
		if !ok {
			return
		}
		var req seekRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		pos, err := time.ParseDuration(req.Position)
		if err != nil {
			http.Error(w, "Invalid position", http.StatusBadRequest)
			return
		}
		if err := s.Seek(pos); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.Status())
	}
}

func handleSetBitrate(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookup(mgr, w, r)
		if !ok {
			return
		}
		var req bitrateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if err := s.SetBitrateLimit(req.Min, req.Max); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.Status())
	}
}

func handleStop(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookup(mgr, w, r)
		if !ok {
			return
		}
		if err := s.Stop(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.Status())
	}
}

func handlePlay(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookup(mgr, w, r)
		if !ok {
			return
		}
		if err := s.Play(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.Status())
	}
}

// formatDuration renders an uptime as "45s", "12m", "3h 4m" or "2d 5h".
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}
