package web

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/joestump/gan-auditor/internal/db"
	"github.com/joestump/gan-auditor/internal/session"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON: encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// --- HTML pages ---

// handleIndex renders the session overview list.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var rows []*db.SessionRow
	if s.db != nil {
		var err error
		rows, err = s.db.ListSessions(50)
		if err != nil {
			log.Printf("handleIndex: %v", err)
		}
	}

	data := struct {
		Sessions []*db.SessionRow
		Memory   session.MemoryStats
	}{
		Sessions: rows,
		Memory:   s.history.Stats(),
	}
	s.render(w, "index.html", data)
}

// handleSession renders one session's iteration detail, materializing cold
// iterations from their compressed blobs.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !session.ValidID(id) {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	state, _, err := s.store.Load(id)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	full := s.history.Materialize(state)

	var events []*db.EventRow
	if s.db != nil {
		events, err = s.db.ListEvents(id, 200)
		if err != nil {
			log.Printf("handleSession: events for %s: %v", id, err)
		}
	}

	data := struct {
		State  *session.State
		Events []*db.EventRow
	}{full, events}
	s.render(w, "session.html", data)
}

// handleSessionStream streams queue progress events for a session over SSE.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !session.ValidID(id) {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if s.hub == nil {
		_, _ = fmt.Fprintf(w, "data: progress stream not connected\n\n")
		flusher.Flush()
		return
	}

	ch, unsubscribe := s.hub.Subscribe(id)
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-ch:
			if !ok {
				_, _ = fmt.Fprintf(w, "event: done\ndata: session complete\n\n")
				flusher.Flush()
				return
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}
}

// --- API v1 ---

func (s *Server) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListSessions(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "audit trail database not configured")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	rows, err := s.db.ListSessions(limit)
	if err != nil {
		log.Printf("handleAPIListSessions: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if rows == nil {
		rows = []*db.SessionRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": rows})
}

func (s *Server) handleAPIGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !session.ValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	state, _, err := s.store.Load(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s.history.Materialize(state))
}

func (s *Server) handleAPIMemoryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.history.Stats())
}
