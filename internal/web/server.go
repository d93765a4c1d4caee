// Package web serves the audit dashboard: session listings backed by the
// SQLite index, live progress over SSE, and JSON endpoints under /api/v1.
package web

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joestump/gan-auditor/internal/config"
	"github.com/joestump/gan-auditor/internal/db"
	"github.com/joestump/gan-auditor/internal/session"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// SSEHub is the interface the web server uses to subscribe to per-session
// progress streams.
type SSEHub interface {
	Subscribe(sessionID string) (<-chan string, func())
}

// Server is the HTTP server for the audit dashboard.
type Server struct {
	cfg     config.Config
	hub     SSEHub
	db      *db.DB
	store   *session.Store
	history *session.History
	mux     *http.ServeMux
	tmpl    *template.Template
	server  *http.Server
}

// New creates the dashboard server. hub and database may be nil; the
// corresponding routes degrade gracefully.
func New(cfg config.Config, hub SSEHub, database *db.DB, store *session.Store, history *session.History) *Server {
	s := &Server{
		cfg:     cfg,
		hub:     hub,
		db:      database,
		store:   store,
		history: history,
		mux:     http.NewServeMux(),
	}

	s.parseTemplates()
	s.registerRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.DashboardPort),
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE needs no write timeout
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving HTTP requests. It blocks until the server is shut down.
func (s *Server) Start() error {
	log.Printf("dashboard listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) parseTemplates() {
	funcMap := template.FuncMap{
		"fmtTime": func(ts string) string {
			t, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				return ts
			}
			return t.Format("2006-01-02 15:04:05 UTC")
		},
		"verdictClass": func(verdict string) string {
			switch verdict {
			case "pass":
				return "verdict-pass"
			case "reject":
				return "verdict-reject"
			default:
				return "verdict-revise"
			}
		},
		"reasonLabel": func(reason string) string {
			switch reason {
			case "":
				return "in progress"
			case "max_loops_reached":
				return "hard stop"
			case "stagnation_detected":
				return "stagnation"
			case "threshold_pass":
				return "threshold pass"
			default:
				return reason
			}
		},
		"renderMarkdown": func(md string) template.HTML {
			gm := goldmark.New(
				goldmark.WithExtensions(extension.GFM),
			)
			var buf bytes.Buffer
			if err := gm.Convert([]byte(md), &buf); err != nil {
				return template.HTML(template.HTMLEscapeString(md))
			}
			return template.HTML(buf.String())
		},
	}

	tmpl, err := template.New("").Funcs(funcMap).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		log.Fatalf("parse templates: %v", err)
	}
	s.tmpl = tmpl
}

func (s *Server) registerRoutes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /sessions/{id}", s.handleSession)
	s.mux.HandleFunc("GET /sessions/{id}/stream", s.handleSessionStream)

	s.mux.HandleFunc("GET /api/v1/health", s.handleAPIHealth)
	s.mux.HandleFunc("GET /api/v1/sessions", s.handleAPIListSessions)
	s.mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleAPIGetSession)
	s.mux.HandleFunc("GET /api/v1/memory", s.handleAPIMemoryStats)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	var buf bytes.Buffer
	if err := s.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		log.Printf("render %s: %v", name, err)
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}
