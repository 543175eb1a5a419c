// Package api exposes a studio over HTTP and MCP.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/incrementventures/adt-studio-sub000/internal/studio"
)

// Deps holds what the HTTP handlers need.
type Deps struct {
	Service *studio.Service
	// Token guards every route except /health. Empty disables auth.
	Token  string
	Logger *slog.Logger
}

// NewHandler returns the HTTP API router.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/books", handleListBooks(deps))
		r.Route("/books/{label}", func(r chi.Router) {
			r.Post("/import", handleImport(deps))
			r.Post("/process", handleProcess(deps))
			r.Delete("/", handleDeleteBook(deps))
			r.Post("/undelete", handleUndeleteBook(deps))
			r.Get("/pages", handleListPages(deps))
			r.Get("/images/{imageID}", handleGetImage(deps))
			r.Get("/nodes/{node}/{item}", handleGetNode(deps))
			r.Get("/nodes/{node}/{item}/versions", handleListVersions(deps))
			r.Get("/nodes/{node}/{item}/versions/{version}", handleGetVersion(deps))
			r.Get("/llm-log", handleLLMLog(deps))
		})

		r.Get("/jobs", handleListJobs(deps))
		r.Post("/jobs", handleEnqueueJob(deps))
		r.Get("/jobs/events", handleJobEvents(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"queue":  deps.Service.Queue.Stats(),
		})
	}
}
