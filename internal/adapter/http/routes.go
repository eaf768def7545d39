package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Sessions
		r.Get("/sessions", h.ListSessions)
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions/{id}", h.GetSession)
		r.Delete("/sessions/{id}", h.CloseSession)
		r.Post("/sessions/{id}/messages", h.SendMessage)
		r.Post("/sessions/{id}/interrupt", h.Interrupt)
		r.Post("/sessions/{id}/control-response", h.RespondToControl)
		r.Post("/sessions/{id}/fork", h.Fork)
		r.Put("/sessions/{id}/title", h.RenameSession)
		r.Put("/sessions/{id}/pending", h.SetPendingMessage)
		r.Get("/sessions/{id}/history", h.InputHistory)

		// Message queue
		r.Get("/sessions/{id}/queue", h.ListQueuedMessages)
		r.Delete("/sessions/{id}/queue/{messageID}", h.RemoveQueuedMessage)
		r.Patch("/sessions/{id}/queue/{messageID}", h.MoveQueuedMessage)

		// Workspaces
		r.Get("/workspaces", h.ListWorkspaces)
		r.Get("/workspaces/{id}/preflight", h.WorkspacePreflight)

		// Providers
		r.Get("/providers", h.ListProviders)

		// App state
		r.Get("/app-state/{key}", h.GetAppState)
		r.Put("/app-state/{key}", h.SetAppState)
	})
}
