package http

import (
	"errors"
	"net/http"

	"github.com/arthur-zhang/conduit/internal/domain"
	"github.com/arthur-zhang/conduit/internal/domain/control"
	"github.com/arthur-zhang/conduit/internal/domain/session"
	"github.com/arthur-zhang/conduit/internal/port/agentrunner"
	"github.com/arthur-zhang/conduit/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Orchestrator *service.Orchestrator
}

// --- Sessions ---

func (h *Handlers) ListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Orchestrator.Sessions())
}

type createSessionRequest struct {
	WorkspaceID   string `json:"workspace_id"`
	Provider      string `json:"provider"`
	Mode          string `json:"mode"`
	Model         string `json:"model"`
	ForkLineageID string `json:"fork_lineage_id,omitempty"`
}

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createSessionRequest](w, r)
	if !ok {
		return
	}

	params := service.CreateParams{
		Provider: session.Provider(req.Provider),
		Mode:     session.Mode(req.Mode),
		Model:    req.Model,
	}
	var err error
	if params.WorkspaceID, err = parseUUIDField(req.WorkspaceID, "workspace_id"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ForkLineageID != "" {
		if params.ForkLineageID, err = parseUUIDField(req.ForkLineageID, "fork_lineage_id"); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	view, err := h.Orchestrator.CreateSession(r.Context(), params)
	if err != nil {
		writeDomainError(w, err, "workspace not found")
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	view, err := h.Orchestrator.Session(id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) CloseSession(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.Orchestrator.CloseSession(r.Context(), id); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendMessageRequest struct {
	Text   string                    `json:"text"`
	Images []session.ImageAttachment `json:"images,omitempty"`
	Mode   session.MessageMode       `json:"mode"`
}

func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	req, ok := readJSON[sendMessageRequest](w, r)
	if !ok {
		return
	}
	if req.Text == "" && len(req.Images) == 0 {
		writeError(w, http.StatusBadRequest, "message text is required")
		return
	}
	if req.Mode == "" {
		req.Mode = session.ModeQueued
	}

	msg, err := h.Orchestrator.SendMessage(id, req.Text, req.Images, req.Mode)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (h *Handlers) Interrupt(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.Orchestrator.Interrupt(id); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) RespondToControl(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	resp, ok := readJSON[control.Response](w, r)
	if !ok {
		return
	}

	if err := h.Orchestrator.RespondToControl(id, &resp); err != nil {
		if errors.Is(err, service.ErrControlMismatch) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeDomainError(w, err, "session not found")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type forkResponse struct {
	Seed    any  `json:"seed"`
	Created bool `json:"created"`
}

func (h *Handlers) Fork(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	seed, created, err := h.Orchestrator.Fork(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, forkResponse{Seed: seed, Created: created})
}

type renameRequest struct {
	Title string `json:"title"`
}

func (h *Handlers) RenameSession(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	req, ok := readJSON[renameRequest](w, r)
	if !ok {
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := h.Orchestrator.RenameSession(id, req.Title); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pendingRequest struct {
	Text string `json:"text"`
}

func (h *Handlers) SetPendingMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	req, ok := readJSON[pendingRequest](w, r)
	if !ok {
		return
	}
	if err := h.Orchestrator.SetPendingMessage(id, req.Text); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) InputHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	history, err := h.Orchestrator.InputHistory(id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	if history == nil {
		history = []string{}
	}
	writeJSON(w, http.StatusOK, history)
}

// --- Message queue ---

func (h *Handlers) ListQueuedMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	queued, err := h.Orchestrator.QueuedMessages(id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, queued)
}

func (h *Handlers) RemoveQueuedMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	msgID, ok := uuidParam(w, r, "messageID")
	if !ok {
		return
	}
	if err := h.Orchestrator.RemoveQueuedMessage(id, msgID); err != nil {
		writeDomainError(w, err, "queued message not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type moveMessageRequest struct {
	NewIndex int `json:"new_index"`
}

func (h *Handlers) MoveQueuedMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	msgID, ok := uuidParam(w, r, "messageID")
	if !ok {
		return
	}
	req, ok := readJSON[moveMessageRequest](w, r)
	if !ok {
		return
	}
	if err := h.Orchestrator.MoveQueuedMessage(id, msgID, req.NewIndex); err != nil {
		writeDomainError(w, err, "queued message not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Workspaces ---

func (h *Handlers) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := h.Orchestrator.Workspaces(r.Context())
	if err != nil {
		writeDomainError(w, err, "workspaces unavailable")
		return
	}
	writeJSON(w, http.StatusOK, workspaces)
}

func (h *Handlers) WorkspacePreflight(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	facts, err := h.Orchestrator.Preflight(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "workspace not found")
		return
	}
	writeJSON(w, http.StatusOK, facts)
}

// --- Providers ---

func (h *Handlers) ListProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, agentrunner.Available())
}

// --- App state ---

func (h *Handlers) GetAppState(w http.ResponseWriter, r *http.Request) {
	key := urlParam(r, "key")
	value, err := h.Orchestrator.AppState(r.Context(), key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "app state key not found")
			return
		}
		writeDomainError(w, err, "app state unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

type appStateRequest struct {
	Value string `json:"value"`
}

func (h *Handlers) SetAppState(w http.ResponseWriter, r *http.Request) {
	key := urlParam(r, "key")
	req, ok := readJSON[appStateRequest](w, r)
	if !ok {
		return
	}
	if err := h.Orchestrator.SetAppState(r.Context(), key, req.Value); err != nil {
		writeDomainError(w, err, "app state unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Health ---

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
