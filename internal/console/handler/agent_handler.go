package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/intel-pipeline/internal/console/service"
	"github.com/xela07ax/intel-pipeline/internal/domain"
	"github.com/xela07ax/intel-pipeline/internal/infra/auth"
	"go.uber.org/zap"
)

// AgentService — то, что хендлеру нужно от сервиса.
type AgentService interface {
	ListAgents(ctx context.Context) ([]domain.AgentView, error)
	Logs(ctx context.Context, agentID string, limit int) ([]domain.ExecutionRecord, error)
	Audit(ctx context.Context, agentID string, limit int) ([]domain.AdminActionAudit, error)
	Pause(ctx context.Context, agentID, actor string) (service.ActionResult, error)
	Resume(ctx context.Context, agentID, actor string) (service.ActionResult, error)
	Trigger(ctx context.Context, agentID, actor string) (service.ActionResult, error)
}

type AgentHandler struct {
	service AgentService
	logger  *zap.Logger
}

func NewAgentHandler(s AgentService, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{service: s, logger: logger.Named("agent-handler")}
}

// List GET /agents
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.service.ListAgents(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// Logs GET /agents/{id}/logs?limit=N
func (h *AgentHandler) Logs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	recs, err := h.service.Logs(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// Audit GET /agents/{id}/audit?limit=N
func (h *AgentHandler) Audit(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	entries, err := h.service.Audit(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *AgentHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.service.Pause)
}

func (h *AgentHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.service.Resume)
}

func (h *AgentHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.service.Trigger)
}

// command — общий путь POST-команд: всегда окончательный ответ, без тихих no-op.
func (h *AgentHandler) command(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, agentID, actor string) (service.ActionResult, error),
) {
	agentID := chi.URLParam(r, "id")
	actor := auth.AdminID(r.Context())
	if actor == "" {
		writeJSON(w, http.StatusForbidden, errorBody{Error: domain.ErrNotAdmin.Error()})
		return
	}

	res, err := fn(r.Context(), agentID, actor)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
		return 0, false
	}
	return n, true
}
