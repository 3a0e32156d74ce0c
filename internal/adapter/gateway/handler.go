package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"medigate/internal/domain"
	"medigate/internal/usecase/orchestrator"
)

const serviceVersion = "1.0.0"

// HistoryStore persists answered queries. Can be nil (history disabled).
type HistoryStore interface {
	Record(ctx context.Context, rec domain.QueryRecord) error
	Recent(ctx context.Context, limit int) ([]domain.QueryRecord, error)
}

// HandlerDeps holds dependencies needed by the REST handlers.
type HandlerDeps struct {
	Name        string // service name for GET /
	Description string
	Orch        *orchestrator.Orchestrator
	Monitor     *orchestrator.Monitor
	History     HistoryStore // can be nil
	MaxQueryLen int
	Logger      *slog.Logger
}

// Handler routes REST requests into the orchestrator.
type Handler struct {
	deps      HandlerDeps
	startTime time.Time
}

// NewHandler builds the REST handler set.
func NewHandler(deps HandlerDeps) *Handler {
	if deps.MaxQueryLen <= 0 {
		deps.MaxQueryLen = 1000
	}
	return &Handler{deps: deps, startTime: time.Now()}
}

// Register attaches all routes to the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.handleRoot)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /servers", h.handleServers)
	mux.HandleFunc("POST /query", h.handleQuery)
	mux.HandleFunc("POST /servers/{id}/tools/{name}", h.handleToolCall)
	mux.HandleFunc("GET /servers/{id}/resources", h.handleResourceRead)
	mux.HandleFunc("GET /queries/recent", h.handleRecentQueries)
}

// apiError is the structured error body every failing endpoint returns.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.deps.Logger.Warn("write response failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	h.writeJSON(w, statusFor(err), apiError{
		Code:    string(domain.ErrorCodeOf(err)),
		Message: err.Error(),
	})
}

// statusFor maps the error taxonomy to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrBackendNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrBackendDisabled):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNoBackends):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrModelCall):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrCancelled):
		return http.StatusRequestTimeout
	case errors.Is(err, domain.ErrBackendProtocol),
		errors.Is(err, domain.ErrUnsupportedFormat),
		errors.Is(err, domain.ErrHandshake),
		errors.Is(err, domain.ErrEnumeration):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	var servers []string
	for _, s := range h.deps.Orch.Registry().Snapshot() {
		servers = append(servers, s.Name)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"name":        h.deps.Name,
		"description": h.deps.Description,
		"version":     serviceVersion,
		"uptime":      time.Since(h.startTime).Round(time.Second).String(),
		"servers":     servers,
		"endpoints": map[string]string{
			"query":   "/query",
			"health":  "/health",
			"servers": "/servers",
			"recent":  "/queries/recent",
		},
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	states := h.deps.Monitor.ProbeAll(r.Context())

	status := "healthy"
	for _, s := range states {
		if s == domain.HealthUnhealthy {
			status = "degraded"
			break
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"servers": states,
	})
}

func (h *Handler) handleServers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"servers": h.deps.Orch.Registry().Snapshot(),
	})
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req domain.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.NewDomainError("gateway.query", domain.ErrInvalidInput,
			"malformed request body"))
		return
	}

	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		h.writeError(w, domain.NewDomainError("gateway.query", domain.ErrInvalidInput,
			"query must not be empty"))
		return
	}
	if len(req.Query) > h.deps.MaxQueryLen {
		h.writeError(w, domain.NewDomainError("gateway.query", domain.ErrInvalidInput,
			"query exceeds maximum length"))
		return
	}

	answer, err := h.deps.Orch.Answer(r.Context(), req)
	if err != nil {
		h.deps.Logger.Error("query failed", "error", err)
		h.writeError(w, err)
		return
	}

	if h.deps.History != nil {
		if err := h.deps.History.Record(r.Context(), domain.QueryRecord{
			ID:         answer.ID,
			Query:      req.Query,
			Response:   answer.Response,
			Provenance: answer.Provenance,
			CreatedAt:  answer.CreatedAt,
		}); err != nil {
			// History is best-effort: the answer still goes out.
			h.deps.Logger.Warn("history record failed", "error", err)
		}
	}

	h.writeJSON(w, http.StatusOK, answer)
}

func (h *Handler) handleToolCall(w http.ResponseWriter, r *http.Request) {
	backendID := r.PathValue("id")
	toolName := r.PathValue("name")

	client, err := h.deps.Orch.Client(backendID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var args map[string]any
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, domain.NewDomainError("gateway.tool", domain.ErrInvalidInput,
			"malformed arguments body"))
		return
	}

	result, err := client.CallTool(r.Context(), toolName, args)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"backend": backendID,
		"tool":    toolName,
		"result":  json.RawMessage(result),
	})
}

func (h *Handler) handleResourceRead(w http.ResponseWriter, r *http.Request) {
	backendID := r.PathValue("id")
	uri := r.URL.Query().Get("uri")
	if uri == "" {
		h.writeError(w, domain.NewDomainError("gateway.resource", domain.ErrInvalidInput,
			"missing uri query parameter"))
		return
	}

	client, err := h.deps.Orch.Client(backendID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	result, err := client.ReadResource(r.Context(), uri)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"backend": backendID,
		"uri":     uri,
		"result":  json.RawMessage(result),
	})
}

func (h *Handler) handleRecentQueries(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		h.writeError(w, domain.NewDomainError("gateway.recent", domain.ErrHistoryStore,
			"history is disabled"))
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			h.writeError(w, domain.NewDomainError("gateway.recent", domain.ErrInvalidInput,
				"limit must be an integer between 1 and 200"))
			return
		}
		limit = n
	}

	records, err := h.deps.History.Recent(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if records == nil {
		records = []domain.QueryRecord{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"queries": records})
}
