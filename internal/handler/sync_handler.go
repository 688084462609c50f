package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"roadwatch-sync-server/internal/domain"
	"roadwatch-sync-server/internal/middleware"
	"roadwatch-sync-server/internal/service"
	"roadwatch-sync-server/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type SyncHandler struct {
	service  *service.SyncService
	validate *validator.Validate
	logger   *zap.Logger
}

func NewSyncHandler(syncService *service.SyncService, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{
		service:  syncService,
		validate: validator.New(),
		logger:   logger.Named("http"),
	}
}

type runRequest struct {
	Scope     string   `json:"scope" validate:"omitempty,oneof=full changed pending records"`
	RecordIDs []string `json:"record_ids" validate:"omitempty,max=1000,dive,required"`
}

type enabledRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.GetStatus(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Success(w, status)
}

func (h *SyncHandler) RunOnce(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(w, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	scope, err := domain.ParseScope(req.Scope)
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	res, err := h.service.RunOnce(r.Context(), domain.RunRequest{
		Scope:     scope,
		RecordIDs: req.RecordIDs,
		Trigger:   domain.TriggerManual,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Success(w, res)
}

func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.ConflictFilter{
		Resolution: domain.Resolution(q.Get("resolution")),
		Type:       domain.ConflictType(q.Get("type")),
		RecordID:   q.Get("record_id"),
	}
	switch filter.Resolution {
	case "", domain.ResolutionPending, domain.ResolutionResolved:
	default:
		response.BadRequest(w, "invalid resolution filter")
		return
	}

	var err error
	if filter.Limit, err = intParam(r, "limit", 0); err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	if filter.Offset, err = intParam(r, "offset", 0); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	conflicts, err := h.service.ListConflicts(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []*domain.Conflict{}
	}
	response.Success(w, conflicts)
}

func (h *SyncHandler) GetConflict(w http.ResponseWriter, r *http.Request) {
	conflict, err := h.service.GetConflict(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Success(w, conflict)
}

func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req domain.ConflictResolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	resolved, err := h.service.ResolveConflict(r.Context(), mux.Vars(r)["id"], &req, middleware.GetOperatorID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Success(w, resolved)
}

func (h *SyncHandler) GetAutoSync(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.service.GetAutoSyncConfig(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Success(w, cfg)
}

func (h *SyncHandler) SetAutoSyncEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	cfg, err := h.service.SetAutoSync(r.Context(), *req.Enabled, middleware.GetOperatorID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Success(w, cfg)
}

func (h *SyncHandler) PatchAutoSync(w http.ResponseWriter, r *http.Request) {
	var patch domain.AutoSyncPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	cfg, err := h.service.SetAutoSyncConfig(r.Context(), patch, middleware.GetOperatorID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Success(w, cfg)
}

func (h *SyncHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", 0)
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	stats, err := h.service.GetStatistics(r.Context(), days)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Success(w, stats)
}

func (h *SyncHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.service.GetHealth(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Success(w, health)
}

// Liveness is the unauthenticated probe: 503 only when no run could start.
func (h *SyncHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	health, err := h.service.GetHealth(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if health.Status == domain.HealthError {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, status, map[string]string{"status": string(health.Status)})
}

func (h *SyncHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", service.DefaultLogLimit)
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	logs, err := h.service.GetLogs(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if logs == nil {
		logs = []*domain.LogEntry{}
	}
	response.Success(w, logs)
}

func (h *SyncHandler) ExportLogs(w http.ResponseWriter, r *http.Request) {
	format := domain.ExportFormat(r.URL.Query().Get("format"))
	contentType := "application/json"
	switch format {
	case "":
		format = domain.ExportJSON
	case domain.ExportJSON:
	case domain.ExportCSV:
		contentType = "text/csv"
	default:
		h.writeError(w, fmt.Errorf("%w: %q", service.ErrUnsupportedFormat, format))
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="sync-logs.%s"`, format))
	if err := h.service.ExportLogs(r.Context(), format, w); err != nil {
		h.logger.Warn("log export aborted", zap.String("format", string(format)), zap.Error(err))
	}
}

func (h *SyncHandler) CleanupLogs(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", 0)
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	deleted, err := h.service.CleanupLogs(r.Context(), days)
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Success(w, map[string]int64{"deleted": deleted})
}

func (h *SyncHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Reset(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	response.Success(w, map[string]bool{"reset": true})
}

var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrAlreadyRunning, http.StatusConflict, "already_running"},
	{domain.ErrConflictAlreadyResolved, http.StatusConflict, "conflict_already_resolved"},
	{domain.ErrAdapterUnavailable, http.StatusServiceUnavailable, "adapter_unavailable"},
	{domain.ErrConflictNotFound, http.StatusNotFound, "conflict_not_found"},
	{domain.ErrInvalidResolutionChoice, http.StatusBadRequest, "invalid_resolution_choice"},
	{domain.ErrInvalidPayload, http.StatusBadRequest, "invalid_payload"},
	{domain.ErrInvalidAutoSyncConfig, http.StatusBadRequest, "invalid_autosync_config"},
	{service.ErrUnsupportedFormat, http.StatusBadRequest, "unsupported_format"},
	{service.ErrInvalidRequest, http.StatusBadRequest, "bad_request"},
}

func (h *SyncHandler) writeError(w http.ResponseWriter, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			response.Fail(w, e.status, e.code, err.Error())
			return
		}
	}
	h.logger.Error("request failed", zap.Error(err))
	response.InternalError(w, "internal error")
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter", name)
	}
	return v, nil
}
