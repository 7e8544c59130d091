package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fcarle/accflow/internal/alerts"
	"github.com/fcarle/accflow/internal/apperr"
	"github.com/fcarle/accflow/internal/db"
	"github.com/fcarle/accflow/internal/gaps"
	"github.com/fcarle/accflow/internal/scheduler"
)

// PassRunner runs reminder passes and single-alert test sends.
type PassRunner interface {
	RunPass(ctx context.Context) (scheduler.PassResult, error)
	TestAlert(ctx context.Context, alertID uuid.UUID, recipient string) (scheduler.TestResult, error)
}

// GapDetector creates tasks for deadlines nobody set an alert for.
type GapDetector interface {
	Detect(ctx context.Context) (gaps.Result, error)
}

// AlertService creates reminder configuration.
type AlertService interface {
	CreateTaskLinked(ctx context.Context, req alerts.TaskLinkedRequest) (*db.Alert, error)
	AddSchedule(ctx context.Context, alertID uuid.UUID, req alerts.ScheduleRequest) (*db.ReminderSchedule, error)
	Provision(ctx context.Context, clientID uuid.UUID) (alerts.ProvisionResult, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// TestAlertRequest is the optional body of a test send.
type TestAlertRequest struct {
	Recipient string `json:"recipient" validate:"omitempty,email"`
}

// GapsResponse summarizes a gap detection run.
type GapsResponse struct {
	Clients int      `json:"clients"`
	Created int      `json:"created"`
	Errored int      `json:"errored"`
	TaskIDs []string `json:"task_ids"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	passes   PassRunner
	gaps     GapDetector
	alerts   AlertService
	validate *validator.Validate
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, passes PassRunner, gaps GapDetector, alerts AlertService) *Handler {
	return &Handler{
		logger:   logger,
		passes:   passes,
		gaps:     gaps,
		alerts:   alerts,
		validate: validator.New(),
	}
}

// RunReminders handles POST /v1/jobs/reminders
func (h *Handler) RunReminders(w http.ResponseWriter, r *http.Request) {
	res, err := h.passes.RunPass(r.Context())
	if err != nil {
		h.logger.Error("reminder pass failed", zap.Error(err))
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// RunGaps handles POST /v1/jobs/gaps
func (h *Handler) RunGaps(w http.ResponseWriter, r *http.Request) {
	res, err := h.gaps.Detect(r.Context())
	if err != nil {
		h.logger.Error("gap detection failed", zap.Error(err))
		h.writeAppError(w, apperr.Transient("detect gaps", err))
		return
	}

	resp := GapsResponse{
		Clients: res.Clients,
		Created: len(res.Created),
		Errored: res.Errored,
		TaskIDs: make([]string, 0, len(res.Created)),
	}
	for _, t := range res.Created {
		resp.TaskIDs = append(resp.TaskIDs, t.ID.String())
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// TestAlert handles POST /v1/alerts/{id}/test
func (h *Handler) TestAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req TestAlertRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	res, err := h.passes.TestAlert(r.Context(), id, req.Recipient)
	if err != nil {
		h.logger.Warn("test send failed",
			zap.Error(err),
			zap.String("alert_id", id.String()),
		)
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// CreateTaskLinkedAlert handles POST /v1/alerts/task-linked
func (h *Handler) CreateTaskLinkedAlert(w http.ResponseWriter, r *http.Request) {
	var req alerts.TaskLinkedRequest
	if !h.decode(w, r, &req) {
		return
	}

	a, err := h.alerts.CreateTaskLinked(r.Context(), req)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, a)
}

// AddSchedule handles POST /v1/alerts/{id}/schedules
func (h *Handler) AddSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req alerts.ScheduleRequest
	if !h.decode(w, r, &req) {
		return
	}

	s, err := h.alerts.AddSchedule(r.Context(), id, req)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, s)
}

// ProvisionAlerts handles POST /v1/clients/{id}/alerts/provision
func (h *Handler) ProvisionAlerts(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	res, err := h.alerts.Provision(r.Context(), id)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+param, param+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// decode reads a required JSON body into v and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	return h.check(w, v)
}

// decodeOptional is decode for endpoints where the body may be empty.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	return h.check(w, v)
}

func (h *Handler) check(w http.ResponseWriter, v any) bool {
	err := h.validate.Struct(v)
	if err == nil {
		return true
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+" failed "+fe.Tag())
		}
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Validation failed", strings.Join(fields, "; "))
		return false
	}
	h.writeError(w, http.StatusBadRequest, "invalid_request", "Validation failed", err.Error())
	return false
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// writeAppError maps err's kind onto a problem+json response.
func (h *Handler) writeAppError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	kind := apperr.KindOf(err)
	if kind == apperr.KindUnknown {
		kind = "internal_error"
	}
	h.writeError(w, status, string(kind), http.StatusText(status), err.Error())
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
