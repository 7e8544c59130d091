// Package alerts creates reminder configuration: task-linked alerts,
// follow-up schedules and the default alert set for a new client.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fcarle/accflow/internal/apperr"
	"github.com/fcarle/accflow/internal/db"
	"github.com/fcarle/accflow/internal/deadline"
	"github.com/fcarle/accflow/internal/render"
)

// DefaultOffsetDays is used when neither the request nor configuration
// names an offset.
const DefaultOffsetDays = 30

// defaultMessage is the alert body when the category has no template row.
const defaultMessage = `<p>Dear {{client_name}},</p>
<p>This is a reminder that {{category}} is due on {{due_date}}.</p>
<p>Please get in touch if you need any help.</p>`

// Store is the persistence the service needs.
type Store interface {
	GetClient(ctx context.Context, id uuid.UUID) (*db.Client, error)
	GetTask(ctx context.Context, id uuid.UUID) (*db.Task, error)
	GetTemplate(ctx context.Context, category string) (*db.Template, error)
	GetAlert(ctx context.Context, id uuid.UUID) (*db.Alert, error)
	CreateAlert(ctx context.Context, a *db.Alert) error
	ListActiveAlertCategories(ctx context.Context) (map[uuid.UUID]map[string]bool, error)
	ListScheduleOffsets(ctx context.Context, alertID uuid.UUID) ([]int, error)
	CreateReminderSchedule(ctx context.Context, s *db.ReminderSchedule) error
}

type Config struct {
	Location          *time.Location
	DefaultOffsetDays int
}

type Service struct {
	store  Store
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

func NewService(store Store, cfg Config, logger *zap.Logger) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.DefaultOffsetDays <= 0 {
		cfg.DefaultOffsetDays = DefaultOffsetDays
	}
	return &Service{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}

// TaskLinkedRequest asks for an alert whose message is prepared up front
// from the category template.
type TaskLinkedRequest struct {
	ClientID         uuid.UUID  `json:"client_id" validate:"required"`
	Category         string     `json:"category" validate:"required,max=64"`
	DueDate          string     `json:"due_date" validate:"required"`
	ClientName       string     `json:"client_name" validate:"required,max=255"`
	TaskID           *uuid.UUID `json:"task_id,omitempty"`
	OffsetDays       *int       `json:"offset_days,omitempty" validate:"omitempty,min=0,max=365"`
	NotificationMode string     `json:"notification_mode,omitempty" validate:"omitempty,oneof=direct_to_client draft_for_review"`
}

// CreateTaskLinked inserts an active alert whose custom message is the
// category template (or a built-in default) with client name, due date and
// category filled in. Other placeholders are left for send time.
func (s *Service) CreateTaskLinked(ctx context.Context, req TaskLinkedRequest) (*db.Alert, error) {
	category := strings.TrimSpace(req.Category)
	if category != deadline.CategoryTask && !deadline.IsFixed(category) {
		return nil, apperr.Validation("create alert", fmt.Errorf("unknown category %q", category))
	}
	if category == deadline.CategoryTask && req.TaskID == nil {
		return nil, apperr.Validation("create alert", errors.New("task alerts need a task_id"))
	}

	due, err := deadline.ParseDate(req.DueDate, s.cfg.Location)
	if err != nil {
		return nil, apperr.Validation("create alert", err)
	}

	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		return nil, classify("create alert", err)
	}

	if req.TaskID != nil {
		task, err := s.store.GetTask(ctx, *req.TaskID)
		if err != nil {
			return nil, classify("create alert", err)
		}
		if task.ClientID != client.ID {
			return nil, apperr.Validation("create alert", fmt.Errorf("task %s belongs to another client", task.ID))
		}
	}

	body, err := s.prepareMessage(ctx, category, req.ClientName, due)
	if err != nil {
		return nil, err
	}

	offset := s.cfg.DefaultOffsetDays
	if req.OffsetDays != nil {
		offset = *req.OffsetDays
	}
	mode := req.NotificationMode
	if mode == "" {
		mode = db.ModeDraftForReview
	}

	a := &db.Alert{
		ClientID:         client.ID,
		Category:         category,
		OffsetDays:       offset,
		NotificationMode: mode,
		Active:           true,
		CustomMessage:    &body,
		TaskID:           req.TaskID,
	}
	if err := s.store.CreateAlert(ctx, a); err != nil {
		return nil, classify("create alert", err)
	}

	s.logger.Info("task-linked alert created",
		zap.String("alert_id", a.ID.String()),
		zap.String("client_id", client.ID.String()),
		zap.String("category", category),
		zap.Int("offset_days", offset),
	)
	return a, nil
}

func (s *Service) prepareMessage(ctx context.Context, category, clientName string, due time.Time) (string, error) {
	body := defaultMessage
	tmpl, err := s.store.GetTemplate(ctx, category)
	switch {
	case err == nil && strings.TrimSpace(tmpl.Body) != "":
		body = tmpl.Body
	case err != nil && !errors.Is(err, db.ErrNotFound):
		return "", apperr.Transient("load template", err)
	}

	return strings.NewReplacer(
		"{{client_name}}", html.EscapeString(clientName),
		"{{due_date}}", due.Format(render.DueDateLayout),
		"{{category}}", html.EscapeString(deadline.FriendlyName(category)),
	).Replace(body), nil
}

// ScheduleRequest adds a follow-up reminder to an alert.
type ScheduleRequest struct {
	OffsetDays       *int    `json:"offset_days" validate:"required,min=0,max=365"`
	CustomMessage    *string `json:"custom_message,omitempty"`
	UseCustomMessage bool    `json:"use_custom_message"`
}

// AddSchedule creates a follow-up. An offset already used by the alert or
// one of its schedules is a conflict.
func (s *Service) AddSchedule(ctx context.Context, alertID uuid.UUID, req ScheduleRequest) (*db.ReminderSchedule, error) {
	if req.OffsetDays == nil || *req.OffsetDays < 0 {
		return nil, apperr.Validation("add schedule", errors.New("offset_days must be zero or more"))
	}
	offset := *req.OffsetDays

	if req.UseCustomMessage && (req.CustomMessage == nil || strings.TrimSpace(*req.CustomMessage) == "") {
		return nil, apperr.Validation("add schedule", errors.New("use_custom_message needs a custom_message"))
	}

	alert, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, classify("add schedule", err)
	}

	if offset == alert.OffsetDays {
		return nil, apperr.Conflict("add schedule", fmt.Errorf("offset %d is the alert's own offset: %w", offset, db.ErrConflict))
	}

	existing, err := s.store.ListScheduleOffsets(ctx, alertID)
	if err != nil {
		return nil, apperr.Transient("add schedule", err)
	}
	for _, o := range existing {
		if o == offset {
			return nil, apperr.Conflict("add schedule", fmt.Errorf("offset %d already scheduled: %w", offset, db.ErrConflict))
		}
	}

	sched := &db.ReminderSchedule{
		AlertID:          alertID,
		OffsetDays:       offset,
		Active:           true,
		CustomMessage:    req.CustomMessage,
		UseCustomMessage: req.UseCustomMessage,
	}
	if err := s.store.CreateReminderSchedule(ctx, sched); err != nil {
		return nil, classify("add schedule", err)
	}

	s.logger.Info("reminder schedule added",
		zap.String("alert_id", alertID.String()),
		zap.Int("offset_days", offset),
	)
	return sched, nil
}

// ProvisionResult lists the alerts created for a client.
type ProvisionResult struct {
	ClientID string      `json:"client_id"`
	Created  []*db.Alert `json:"created"`
	Skipped  []string    `json:"skipped"`
}

// Provision creates a draft_for_review alert for each fixed deadline the
// client has a parseable, not yet past date for, unless one is active.
func (s *Service) Provision(ctx context.Context, clientID uuid.UUID) (ProvisionResult, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return ProvisionResult{}, classify("provision alerts", err)
	}

	active, err := s.store.ListActiveAlertCategories(ctx)
	if err != nil {
		return ProvisionResult{}, apperr.Transient("provision alerts", err)
	}
	have := active[client.ID]

	res := ProvisionResult{ClientID: client.ID.String(), Created: []*db.Alert{}, Skipped: []string{}}
	today := s.now()

	for _, category := range deadline.FixedCategories {
		if have[category] {
			res.Skipped = append(res.Skipped, category)
			continue
		}
		raw := deadline.ClientValue(client, category)
		if raw == nil {
			res.Skipped = append(res.Skipped, category)
			continue
		}
		due, err := deadline.ParseDate(*raw, s.cfg.Location)
		if err != nil || deadline.IsPast(due, today, s.cfg.Location) {
			res.Skipped = append(res.Skipped, category)
			continue
		}

		a := &db.Alert{
			ClientID:         client.ID,
			Category:         category,
			OffsetDays:       s.cfg.DefaultOffsetDays,
			NotificationMode: db.ModeDraftForReview,
			Active:           true,
		}
		if err := s.store.CreateAlert(ctx, a); err != nil {
			if errors.Is(err, db.ErrConflict) {
				res.Skipped = append(res.Skipped, category)
				continue
			}
			return res, apperr.Transient("provision alerts", err)
		}
		res.Created = append(res.Created, a)
	}

	s.logger.Info("alerts provisioned",
		zap.String("client_id", client.ID.String()),
		zap.Int("created", len(res.Created)),
		zap.Int("skipped", len(res.Skipped)),
	)
	return res, nil
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return apperr.NotFound(op, err)
	case errors.Is(err, db.ErrConflict):
		return apperr.Conflict(op, err)
	default:
		return apperr.Transient(op, err)
	}
}
