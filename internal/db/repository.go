package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for the reminder subsystem
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new reminder repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const clientColumns = `
	c.id, c.owner_id, c.name, c.company_name, c.email, c.firm_name,
	c.automated_email, c.next_accounts_due, c.next_confirmation_statement_due,
	c.next_vat_due, c.corporation_tax_due, c.created_at`

const alertColumns = `
	a.id, a.client_id, a.category, a.offset_days, a.notification_mode,
	a.active, a.custom_message, a.task_id, a.last_served_at,
	a.created_at, a.updated_at`

const taskColumns = `
	t.id, t.client_id, t.title, t.description, t.stage, t.due_date,
	t.action_needed, t.action_details, t.created_at`

func clientDest(c *Client) []any {
	return []any{
		&c.ID, &c.OwnerID, &c.Name, &c.CompanyName, &c.Email, &c.FirmName,
		&c.AutomatedEmail, &c.NextAccountsDue, &c.NextConfirmationStatementDue,
		&c.NextVATDue, &c.CorporationTaxDue, &c.CreatedAt,
	}
}

func alertDest(a *Alert) []any {
	return []any{
		&a.ID, &a.ClientID, &a.Category, &a.OffsetDays, &a.NotificationMode,
		&a.Active, &a.CustomMessage, &a.TaskID, &a.LastServedAt,
		&a.CreatedAt, &a.UpdatedAt,
	}
}

// nullableTask receives a LEFT JOINed task row.
type nullableTask struct {
	ID            *uuid.UUID
	ClientID      *uuid.UUID
	Title         *string
	Description   *string
	Stage         *string
	DueDate       *time.Time
	ActionNeeded  *string
	ActionDetails []byte
	CreatedAt     *time.Time
}

func (n *nullableTask) dest() []any {
	return []any{
		&n.ID, &n.ClientID, &n.Title, &n.Description, &n.Stage, &n.DueDate,
		&n.ActionNeeded, &n.ActionDetails, &n.CreatedAt,
	}
}

func (n *nullableTask) task() *Task {
	if n.ID == nil {
		return nil
	}
	t := &Task{
		ID:           *n.ID,
		DueDate:      n.DueDate,
		ActionNeeded: n.ActionNeeded,
	}
	if n.ClientID != nil {
		t.ClientID = *n.ClientID
	}
	if n.Title != nil {
		t.Title = *n.Title
	}
	if n.Description != nil {
		t.Description = *n.Description
	}
	if n.Stage != nil {
		t.Stage = *n.Stage
	}
	if n.CreatedAt != nil {
		t.CreatedAt = *n.CreatedAt
	}
	if len(n.ActionDetails) > 0 {
		t.ActionDetails = json.RawMessage(n.ActionDetails)
	}
	return t
}

func scanAlertDetails(row pgx.Row) (*AlertDetails, error) {
	var (
		d  AlertDetails
		nt nullableTask
	)
	dest := append(alertDest(&d.Alert), clientDest(&d.Client)...)
	dest = append(dest, nt.dest()...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	d.Task = nt.task()
	return &d, nil
}

// ListActiveAlerts loads every active alert with its client, linked task and
// active follow-up schedules.
func (r *Repository) ListActiveAlerts(ctx context.Context) ([]*AlertDetails, error) {
	query := `
		SELECT ` + alertColumns + `,` + clientColumns + `,` + taskColumns + `
		FROM alerts a
		JOIN clients c ON c.id = a.client_id
		LEFT JOIN tasks t ON t.id = a.task_id
		WHERE a.active
		ORDER BY a.created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active alerts: %w", err)
	}
	defer rows.Close()

	var (
		alerts []*AlertDetails
		ids    []uuid.UUID
	)
	byID := make(map[uuid.UUID]*AlertDetails)
	for rows.Next() {
		d, err := scanAlertDetails(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, d)
		ids = append(ids, d.Alert.ID)
		byID[d.Alert.ID] = d
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}

	if len(ids) == 0 {
		return alerts, nil
	}

	schedules, err := r.listActiveSchedules(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, s := range schedules {
		if d, ok := byID[s.AlertID]; ok {
			d.Schedules = append(d.Schedules, s)
		}
	}

	r.logger.Debug("active alerts loaded",
		zap.Int("alerts", len(alerts)),
		zap.Int("schedules", len(schedules)),
	)

	return alerts, nil
}

// GetAlertDetails loads one alert (active or not) with its joined rows.
func (r *Repository) GetAlertDetails(ctx context.Context, id uuid.UUID) (*AlertDetails, error) {
	query := `
		SELECT ` + alertColumns + `,` + clientColumns + `,` + taskColumns + `
		FROM alerts a
		JOIN clients c ON c.id = a.client_id
		LEFT JOIN tasks t ON t.id = a.task_id
		WHERE a.id = $1
	`

	d, err := scanAlertDetails(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to get alert",
			zap.Error(err),
			zap.String("alert_id", id.String()),
		)
		return nil, fmt.Errorf("query alert: %w", err)
	}

	schedules, err := r.listActiveSchedules(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	d.Schedules = schedules

	return d, nil
}

func (r *Repository) listActiveSchedules(ctx context.Context, alertIDs []uuid.UUID) ([]ReminderSchedule, error) {
	query := `
		SELECT id, alert_id, offset_days, active, custom_message,
			use_custom_message, created_at
		FROM reminder_schedules
		WHERE active AND alert_id = ANY($1)
		ORDER BY alert_id, offset_days DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, alertIDs)
	if err != nil {
		return nil, fmt.Errorf("query reminder schedules: %w", err)
	}
	defer rows.Close()

	var schedules []ReminderSchedule
	for rows.Next() {
		var s ReminderSchedule
		if err := rows.Scan(
			&s.ID,
			&s.AlertID,
			&s.OffsetDays,
			&s.Active,
			&s.CustomMessage,
			&s.UseCustomMessage,
			&s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan reminder schedule: %w", err)
		}
		schedules = append(schedules, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminder schedules: %w", err)
	}

	return schedules, nil
}

// GetAlertLastServedAt re-reads the served timestamp of an alert.
func (r *Repository) GetAlertLastServedAt(ctx context.Context, id uuid.UUID) (*time.Time, error) {
	var last *time.Time
	err := r.db.Pool().QueryRow(ctx,
		`SELECT last_served_at FROM alerts WHERE id = $1`, id,
	).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query last_served_at: %w", err)
	}
	return last, nil
}

// MarkAlertServed advances last_served_at to at. The stored value never
// moves backward; a stale write is a no-op.
func (r *Repository) MarkAlertServed(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE alerts
		SET last_served_at = $1, updated_at = NOW()
		WHERE id = $2 AND (last_served_at IS NULL OR last_served_at < $1)
	`

	result, err := r.db.Pool().Exec(ctx, query, at, id)
	if err != nil {
		r.logger.Error("failed to mark alert served",
			zap.Error(err),
			zap.String("alert_id", id.String()),
		)
		return fmt.Errorf("update last_served_at: %w", err)
	}

	if result.RowsAffected() == 0 {
		r.logger.Debug("last_served_at already current",
			zap.String("alert_id", id.String()),
			zap.Time("at", at),
		)
	}

	return nil
}

// ListTemplates returns every registered email template.
func (r *Repository) ListTemplates(ctx context.Context) ([]Template, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT category, subject, body, updated_at
		FROM email_templates
	`)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var templates []Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.Category, &t.Subject, &t.Body, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}

	return templates, nil
}

// CreateDraftedReminder stages a rendered reminder for review.
func (r *Repository) CreateDraftedReminder(ctx context.Context, d *DraftedReminder) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = DraftStatusPendingReview
	}

	query := `
		INSERT INTO drafted_reminders (
			id, alert_id, client_id, subject, body, recipient, cc, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		d.ID,
		d.AlertID,
		d.ClientID,
		d.Subject,
		d.Body,
		d.Recipient,
		d.CC,
		d.Status,
	).Scan(&d.CreatedAt)
	if err != nil {
		r.logger.Error("failed to create drafted reminder",
			zap.Error(err),
			zap.String("alert_id", d.AlertID.String()),
		)
		return fmt.Errorf("insert drafted reminder: %w", err)
	}

	r.logger.Info("reminder drafted for review",
		zap.String("draft_id", d.ID.String()),
		zap.String("alert_id", d.AlertID.String()),
		zap.String("client_id", d.ClientID.String()),
	)

	return nil
}

// ListClients returns every client.
func (r *Repository) ListClients(ctx context.Context) ([]*Client, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+clientColumns+`
		FROM clients c
		ORDER BY c.created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		var c Client
		if err := rows.Scan(clientDest(&c)...); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		clients = append(clients, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clients: %w", err)
	}

	return clients, nil
}

// GetClient retrieves a client by ID
func (r *Repository) GetClient(ctx context.Context, id uuid.UUID) (*Client, error) {
	var c Client
	err := r.db.Pool().QueryRow(ctx, `
		SELECT `+clientColumns+`
		FROM clients c
		WHERE c.id = $1
	`, id).Scan(clientDest(&c)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query client: %w", err)
	}
	return &c, nil
}

// GetTask retrieves a task by ID
func (r *Repository) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	var nt nullableTask
	err := r.db.Pool().QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks t
		WHERE t.id = $1
	`, id).Scan(nt.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return nt.task(), nil
}

// ListActiveAlertCategories returns, per client, the categories that have an
// active alert.
func (r *Repository) ListActiveAlertCategories(ctx context.Context) (map[uuid.UUID]map[string]bool, error) {
	return r.categorySets(ctx, `
		SELECT DISTINCT client_id, category
		FROM alerts
		WHERE active
	`)
}

// ListOpenAlertTasks returns, per client, the categories with an unfinished
// create_alert task.
func (r *Repository) ListOpenAlertTasks(ctx context.Context) (map[uuid.UUID]map[string]bool, error) {
	return r.categorySets(ctx, `
		SELECT DISTINCT client_id, action_details->>'category'
		FROM tasks
		WHERE action_needed = $1
			AND stage <> $2
			AND action_details ? 'category'
	`, ActionCreateAlert, StageDone)
}

func (r *Repository) categorySets(ctx context.Context, query string, args ...any) (map[uuid.UUID]map[string]bool, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	sets := make(map[uuid.UUID]map[string]bool)
	for rows.Next() {
		var (
			clientID uuid.UUID
			category string
		)
		if err := rows.Scan(&clientID, &category); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		if sets[clientID] == nil {
			sets[clientID] = make(map[string]bool)
		}
		sets[clientID][category] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}

	return sets, nil
}

// CreateTask inserts a new task
func (r *Repository) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}

	query := `
		INSERT INTO tasks (
			id, client_id, title, description, stage, due_date,
			action_needed, action_details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	var details any
	if len(t.ActionDetails) > 0 {
		details = []byte(t.ActionDetails)
	}

	err := r.db.Pool().QueryRow(ctx, query,
		t.ID,
		t.ClientID,
		t.Title,
		t.Description,
		t.Stage,
		t.DueDate,
		t.ActionNeeded,
		details,
	).Scan(&t.CreatedAt)
	if err != nil {
		r.logger.Error("failed to create task",
			zap.Error(err),
			zap.String("client_id", t.ClientID.String()),
		)
		return fmt.Errorf("insert task: %w", err)
	}

	return nil
}

// CreateAlert inserts a new alert. A second active alert of the same fixed
// category for a client yields ErrConflict.
func (r *Repository) CreateAlert(ctx context.Context, a *Alert) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	query := `
		INSERT INTO alerts (
			id, client_id, category, offset_days, notification_mode,
			active, custom_message, task_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		a.ID,
		a.ClientID,
		a.Category,
		a.OffsetDays,
		a.NotificationMode,
		a.Active,
		a.CustomMessage,
		a.TaskID,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("active %s alert for client %s: %w", a.Category, a.ClientID, ErrConflict)
	}
	if err != nil {
		r.logger.Error("failed to create alert",
			zap.Error(err),
			zap.String("client_id", a.ClientID.String()),
			zap.String("category", a.Category),
		)
		return fmt.Errorf("insert alert: %w", err)
	}

	r.logger.Info("alert created",
		zap.String("alert_id", a.ID.String()),
		zap.String("client_id", a.ClientID.String()),
		zap.String("category", a.Category),
		zap.Int("offset_days", a.OffsetDays),
	)

	return nil
}

// GetAlert retrieves an alert by ID
func (r *Repository) GetAlert(ctx context.Context, id uuid.UUID) (*Alert, error) {
	var a Alert
	err := r.db.Pool().QueryRow(ctx, `
		SELECT `+alertColumns+`
		FROM alerts a
		WHERE a.id = $1
	`, id).Scan(alertDest(&a)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query alert: %w", err)
	}
	return &a, nil
}

// ListScheduleOffsets returns the offsets of every schedule on an alert,
// active or not.
func (r *Repository) ListScheduleOffsets(ctx context.Context, alertID uuid.UUID) ([]int, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT offset_days FROM reminder_schedules WHERE alert_id = $1`, alertID)
	if err != nil {
		return nil, fmt.Errorf("query schedule offsets: %w", err)
	}
	defer rows.Close()

	var offsets []int
	for rows.Next() {
		var o int
		if err := rows.Scan(&o); err != nil {
			return nil, fmt.Errorf("scan schedule offset: %w", err)
		}
		offsets = append(offsets, o)
	}

	return offsets, rows.Err()
}

// CreateReminderSchedule inserts a follow-up schedule. A duplicate offset on
// the same alert yields ErrConflict.
func (r *Repository) CreateReminderSchedule(ctx context.Context, s *ReminderSchedule) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}

	query := `
		INSERT INTO reminder_schedules (
			id, alert_id, offset_days, active, custom_message, use_custom_message
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		s.ID,
		s.AlertID,
		s.OffsetDays,
		s.Active,
		s.CustomMessage,
		s.UseCustomMessage,
	).Scan(&s.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("offset %d on alert %s: %w", s.OffsetDays, s.AlertID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert reminder schedule: %w", err)
	}

	return nil
}

// GetTemplate retrieves the template registered for category.
func (r *Repository) GetTemplate(ctx context.Context, category string) (*Template, error) {
	var t Template
	err := r.db.Pool().QueryRow(ctx, `
		SELECT category, subject, body, updated_at
		FROM email_templates
		WHERE category = $1
	`, category).Scan(&t.Category, &t.Subject, &t.Body, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", category, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return &t, nil
}
