package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Client is a practice client. The scheduler only reads clients.
type Client struct {
	ID             uuid.UUID `json:"id"`
	OwnerID        uuid.UUID `json:"owner_id"`
	Name           string    `json:"name"`
	CompanyName    string    `json:"company_name"`
	Email          string    `json:"email"`
	FirmName       *string   `json:"firm_name,omitempty"`
	AutomatedEmail bool      `json:"automated_email"`

	// Deadline columns hold whatever the UI or CSV import wrote; they are
	// parsed at use.
	NextAccountsDue              *string `json:"next_accounts_due,omitempty"`
	NextConfirmationStatementDue *string `json:"next_confirmation_statement_due,omitempty"`
	NextVATDue                   *string `json:"next_vat_due,omitempty"`
	CorporationTaxDue            *string `json:"corporation_tax_due,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Alert is a reminder configuration for one client deadline.
type Alert struct {
	ID               uuid.UUID  `json:"id"`
	ClientID         uuid.UUID  `json:"client_id"`
	Category         string     `json:"category"`
	OffsetDays       int        `json:"offset_days"`
	NotificationMode string     `json:"notification_mode"`
	Active           bool       `json:"active"`
	CustomMessage    *string    `json:"custom_message,omitempty"`
	TaskID           *uuid.UUID `json:"task_id,omitempty"`
	LastServedAt     *time.Time `json:"last_served_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Notification modes
const (
	ModeDirectToClient = "direct_to_client"
	ModeDraftForReview = "draft_for_review"
)

// ReminderSchedule is an extra follow-up on an alert with its own offset.
type ReminderSchedule struct {
	ID               uuid.UUID `json:"id"`
	AlertID          uuid.UUID `json:"alert_id"`
	OffsetDays       int       `json:"offset_days"`
	Active           bool      `json:"active"`
	CustomMessage    *string   `json:"custom_message,omitempty"`
	UseCustomMessage bool      `json:"use_custom_message"`
	CreatedAt        time.Time `json:"created_at"`
}

// Template is a registered email template for a category.
type Template struct {
	Category  string    `json:"category"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultTemplateCategory is the row used when a category has none.
const DefaultTemplateCategory = "default"

// Task is a workflow item on the practice Kanban board.
type Task struct {
	ID            uuid.UUID       `json:"id"`
	ClientID      uuid.UUID       `json:"client_id"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Stage         string          `json:"stage"`
	DueDate       *time.Time      `json:"due_date,omitempty"`
	ActionNeeded  *string         `json:"action_needed,omitempty"`
	ActionDetails json.RawMessage `json:"action_details,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Task stages, in board order
const (
	StageTodo           = "todo"
	StageInProgress     = "in_progress"
	StageAwaitingClient = "awaiting_client"
	StageReview         = "review"
	StageDone           = "done"
)

// Stages lists the workflow stages in order.
var Stages = []string{StageTodo, StageInProgress, StageAwaitingClient, StageReview, StageDone}

// ActionCreateAlert marks a task asking for a missing alert.
const ActionCreateAlert = "create_alert"

// AlertActionDetails is the payload of a create_alert task.
type AlertActionDetails struct {
	Category string `json:"category"`
	Field    string `json:"field"`
	DueDate  string `json:"due_date"`
}

// IsTerminalStage reports whether no further work happens on a task.
func IsTerminalStage(stage string) bool {
	return stage == StageDone
}

// DraftedReminder is a rendered reminder waiting for human review.
type DraftedReminder struct {
	ID        uuid.UUID `json:"id"`
	AlertID   uuid.UUID `json:"alert_id"`
	ClientID  uuid.UUID `json:"client_id"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Recipient string    `json:"recipient"`
	CC        *string   `json:"cc,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Draft status constants
const (
	DraftStatusPendingReview = "pending_review"
	DraftStatusApproved      = "approved"
	DraftStatusRejected      = "rejected"
)

// AlertDetails is an alert joined with everything a pass needs to evaluate it.
type AlertDetails struct {
	Alert     Alert
	Client    Client
	Task      *Task
	Schedules []ReminderSchedule
}
