package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fcarle/accflow/internal/apperr"
	"github.com/fcarle/accflow/internal/db"
)

type memStore struct {
	clients   map[uuid.UUID]*db.Client
	tasks     map[uuid.UUID]*db.Task
	templates map[string]*db.Template
	alerts    []*db.Alert
	schedules []*db.ReminderSchedule
}

func newMemStore() *memStore {
	return &memStore{
		clients:   make(map[uuid.UUID]*db.Client),
		tasks:     make(map[uuid.UUID]*db.Task),
		templates: make(map[string]*db.Template),
	}
}

func (m *memStore) GetClient(ctx context.Context, id uuid.UUID) (*db.Client, error) {
	if c, ok := m.clients[id]; ok {
		return c, nil
	}
	return nil, db.ErrNotFound
}

func (m *memStore) GetTask(ctx context.Context, id uuid.UUID) (*db.Task, error) {
	if t, ok := m.tasks[id]; ok {
		return t, nil
	}
	return nil, db.ErrNotFound
}

func (m *memStore) GetTemplate(ctx context.Context, category string) (*db.Template, error) {
	if t, ok := m.templates[category]; ok {
		return t, nil
	}
	return nil, db.ErrNotFound
}

func (m *memStore) GetAlert(ctx context.Context, id uuid.UUID) (*db.Alert, error) {
	for _, a := range m.alerts {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, db.ErrNotFound
}

// CreateAlert mirrors the partial unique index on active fixed-category alerts.
func (m *memStore) CreateAlert(ctx context.Context, a *db.Alert) error {
	for _, existing := range m.alerts {
		if existing.Active && existing.ClientID == a.ClientID && existing.Category == a.Category && a.Category != "task" {
			return db.ErrConflict
		}
	}
	a.ID = uuid.New()
	m.alerts = append(m.alerts, a)
	return nil
}

func (m *memStore) ListActiveAlertCategories(ctx context.Context) (map[uuid.UUID]map[string]bool, error) {
	out := make(map[uuid.UUID]map[string]bool)
	for _, a := range m.alerts {
		if !a.Active {
			continue
		}
		if out[a.ClientID] == nil {
			out[a.ClientID] = make(map[string]bool)
		}
		out[a.ClientID][a.Category] = true
	}
	return out, nil
}

func (m *memStore) ListScheduleOffsets(ctx context.Context, alertID uuid.UUID) ([]int, error) {
	var out []int
	for _, s := range m.schedules {
		if s.AlertID == alertID {
			out = append(out, s.OffsetDays)
		}
	}
	return out, nil
}

func (m *memStore) CreateReminderSchedule(ctx context.Context, s *db.ReminderSchedule) error {
	s.ID = uuid.New()
	m.schedules = append(m.schedules, s)
	return nil
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int        { return &i }

func newTestService(store *memStore) *Service {
	s := NewService(store, Config{Location: time.UTC}, zap.NewNop())
	s.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func addClient(store *memStore) *db.Client {
	c := &db.Client{
		ID:                           uuid.New(),
		Name:                         "Jane Smith",
		CompanyName:                  "Smith Ltd",
		Email:                        "jane@smith.example",
		AutomatedEmail:               true,
		NextAccountsDue:              strPtr("2024-12-31"),
		NextConfirmationStatementDue: strPtr("2024-03-01"),
		NextVATDue:                   strPtr("TBC"),
	}
	store.clients[c.ID] = c
	return c
}

func TestCreateTaskLinked_UsesTemplateRow(t *testing.T) {
	store := newMemStore()
	c := addClient(store)
	store.templates["accounts"] = &db.Template{
		Category: "accounts",
		Body:     "Hello {{client_name}}, accounts due {{due_date}}. {{portal_url}}",
	}

	a, err := newTestService(store).CreateTaskLinked(context.Background(), TaskLinkedRequest{
		ClientID:   c.ID,
		Category:   "accounts",
		DueDate:    "2024-12-31",
		ClientName: "Jane",
	})
	require.NoError(t, err)

	assert.True(t, a.Active)
	assert.Equal(t, DefaultOffsetDays, a.OffsetDays)
	assert.Equal(t, db.ModeDraftForReview, a.NotificationMode)
	require.NotNil(t, a.CustomMessage)
	assert.Equal(t, "Hello Jane, accounts due 31 December 2024. {{portal_url}}", *a.CustomMessage)
}

func TestCreateTaskLinked_FallsBackToDefaultMessage(t *testing.T) {
	store := newMemStore()
	c := addClient(store)

	a, err := newTestService(store).CreateTaskLinked(context.Background(), TaskLinkedRequest{
		ClientID:         c.ID,
		Category:         "vat",
		DueDate:          "07/08/2024",
		ClientName:       "Jane",
		OffsetDays:       intPtr(14),
		NotificationMode: db.ModeDirectToClient,
	})
	require.NoError(t, err)

	assert.Equal(t, 14, a.OffsetDays)
	assert.Equal(t, db.ModeDirectToClient, a.NotificationMode)
	assert.Contains(t, *a.CustomMessage, "Dear Jane")
	assert.Contains(t, *a.CustomMessage, "7 August 2024")
	assert.NotContains(t, *a.CustomMessage, "{{")
}

func TestCreateTaskLinked_EscapesClientName(t *testing.T) {
	store := newMemStore()
	c := addClient(store)

	a, err := newTestService(store).CreateTaskLinked(context.Background(), TaskLinkedRequest{
		ClientID:         c.ID,
		Category:         "vat",
		DueDate:          "07/08/2024",
		ClientName:       "Smith & <Sons>",
		NotificationMode: db.ModeDirectToClient,
	})
	require.NoError(t, err)

	assert.Contains(t, *a.CustomMessage, "Dear Smith &amp; &lt;Sons&gt;")
	assert.NotContains(t, *a.CustomMessage, "<Sons>")
}

func TestCreateTaskLinked_Errors(t *testing.T) {
	store := newMemStore()
	c := addClient(store)
	other := addClient(store)
	foreignTask := &db.Task{ID: uuid.New(), ClientID: other.ID}
	store.tasks[foreignTask.ID] = foreignTask

	svc := newTestService(store)
	_, err := svc.CreateTaskLinked(context.Background(), TaskLinkedRequest{ClientID: c.ID, Category: "accounts", DueDate: "2024-12-31", ClientName: "Jane"})
	require.NoError(t, err)

	tests := []struct {
		name string
		req  TaskLinkedRequest
		kind apperr.Kind
	}{
		{"duplicate active category", TaskLinkedRequest{ClientID: c.ID, Category: "accounts", DueDate: "2024-12-31", ClientName: "Jane"}, apperr.KindConflict},
		{"unknown client", TaskLinkedRequest{ClientID: uuid.New(), Category: "vat", DueDate: "2024-12-31", ClientName: "Jane"}, apperr.KindNotFound},
		{"unknown category", TaskLinkedRequest{ClientID: c.ID, Category: "payroll", DueDate: "2024-12-31", ClientName: "Jane"}, apperr.KindValidation},
		{"bad due date", TaskLinkedRequest{ClientID: c.ID, Category: "vat", DueDate: "soon", ClientName: "Jane"}, apperr.KindValidation},
		{"task category without task", TaskLinkedRequest{ClientID: c.ID, Category: "task", DueDate: "2024-12-31", ClientName: "Jane"}, apperr.KindValidation},
		{"task of another client", TaskLinkedRequest{ClientID: c.ID, Category: "task", DueDate: "2024-12-31", ClientName: "Jane", TaskID: &foreignTask.ID}, apperr.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateTaskLinked(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
}

func TestAddSchedule_RejectsDuplicateOffsets(t *testing.T) {
	store := newMemStore()
	alert := &db.Alert{ID: uuid.New(), ClientID: uuid.New(), Category: "accounts", OffsetDays: 45, Active: true}
	store.alerts = append(store.alerts, alert)
	svc := newTestService(store)
	ctx := context.Background()

	for _, offset := range []int{38, 28} {
		_, err := svc.AddSchedule(ctx, alert.ID, ScheduleRequest{OffsetDays: intPtr(offset)})
		require.NoError(t, err)
	}

	for _, offset := range []int{45, 38, 28} {
		_, err := svc.AddSchedule(ctx, alert.ID, ScheduleRequest{OffsetDays: intPtr(offset)})
		require.Error(t, err, "offset %d", offset)
		assert.True(t, apperr.Is(err, apperr.KindConflict))
		assert.True(t, errors.Is(err, db.ErrConflict))
	}

	offsets, _ := store.ListScheduleOffsets(ctx, alert.ID)
	assert.ElementsMatch(t, []int{38, 28}, offsets)
}

func TestAddSchedule_Validation(t *testing.T) {
	store := newMemStore()
	alert := &db.Alert{ID: uuid.New(), OffsetDays: 30}
	store.alerts = append(store.alerts, alert)
	svc := newTestService(store)
	ctx := context.Background()

	_, err := svc.AddSchedule(ctx, alert.ID, ScheduleRequest{OffsetDays: intPtr(-1)})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = svc.AddSchedule(ctx, alert.ID, ScheduleRequest{OffsetDays: intPtr(7), UseCustomMessage: true})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = svc.AddSchedule(ctx, uuid.New(), ScheduleRequest{OffsetDays: intPtr(7)})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	s, err := svc.AddSchedule(ctx, alert.ID, ScheduleRequest{OffsetDays: intPtr(7), UseCustomMessage: true, CustomMessage: strPtr("Last call")})
	require.NoError(t, err)
	assert.True(t, s.Active)
	assert.True(t, s.UseCustomMessage)
}

func TestProvision(t *testing.T) {
	store := newMemStore()
	c := addClient(store)
	c.CorporationTaxDue = strPtr("2025-01-01")
	store.alerts = append(store.alerts, &db.Alert{ID: uuid.New(), ClientID: c.ID, Category: "corporation_tax", Active: true})
	svc := newTestService(store)

	res, err := svc.Provision(context.Background(), c.ID)
	require.NoError(t, err)

	// Accounts is the only future, parseable, unalerted deadline.
	require.Len(t, res.Created, 1)
	assert.Equal(t, "accounts", res.Created[0].Category)
	assert.Equal(t, db.ModeDraftForReview, res.Created[0].NotificationMode)
	assert.Equal(t, DefaultOffsetDays, res.Created[0].OffsetDays)
	assert.ElementsMatch(t, []string{"confirmation_statement", "vat", "corporation_tax"}, res.Skipped)

	res, err = svc.Provision(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
}

func TestProvision_UnknownClient(t *testing.T) {
	_, err := newTestService(newMemStore()).Provision(context.Background(), uuid.New())
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
