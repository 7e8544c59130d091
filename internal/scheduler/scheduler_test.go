package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fcarle/accflow/internal/apperr"
	"github.com/fcarle/accflow/internal/circuitbreaker"
	"github.com/fcarle/accflow/internal/db"
	"github.com/fcarle/accflow/internal/dispatch"
	"github.com/fcarle/accflow/internal/email"
	"github.com/fcarle/accflow/internal/render"
	"github.com/fcarle/accflow/internal/sns"
)

type memStore struct {
	mu      sync.Mutex
	alerts  []*db.AlertDetails
	served  map[uuid.UUID]time.Time
	markErr error
}

func newMemStore(alerts ...*db.AlertDetails) *memStore {
	return &memStore{alerts: alerts, served: make(map[uuid.UUID]time.Time)}
}

func (m *memStore) ListTemplates(ctx context.Context) ([]db.Template, error) {
	return []db.Template{{Category: db.DefaultTemplateCategory, Subject: "Reminder", Body: "Hi {{client_name}}"}}, nil
}

func (m *memStore) ListActiveAlerts(ctx context.Context) ([]*db.AlertDetails, error) {
	return m.alerts, nil
}

func (m *memStore) GetAlertDetails(ctx context.Context, id uuid.UUID) (*db.AlertDetails, error) {
	for _, d := range m.alerts {
		if d.Alert.ID == id {
			return d, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *memStore) GetAlertLastServedAt(ctx context.Context, id uuid.UUID) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.served[id]; ok {
		return &t, nil
	}
	return nil, nil
}

func (m *memStore) MarkAlertServed(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	if prev, ok := m.served[id]; !ok || prev.Before(at) {
		m.served[id] = at
	}
	return nil
}

func (m *memStore) lastServed(id uuid.UUID) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.served[id]
	return t, ok
}

type memMailer struct {
	mu     sync.Mutex
	sent   []email.Message
	err    error
	reject func(email.Message) error
}

func (m *memMailer) Send(ctx context.Context, msg email.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.reject != nil {
		if err := m.reject(msg); err != nil {
			return err
		}
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *memMailer) sentTo(addr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.sent {
		if msg.To == addr {
			n++
		}
	}
	return n
}

func (m *memMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type memDrafts struct {
	mu     sync.Mutex
	drafts []*db.DraftedReminder
}

func (m *memDrafts) CreateDraftedReminder(ctx context.Context, d *db.DraftedReminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = uuid.New()
	m.drafts = append(m.drafts, d)
	return nil
}

type memPublisher struct {
	summaries []sns.PassSummary
}

func (m *memPublisher) PublishPassSummary(ctx context.Context, s sns.PassSummary) (string, error) {
	m.summaries = append(m.summaries, s)
	return "msg-1", nil
}

func strPtr(s string) *string { return &s }

func accountsAlert(mode string, optedIn bool) *db.AlertDetails {
	clientID := uuid.New()
	return &db.AlertDetails{
		Alert: db.Alert{
			ID:               uuid.New(),
			ClientID:         clientID,
			Category:         "accounts",
			OffsetDays:       30,
			NotificationMode: mode,
			Active:           true,
		},
		Client: db.Client{
			ID:              clientID,
			Name:            "Jane Smith",
			CompanyName:     "Smith Ltd",
			Email:           "jane@smith.example",
			AutomatedEmail:  optedIn,
			NextAccountsDue: strPtr("2024-12-31"),
		},
	}
}

type harness struct {
	store     *memStore
	mailer    *memMailer
	drafts    *memDrafts
	publisher *memPublisher
	sched     *Scheduler
}

func newHarness(t *testing.T, now time.Time, alerts ...*db.AlertDetails) *harness {
	t.Helper()

	h := &harness{
		store:     newMemStore(alerts...),
		mailer:    &memMailer{},
		drafts:    &memDrafts{},
		publisher: &memPublisher{},
	}
	logger := zap.NewNop()
	router := dispatch.NewRouter(h.mailer, h.drafts, nil, dispatch.Config{AdminCC: "admin@firm.example"}, logger)
	renderer := render.New(render.Config{PortalBaseURL: "https://app.example", FirmName: "Acme Accountants", ContactEmail: "help@firm.example"})

	h.sched = New(h.store, renderer, router, NewLocalLocker(), h.publisher, Config{
		Location:    time.UTC,
		Concurrency: 2,
	}, logger)
	h.sched.now = func() time.Time { return now }
	return h
}

func TestRunPass_FiresOnTriggerDay(t *testing.T) {
	d := accountsAlert(db.ModeDirectToClient, true)
	now := time.Date(2024, 12, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, now, d)

	res, err := h.sched.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Evaluated)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Processed)
	require.Equal(t, 1, h.mailer.count())

	sent := h.mailer.sent[0]
	assert.Equal(t, "jane@smith.example", sent.To)
	assert.Equal(t, []string{"admin@firm.example"}, sent.CC)
	assert.Contains(t, sent.HTML, "31 December 2024")
	assert.Contains(t, sent.HTML, "Acme Accountants")

	served, ok := h.store.lastServed(d.Alert.ID)
	require.True(t, ok)
	assert.Equal(t, now, served)

	require.Len(t, h.publisher.summaries, 1)
	assert.Equal(t, sns.EventPassCompleted, h.publisher.summaries[0].Event)
	assert.Equal(t, 1, h.publisher.summaries[0].Sent)
}

func TestRunPass_NotDueBeforeTrigger(t *testing.T) {
	d := accountsAlert(db.ModeDirectToClient, true)
	h := newHarness(t, time.Date(2024, 11, 30, 23, 0, 0, 0, time.UTC), d)

	res, err := h.sched.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.NotDue)
	assert.Zero(t, h.mailer.count())
	_, ok := h.store.lastServed(d.Alert.ID)
	assert.False(t, ok)
}

func TestRunPass_RerunDoesNotResend(t *testing.T) {
	d := accountsAlert(db.ModeDirectToClient, true)
	h := newHarness(t, time.Date(2024, 12, 1, 9, 0, 0, 0, time.UTC), d)

	_, err := h.sched.RunPass(context.Background())
	require.NoError(t, err)

	h.sched.now = func() time.Time { return time.Date(2024, 12, 2, 9, 0, 0, 0, time.UTC) }
	res, err := h.sched.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.NotDue)
	assert.Equal(t, 1, h.mailer.count())
}

func TestRunPass_DispatchFailureLeavesAlertUnserved(t *testing.T) {
	d := accountsAlert(db.ModeDirectToClient, true)
	h := newHarness(t, time.Date(2024, 12, 1, 9, 0, 0, 0, time.UTC), d)
	h.mailer.err = errors.New("provider 503")

	res, err := h.sched.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errored)
	_, ok := h.store.lastServed(d.Alert.ID)
	assert.False(t, ok)

	// The next pass retries.
	h.mailer.err = nil
	res, err = h.sched.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
}

func TestRunPass_OptedOutNotMarkedServed(t *testing.T) {
	d := accountsAlert(db.ModeDirectToClient, false)
	h := newHarness(t, time.Date(2024, 12, 1, 9, 0, 0, 0, time.UTC), d)

	res, err := h.sched.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.OptedOut)
	assert.Zero(t, h.mailer.count())
	assert.Empty(t, h.drafts.drafts)
	_, ok := h.store.lastServed(d.Alert.ID)
	assert.False(t, ok)
}

func TestRunPass_DraftMode(t *testing.T) {
	d := accountsAlert(db.ModeDraftForReview, true)
	h := newHarness(t, time.Date(2024, 12, 5, 9, 0, 0, 0, time.UTC), d)

	res, err := h.sched.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Drafted)
	assert.Zero(t, h.mailer.count())
	require.Len(t, h.drafts.drafts, 1)
	assert.Equal(t, db.DraftStatusPendingReview, h.drafts.drafts[0].Status)
	_, ok := h.store.lastServed(d.Alert.ID)
	assert.True(t, ok)
}

func TestRunPass_UnresolvableDueDateSkipped(t *testing.T) {
	d := accountsAlert(db.ModeDirectToClient, true)
	d.Client.NextAccountsDue = strPtr("soon")
	h := newHarness(t, time.Date(2024, 12, 1, 9, 0, 0, 0, time.UTC), d)

	res, err := h.sched.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, h.mailer.count())
}

func TestRunPass_SchedulesFireIndependently(t *testing.T) {
	d := accountsAlert(db.ModeDirectToClient, true)
	d.Schedules = []db.ReminderSchedule{
		{ID: uuid.New(), AlertID: d.Alert.ID, OffsetDays: 7, Active: true, UseCustomMessage: true, CustomMessage: strPtr("Final call for {{company_name}}")},
		{ID: uuid.New(), AlertID: d.Alert.ID, OffsetDays: 3, Active: false},
	}
	h := newHarness(t, time.Date(2024, 12, 1, 9, 0, 0, 0, time.UTC), d)

	res, err := h.sched.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Evaluated)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.NotDue)

	// The 7-day follow-up opens a fresh window after the primary was served.
	h.sched.now = func() time.Time { return time.Date(2024, 12, 24, 8, 0, 0, 0, time.UTC) }
	res, err = h.sched.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	require.Equal(t, 2, h.mailer.count())
	assert.Contains(t, h.mailer.sent[1].HTML, "Final call for Smith Ltd")
}

func TestRunPass_RejectedAddressesDoNotStarveHealthyClients(t *testing.T) {
	var alerts []*db.AlertDetails
	bad := make(map[string]bool)
	for i := 0; i < 5; i++ {
		d := accountsAlert(db.ModeDirectToClient, true)
		d.Client.Email = fmt.Sprintf("typo%d@smith.example", i)
		bad[d.Client.Email] = true
		alerts = append(alerts, d)
	}
	healthy := accountsAlert(db.ModeDirectToClient, true)
	healthy.Client.Email = "ok@healthy.example"
	alerts = append(alerts, healthy)

	mailer := &memMailer{reject: func(msg email.Message) error {
		if bad[msg.To] {
			return &email.ProviderError{StatusCode: http.StatusUnprocessableEntity, Body: "invalid recipient"}
		}
		return nil
	}}
	logger := zap.NewNop()
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("email"), logger)
	router := dispatch.NewRouter(circuitbreaker.NewProtectedMailer(mailer, breaker, logger), &memDrafts{}, nil, dispatch.Config{AdminCC: "admin@firm.example"}, logger)
	renderer := render.New(render.Config{PortalBaseURL: "https://app.example", FirmName: "Acme Accountants"})
	store := newMemStore(alerts...)

	sched := New(store, renderer, router, NewLocalLocker(), nil, Config{Location: time.UTC, Concurrency: 1}, logger)
	sched.now = func() time.Time { return time.Date(2024, 12, 1, 9, 0, 0, 0, time.UTC) }

	for pass := 0; pass < 3; pass++ {
		res, err := sched.RunPass(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 5, res.Errored, "pass %d", pass)
	}

	assert.Equal(t, 1, mailer.sentTo(healthy.Client.Email))
	_, ok := store.lastServed(healthy.Alert.ID)
	assert.True(t, ok)
	assert.Equal(t, circuitbreaker.StateClosed, breaker.GetState())
	assert.Zero(t, breaker.Stats().TotalFailures)
}

func TestRunPass_FailedFollowUpLoggedWhenAlertServed(t *testing.T) {
	d := accountsAlert(db.ModeDirectToClient, true)
	followUp := uuid.New()
	d.Schedules = []db.ReminderSchedule{
		{ID: followUp, AlertID: d.Alert.ID, OffsetDays: 7, Active: true, UseCustomMessage: true, CustomMessage: strPtr("Final call for {{company_name}}")},
	}
	h := newHarness(t, time.Date(2024, 12, 24, 9, 0, 0, 0, time.UTC), d)
	h.mailer.reject = func(msg email.Message) error {
		if strings.Contains(msg.HTML, "Final call") {
			return errors.New("connection reset")
		}
		return nil
	}
	core, logs := observer.New(zap.WarnLevel)
	h.sched.logger = zap.New(core)

	res, err := h.sched.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Errored)

	_, ok := h.store.lastServed(d.Alert.ID)
	assert.True(t, ok)

	dropped := logs.FilterMessage("reminder dropped, alert marked served").All()
	require.Len(t, dropped, 1)
	fields := dropped[0].ContextMap()
	assert.Equal(t, followUp.String(), fields["schedule_id"])
	assert.EqualValues(t, 7, fields["offset_days"])
	assert.Equal(t, d.Alert.ID.String(), fields["alert_id"])
}

func TestRunPass_MarkServedFailureCountedSeparately(t *testing.T) {
	d := accountsAlert(db.ModeDirectToClient, true)
	h := newHarness(t, time.Date(2024, 12, 1, 9, 0, 0, 0, time.UTC), d)
	h.store.markErr = errors.New("connection refused")

	res, err := h.sched.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Processed)
	assert.Zero(t, res.Errored)
	assert.Equal(t, 1, res.MarkFailed)
	require.Len(t, h.publisher.summaries, 1)
	assert.Equal(t, 1, h.publisher.summaries[0].MarkFailed)
}

func TestRunPass_OverlappingPassRejected(t *testing.T) {
	d := accountsAlert(db.ModeDirectToClient, true)
	h := newHarness(t, time.Date(2024, 12, 1, 9, 0, 0, 0, time.UTC), d)

	release, ok, err := h.sched.locker.Acquire(context.Background(), passLeaseName, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer release(context.Background())

	_, err = h.sched.RunPass(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPassInProgress)
	assert.Zero(t, h.mailer.count())
}

func TestRunPass_ConfigurationErrorAborts(t *testing.T) {
	d := accountsAlert(db.ModeDirectToClient, true)
	h := newHarness(t, time.Date(2024, 12, 1, 9, 0, 0, 0, time.UTC), d)
	h.sched.cfg.CheckConfig = func() error { return errors.New("EMAIL_API_KEY is required") }

	_, err := h.sched.RunPass(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
	assert.Zero(t, h.mailer.count())
}

func TestRunPass_ManyAlerts(t *testing.T) {
	var alerts []*db.AlertDetails
	for i := 0; i < 10; i++ {
		alerts = append(alerts, accountsAlert(db.ModeDirectToClient, true))
	}
	h := newHarness(t, time.Date(2024, 12, 1, 9, 0, 0, 0, time.UTC), alerts...)

	res, err := h.sched.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, res.Sent)
	assert.Equal(t, 10, h.mailer.count())
}

func TestTestAlert_SendsEveryUnitWithoutState(t *testing.T) {
	d := accountsAlert(db.ModeDraftForReview, false)
	d.Schedules = []db.ReminderSchedule{{ID: uuid.New(), AlertID: d.Alert.ID, OffsetDays: 7, Active: true}}
	h := newHarness(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC), d)

	res, err := h.sched.TestAlert(context.Background(), d.Alert.ID, "me@firm.example")
	require.NoError(t, err)

	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, "me@firm.example", res.Recipient)
	require.Equal(t, 2, h.mailer.count())
	for _, m := range h.mailer.sent {
		assert.Equal(t, "me@firm.example", m.To)
		assert.Empty(t, m.CC)
		assert.Contains(t, m.Subject, "[TEST]")
	}
	assert.Empty(t, h.drafts.drafts)
	_, ok := h.store.lastServed(d.Alert.ID)
	assert.False(t, ok)
}

func TestTestAlert_DefaultsToClientEmail(t *testing.T) {
	d := accountsAlert(db.ModeDirectToClient, true)
	h := newHarness(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC), d)

	res, err := h.sched.TestAlert(context.Background(), d.Alert.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "jane@smith.example", res.Recipient)
}

func TestTestAlert_UnknownAlert(t *testing.T) {
	h := newHarness(t, time.Now())

	_, err := h.sched.TestAlert(context.Background(), uuid.New(), "")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.Acquire(ctx, "a", time.Minute)
	assert.False(t, ok, "held lease must not be granted twice")

	_, ok, _ = l.Acquire(ctx, "b", time.Minute)
	assert.True(t, ok, "names are independent")

	require.NoError(t, release(ctx))
	release2, ok, _ := l.Acquire(ctx, "a", time.Minute)
	assert.True(t, ok)

	// A stale release must not drop the new holder's lease.
	require.NoError(t, release(ctx))
	_, ok, _ = l.Acquire(ctx, "a", time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = l.Acquire(ctx, "a", time.Minute)
	assert.True(t, ok, "expired leases can be taken over")
	_ = release2
}
