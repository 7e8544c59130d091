// Package scheduler runs the reminder pass: resolve each active alert's due
// date, decide whether a window is open, render, dispatch, and record that
// the alert was served.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fcarle/accflow/internal/apperr"
	"github.com/fcarle/accflow/internal/db"
	"github.com/fcarle/accflow/internal/deadline"
	"github.com/fcarle/accflow/internal/dispatch"
	"github.com/fcarle/accflow/internal/metrics"
	"github.com/fcarle/accflow/internal/render"
	"github.com/fcarle/accflow/internal/sns"
)

const passLeaseName = "reminder-pass"

// ErrPassInProgress is returned when another pass holds the job lease.
var ErrPassInProgress = errors.New("reminder pass already in progress")

// Store is the persistence a pass needs.
type Store interface {
	render.TemplateStore
	ListActiveAlerts(ctx context.Context) ([]*db.AlertDetails, error)
	GetAlertDetails(ctx context.Context, id uuid.UUID) (*db.AlertDetails, error)
	GetAlertLastServedAt(ctx context.Context, id uuid.UUID) (*time.Time, error)
	MarkAlertServed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Dispatcher delivers rendered reminders.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert *db.Alert, client *db.Client, msg render.Message) (dispatch.Outcome, error)
	SendTest(ctx context.Context, to string, msg render.Message) error
}

// SummaryPublisher announces finished passes.
type SummaryPublisher interface {
	PublishPassSummary(ctx context.Context, s sns.PassSummary) (string, error)
}

// Config holds pass settings.
type Config struct {
	Location     *time.Location
	Concurrency  int
	LeaseTTL     time.Duration
	AlertLockTTL time.Duration

	// CheckConfig runs before any work; an error aborts the pass.
	CheckConfig func() error
}

// PassResult counts alert units (a primary alert or one of its schedules) by
// the state they ended in, so an alert with two schedules contributes three
// to Evaluated. Processed and Errored are per-unit dispatch outcomes.
// MarkFailed counts alerts, not units: each is an alert whose units were
// dispatched but whose last_served_at could not be written.
type PassResult struct {
	Evaluated  int `json:"evaluated"`
	Processed  int `json:"processed"`
	Errored    int `json:"errored"`
	Skipped    int `json:"skipped"`
	NotDue     int `json:"not_due"`
	OptedOut   int `json:"opted_out"`
	Sent       int `json:"sent"`
	Drafted    int `json:"drafted"`
	MarkFailed int `json:"mark_failed"`
}

func (r *PassResult) add(o PassResult) {
	r.Evaluated += o.Evaluated
	r.Processed += o.Processed
	r.Errored += o.Errored
	r.Skipped += o.Skipped
	r.NotDue += o.NotDue
	r.OptedOut += o.OptedOut
	r.Sent += o.Sent
	r.Drafted += o.Drafted
	r.MarkFailed += o.MarkFailed
}

type Scheduler struct {
	store     Store
	renderer  *render.Renderer
	router    Dispatcher
	locker    Locker
	publisher SummaryPublisher
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
}

// New creates a Scheduler. publisher may be nil.
func New(store Store, renderer *render.Renderer, router Dispatcher, locker Locker, publisher SummaryPublisher, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	if cfg.AlertLockTTL <= 0 {
		cfg.AlertLockTTL = 2 * time.Minute
	}
	if locker == nil {
		locker = NewLocalLocker()
	}

	return &Scheduler{
		store:     store,
		renderer:  renderer,
		router:    router,
		locker:    locker,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
}

// unit is the primary alert or one follow-up schedule evaluated as a
// virtual alert.
type unit struct {
	scheduleID *uuid.UUID
	offsetDays int
	customBody *string
}

// label names the unit in logs: its schedule id, or "primary".
func (u unit) label() string {
	if u.scheduleID == nil {
		return "primary"
	}
	return u.scheduleID.String()
}

func units(d *db.AlertDetails) []unit {
	out := []unit{{offsetDays: d.Alert.OffsetDays, customBody: d.Alert.CustomMessage}}
	for i := range d.Schedules {
		s := &d.Schedules[i]
		if !s.Active {
			continue
		}
		body := d.Alert.CustomMessage
		if s.UseCustomMessage {
			body = s.CustomMessage
		}
		out = append(out, unit{scheduleID: &s.ID, offsetDays: s.OffsetDays, customBody: body})
	}
	return out
}

// RunPass evaluates every active alert once. Per-alert failures are counted,
// not returned; an error means the pass did not run.
func (s *Scheduler) RunPass(ctx context.Context) (PassResult, error) {
	start := s.now()

	if s.cfg.CheckConfig != nil {
		if err := s.cfg.CheckConfig(); err != nil {
			metrics.RecordPass("config_error", time.Since(start))
			return PassResult{}, apperr.Configuration("run pass", err)
		}
	}

	release, ok, err := s.locker.Acquire(ctx, passLeaseName, s.cfg.LeaseTTL)
	if err != nil {
		metrics.RecordPass("error", time.Since(start))
		return PassResult{}, apperr.Transient("acquire pass lease", err)
	}
	if !ok {
		metrics.RecordPass("in_progress", time.Since(start))
		return PassResult{}, apperr.Conflict("run pass", ErrPassInProgress)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release pass lease", zap.Error(err))
		}
	}()

	templates, err := render.LoadTemplates(ctx, s.store)
	if err != nil {
		metrics.RecordPass("error", time.Since(start))
		return PassResult{}, apperr.Transient("run pass", err)
	}

	alerts, err := s.store.ListActiveAlerts(ctx)
	if err != nil {
		metrics.RecordPass("error", time.Since(start))
		return PassResult{}, apperr.Transient("run pass", fmt.Errorf("list active alerts: %w", err))
	}

	today := s.now()

	var (
		mu     sync.Mutex
		result PassResult
		g      errgroup.Group
	)
	g.SetLimit(s.cfg.Concurrency)

	for _, d := range alerts {
		d := d
		g.Go(func() error {
			r := s.processAlert(ctx, templates, d, today)
			mu.Lock()
			result.add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	finished := s.now()
	metrics.RecordPass("ok", finished.Sub(start))

	s.logger.Info("reminder pass complete",
		zap.Int("alerts", len(alerts)),
		zap.Int("evaluated", result.Evaluated),
		zap.Int("processed", result.Processed),
		zap.Int("errored", result.Errored),
		zap.Int("skipped", result.Skipped),
		zap.Int("not_due", result.NotDue),
		zap.Int("opted_out", result.OptedOut),
		zap.Duration("duration", finished.Sub(start)),
	)

	s.publishSummary(ctx, result, start, finished)

	return result, nil
}

func (s *Scheduler) publishSummary(ctx context.Context, r PassResult, start, finished time.Time) {
	if s.publisher == nil {
		return
	}
	_, err := s.publisher.PublishPassSummary(ctx, sns.PassSummary{
		Event:      sns.EventPassCompleted,
		PassID:     uuid.NewString(),
		StartedAt:  start,
		FinishedAt: finished,
		Evaluated:  r.Evaluated,
		Processed:  r.Processed,
		Errored:    r.Errored,
		Skipped:    r.Skipped,
		NotDue:     r.NotDue,
		OptedOut:   r.OptedOut,
		Sent:       r.Sent,
		Drafted:    r.Drafted,
		MarkFailed: r.MarkFailed,
	})
	if err != nil {
		s.logger.Warn("failed to publish pass summary", zap.Error(err))
	}
}

// processAlert runs one alert and its schedules as a single sequential unit
// under the alert's lock.
func (s *Scheduler) processAlert(ctx context.Context, templates render.Templates, d *db.AlertDetails, today time.Time) PassResult {
	alert, client := &d.Alert, &d.Client
	us := units(d)
	res := PassResult{Evaluated: len(us)}

	log := s.logger.With(
		zap.String("alert_id", alert.ID.String()),
		zap.String("client_id", client.ID.String()),
		zap.String("category", alert.Category),
	)

	release, ok, err := s.locker.Acquire(ctx, "alert:"+alert.ID.String(), s.cfg.AlertLockTTL)
	if err != nil {
		log.Error("failed to lock alert", zap.Error(err))
		res.Errored += len(us)
		recordUnits("errored", len(us))
		return res
	}
	if !ok {
		log.Warn("alert locked by another worker, skipping")
		res.Skipped += len(us)
		recordUnits("skipped", len(us))
		return res
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to release alert lock", zap.Error(err))
		}
	}()

	lastServedAt, err := s.store.GetAlertLastServedAt(ctx, alert.ID)
	if err != nil {
		log.Error("failed to re-read last_served_at", zap.Error(err))
		res.Errored += len(us)
		recordUnits("errored", len(us))
		return res
	}

	due, err := deadline.Resolve(alert, client, d.Task, s.cfg.Location)
	if err != nil {
		log.Info("due date not resolvable, skipping", zap.Error(err))
		res.Skipped += len(us)
		recordUnits("skipped", len(us))
		return res
	}

	rc := render.NewContext(client, due)
	firm := ""
	if client.FirmName != nil {
		firm = *client.FirmName
	}

	dispatched := false
	var failed []unit
	for _, u := range us {
		if !deadline.ShouldFire(due.DueDate, u.offsetDays, lastServedAt, today, s.cfg.Location) {
			res.NotDue++
			recordUnits("not_due", 1)
			continue
		}

		msg := s.renderer.Production(s.renderer.Render(templates, alert.Category, u.customBody, rc), firm)

		outcome, err := s.router.Dispatch(ctx, alert, client, msg)
		if err != nil {
			log.Error("dispatch failed",
				zap.Error(err),
				zap.Int("offset_days", u.offsetDays),
				zap.Bool("schedule", u.scheduleID != nil),
			)
			res.Errored++
			recordUnits("dispatch_failed", 1)
			failed = append(failed, u)
			continue
		}

		switch outcome {
		case dispatch.OutcomeSent:
			res.Sent++
			res.Processed++
			dispatched = true
		case dispatch.OutcomeDrafted:
			res.Drafted++
			res.Processed++
			dispatched = true
		case dispatch.OutcomeOptedOut:
			res.OptedOut++
		}
		recordUnits(string(outcome), 1)

		log.Info("reminder dispatched",
			zap.String("outcome", string(outcome)),
			zap.Int("offset_days", u.offsetDays),
			zap.Time("due_date", due.DueDate),
		)
	}

	if !dispatched {
		return res
	}
	if err := s.store.MarkAlertServed(ctx, alert.ID, s.now()); err != nil {
		log.Error("failed to mark alert served", zap.Error(err))
		res.MarkFailed++
		return res
	}
	// last_served_at now covers every unit, so a failed unit will not be
	// retried by a later pass.
	for _, u := range failed {
		log.Warn("reminder dropped, alert marked served",
			zap.Int("offset_days", u.offsetDays),
			zap.String("schedule_id", u.label()),
		)
	}

	return res
}

func recordUnits(state string, n int) {
	for i := 0; i < n; i++ {
		metrics.RecordUnit(state)
	}
}
