// Package gaps opens tasks for client deadlines that have no reminder.
package gaps

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fcarle/accflow/internal/db"
	"github.com/fcarle/accflow/internal/deadline"
	"github.com/fcarle/accflow/internal/metrics"
	"github.com/fcarle/accflow/internal/render"
)

// Store is the persistence the detector needs.
type Store interface {
	ListClients(ctx context.Context) ([]*db.Client, error)
	ListActiveAlertCategories(ctx context.Context) (map[uuid.UUID]map[string]bool, error)
	ListOpenAlertTasks(ctx context.Context) (map[uuid.UUID]map[string]bool, error)
	CreateTask(ctx context.Context, t *db.Task) error
}

// Result summarises one detection run.
type Result struct {
	Clients int        `json:"clients"`
	Created []*db.Task `json:"created"`
	Errored int        `json:"errored"`
}

type Detector struct {
	store  Store
	loc    *time.Location
	now    func() time.Time
	logger *zap.Logger
}

// New creates a Detector evaluating dates in loc.
func New(store Store, loc *time.Location, logger *zap.Logger) *Detector {
	return &Detector{
		store:  store,
		loc:    loc,
		now:    time.Now,
		logger: logger,
	}
}

// Detect scans every client and fixed category and creates one create_alert
// task per uncovered future deadline. Per-item failures are logged and
// counted; only a failed load aborts the run.
func (d *Detector) Detect(ctx context.Context) (Result, error) {
	clients, err := d.store.ListClients(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list clients: %w", err)
	}
	alerts, err := d.store.ListActiveAlertCategories(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list alert categories: %w", err)
	}
	open, err := d.store.ListOpenAlertTasks(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list open alert tasks: %w", err)
	}

	today := deadline.Midnight(d.now(), d.loc)
	res := Result{Clients: len(clients)}

	for _, c := range clients {
		for _, category := range deadline.FixedCategories {
			raw := deadline.ClientValue(c, category)
			if raw == nil {
				continue
			}
			due, err := deadline.ParseDate(*raw, d.loc)
			if err != nil || due.Before(today) {
				continue
			}
			if alerts[c.ID][category] || open[c.ID][category] {
				continue
			}

			task, err := d.createTask(ctx, c, category, *raw, due)
			if err != nil {
				res.Errored++
				d.logger.Error("failed to create gap task",
					zap.Error(err),
					zap.String("client_id", c.ID.String()),
					zap.String("category", category),
				)
				continue
			}

			if open[c.ID] == nil {
				open[c.ID] = make(map[string]bool)
			}
			open[c.ID][category] = true
			res.Created = append(res.Created, task)
		}
	}

	metrics.RecordGapTasks(len(res.Created))
	d.logger.Info("gap detection complete",
		zap.Int("clients", res.Clients),
		zap.Int("created", len(res.Created)),
		zap.Int("errored", res.Errored),
	)

	return res, nil
}

func (d *Detector) createTask(ctx context.Context, c *db.Client, category, raw string, due time.Time) (*db.Task, error) {
	field, _ := deadline.ClientField(category)
	details, err := json.Marshal(db.AlertActionDetails{
		Category: category,
		Field:    field,
		DueDate:  raw,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal action details: %w", err)
	}

	name := deadline.FriendlyName(category)
	who := c.CompanyName
	if who == "" {
		who = c.Name
	}
	action := db.ActionCreateAlert

	t := &db.Task{
		ClientID:      c.ID,
		Title:         fmt.Sprintf("Set up %s reminder for %s", name, who),
		Description:   fmt.Sprintf("%s is due on %s but no active reminder exists for this client.", name, due.Format(render.DueDateLayout)),
		Stage:         db.StageTodo,
		DueDate:       &due,
		ActionNeeded:  &action,
		ActionDetails: details,
	}

	if err := d.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}
