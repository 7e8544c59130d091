package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fcarle/accflow/internal/apperr"
	"github.com/fcarle/accflow/internal/db"
	"github.com/fcarle/accflow/internal/deadline"
	"github.com/fcarle/accflow/internal/dispatch"
	"github.com/fcarle/accflow/internal/render"
)

// TestUnit reports one test send.
type TestUnit struct {
	OffsetDays int    `json:"offset_days"`
	ScheduleID string `json:"schedule_id,omitempty"`
	Subject    string `json:"subject"`
	Error      string `json:"error,omitempty"`
}

// TestResult reports a test send of an alert and its schedules.
type TestResult struct {
	AlertID   string     `json:"alert_id"`
	Recipient string     `json:"recipient"`
	Sent      int        `json:"sent"`
	Failed    int        `json:"failed"`
	Units     []TestUnit `json:"units"`
}

// TestAlert renders the alert and each active schedule as if it fired now
// and sends them to recipient, or the client's address when recipient is
// empty. It ignores trigger dates and opt-out and never records state.
func (s *Scheduler) TestAlert(ctx context.Context, alertID uuid.UUID, recipient string) (TestResult, error) {
	if s.cfg.CheckConfig != nil {
		if err := s.cfg.CheckConfig(); err != nil {
			return TestResult{}, apperr.Configuration("test alert", err)
		}
	}

	d, err := s.store.GetAlertDetails(ctx, alertID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return TestResult{}, apperr.NotFound("test alert", err)
		}
		return TestResult{}, apperr.Transient("test alert", err)
	}

	to := strings.TrimSpace(recipient)
	if to == "" {
		to = strings.TrimSpace(d.Client.Email)
	}
	if to == "" {
		return TestResult{}, apperr.Validation("test alert", dispatch.ErrNoRecipient)
	}

	due, err := deadline.Resolve(&d.Alert, &d.Client, d.Task, s.cfg.Location)
	if err != nil {
		return TestResult{}, apperr.NotFound("test alert", err)
	}

	templates, err := render.LoadTemplates(ctx, s.store)
	if err != nil {
		return TestResult{}, apperr.Transient("test alert", err)
	}

	rc := render.NewContext(&d.Client, due)
	result := TestResult{AlertID: alertID.String(), Recipient: to}

	for _, u := range units(d) {
		msg := s.renderer.Test(s.renderer.Render(templates, d.Alert.Category, u.customBody, rc))

		tu := TestUnit{OffsetDays: u.offsetDays, Subject: msg.Subject}
		if u.scheduleID != nil {
			tu.ScheduleID = u.scheduleID.String()
		}

		if err := s.router.SendTest(ctx, to, msg); err != nil {
			s.logger.Warn("test send failed",
				zap.String("alert_id", alertID.String()),
				zap.Int("offset_days", u.offsetDays),
				zap.Error(err),
			)
			tu.Error = err.Error()
			result.Failed++
		} else {
			result.Sent++
		}
		result.Units = append(result.Units, tu)
	}

	if result.Sent == 0 {
		return result, apperr.Transient("test alert", fmt.Errorf("all %d test sends failed", result.Failed))
	}
	return result, nil
}
