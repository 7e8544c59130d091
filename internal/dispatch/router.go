// Package dispatch routes a rendered reminder to the client or to the
// review queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fcarle/accflow/internal/apperr"
	"github.com/fcarle/accflow/internal/db"
	"github.com/fcarle/accflow/internal/email"
	"github.com/fcarle/accflow/internal/metrics"
	"github.com/fcarle/accflow/internal/render"
)

// Outcome of a successful dispatch.
type Outcome string

const (
	OutcomeOptedOut Outcome = "opted_out"
	OutcomeSent     Outcome = "sent"
	OutcomeDrafted  Outcome = "drafted"
)

// ErrNoRecipient means a direct send was asked for a client without email.
var ErrNoRecipient = errors.New("client has no email address")

// DraftStore persists drafted reminders.
type DraftStore interface {
	CreateDraftedReminder(ctx context.Context, d *db.DraftedReminder) error
}

// ReviewQueue announces new drafts to reviewers.
type ReviewQueue interface {
	AnnounceDraft(ctx context.Context, d *db.DraftedReminder) (string, error)
}

// Config holds routing settings.
type Config struct {
	// AdminCC is copied on direct sends when set.
	AdminCC string
}

// Router decides between direct send and draft-for-review.
type Router struct {
	mailer email.Mailer
	drafts DraftStore
	queue  ReviewQueue
	cc     string
	logger *zap.Logger
}

// NewRouter creates a Router. queue may be nil.
func NewRouter(mailer email.Mailer, drafts DraftStore, queue ReviewQueue, cfg Config, logger *zap.Logger) *Router {
	return &Router{
		mailer: mailer,
		drafts: drafts,
		queue:  queue,
		cc:     strings.TrimSpace(cfg.AdminCC),
		logger: logger,
	}
}

// Dispatch delivers msg for alert according to the client's opt-out flag
// and the alert's notification mode. Failures are transient: the caller must
// leave the alert unserved.
func (r *Router) Dispatch(ctx context.Context, alert *db.Alert, client *db.Client, msg render.Message) (Outcome, error) {
	if !client.AutomatedEmail {
		metrics.RecordDispatch(string(OutcomeOptedOut))
		return OutcomeOptedOut, nil
	}

	var (
		outcome Outcome
		err     error
	)
	switch alert.NotificationMode {
	case db.ModeDirectToClient:
		outcome, err = r.sendDirect(ctx, client, msg)
	case db.ModeDraftForReview:
		outcome, err = r.draft(ctx, alert, client, msg)
	default:
		err = fmt.Errorf("unknown notification mode %q", alert.NotificationMode)
	}

	if err != nil {
		metrics.RecordDispatch("failed")
		return "", err
	}
	metrics.RecordDispatch(string(outcome))
	return outcome, nil
}

func (r *Router) sendDirect(ctx context.Context, client *db.Client, msg render.Message) (Outcome, error) {
	to := strings.TrimSpace(client.Email)
	if to == "" {
		return "", fmt.Errorf("client %s: %w", client.ID, ErrNoRecipient)
	}

	out := email.Message{To: to, Subject: msg.Subject, HTML: msg.Body}
	if r.cc != "" && !strings.EqualFold(r.cc, to) {
		out.CC = []string{r.cc}
	}

	if err := r.mailer.Send(ctx, out); err != nil {
		return "", sendError("send reminder", err)
	}
	return OutcomeSent, nil
}

func (r *Router) draft(ctx context.Context, alert *db.Alert, client *db.Client, msg render.Message) (Outcome, error) {
	d := &db.DraftedReminder{
		AlertID:   alert.ID,
		ClientID:  client.ID,
		Subject:   msg.Subject,
		Body:      msg.Body,
		Recipient: client.Email,
		Status:    db.DraftStatusPendingReview,
	}
	if r.cc != "" {
		cc := r.cc
		d.CC = &cc
	}

	if err := r.drafts.CreateDraftedReminder(ctx, d); err != nil {
		return "", apperr.Transient("draft reminder", err)
	}

	if r.queue != nil {
		if _, err := r.queue.AnnounceDraft(ctx, d); err != nil {
			metrics.RecordReviewQueuePublish(false)
			r.logger.Warn("failed to announce draft",
				zap.Error(err),
				zap.String("draft_id", d.ID.String()),
				zap.String("alert_id", alert.ID.String()),
			)
		} else {
			metrics.RecordReviewQueuePublish(true)
		}
	}

	return OutcomeDrafted, nil
}

// SendTest sends msg straight to `to`. It ignores opt-out and mode and
// copies nobody.
func (r *Router) SendTest(ctx context.Context, to string, msg render.Message) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return ErrNoRecipient
	}
	if err := r.mailer.Send(ctx, email.Message{To: to, Subject: msg.Subject, HTML: msg.Body}); err != nil {
		return sendError("send test reminder", err)
	}
	return nil
}

// sendError classifies a mailer failure. A message the provider rejects will
// be rejected again, so it is not reported as transient.
func sendError(op string, err error) error {
	if email.IsPermanent(err) {
		return apperr.Validation(op, err)
	}
	return apperr.Transient(op, err)
}
