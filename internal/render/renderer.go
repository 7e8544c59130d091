// Package render builds reminder subjects and bodies from templates.
package render

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/fcarle/accflow/internal/db"
	"github.com/fcarle/accflow/internal/deadline"
)

// DueDateLayout is the long form used for {{due_date}}.
const DueDateLayout = "2 January 2006"

// Message is a rendered email.
type Message struct {
	Subject string
	Body    string
}

// Context carries the values substituted into placeholders.
type Context struct {
	ClientID        string
	ClientName      string
	CompanyName     string
	DueDate         time.Time
	TaskTitle       string
	TaskDescription string
}

// TemplateStore supplies registered template rows.
type TemplateStore interface {
	ListTemplates(ctx context.Context) ([]db.Template, error)
}

// Templates is a snapshot of registered templates keyed by category.
type Templates map[string]db.Template

// LoadTemplates reads every registered template once.
func LoadTemplates(ctx context.Context, store TemplateStore) (Templates, error) {
	rows, err := store.ListTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	t := make(Templates, len(rows))
	for _, row := range rows {
		t[row.Category] = row
	}
	return t, nil
}

// Config holds the firm-level values used in links and footers.
type Config struct {
	PortalBaseURL string
	FirmName      string
	ContactEmail  string
}

// Renderer resolves and fills templates. It has no side effects.
type Renderer struct {
	cfg Config
}

// New creates a Renderer
func New(cfg Config) *Renderer {
	cfg.PortalBaseURL = strings.TrimRight(cfg.PortalBaseURL, "/")
	return &Renderer{cfg: cfg}
}

// Render picks the message source for category and substitutes placeholders.
// A non-empty customBody wins over every template.
// Values are HTML-escaped in the body and left as plain text in the subject.
func (r *Renderer) Render(templates Templates, category string, customBody *string, rc Context) Message {
	subject := r.replacer(category, rc, plain)
	body := r.replacer(category, rc, html.EscapeString)

	if customBody != nil && strings.TrimSpace(*customBody) != "" {
		title := rc.TaskTitle
		if title == "" {
			title = deadline.FriendlyName(category)
		}
		return Message{
			Subject: strings.ReplaceAll(customSubject, "{{title}}", title),
			Body:    body.Replace(*customBody),
		}
	}

	src := r.source(templates, category)
	return Message{
		Subject: subject.Replace(src.Subject),
		Body:    body.Replace(src.Body),
	}
}

func (r *Renderer) source(templates Templates, category string) Message {
	if m, ok := builtin[category]; ok {
		return m
	}
	if t, ok := templates[category]; ok {
		return Message{Subject: t.Subject, Body: t.Body}
	}
	if t, ok := templates[db.DefaultTemplateCategory]; ok {
		return Message{Subject: t.Subject, Body: t.Body}
	}
	return Message{Subject: fallbackSubject, Body: fallbackBody}
}

func plain(s string) string { return s }

func (r *Renderer) replacer(category string, rc Context, esc func(string) string) *strings.Replacer {
	due := ""
	if !rc.DueDate.IsZero() {
		due = rc.DueDate.Format(DueDateLayout)
	}
	return strings.NewReplacer(
		"{{client_name}}", esc(rc.ClientName),
		"{{company_name}}", esc(rc.CompanyName),
		"{{due_date}}", due,
		"{{task_title}}", esc(rc.TaskTitle),
		"{{task_description}}", esc(rc.TaskDescription),
		"{{portal_url}}", esc(r.PortalURL(rc.ClientID)),
		"{{category}}", esc(deadline.FriendlyName(category)),
	)
}

// PortalURL is the client's portal link.
func (r *Renderer) PortalURL(clientID string) string {
	return r.cfg.PortalBaseURL + "/portal/" + clientID
}

// Production appends the footer sent with real reminders. firmName
// overrides the configured firm name when set.
func (r *Renderer) Production(msg Message, firmName string) Message {
	if firmName == "" {
		firmName = r.cfg.FirmName
	}
	msg.Body += fmt.Sprintf(productionFooter, html.EscapeString(firmName))
	return msg
}

// Test marks msg as a test send.
func (r *Renderer) Test(msg Message) Message {
	msg.Subject = "[TEST] " + msg.Subject
	msg.Body += fmt.Sprintf(testFooter, html.EscapeString(r.cfg.ContactEmail))
	return msg
}

// NewContext builds the placeholder values for a client and resolved deadline.
func NewContext(client *db.Client, res deadline.Resolution) Context {
	return Context{
		ClientID:        client.ID.String(),
		ClientName:      client.Name,
		CompanyName:     client.CompanyName,
		DueDate:         res.DueDate,
		TaskTitle:       res.TitleHint,
		TaskDescription: res.DescriptionHint,
	}
}
