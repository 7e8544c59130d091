package deadline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fcarle/accflow/internal/db"
)

// ErrNotFound means an alert's due date cannot be determined this pass.
var ErrNotFound = errors.New("due date not found")

// Accepted layouts for stored client deadlines. The last one is what the CSV
// importer writes.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"02/01/2006",
}

// Resolution is the due date of an alert plus text hints for rendering.
type Resolution struct {
	DueDate         time.Time
	Raw             string
	TitleHint       string
	DescriptionHint string
}

// ParseDate parses a stored deadline value into midnight of that calendar
// day in loc.
func ParseDate(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty date: %w", ErrNotFound)
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return Midnight(t, loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q: %w", raw, ErrNotFound)
}

// Resolve finds the due date an alert counts down to. It never mutates its
// arguments.
func Resolve(alert *db.Alert, client *db.Client, task *db.Task, loc *time.Location) (Resolution, error) {
	if alert == nil {
		return Resolution{}, fmt.Errorf("nil alert: %w", ErrNotFound)
	}

	if alert.Category == CategoryTask {
		if alert.TaskID == nil || task == nil || task.ID != *alert.TaskID {
			return Resolution{}, fmt.Errorf("alert %s has no linked task: %w", alert.ID, ErrNotFound)
		}
		if task.DueDate == nil {
			return Resolution{}, fmt.Errorf("task %s has no due date: %w", task.ID, ErrNotFound)
		}
		due := *task.DueDate
		return Resolution{
			DueDate:         time.Date(due.Year(), due.Month(), due.Day(), 0, 0, 0, 0, loc),
			Raw:             due.Format("2006-01-02"),
			TitleHint:       task.Title,
			DescriptionHint: task.Description,
		}, nil
	}

	if !IsFixed(alert.Category) {
		return Resolution{}, fmt.Errorf("unknown category %q: %w", alert.Category, ErrNotFound)
	}

	raw := ClientValue(client, alert.Category)
	if raw == nil {
		return Resolution{}, fmt.Errorf("%s not set: %w", alert.Category, ErrNotFound)
	}

	due, err := ParseDate(*raw, loc)
	if err != nil {
		return Resolution{}, err
	}

	return Resolution{DueDate: due, Raw: *raw}, nil
}
