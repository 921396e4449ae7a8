// Package activity holds the activity-indexing collaborators that receive an
// event for every newly committed journal entry.
package activity

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rpattn/journaled/internal/domain"
)

// Notifier receives activity events. It matches journal.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event domain.ActivityEvent) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event domain.ActivityEvent) error

func (f NotifierFunc) Notify(ctx context.Context, event domain.ActivityEvent) error {
	return f(ctx, event)
}

// LogNotifier writes each event to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a notifier logging at Info on logger, or on
// slog.Default() when logger is nil.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, event domain.ActivityEvent) error {
	attrs := []any{
		"entity", event.Entity.String(),
		"version", event.Version,
		"entry_id", event.EntryID.String(),
		"timestamp", event.Timestamp,
	}
	if event.AuthorID != nil {
		attrs = append(attrs, "author_id", event.AuthorID.String())
	}
	if event.Notes != "" {
		attrs = append(attrs, "notes", event.Notes)
	}
	n.logger.InfoContext(ctx, "journal activity", attrs...)
	return nil
}

// Fanout delivers each event to every notifier, in order. Every notifier is
// called even when an earlier one fails; the failures are joined.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, event domain.ActivityEvent) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
