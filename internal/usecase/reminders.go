package usecase

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"assistant-memory/internal/domain"
	"assistant-memory/internal/scheduler"
)

const (
	maxReminderDelay = 365 * 24 * time.Hour
	maxReminderText  = 1000
)

type Reminders struct {
	deps
	store Store
}

type CreateReminderInput struct {
	UserID        string
	UserName      string
	ChannelID     string
	Text          string
	Delay         string
	Private       bool
	Mention       string
	StatusControl bool
}

func NewReminders(store Store, opts ...Option) (*Reminders, error) {
	if store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	return &Reminders{deps: newDeps(opts), store: store}, nil
}

// Create schedules a reminder Delay from now. Delay uses the "<n><s|m|h|d>"
// form, e.g. "10m" or "2d".
func (r *Reminders) Create(ctx context.Context, in CreateReminderInput) (domain.Reminder, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return domain.Reminder{}, newError(ErrorInvalidInput, "empty_reminder", nil)
	}
	if utf8.RuneCountInString(text) > maxReminderText {
		return domain.Reminder{}, newError(ErrorInvalidInput, "reminder_too_long", nil)
	}
	if in.UserID == "" || in.ChannelID == "" {
		return domain.Reminder{}, newError(ErrorInvalidInput, "missing_identity", nil)
	}
	delay, err := scheduler.ParseDelay(in.Delay)
	if err != nil {
		return domain.Reminder{}, newError(ErrorInvalidInput, "invalid_delay", err)
	}
	if delay > maxReminderDelay {
		return domain.Reminder{}, newError(ErrorInvalidInput, "delay_too_long", nil)
	}

	now := r.now()
	rem := domain.Reminder{
		ID:               newUUID(),
		UserID:           in.UserID,
		UserName:         in.UserName,
		Text:             text,
		ChannelID:        in.ChannelID,
		DueAt:            now.Add(delay),
		CreatedAt:        now,
		Private:          in.Private,
		Mention:          domain.ParseMentionPolicy(in.Mention),
		HasStatusControl: in.StatusControl,
	}
	err = mutate(r.store, r.logger, "create_reminder", func(d *domain.BotData) error {
		stored := rem
		return d.AddReminder(&stored)
	})
	if err != nil {
		return domain.Reminder{}, storeError("state_write_error", err)
	}
	r.logger.Info("reminder created",
		zap.String("reminder_id", rem.ID),
		zap.String("user_id", rem.UserID),
		zap.Time("due_at", rem.DueAt),
	)
	return rem, nil
}

// Complete removes a delivered reminder whose status control was pressed.
// Only its creator may complete it. Pending reminders are rejected with
// not_delivered; use Cancel for those.
func (r *Reminders) Complete(ctx context.Context, id, userID string) error {
	err := mutate(r.store, r.logger, "complete_reminder", func(d *domain.BotData) error {
		rem, ok := d.Reminder(id)
		if !ok {
			return domain.ErrNotFound
		}
		if rem.UserID != userID {
			return newError(ErrorForbidden, "not_reminder_owner", nil)
		}
		if !rem.Sent {
			return newError(ErrorInvalidInput, "not_delivered", nil)
		}
		d.RemoveReminder(id)
		return nil
	})
	if err != nil {
		return storeError("reminder_not_found", err)
	}
	return nil
}

// Cancel removes a pending reminder before it fires.
func (r *Reminders) Cancel(ctx context.Context, id, userID string) error {
	err := mutate(r.store, r.logger, "cancel_reminder", func(d *domain.BotData) error {
		rem, ok := d.Reminder(id)
		if !ok {
			return domain.ErrNotFound
		}
		if rem.UserID != userID {
			return newError(ErrorForbidden, "not_reminder_owner", nil)
		}
		if rem.Sent {
			return newError(ErrorInvalidInput, "already_sent", nil)
		}
		d.RemoveReminder(id)
		return nil
	})
	if err != nil {
		return storeError("reminder_not_found", err)
	}
	return nil
}

// ForUser lists userID's pending reminders, earliest first.
func (r *Reminders) ForUser(userID string) []domain.Reminder {
	return r.store.Read().UserReminders(userID)
}
