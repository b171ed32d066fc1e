package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"assistant-memory/internal/domain"
	"assistant-memory/internal/scheduler"
)

// Control ids of panel and ticket control messages.
const (
	CreateControlID = "create"
	CloseControlID  = "close"
)

// Cleaner removes platform objects once their records are gone.
type Cleaner interface {
	DeleteChannel(ctx context.Context, channelID string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
}

// Deferrer schedules cancellable delayed work. *scheduler.Deferred
// satisfies it.
type Deferrer interface {
	Schedule(name string, delay time.Duration, fn func(ctx context.Context) error) *scheduler.Task
}

// Delays are the grace periods before platform objects are deleted.
type Delays struct {
	Ticket     time.Duration
	Commission time.Duration
	Feedback   time.Duration
}

type Tickets struct {
	deps
	store    Store
	cleaner  Cleaner
	deferred Deferrer
	delays   Delays
	ownerID  string
}

type OpenTicketInput struct {
	Kind            domain.RecordKind
	MessageID       string
	ChannelID       string
	CreatorID       string
	CreatorName     string
	TicketType      string
	OriginalChannel string
}

// CloseResult reports what a close removed and the pending channel deletion.
type CloseResult struct {
	Removed int
	Kind    domain.RecordKind
	Task    *scheduler.Task
}

// PanelInput describes the message users press to open a ticket or
// commission.
type PanelInput struct {
	Kind      domain.RecordKind
	MessageID string
	ChannelID string
	SetupBy   string
}

// NewTickets wires ticket and commission flows. ownerID may close any
// ticket; empty disables the override.
func NewTickets(store Store, cleaner Cleaner, deferred Deferrer, delays Delays, ownerID string, opts ...Option) (*Tickets, error) {
	if store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if cleaner == nil {
		return nil, errors.New("usecase: cleaner must not be nil")
	}
	if deferred == nil {
		return nil, errors.New("usecase: deferrer must not be nil")
	}
	return &Tickets{
		deps:     newDeps(opts),
		store:    store,
		cleaner:  cleaner,
		deferred: deferred,
		delays:   delays,
		ownerID:  strings.TrimSpace(ownerID),
	}, nil
}

// Open registers the control message of a freshly created private channel.
// A user may hold one open record of each kind.
func (t *Tickets) Open(ctx context.Context, in OpenTicketInput) (*domain.ButtonRecord, error) {
	if !in.Kind.TicketLike() {
		return nil, newError(ErrorInvalidInput, "kind_not_ticket_like", nil)
	}
	if in.MessageID == "" || in.ChannelID == "" || in.CreatorID == "" {
		return nil, newError(ErrorInvalidInput, "missing_identity", nil)
	}

	closeAction := domain.CloseTicketAction(in.ChannelID, in.CreatorID)
	if in.Kind == domain.KindCommission {
		closeAction = domain.CloseCommissionAction(in.ChannelID, in.CreatorID)
	}
	rec := &domain.ButtonRecord{
		MessageID: in.MessageID,
		ChannelID: in.ChannelID,
		Kind:      in.Kind,
		Actions:   map[string]domain.ButtonAction{CloseControlID: closeAction},
		CreatedAt: t.now(),
		Metadata: domain.Metadata{
			domain.MetaCreatorID:   in.CreatorID,
			domain.MetaCreatorName: in.CreatorName,
		},
	}
	if in.TicketType != "" {
		rec.Metadata[domain.MetaTicketType] = in.TicketType
	}
	if in.OriginalChannel != "" {
		rec.Metadata[domain.MetaOriginalChannel] = in.OriginalChannel
	}

	err := mutate(t.store, t.logger, "open_ticket", func(d *domain.BotData) error {
		for _, existing := range d.ActiveTickets(in.CreatorID) {
			if existing.Kind == in.Kind {
				return newError(ErrorInvalidInput, "already_open", fmt.Errorf("channel %s", existing.ChannelID))
			}
		}
		return d.AddButtonRecord(rec)
	})
	if err != nil {
		return nil, storeError("state_write_error", err)
	}
	t.logger.Info("ticket opened",
		zap.String("kind", string(in.Kind)),
		zap.String("channel_id", in.ChannelID),
		zap.String("creator_id", in.CreatorID),
	)
	return rec.Clone(), nil
}

// Panel registers the create control of a ticket or commission panel posted
// in ChannelID. Opened channels record ChannelID as their origin.
func (t *Tickets) Panel(ctx context.Context, in PanelInput) (*domain.ButtonRecord, error) {
	var action domain.ButtonAction
	switch in.Kind {
	case domain.KindTicket:
		action = domain.CreateTicketAction(in.ChannelID, in.SetupBy)
	case domain.KindCommission:
		action = domain.CreateCommissionAction(in.ChannelID, in.SetupBy)
	default:
		return nil, newError(ErrorInvalidInput, "kind_not_ticket_like", nil)
	}
	if in.MessageID == "" || in.ChannelID == "" || in.SetupBy == "" {
		return nil, newError(ErrorInvalidInput, "missing_identity", nil)
	}

	rec := &domain.ButtonRecord{
		MessageID: in.MessageID,
		ChannelID: in.ChannelID,
		Kind:      domain.KindGeneral,
		Actions:   map[string]domain.ButtonAction{CreateControlID: action},
		CreatedAt: t.now(),
	}
	err := mutate(t.store, t.logger, "register_panel", func(d *domain.BotData) error {
		return d.AddButtonRecord(rec)
	})
	if err != nil {
		return nil, storeError("state_write_error", err)
	}
	t.logger.Info("panel registered",
		zap.String("kind", string(in.Kind)),
		zap.String("channel_id", in.ChannelID),
		zap.String("message_id", in.MessageID),
	)
	return rec.Clone(), nil
}

// ActiveFor lists the open tickets and commissions of userID.
func (t *Tickets) ActiveFor(userID string) []*domain.ButtonRecord {
	return t.store.Read().ActiveTickets(userID)
}

// Resolve maps a control activation to its stored action.
func (t *Tickets) Resolve(messageID, controlID string) (domain.ButtonAction, error) {
	action, ok := t.store.Read().ResolveAction(messageID, controlID)
	if !ok {
		return domain.ButtonAction{}, newError(ErrorNotFound, "control_not_found", nil)
	}
	return action, nil
}

// Close removes every record of the ticket channel and schedules the
// channel's deletion after the kind's grace period. Only the creator or the
// owner may close.
func (t *Tickets) Close(ctx context.Context, channelID, userID string) (CloseResult, error) {
	var res CloseResult
	err := mutate(t.store, t.logger, "close_ticket", func(d *domain.BotData) error {
		if !d.IsTicketChannel(channelID) {
			return newError(ErrorNotFound, "not_a_ticket_channel", nil)
		}
		if userID == "" || (userID != t.ownerID && !d.HasTicketCreator(channelID, userID)) {
			return newError(ErrorForbidden, "not_ticket_creator", nil)
		}
		res.Kind = domain.KindTicket
		for _, r := range d.ButtonMessages {
			if r.ChannelID == channelID && r.Kind == domain.KindCommission {
				res.Kind = domain.KindCommission
				break
			}
		}
		res.Removed = d.CleanupTicketChannel(channelID)
		return nil
	})
	if err != nil {
		return CloseResult{}, storeError("state_write_error", err)
	}

	delay := t.delays.Ticket
	if res.Kind == domain.KindCommission {
		delay = t.delays.Commission
	}
	res.Task = t.deferred.Schedule("delete channel "+channelID, delay, func(ctx context.Context) error {
		return t.cleaner.DeleteChannel(ctx, channelID)
	})
	t.logger.Info("ticket closed",
		zap.String("channel_id", channelID),
		zap.String("closed_by", userID),
		zap.Int("records_removed", res.Removed),
		zap.Duration("delete_after", delay),
	)
	return res, nil
}

// ChannelDeleted forgets records of a channel removed outside the bot.
func (t *Tickets) ChannelDeleted(channelID string) (int, error) {
	var n int
	err := mutate(t.store, t.logger, "channel_deleted", func(d *domain.BotData) error {
		n = d.CleanupTicketChannel(channelID)
		return nil
	})
	if err != nil {
		return 0, storeError("state_write_error", err)
	}
	return n, nil
}
