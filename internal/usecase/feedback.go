package usecase

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"assistant-memory/internal/domain"
	"assistant-memory/internal/scheduler"
)

const (
	DefaultFeedbackKeep = 30
	maxFeedbackText     = 2000

	// Control ids of the vote buttons on a feedback card.
	UpvoteControlID   = "upvote"
	DownvoteControlID = "downvote"
)

// ReactionCounter reads the current vote reactions on a feedback card.
type ReactionCounter interface {
	CountReactions(ctx context.Context, channelID, messageID string) (up, down int, err error)
}

type Feedback struct {
	deps
	store    Store
	counter  ReactionCounter
	cleaner  Cleaner
	deferred Deferrer
	keep     int
	delay    time.Duration
	blocked  []string
}

// FeedbackConfig bounds what Feedback keeps and rejects.
type FeedbackConfig struct {
	Keep         int
	DeleteDelay  time.Duration
	BlockedWords []string
}

type SubmitFeedbackInput struct {
	MessageID    string
	ChannelID    string
	AuthorID     string
	AuthorName   string
	AuthorAvatar string
	Content      string
}

func NewFeedback(store Store, counter ReactionCounter, cleaner Cleaner, deferred Deferrer, cfg FeedbackConfig, opts ...Option) (*Feedback, error) {
	if store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if counter == nil {
		return nil, errors.New("usecase: reaction counter must not be nil")
	}
	if cleaner == nil {
		return nil, errors.New("usecase: cleaner must not be nil")
	}
	if deferred == nil {
		return nil, errors.New("usecase: deferrer must not be nil")
	}
	if cfg.Keep <= 0 {
		cfg.Keep = DefaultFeedbackKeep
	}
	blocked := make([]string, 0, len(cfg.BlockedWords))
	for _, w := range cfg.BlockedWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			blocked = append(blocked, w)
		}
	}
	return &Feedback{
		deps:     newDeps(opts),
		store:    store,
		counter:  counter,
		cleaner:  cleaner,
		deferred: deferred,
		keep:     cfg.Keep,
		delay:    cfg.DeleteDelay,
		blocked:  blocked,
	}, nil
}

// Filtered reports whether content contains a blocked word.
func (f *Feedback) Filtered(content string) bool {
	lower := strings.ToLower(content)
	for _, w := range f.blocked {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// Submit stores a feedback card with its vote controls and trims the
// collection to the newest entries.
func (f *Feedback) Submit(ctx context.Context, in SubmitFeedbackInput) (domain.FeedbackEntry, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return domain.FeedbackEntry{}, newError(ErrorInvalidInput, "empty_feedback", nil)
	}
	if utf8.RuneCountInString(content) > maxFeedbackText {
		return domain.FeedbackEntry{}, newError(ErrorInvalidInput, "feedback_too_long", nil)
	}
	if f.Filtered(content) {
		return domain.FeedbackEntry{}, newError(ErrorInvalidInput, "content_filtered", nil)
	}
	if in.MessageID == "" || in.AuthorID == "" {
		return domain.FeedbackEntry{}, newError(ErrorInvalidInput, "missing_identity", nil)
	}

	entry := domain.FeedbackEntry{
		MessageID:    in.MessageID,
		AuthorID:     in.AuthorID,
		AuthorName:   in.AuthorName,
		AuthorAvatar: in.AuthorAvatar,
		Content:      content,
		ChannelID:    in.ChannelID,
		CreatedAt:    f.now(),
	}
	controls := &domain.ButtonRecord{
		MessageID: in.MessageID,
		ChannelID: in.ChannelID,
		Kind:      domain.KindFeedback,
		Actions: map[string]domain.ButtonAction{
			UpvoteControlID:   domain.FeedbackReactionAction(domain.ReactionUpvote, in.AuthorID),
			DownvoteControlID: domain.FeedbackReactionAction(domain.ReactionDownvote, in.AuthorID),
		},
		CreatedAt: entry.CreatedAt,
	}
	var trimmed int
	err := mutate(f.store, f.logger, "submit_feedback", func(d *domain.BotData) error {
		stored := entry
		if err := d.AddFeedback(&stored); err != nil {
			return err
		}
		if err := d.AddButtonRecord(controls); err != nil {
			return err
		}
		trimmed = d.TrimFeedback(f.keep)
		return nil
	})
	if err != nil {
		return domain.FeedbackEntry{}, storeError("state_write_error", err)
	}
	f.logger.Info("feedback stored",
		zap.String("message_id", entry.MessageID),
		zap.String("author_id", entry.AuthorID),
		zap.Int("trimmed", trimmed),
	)
	return entry, nil
}

// SyncVotes re-reads the card's reactions and stores the totals.
func (f *Feedback) SyncVotes(ctx context.Context, messageID string) (domain.FeedbackEntry, error) {
	current, ok := f.store.Read().FeedbackEntry(messageID)
	if !ok {
		return domain.FeedbackEntry{}, newError(ErrorNotFound, "feedback_not_found", nil)
	}
	up, down, err := f.counter.CountReactions(ctx, current.ChannelID, messageID)
	if err != nil {
		return domain.FeedbackEntry{}, upstreamError("reactions", err)
	}

	var updated domain.FeedbackEntry
	err = mutate(f.store, f.logger, "sync_votes", func(d *domain.BotData) error {
		if err := d.SetFeedbackVotes(messageID, up, down); err != nil {
			return err
		}
		e, _ := d.FeedbackEntry(messageID)
		updated = *e
		return nil
	})
	if err != nil {
		return domain.FeedbackEntry{}, storeError("feedback_not_found", err)
	}
	return updated, nil
}

// Remove forgets a feedback entry and schedules deletion of its card.
func (f *Feedback) Remove(ctx context.Context, messageID string) (*scheduler.Task, error) {
	var channelID string
	err := mutate(f.store, f.logger, "remove_feedback", func(d *domain.BotData) error {
		e, ok := d.FeedbackEntry(messageID)
		if !ok {
			return domain.ErrNotFound
		}
		channelID = e.ChannelID
		d.RemoveFeedback(messageID)
		return nil
	})
	if err != nil {
		return nil, storeError("feedback_not_found", err)
	}
	return f.ScheduleMessageDeletion(channelID, messageID), nil
}

// ScheduleMessageDeletion deletes a message after the feedback grace
// period, such as the warning sent for filtered content.
func (f *Feedback) ScheduleMessageDeletion(channelID, messageID string) *scheduler.Task {
	return f.deferred.Schedule("delete message "+messageID, f.delay, func(ctx context.Context) error {
		return f.cleaner.DeleteMessage(ctx, channelID, messageID)
	})
}

// Top returns up to n entries by score, newest first among equal scores.
func (f *Feedback) Top(n int) []domain.FeedbackEntry {
	data := f.store.Read()
	out := make([]domain.FeedbackEntry, 0, len(data.Feedback))
	for _, e := range data.Feedback {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if si, sj := out[i].Score(), out[j].Score(); si != sj {
			return si > sj
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
