package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"assistant-memory/internal/domain"
	"assistant-memory/internal/recovery"
)

// console stands in for the chat platform: replies, reminders and cleanup
// requests are written to out. It satisfies usecase.Responder,
// usecase.Cleaner, usecase.ReactionCounter and scheduler.Deliverer.
type console struct {
	mu     sync.Mutex
	out    io.Writer
	logger *zap.Logger
	nextID int
	votes  map[string]*tally
}

type tally struct{ up, down int }

func newConsole(out io.Writer, logger *zap.Logger) *console {
	return &console{out: out, logger: logger, votes: make(map[string]*tally)}
}

func (c *console) Send(_ context.Context, channelID string, reply recovery.Result) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	if _, err := fmt.Fprintf(c.out, "[%s] %s\n  (color %s, thumbnail %s, %s)\n",
		channelID, reply.Content, reply.Color, reply.Thumbnail, reply.Outcome); err != nil {
		return "", err
	}
	return fmt.Sprintf("console-%d", c.nextID), nil
}

func (c *console) DeliverReminder(_ context.Context, r domain.Reminder) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	mention := ""
	switch r.EffectiveMention() {
	case domain.MentionCreator:
		mention = "@" + r.UserName + " "
	case domain.MentionEveryone:
		mention = "@everyone "
	}
	if _, err := fmt.Fprintf(c.out, "[%s] %sreminder: %s (set %s)\n",
		r.ChannelID, mention, r.Text, humanize.Time(r.CreatedAt)); err != nil {
		return err
	}
	if r.HasStatusControl {
		_, err := fmt.Fprintf(c.out, "  /complete %s when done\n", r.ID)
		return err
	}
	return nil
}

func (c *console) DeleteChannel(_ context.Context, channelID string) error {
	c.logger.Info("channel deleted", zap.String("channel_id", channelID))
	return nil
}

func (c *console) DeleteMessage(_ context.Context, channelID, messageID string) error {
	c.logger.Info("message deleted", zap.String("channel_id", channelID), zap.String("message_id", messageID))
	return nil
}

// React records a vote pressed on a feedback card.
func (c *console) React(messageID string, r domain.Reaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.votes[messageID]
	if !ok {
		t = &tally{}
		c.votes[messageID] = t
	}
	switch r {
	case domain.ReactionUpvote:
		t.up++
	case domain.ReactionDownvote:
		t.down++
	}
}

// CountReactions reports the votes pressed through React.
func (c *console) CountReactions(_ context.Context, _ string, messageID string) (int, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.votes[messageID]; ok {
		return t.up, t.down, nil
	}
	return 0, 0, nil
}
