package domain

import "time"

const (
	// MaxContextMessages is the rolling window size kept per user.
	MaxContextMessages = 15
	// SummaryTriggerThreshold is the number of completed turns between summary analyses.
	SummaryTriggerThreshold = 20
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationMessage is a single entry in a user's rolling history.
type ConversationMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ChannelID string    `json:"channel_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
}

// ConversationContext is the per-user memory: a bounded FIFO window of
// messages, a derived summary and the counter that schedules re-summarising.
type ConversationContext struct {
	UserID               string                `json:"user_id"`
	UserName             string                `json:"user_name"`
	Messages             []ConversationMessage `json:"messages"`
	LastUpdated          time.Time             `json:"last_updated"`
	Settings             map[string]string     `json:"settings,omitempty"`
	Summary              string                `json:"summary,omitempty"`
	MessagesSinceSummary int                   `json:"messages_since_summary"`
}

// NewConversationContext returns an empty context for userID.
func NewConversationContext(userID, userName string, now time.Time) *ConversationContext {
	return &ConversationContext{
		UserID:      userID,
		UserName:    userName,
		Messages:    make([]ConversationMessage, 0, MaxContextMessages),
		LastUpdated: now,
	}
}

// AddMessage appends msg and evicts the oldest entries beyond MaxContextMessages.
// A message without a timestamp is stamped with the current time, so every
// append refreshes LastUpdated.
func (c *ConversationContext) AddMessage(msg ConversationMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	c.Messages = append(c.Messages, msg)
	if over := len(c.Messages) - MaxContextMessages; over > 0 {
		kept := make([]ConversationMessage, MaxContextMessages)
		copy(kept, c.Messages[over:])
		c.Messages = kept
	}
	if msg.Timestamp.After(c.LastUpdated) {
		c.LastUpdated = msg.Timestamp
	}
}

// Recent returns up to n of the newest messages in chronological order.
// The returned slice is a copy.
func (c *ConversationContext) Recent(n int) []ConversationMessage {
	if n <= 0 || len(c.Messages) == 0 {
		return nil
	}
	start := len(c.Messages) - n
	if start < 0 {
		start = 0
	}
	out := make([]ConversationMessage, len(c.Messages)-start)
	copy(out, c.Messages[start:])
	return out
}

// IncrementAndMaybeTrigger counts one completed turn. It reports true, and
// resets the counter, every SummaryTriggerThreshold calls.
func (c *ConversationContext) IncrementAndMaybeTrigger() bool {
	c.MessagesSinceSummary++
	if c.MessagesSinceSummary >= SummaryTriggerThreshold {
		c.MessagesSinceSummary = 0
		return true
	}
	return false
}

// SetSummary replaces the summary wholesale.
func (c *ConversationContext) SetSummary(text string) {
	c.Summary = text
}

func (c *ConversationContext) HasSummary() bool {
	return c.Summary != ""
}

func (c *ConversationContext) Clone() *ConversationContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = append([]ConversationMessage(nil), c.Messages...)
	out.Settings = cloneStringMap(c.Settings)
	return &out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
