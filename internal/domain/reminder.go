package domain

import "time"

type MentionPolicy string

const (
	MentionNone     MentionPolicy = "none"
	MentionCreator  MentionPolicy = "creator"
	MentionEveryone MentionPolicy = "everyone"
)

// ParseMentionPolicy maps user input to a policy. Unknown values mean none.
func ParseMentionPolicy(s string) MentionPolicy {
	switch MentionPolicy(s) {
	case MentionCreator, MentionEveryone:
		return MentionPolicy(s)
	}
	return MentionNone
}

// Reminder is a scheduled message. DueAt is fixed at creation.
type Reminder struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id"`
	UserName         string        `json:"user_name"`
	Text             string        `json:"message"`
	ChannelID        string        `json:"channel_id"`
	DueAt            time.Time     `json:"reminder_time"`
	CreatedAt        time.Time     `json:"created_at"`
	Sent             bool          `json:"is_sent"`
	Private          bool          `json:"is_private"`
	Mention          MentionPolicy `json:"mention_type"`
	HasStatusControl bool          `json:"has_status"`
}

// Due reports whether the reminder should be delivered at now.
func (r *Reminder) Due(now time.Time) bool {
	return !r.Sent && !r.DueAt.After(now)
}

// EffectiveMention is the mention applied on delivery. Private reminders
// always mention their creator.
func (r *Reminder) EffectiveMention() MentionPolicy {
	if r.Private {
		return MentionCreator
	}
	if r.Mention == "" {
		return MentionNone
	}
	return r.Mention
}
