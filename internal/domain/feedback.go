package domain

import "time"

// FeedbackEntry is a community submission reposted as a card. The vote
// counters mirror the card's reactions and are overwritten, never incremented.
type FeedbackEntry struct {
	MessageID    string    `json:"message_id"`
	AuthorID     string    `json:"original_author_id"`
	AuthorName   string    `json:"original_author_name"`
	AuthorAvatar string    `json:"original_author_avatar,omitempty"`
	Content      string    `json:"content"`
	ChannelID    string    `json:"channel_id"`
	Upvotes      int       `json:"upvotes"`
	Downvotes    int       `json:"downvotes"`
	CreatedAt    time.Time `json:"created_at"`
}

// Score is upvotes minus downvotes.
func (f *FeedbackEntry) Score() int {
	return f.Upvotes - f.Downvotes
}
