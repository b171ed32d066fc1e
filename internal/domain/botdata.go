package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNotFound is returned by operations that need an existing record.
var ErrNotFound = errors.New("domain: not found")

// BotData is the root aggregate persisted as one document. Collections are
// independent; callers coordinate invariants that span them.
type BotData struct {
	ButtonMessages map[string]*ButtonRecord        `json:"button_messages"`
	Conversations  map[string]*ConversationContext `json:"conversations"`
	Reminders      map[string]*Reminder            `json:"reminders"`
	Feedback       map[string]*FeedbackEntry       `json:"feedback_messages"`
	LastUpdated    time.Time                       `json:"last_updated"`
}

func NewBotData() *BotData {
	d := &BotData{}
	d.EnsureCollections()
	return d
}

// EnsureCollections replaces nil maps left by decoding older documents.
func (d *BotData) EnsureCollections() {
	if d.ButtonMessages == nil {
		d.ButtonMessages = make(map[string]*ButtonRecord)
	}
	if d.Conversations == nil {
		d.Conversations = make(map[string]*ConversationContext)
	}
	if d.Reminders == nil {
		d.Reminders = make(map[string]*Reminder)
	}
	if d.Feedback == nil {
		d.Feedback = make(map[string]*FeedbackEntry)
	}
}

// Clone returns a deep copy sharing no mutable state with d.
func (d *BotData) Clone() *BotData {
	out := &BotData{
		ButtonMessages: make(map[string]*ButtonRecord, len(d.ButtonMessages)),
		Conversations:  make(map[string]*ConversationContext, len(d.Conversations)),
		Reminders:      make(map[string]*Reminder, len(d.Reminders)),
		Feedback:       make(map[string]*FeedbackEntry, len(d.Feedback)),
		LastUpdated:    d.LastUpdated,
	}
	for k, v := range d.ButtonMessages {
		out.ButtonMessages[k] = v.Clone()
	}
	for k, v := range d.Conversations {
		out.Conversations[k] = v.Clone()
	}
	for k, v := range d.Reminders {
		r := *v
		out.Reminders[k] = &r
	}
	for k, v := range d.Feedback {
		f := *v
		out.Feedback[k] = &f
	}
	return out
}

// ---- Conversations ----

func (d *BotData) Conversation(userID string) (*ConversationContext, bool) {
	c, ok := d.Conversations[userID]
	return c, ok
}

// ConversationFor returns the user's context, creating it on first contact.
// A non-empty userName refreshes the stored display name.
func (d *BotData) ConversationFor(userID, userName string, now time.Time) *ConversationContext {
	c, ok := d.Conversations[userID]
	if !ok {
		c = NewConversationContext(userID, userName, now)
		d.Conversations[userID] = c
		return c
	}
	if userName != "" {
		c.UserName = userName
	}
	return c
}

// PruneConversations drops contexts not updated since cutoff.
func (d *BotData) PruneConversations(cutoff time.Time) int {
	n := 0
	for id, c := range d.Conversations {
		if c.LastUpdated.Before(cutoff) {
			delete(d.Conversations, id)
			n++
		}
	}
	return n
}

// MigrateUserNames fills a placeholder display name on contexts stored
// without one and reports how many changed.
func (d *BotData) MigrateUserNames() int {
	n := 0
	for id, c := range d.Conversations {
		if c.UserID == "" {
			c.UserID = id
		}
		if c.UserName == "" {
			c.UserName = PlaceholderUserName(c.UserID)
			n++
		}
	}
	return n
}

// PlaceholderUserName is "User_" followed by the first eight characters of id.
func PlaceholderUserName(id string) string {
	r := []rune(id)
	if len(r) > 8 {
		r = r[:8]
	}
	return "User_" + string(r)
}

// ---- Button records ----

func (d *BotData) AddButtonRecord(r *ButtonRecord) error {
	if r == nil || r.MessageID == "" {
		return errors.New("domain: button record requires a message id")
	}
	for id, a := range r.Actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("domain: control %q: %w", id, err)
		}
	}
	d.ButtonMessages[r.MessageID] = r
	return nil
}

func (d *BotData) ButtonRecord(messageID string) (*ButtonRecord, bool) {
	r, ok := d.ButtonMessages[messageID]
	return r, ok
}

func (d *BotData) RemoveButtonRecord(messageID string) {
	delete(d.ButtonMessages, messageID)
}

// ResolveAction looks up the action bound to controlID on messageID.
func (d *BotData) ResolveAction(messageID, controlID string) (ButtonAction, bool) {
	r, ok := d.ButtonMessages[messageID]
	if !ok {
		return ButtonAction{}, false
	}
	a, ok := r.Actions[controlID]
	return a, ok
}

// IsTicketChannel reports whether any ticket or commission record lives in channelID.
func (d *BotData) IsTicketChannel(channelID string) bool {
	for _, r := range d.ButtonMessages {
		if r.Kind.TicketLike() && r.ChannelID == channelID {
			return true
		}
	}
	return false
}

// HasTicketCreator reports whether userID opened the ticket hosted in channelID.
func (d *BotData) HasTicketCreator(channelID, userID string) bool {
	for _, r := range d.ButtonMessages {
		if r.Kind.TicketLike() && r.ChannelID == channelID && r.CreatedBy(userID) {
			return true
		}
	}
	return false
}

// ActiveTickets lists ticket and commission records opened by userID, oldest first.
func (d *BotData) ActiveTickets(userID string) []*ButtonRecord {
	var out []*ButtonRecord
	for _, r := range d.ButtonMessages {
		if r.Kind.TicketLike() && r.CreatedBy(userID) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CleanupTicketChannel removes every ticket-like record hosted in channelID.
func (d *BotData) CleanupTicketChannel(channelID string) int {
	n := 0
	for id, r := range d.ButtonMessages {
		if r.Kind.TicketLike() && r.ChannelID == channelID {
			delete(d.ButtonMessages, id)
			n++
		}
	}
	return n
}

// ---- Reminders ----

func (d *BotData) AddReminder(r *Reminder) error {
	if r == nil || r.ID == "" {
		return errors.New("domain: reminder requires an id")
	}
	if _, exists := d.Reminders[r.ID]; exists {
		return fmt.Errorf("domain: reminder %q already exists", r.ID)
	}
	d.Reminders[r.ID] = r
	return nil
}

func (d *BotData) Reminder(id string) (*Reminder, bool) {
	r, ok := d.Reminders[id]
	return r, ok
}

func (d *BotData) RemoveReminder(id string) {
	delete(d.Reminders, id)
}

// DueReminders returns copies of unsent reminders due at now, earliest first.
func (d *BotData) DueReminders(now time.Time) []Reminder {
	var out []Reminder
	for _, r := range d.Reminders {
		if r.Due(now) {
			out = append(out, *r)
		}
	}
	sortReminders(out)
	return out
}

// MarkReminderSent flips the sent flag. It reports false when the reminder
// is missing or was already sent, which makes it safe as a delivery claim.
func (d *BotData) MarkReminderSent(id string) bool {
	r, ok := d.Reminders[id]
	if !ok || r.Sent {
		return false
	}
	r.Sent = true
	return true
}

// UserReminders returns copies of userID's pending reminders, earliest first.
func (d *BotData) UserReminders(userID string) []Reminder {
	var out []Reminder
	for _, r := range d.Reminders {
		if r.UserID == userID && !r.Sent {
			out = append(out, *r)
		}
	}
	sortReminders(out)
	return out
}

// PruneReminders drops sent reminders created before cutoff and unsent
// reminders whose due time passed before cutoff.
func (d *BotData) PruneReminders(cutoff time.Time) int {
	n := 0
	for id, r := range d.Reminders {
		stale := (r.Sent && r.CreatedAt.Before(cutoff)) || (!r.Sent && r.DueAt.Before(cutoff))
		if stale {
			delete(d.Reminders, id)
			n++
		}
	}
	return n
}

func sortReminders(rs []Reminder) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].DueAt.Equal(rs[j].DueAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].DueAt.Before(rs[j].DueAt)
	})
}

// ---- Feedback ----

func (d *BotData) AddFeedback(f *FeedbackEntry) error {
	if f == nil || f.MessageID == "" {
		return errors.New("domain: feedback entry requires a message id")
	}
	d.Feedback[f.MessageID] = f
	return nil
}

func (d *BotData) FeedbackEntry(messageID string) (*FeedbackEntry, bool) {
	f, ok := d.Feedback[messageID]
	return f, ok
}

// SetFeedbackVotes overwrites the counters with the observed reaction totals.
func (d *BotData) SetFeedbackVotes(messageID string, up, down int) error {
	f, ok := d.Feedback[messageID]
	if !ok {
		return fmt.Errorf("domain: feedback %q: %w", messageID, ErrNotFound)
	}
	f.Upvotes = max(up, 0)
	f.Downvotes = max(down, 0)
	return nil
}

// RemoveFeedback forgets the entry and the vote controls of its card.
func (d *BotData) RemoveFeedback(messageID string) {
	delete(d.Feedback, messageID)
	d.removeFeedbackControls(messageID)
}

func (d *BotData) removeFeedbackControls(messageID string) {
	if r, ok := d.ButtonMessages[messageID]; ok && r.Kind == KindFeedback {
		delete(d.ButtonMessages, messageID)
	}
}

// TrimFeedback keeps the newest keep entries by creation time. Vote controls
// of dropped cards go with them.
func (d *BotData) TrimFeedback(keep int) int {
	if keep < 0 {
		keep = 0
	}
	if len(d.Feedback) <= keep {
		return 0
	}
	entries := make([]*FeedbackEntry, 0, len(d.Feedback))
	for _, f := range d.Feedback {
		entries = append(entries, f)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].MessageID > entries[j].MessageID
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	for _, f := range entries[keep:] {
		delete(d.Feedback, f.MessageID)
		d.removeFeedbackControls(f.MessageID)
	}
	return len(entries) - keep
}

// ---- Stats ----

type Stats struct {
	ButtonMessages   int       `json:"button_messages"`
	Conversations    int       `json:"conversations"`
	TotalMessages    int       `json:"total_messages"`
	PendingReminders int       `json:"pending_reminders"`
	SentReminders    int       `json:"sent_reminders"`
	FeedbackEntries  int       `json:"feedback_entries"`
	LastUpdated      time.Time `json:"last_updated"`
}

func (d *BotData) Stats() Stats {
	s := Stats{
		ButtonMessages:  len(d.ButtonMessages),
		Conversations:   len(d.Conversations),
		FeedbackEntries: len(d.Feedback),
		LastUpdated:     d.LastUpdated,
	}
	for _, c := range d.Conversations {
		s.TotalMessages += len(c.Messages)
	}
	for _, r := range d.Reminders {
		if r.Sent {
			s.SentReminders++
		} else {
			s.PendingReminders++
		}
	}
	return s
}
