package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type RecordKind string

const (
	KindTicket     RecordKind = "ticket"
	KindCommission RecordKind = "commission"
	KindFeedback   RecordKind = "feedback"
	KindGeneral    RecordKind = "general"
)

// TicketLike reports whether records of this kind own a private channel.
func (k RecordKind) TicketLike() bool {
	return k == KindTicket || k == KindCommission
}

// Metadata is the free-form string map attached to a ButtonRecord.
//
// Recognised keys:
//
//	creator_id        ticket/commission: user who opened the channel
//	creator_name      ticket/commission: display name of the creator
//	ticket_type       ticket/commission: free-form category chosen at creation
//	original_channel  ticket/commission/feedback: channel the flow started from
type Metadata map[string]string

const (
	MetaCreatorID       = "creator_id"
	MetaCreatorName     = "creator_name"
	MetaTicketType      = "ticket_type"
	MetaOriginalChannel = "original_channel"
)

type ActionType string

const (
	ActionCreateTicket     ActionType = "create_ticket"
	ActionCloseTicket      ActionType = "close_ticket"
	ActionCreateCommission ActionType = "create_commission"
	ActionCloseCommission  ActionType = "close_commission"
	ActionFeedbackReaction ActionType = "feedback_reaction"
	ActionCustom           ActionType = "custom"
)

type Reaction string

const (
	ReactionUpvote   Reaction = "upvote"
	ReactionDownvote Reaction = "downvote"
)

// ButtonAction describes what a control does when activated. Type selects
// which of the remaining fields are meaningful:
//
//	create_ticket, create_commission   ChannelID, UserID
//	close_ticket, close_commission     ChannelID (the private channel), UserID (its creator)
//	feedback_reaction                  Reaction, UserID (original author)
//	custom                             Name, Params
type ButtonAction struct {
	Type      ActionType        `json:"type"`
	ChannelID string            `json:"channel_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Reaction  Reaction          `json:"reaction,omitempty"`
	Name      string            `json:"name,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

func CreateTicketAction(channelID, userID string) ButtonAction {
	return ButtonAction{Type: ActionCreateTicket, ChannelID: channelID, UserID: userID}
}

func CloseTicketAction(ticketChannelID, creatorID string) ButtonAction {
	return ButtonAction{Type: ActionCloseTicket, ChannelID: ticketChannelID, UserID: creatorID}
}

func CreateCommissionAction(channelID, userID string) ButtonAction {
	return ButtonAction{Type: ActionCreateCommission, ChannelID: channelID, UserID: userID}
}

func CloseCommissionAction(commissionChannelID, creatorID string) ButtonAction {
	return ButtonAction{Type: ActionCloseCommission, ChannelID: commissionChannelID, UserID: creatorID}
}

func FeedbackReactionAction(r Reaction, originalUserID string) ButtonAction {
	return ButtonAction{Type: ActionFeedbackReaction, Reaction: r, UserID: originalUserID}
}

// Validate rejects descriptors whose variant fields are missing.
func (a ButtonAction) Validate() error {
	switch a.Type {
	case ActionCreateTicket, ActionCloseTicket, ActionCreateCommission, ActionCloseCommission:
		if a.ChannelID == "" || a.UserID == "" {
			return fmt.Errorf("domain: action %s requires channel and user", a.Type)
		}
	case ActionFeedbackReaction:
		if a.Reaction != ReactionUpvote && a.Reaction != ReactionDownvote {
			return fmt.Errorf("domain: unknown reaction %q", a.Reaction)
		}
	case ActionCustom:
		if a.Name == "" {
			return fmt.Errorf("domain: custom action requires a name")
		}
	default:
		return fmt.Errorf("domain: unknown action type %q", a.Type)
	}
	return nil
}

// ButtonRecord is the stored state behind a platform message carrying
// interactive controls. Actions is keyed by the opaque control id.
type ButtonRecord struct {
	MessageID string                  `json:"message_id"`
	ChannelID string                  `json:"channel_id"`
	Kind      RecordKind              `json:"kind"`
	Actions   map[string]ButtonAction `json:"actions"`
	CreatedAt time.Time               `json:"created_at"`
	Metadata  Metadata                `json:"metadata,omitempty"`
}

func (r *ButtonRecord) Clone() *ButtonRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Metadata = Metadata(cloneStringMap(r.Metadata))
	if r.Actions != nil {
		out.Actions = make(map[string]ButtonAction, len(r.Actions))
		for id, a := range r.Actions {
			a.Params = cloneStringMap(a.Params)
			out.Actions[id] = a
		}
	}
	return &out
}

// CreatedBy reports whether the record's creator_id metadata equals userID.
func (r *ButtonRecord) CreatedBy(userID string) bool {
	return userID != "" && r.Metadata[MetaCreatorID] == userID
}

// UnmarshalJSON rejects kinds this build does not know about.
func (k *RecordKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch RecordKind(s) {
	case KindTicket, KindCommission, KindFeedback, KindGeneral:
		*k = RecordKind(s)
		return nil
	}
	return fmt.Errorf("domain: unknown record kind %q", s)
}
