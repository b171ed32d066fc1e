package usecase

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"assistant-memory/internal/domain"
	"assistant-memory/internal/recovery"
)

const defaultMaxMessageLen = 2000

// TextGenerator produces a raw model reply for a prompt.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Responder delivers a reply to a channel and returns the platform id of
// the posted message.
type Responder interface {
	Send(ctx context.Context, channelID string, reply recovery.Result) (string, error)
}

// Recoverer turns raw model text into a presentable reply. *recovery.Pipeline
// satisfies it.
type Recoverer interface {
	Recover(raw string) recovery.Result
}

// Persona shapes the conversation prompt.
type Persona struct {
	Name          string
	Description   string
	MaxMessageLen int
}

type Assistant struct {
	deps
	store     Store
	llm       TextGenerator
	responder Responder
	recoverer Recoverer
	persona   Persona
}

type MessageInput struct {
	UserID    string
	UserName  string
	ChannelID string
	MessageID string
	Content   string
}

type MessageOutput struct {
	Reply          recovery.Result
	ReplyMessageID string
	SummaryUpdated bool
}

func NewAssistant(store Store, llm TextGenerator, responder Responder, recoverer Recoverer, persona Persona, opts ...Option) (*Assistant, error) {
	if store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: text generator must not be nil")
	}
	if responder == nil {
		return nil, errors.New("usecase: responder must not be nil")
	}
	if recoverer == nil {
		recoverer = recovery.New()
	}
	if persona.MaxMessageLen <= 0 {
		persona.MaxMessageLen = defaultMaxMessageLen
	}
	if strings.TrimSpace(persona.Name) == "" {
		persona.Name = "Assistant"
	}
	return &Assistant{
		deps:      newDeps(opts),
		store:     store,
		llm:       llm,
		responder: responder,
		recoverer: recoverer,
		persona:   persona,
	}, nil
}

// HandleMessage runs one conversational turn: it records the inbound
// message, asks the model, recovers a presentable reply, delivers it,
// records the reply and advances the summary counter. Every
// SummaryTriggerThreshold completed turns the user summary is re-analysed.
func (a *Assistant) HandleMessage(ctx context.Context, in MessageInput) (MessageOutput, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return MessageOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(content) > a.persona.MaxMessageLen {
		return MessageOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	if strings.TrimSpace(in.UserID) == "" || strings.TrimSpace(in.ChannelID) == "" {
		return MessageOutput{}, newError(ErrorInvalidInput, "missing_identity", nil)
	}

	now := a.now()
	var pc promptContext
	err := mutate(a.store, a.logger, "record_user_message", func(d *domain.BotData) error {
		conv := d.ConversationFor(in.UserID, in.UserName, now)
		pc = promptContext{
			persona:  a.persona,
			userName: conv.UserName,
			summary:  conv.Summary,
			history:  conv.Recent(domain.MaxContextMessages),
		}
		conv.AddMessage(domain.ConversationMessage{
			Role:      domain.RoleUser,
			Content:   content,
			Timestamp: now,
			ChannelID: in.ChannelID,
			MessageID: in.MessageID,
		})
		return nil
	})
	if err != nil {
		return MessageOutput{}, storeError("state_write_error", err)
	}

	raw, err := a.llm.Generate(ctx, buildConversationPrompt(pc, content))
	if err != nil {
		return MessageOutput{}, upstreamError("generator", err)
	}

	reply := a.recoverer.Recover(raw)
	a.metrics.Recovered(string(reply.Outcome))
	if reply.Outcome != recovery.OutcomeParsed {
		a.logger.Info("model reply recovered",
			zap.String("user_id", in.UserID),
			zap.String("outcome", string(reply.Outcome)),
		)
	}

	replyID, err := a.responder.Send(ctx, in.ChannelID, reply)
	if err != nil {
		return MessageOutput{}, upstreamError("delivery", err)
	}

	var (
		trigger  bool
		snapshot *domain.ConversationContext
	)
	err = mutate(a.store, a.logger, "record_reply", func(d *domain.BotData) error {
		conv := d.ConversationFor(in.UserID, in.UserName, now)
		conv.AddMessage(domain.ConversationMessage{
			Role:      domain.RoleAssistant,
			Content:   reply.Content,
			Timestamp: a.now(),
			ChannelID: in.ChannelID,
			MessageID: replyID,
		})
		trigger = conv.IncrementAndMaybeTrigger()
		if trigger {
			snapshot = conv.Clone()
		}
		return nil
	})
	if err != nil {
		return MessageOutput{}, storeError("state_write_error", err)
	}

	out := MessageOutput{Reply: reply, ReplyMessageID: replyID}
	if trigger {
		out.SummaryUpdated = a.refreshSummary(ctx, snapshot)
	}
	return out, nil
}

// refreshSummary asks the model whether the user summary needs updating.
// Failures are logged; an unusable answer leaves the summary unchanged.
func (a *Assistant) refreshSummary(ctx context.Context, conv *domain.ConversationContext) bool {
	logger := a.logger.With(zap.String("user_id", conv.UserID))

	raw, err := a.llm.Generate(ctx, buildSummaryPrompt(conv))
	if err != nil {
		logger.Warn("summary analysis failed", zap.Error(err))
		return false
	}
	decision, ok := parseSummaryDecision(raw)
	if !ok {
		logger.Warn("summary analysis unparseable")
		return false
	}
	if !decision.UpdateSummary {
		logger.Debug("summary unchanged")
		return false
	}

	err = mutate(a.store, a.logger, "update_summary", func(d *domain.BotData) error {
		c, ok := d.Conversation(conv.UserID)
		if !ok {
			return domain.ErrNotFound
		}
		c.SetSummary(decision.Content)
		return nil
	})
	if err != nil {
		logger.Warn("summary not stored", zap.Error(err))
		return false
	}
	logger.Info("summary updated", zap.Int("length", len(decision.Content)))
	return true
}

// Conversation returns a copy of the stored context for userID.
func (a *Assistant) Conversation(userID string) (*domain.ConversationContext, error) {
	conv, ok := a.store.Read().Conversation(userID)
	if !ok {
		return nil, newError(ErrorNotFound, "conversation_not_found", nil)
	}
	return conv, nil
}

// ResetConversation drops the stored history and summary for userID.
func (a *Assistant) ResetConversation(userID string) error {
	err := mutate(a.store, a.logger, "reset_conversation", func(d *domain.BotData) error {
		if _, ok := d.Conversation(userID); !ok {
			return domain.ErrNotFound
		}
		delete(d.Conversations, userID)
		return nil
	})
	if err != nil {
		return storeError("conversation_not_found", err)
	}
	return nil
}
