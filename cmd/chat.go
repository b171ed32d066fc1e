package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"assistant-memory/internal/domain"
	"assistant-memory/internal/scheduler"
	"assistant-memory/internal/usecase"
)

const consoleChannel = "console"

var (
	chatUserID   string
	chatUserName string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the assistant from the terminal",
	Long: `Reads lines from stdin and answers them as a single console user.

Commands:
  /remind <delay> <text>   schedule a reminder, e.g. /remind 10m stretch
  /reminders               list pending reminders
  /complete <id>           dismiss a delivered reminder
  /cancel <id>             cancel a pending reminder
  /ticket [type]           open a ticket
  /tickets                 list your open tickets and commissions
  /close [channel]         close a ticket channel, yours by default
  /panel [commission]      post a ticket or commission panel
  /press <message> <id>    press a control, e.g. /press <panel> create
  /gone <channel>          forget the records of a deleted channel
  /feedback <text>         submit feedback
  /votes <id>              refresh the vote counts of a feedback entry
  /unfeedback <id>         remove a feedback entry
  /top                     show the best rated feedback
  /reset                   forget the conversation`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatUserID, "user-id", "console-user", "user id to chat as")
	chatCmd.Flags().StringVar(&chatUserName, "user-name", "Console", "display name to chat as")
}

type chatSession struct {
	userID    string
	userName  string
	out       io.Writer
	platform  *console
	assistant *usecase.Assistant
	reminders *usecase.Reminders
	tickets   *usecase.Tickets
	feedback  *usecase.Feedback
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.load(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	platform := newConsole(out, logger.Named("console"))
	deferred := scheduler.NewDeferred(scheduler.WithDeferredLogger(logger.Named("deferred")))
	defer deferred.Stop()

	opts := []usecase.Option{usecase.WithLogger(logger), usecase.WithMetrics(a.metrics)}
	s := &chatSession{userID: chatUserID, userName: chatUserName, out: out, platform: platform}
	if s.assistant, err = newAssistant(a, platform); err != nil {
		return err
	}
	if s.reminders, err = usecase.NewReminders(a.store, opts...); err != nil {
		return err
	}
	if s.tickets, err = usecase.NewTickets(a.store, platform, deferred, usecase.Delays{
		Ticket:     cfg.Delays.TicketDelete,
		Commission: cfg.Delays.CommissionDelete,
		Feedback:   cfg.Delays.FeedbackDelete,
	}, cfg.Bot.OwnerID, opts...); err != nil {
		return err
	}
	if s.feedback, err = usecase.NewFeedback(a.store, platform, platform, deferred, usecase.FeedbackConfig{
		Keep:         cfg.Retention.FeedbackKeep,
		DeleteDelay:  cfg.Delays.FeedbackDelete,
		BlockedWords: cfg.Bot.BlockedWords,
	}, opts...); err != nil {
		return err
	}

	sweeper, err := scheduler.NewSweeper(a.store, platform,
		scheduler.WithInterval(cfg.Scheduler.SweepInterval),
		scheduler.WithSweepLogger(logger.Named("sweep")),
	)
	if err != nil {
		return err
	}
	go func() { _ = sweeper.Run(ctx) }()

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := s.handle(ctx, line); err != nil {
			fmt.Fprintf(out, "! %s\n", describeError(err))
		}
	}
	return scanner.Err()
}

func (s *chatSession) handle(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		_, err := s.assistant.HandleMessage(ctx, usecase.MessageInput{
			UserID:    s.userID,
			UserName:  s.userName,
			ChannelID: consoleChannel,
			MessageID: uuid.NewString(),
			Content:   line,
		})
		return err
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "remind":
		delay, text, _ := strings.Cut(rest, " ")
		r, err := s.reminders.Create(ctx, usecase.CreateReminderInput{
			UserID:        s.userID,
			UserName:      s.userName,
			ChannelID:     consoleChannel,
			Text:          text,
			Delay:         delay,
			Mention:       string(domain.MentionCreator),
			StatusControl: true,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "reminder %s set for %s\n", r.ID, humanize.Time(r.DueAt))
	case "reminders":
		for _, r := range s.reminders.ForUser(s.userID) {
			if !r.Sent {
				fmt.Fprintf(s.out, "- %s %q %s\n", r.ID, r.Text, humanize.Time(r.DueAt))
			}
		}
	case "complete":
		if err := s.reminders.Complete(ctx, rest, s.userID); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "reminder %s done\n", rest)
	case "cancel":
		if err := s.reminders.Cancel(ctx, rest, s.userID); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "reminder %s cancelled\n", rest)
	case "ticket":
		return s.openTicket(ctx, domain.KindTicket, rest, consoleChannel)
	case "tickets":
		for _, r := range s.tickets.ActiveFor(s.userID) {
			fmt.Fprintf(s.out, "- %s %s in %s, opened %s (close with /press %s %s)\n",
				r.Kind, r.Metadata[domain.MetaTicketType], r.ChannelID, humanize.Time(r.CreatedAt),
				r.MessageID, usecase.CloseControlID)
		}
	case "close":
		channelID := rest
		if channelID == "" {
			channelID = ticketChannel(domain.KindTicket, s.userID)
		}
		return s.closeTicket(ctx, channelID)
	case "panel":
		kind := domain.KindTicket
		if rest == string(domain.KindCommission) {
			kind = domain.KindCommission
		}
		rec, err := s.tickets.Panel(ctx, usecase.PanelInput{
			Kind:      kind,
			MessageID: uuid.NewString(),
			ChannelID: consoleChannel,
			SetupBy:   s.userID,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s panel %s posted, open with /press %s %s\n",
			kind, rec.MessageID, rec.MessageID, usecase.CreateControlID)
	case "press":
		messageID, controlID, _ := strings.Cut(rest, " ")
		action, err := s.tickets.Resolve(messageID, strings.TrimSpace(controlID))
		if err != nil {
			return err
		}
		return s.press(ctx, messageID, action)
	case "gone":
		n, err := s.tickets.ChannelDeleted(rest)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "forgot %d records of %s\n", n, rest)
	case "feedback":
		entry, err := s.feedback.Submit(ctx, usecase.SubmitFeedbackInput{
			MessageID:  uuid.NewString(),
			ChannelID:  consoleChannel,
			AuthorID:   s.userID,
			AuthorName: s.userName,
			Content:    rest,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "feedback %s recorded\n", entry.MessageID)
	case "votes":
		entry, err := s.feedback.SyncVotes(ctx, rest)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s: +%d -%d\n", entry.MessageID, entry.Upvotes, entry.Downvotes)
	case "unfeedback":
		task, err := s.feedback.Remove(ctx, rest)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "feedback %s removed, card deleted in %s\n", rest, task.Delay)
	case "top":
		for _, e := range s.feedback.Top(5) {
			fmt.Fprintf(s.out, "%+d %s: %s\n", e.Score(), e.AuthorName, e.Content)
		}
	case "reset":
		if err := s.assistant.ResetConversation(s.userID); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "conversation cleared")
	default:
		return fmt.Errorf("unknown command /%s", name)
	}
	return nil
}

// press runs the action stored behind a control.
func (s *chatSession) press(ctx context.Context, messageID string, action domain.ButtonAction) error {
	switch action.Type {
	case domain.ActionCreateTicket:
		return s.openTicket(ctx, domain.KindTicket, "", action.ChannelID)
	case domain.ActionCreateCommission:
		return s.openTicket(ctx, domain.KindCommission, "", action.ChannelID)
	case domain.ActionCloseTicket, domain.ActionCloseCommission:
		return s.closeTicket(ctx, action.ChannelID)
	case domain.ActionFeedbackReaction:
		s.platform.React(messageID, action.Reaction)
		entry, err := s.feedback.SyncVotes(ctx, messageID)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s: +%d -%d\n", entry.MessageID, entry.Upvotes, entry.Downvotes)
		return nil
	default:
		return fmt.Errorf("control action %s is not supported here", action.Type)
	}
}

func (s *chatSession) openTicket(ctx context.Context, kind domain.RecordKind, ticketType, origin string) error {
	channelID := ticketChannel(kind, s.userID)
	rec, err := s.tickets.Open(ctx, usecase.OpenTicketInput{
		Kind:            kind,
		MessageID:       uuid.NewString(),
		ChannelID:       channelID,
		CreatorID:       s.userID,
		CreatorName:     s.userName,
		TicketType:      ticketType,
		OriginalChannel: origin,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s opened in %s, close with /press %s %s\n", kind, channelID, rec.MessageID, usecase.CloseControlID)
	return nil
}

func (s *chatSession) closeTicket(ctx context.Context, channelID string) error {
	res, err := s.tickets.Close(ctx, channelID, s.userID)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s closed, channel deleted in %s\n", res.Kind, res.Task.Delay)
	return nil
}

func ticketChannel(kind domain.RecordKind, userID string) string {
	return string(kind) + "-" + userID
}

func describeError(err error) string {
	var ue *usecase.Error
	if errors.As(err, &ue) {
		return fmt.Sprintf("%s: %s", strings.ToLower(string(ue.Code)), strings.ReplaceAll(ue.Reason, "_", " "))
	}
	return err.Error()
}
