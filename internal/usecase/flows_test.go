package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"assistant-memory/internal/domain"
	"assistant-memory/internal/scheduler"
)

// ---- shared fakes ----

type fakeTimer struct{ stopped bool }

func (f *fakeTimer) Stop() bool {
	was := !f.stopped
	f.stopped = true
	return was
}

type pendingCall struct {
	delay time.Duration
	fire  func()
}

type fakeAfter struct {
	mu    sync.Mutex
	calls []pendingCall
}

func (f *fakeAfter) AfterFunc(d time.Duration, fn func()) scheduler.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pendingCall{delay: d, fire: fn})
	return &fakeTimer{}
}

func newTestDeferred(t *testing.T) (*scheduler.Deferred, *fakeAfter) {
	t.Helper()
	fa := &fakeAfter{}
	d := scheduler.NewDeferred(scheduler.WithAfterFunc(fa.AfterFunc))
	t.Cleanup(d.Stop)
	return d, fa
}

type fakeCleaner struct {
	mu               sync.Mutex
	deletedChannels  []string
	deletedMessages  []string
	lastMsgChannelID string
}

func (f *fakeCleaner) DeleteChannel(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedChannels = append(f.deletedChannels, channelID)
	return nil
}

func (f *fakeCleaner) DeleteMessage(_ context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastMsgChannelID = channelID
	f.deletedMessages = append(f.deletedMessages, messageID)
	return nil
}

type fakeCounter struct {
	up, down      int
	err           error
	lastChannelID string
}

func (f *fakeCounter) CountReactions(_ context.Context, channelID, _ string) (int, int, error) {
	f.lastChannelID = channelID
	return f.up, f.down, f.err
}

func stubUUID(t *testing.T, ids ...string) {
	t.Helper()
	orig := newUUID
	i := 0
	newUUID = func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
	t.Cleanup(func() { newUUID = orig })
}

// ---- Reminders ----

func newTestReminders(t *testing.T) (*Reminders, Store) {
	t.Helper()
	store := newTestStore(t)
	r, err := NewReminders(store, WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	return r, store
}

func reminderInput(delay string) CreateReminderInput {
	return CreateReminderInput{
		UserID: "u1", UserName: "Ana", ChannelID: "c1",
		Text: " stretch ", Delay: delay, Mention: "everyone", StatusControl: true,
	}
}

func TestReminders_Create(t *testing.T) {
	stubUUID(t, "r-1")
	r, store := newTestReminders(t)

	rem, err := r.Create(context.Background(), reminderInput("10m"))
	require.NoError(t, err)
	require.Equal(t, "r-1", rem.ID)
	require.Equal(t, "stretch", rem.Text)
	require.Equal(t, t0.Add(10*time.Minute), rem.DueAt)
	require.Equal(t, t0, rem.CreatedAt)
	require.Equal(t, domain.MentionEveryone, rem.Mention)
	require.True(t, rem.HasStatusControl)

	stored, ok := store.Read().Reminder("r-1")
	require.True(t, ok)
	require.Equal(t, rem, *stored)
	require.Len(t, r.ForUser("u1"), 1)
	require.Empty(t, r.ForUser("u2"))
}

func TestReminders_CreateValidation(t *testing.T) {
	r, _ := newTestReminders(t)
	cases := []struct {
		name   string
		mutate func(*CreateReminderInput)
		reason string
	}{
		{name: "empty text", mutate: func(in *CreateReminderInput) { in.Text = " " }, reason: "empty_reminder"},
		{name: "bad unit", mutate: func(in *CreateReminderInput) { in.Delay = "10w" }, reason: "invalid_delay"},
		{name: "zero", mutate: func(in *CreateReminderInput) { in.Delay = "0m" }, reason: "invalid_delay"},
		{name: "too far", mutate: func(in *CreateReminderInput) { in.Delay = "400d" }, reason: "delay_too_long"},
		{name: "no channel", mutate: func(in *CreateReminderInput) { in.ChannelID = "" }, reason: "missing_identity"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := reminderInput("5m")
			tc.mutate(&in)
			_, err := r.Create(context.Background(), in)
			expectError(t, err, ErrorInvalidInput, tc.reason)
		})
	}
}

func TestReminders_InvalidDelayWrapsSentinel(t *testing.T) {
	r, _ := newTestReminders(t)
	_, err := r.Create(context.Background(), reminderInput("abc"))
	require.ErrorIs(t, err, scheduler.ErrInvalidDuration)
}

func TestReminders_CompleteAndCancel(t *testing.T) {
	stubUUID(t, "r-1", "r-2")
	r, store := newTestReminders(t)
	ctx := context.Background()

	_, err := r.Create(ctx, reminderInput("1m"))
	require.NoError(t, err)
	_, err = r.Create(ctx, reminderInput("2m"))
	require.NoError(t, err)

	expectError(t, r.Complete(ctx, "r-1", "intruder"), ErrorForbidden, "not_reminder_owner")
	expectError(t, r.Complete(ctx, "missing", "u1"), ErrorNotFound, "reminder_not_found")
	expectError(t, r.Complete(ctx, "r-1", "u1"), ErrorInvalidInput, "not_delivered")
	require.Len(t, store.Read().Reminders, 2)

	require.NoError(t, store.Mutate(func(d *domain.BotData) error {
		d.MarkReminderSent("r-1")
		return nil
	}))
	expectError(t, r.Cancel(ctx, "r-1", "u1"), ErrorInvalidInput, "already_sent")
	require.NoError(t, r.Complete(ctx, "r-1", "u1"))
	require.NoError(t, r.Cancel(ctx, "r-2", "u1"))

	require.Empty(t, store.Read().Reminders)
}

// ---- Feedback ----

func newTestFeedback(t *testing.T, counter *fakeCounter, keep int) (*Feedback, *fakeCleaner, *fakeAfter, Store) {
	t.Helper()
	store := newTestStore(t)
	cleaner := &fakeCleaner{}
	deferred, fa := newTestDeferred(t)
	f, err := NewFeedback(store, counter, cleaner, deferred, FeedbackConfig{
		Keep:         keep,
		DeleteDelay:  10 * time.Second,
		BlockedWords: []string{" Spam ", ""},
	}, WithClock(newTestClock().Now))
	require.NoError(t, err)
	return f, cleaner, fa, store
}

func feedbackInput(id, content string) SubmitFeedbackInput {
	return SubmitFeedbackInput{MessageID: id, ChannelID: "fb", AuthorID: "u1", AuthorName: "Ana", Content: content}
}

func TestFeedback_SubmitTrimsToNewest(t *testing.T) {
	f, _, _, store := newTestFeedback(t, &fakeCounter{}, 2)
	ctx := context.Background()

	for _, id := range []string{"f1", "f2", "f3"} {
		_, err := f.Submit(ctx, feedbackInput(id, "more dark mode"))
		require.NoError(t, err)
	}
	data := store.Read()
	require.Len(t, data.Feedback, 2)
	_, ok := data.FeedbackEntry("f1")
	require.False(t, ok)

	require.Len(t, data.ButtonMessages, 2)
	action, ok := data.ResolveAction("f3", DownvoteControlID)
	require.True(t, ok)
	require.Equal(t, domain.FeedbackReactionAction(domain.ReactionDownvote, "u1"), action)
}

func TestFeedback_SubmitValidation(t *testing.T) {
	f, _, _, _ := newTestFeedback(t, &fakeCounter{}, 0)
	ctx := context.Background()

	_, err := f.Submit(ctx, feedbackInput("f1", " "))
	expectError(t, err, ErrorInvalidInput, "empty_feedback")
	_, err = f.Submit(ctx, feedbackInput("f1", "buy SPAM now"))
	expectError(t, err, ErrorInvalidInput, "content_filtered")
	_, err = f.Submit(ctx, feedbackInput("", "fine"))
	expectError(t, err, ErrorInvalidInput, "missing_identity")
}

func TestFeedback_SyncVotes(t *testing.T) {
	counter := &fakeCounter{up: 5, down: 2}
	f, _, _, _ := newTestFeedback(t, counter, 0)
	ctx := context.Background()

	_, err := f.SyncVotes(ctx, "f1")
	expectError(t, err, ErrorNotFound, "feedback_not_found")

	_, err = f.Submit(ctx, feedbackInput("f1", "add reminders list"))
	require.NoError(t, err)
	entry, err := f.SyncVotes(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, 5, entry.Upvotes)
	require.Equal(t, 2, entry.Downvotes)
	require.Equal(t, "fb", counter.lastChannelID)

	// Counts are overwritten, not accumulated.
	counter.up, counter.down = 1, 0
	entry, err = f.SyncVotes(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, 1, entry.Upvotes)
	require.Zero(t, entry.Downvotes)

	counter.err = statusErr{code: 429}
	_, err = f.SyncVotes(ctx, "f1")
	expectError(t, err, ErrorRateLimited, "reactions_rate_limited")
}

func TestFeedback_RemoveSchedulesCardDeletion(t *testing.T) {
	f, cleaner, fa, store := newTestFeedback(t, &fakeCounter{}, 0)
	ctx := context.Background()

	_, err := f.Remove(ctx, "f1")
	expectError(t, err, ErrorNotFound, "feedback_not_found")

	_, err = f.Submit(ctx, feedbackInput("f1", "nice bot"))
	require.NoError(t, err)
	task, err := f.Remove(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, task.Delay)
	require.Empty(t, store.Read().Feedback)
	require.Empty(t, store.Read().ButtonMessages)

	require.Len(t, fa.calls, 1)
	require.Empty(t, cleaner.deletedMessages)
	fa.calls[0].fire()
	require.Equal(t, []string{"f1"}, cleaner.deletedMessages)
	require.Equal(t, "fb", cleaner.lastMsgChannelID)
}

func TestFeedback_Top(t *testing.T) {
	f, _, _, store := newTestFeedback(t, &fakeCounter{}, 0)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := f.Submit(ctx, feedbackInput(id, "idea "+id))
		require.NoError(t, err)
	}
	require.NoError(t, store.Mutate(func(d *domain.BotData) error {
		require.NoError(t, d.SetFeedbackVotes("a", 3, 0))
		require.NoError(t, d.SetFeedbackVotes("b", 0, 1))
		return nil
	}))

	top := f.Top(2)
	require.Len(t, top, 2)
	require.Equal(t, "a", top[0].MessageID)
	require.Equal(t, "c", top[1].MessageID)
}

// ---- Tickets ----

const testOwnerID = "owner"

func newTestTickets(t *testing.T) (*Tickets, *fakeCleaner, *fakeAfter, Store) {
	t.Helper()
	store := newTestStore(t)
	cleaner := &fakeCleaner{}
	deferred, fa := newTestDeferred(t)
	tk, err := NewTickets(store, cleaner, deferred, Delays{
		Ticket:     3 * time.Second,
		Commission: 10 * time.Second,
	}, testOwnerID, WithClock(newTestClock().Now))
	require.NoError(t, err)
	return tk, cleaner, fa, store
}

func openInput(kind domain.RecordKind, channelID, creator string) OpenTicketInput {
	return OpenTicketInput{
		Kind: kind, MessageID: "ctl-" + channelID, ChannelID: channelID,
		CreatorID: creator, CreatorName: "Ana", TicketType: "support", OriginalChannel: "lobby",
	}
}

func TestTickets_Open(t *testing.T) {
	tk, _, _, store := newTestTickets(t)
	ctx := context.Background()

	rec, err := tk.Open(ctx, openInput(domain.KindTicket, "t1", "u1"))
	require.NoError(t, err)
	require.Equal(t, "u1", rec.Metadata[domain.MetaCreatorID])
	require.Equal(t, "support", rec.Metadata[domain.MetaTicketType])
	require.Equal(t, "lobby", rec.Metadata[domain.MetaOriginalChannel])
	require.True(t, store.Read().HasTicketCreator("t1", "u1"))

	_, err = tk.Open(ctx, openInput(domain.KindTicket, "t2", "u1"))
	expectError(t, err, ErrorInvalidInput, "already_open")

	_, err = tk.Open(ctx, openInput(domain.KindCommission, "k1", "u1"))
	require.NoError(t, err)
	require.Len(t, tk.ActiveFor("u1"), 2)

	_, err = tk.Open(ctx, openInput(domain.KindFeedback, "x", "u2"))
	expectError(t, err, ErrorInvalidInput, "kind_not_ticket_like")
}

func TestTickets_Panel(t *testing.T) {
	cases := []struct {
		name    string
		in      PanelInput
		want    domain.ActionType
		wantErr string
	}{
		{name: "ticket panel", in: PanelInput{Kind: domain.KindTicket, MessageID: "p1", ChannelID: "lobby", SetupBy: testOwnerID}, want: domain.ActionCreateTicket},
		{name: "commission panel", in: PanelInput{Kind: domain.KindCommission, MessageID: "p2", ChannelID: "shop", SetupBy: testOwnerID}, want: domain.ActionCreateCommission},
		{name: "feedback kind", in: PanelInput{Kind: domain.KindFeedback, MessageID: "p3", ChannelID: "lobby", SetupBy: testOwnerID}, wantErr: "kind_not_ticket_like"},
		{name: "no channel", in: PanelInput{Kind: domain.KindTicket, MessageID: "p4", SetupBy: testOwnerID}, wantErr: "missing_identity"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tk, _, _, store := newTestTickets(t)
			rec, err := tk.Panel(context.Background(), tc.in)
			if tc.wantErr != "" {
				expectError(t, err, ErrorInvalidInput, tc.wantErr)
				require.Empty(t, store.Read().ButtonMessages)
				return
			}
			require.NoError(t, err)
			require.Equal(t, domain.KindGeneral, rec.Kind)

			action, err := tk.Resolve(tc.in.MessageID, CreateControlID)
			require.NoError(t, err)
			require.Equal(t, tc.want, action.Type)
			require.Equal(t, tc.in.ChannelID, action.ChannelID)

			// A panel is not a ticket channel and belongs to nobody's open tickets.
			require.False(t, store.Read().IsTicketChannel(tc.in.ChannelID))
			require.Empty(t, tk.ActiveFor(testOwnerID))
		})
	}
}

func TestTickets_Resolve(t *testing.T) {
	tk, _, _, _ := newTestTickets(t)
	_, err := tk.Open(context.Background(), openInput(domain.KindCommission, "k1", "u1"))
	require.NoError(t, err)

	action, err := tk.Resolve("ctl-k1", "close")
	require.NoError(t, err)
	require.Equal(t, domain.ActionCloseCommission, action.Type)
	require.Equal(t, "u1", action.UserID)

	_, err = tk.Resolve("ctl-k1", "reopen")
	expectError(t, err, ErrorNotFound, "control_not_found")
}

func TestTickets_Close(t *testing.T) {
	cases := []struct {
		name      string
		kind      domain.RecordKind
		closer    string
		wantDelay time.Duration
	}{
		{name: "creator closes ticket", kind: domain.KindTicket, closer: "u1", wantDelay: 3 * time.Second},
		{name: "owner closes commission", kind: domain.KindCommission, closer: testOwnerID, wantDelay: 10 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tk, cleaner, fa, store := newTestTickets(t)
			ctx := context.Background()
			_, err := tk.Open(ctx, openInput(tc.kind, "ch", "u1"))
			require.NoError(t, err)

			res, err := tk.Close(ctx, "ch", tc.closer)
			require.NoError(t, err)
			require.Equal(t, 1, res.Removed)
			require.Equal(t, tc.kind, res.Kind)
			require.Equal(t, tc.wantDelay, res.Task.Delay)
			require.False(t, store.Read().IsTicketChannel("ch"))

			require.Empty(t, cleaner.deletedChannels)
			fa.calls[0].fire()
			require.Equal(t, []string{"ch"}, cleaner.deletedChannels)
		})
	}
}

func TestTickets_CloseRejected(t *testing.T) {
	tk, _, fa, store := newTestTickets(t)
	ctx := context.Background()
	_, err := tk.Open(ctx, openInput(domain.KindTicket, "t1", "u1"))
	require.NoError(t, err)

	_, err = tk.Close(ctx, "t1", "u2")
	expectError(t, err, ErrorForbidden, "not_ticket_creator")
	_, err = tk.Close(ctx, "t1", "")
	expectError(t, err, ErrorForbidden, "not_ticket_creator")
	_, err = tk.Close(ctx, "general", "u1")
	expectError(t, err, ErrorNotFound, "not_a_ticket_channel")

	require.True(t, store.Read().IsTicketChannel("t1"))
	require.Empty(t, fa.calls)
}

func TestTickets_CancelledDeletionKeepsChannel(t *testing.T) {
	tk, cleaner, fa, _ := newTestTickets(t)
	ctx := context.Background()
	_, err := tk.Open(ctx, openInput(domain.KindTicket, "t1", "u1"))
	require.NoError(t, err)

	res, err := tk.Close(ctx, "t1", "u1")
	require.NoError(t, err)
	require.True(t, res.Task.Cancel())
	fa.calls[0].fire()
	require.Empty(t, cleaner.deletedChannels)
}

func TestTickets_ChannelDeleted(t *testing.T) {
	tk, _, _, _ := newTestTickets(t)
	_, err := tk.Open(context.Background(), openInput(domain.KindTicket, "t1", "u1"))
	require.NoError(t, err)

	n, err := tk.ChannelDeleted("t1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = tk.ChannelDeleted("t1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestNewServices_ValidateDependencies(t *testing.T) {
	store := newTestStore(t)
	deferred, _ := newTestDeferred(t)

	_, err := NewReminders(nil)
	require.Error(t, err)
	_, err = NewTickets(store, nil, deferred, Delays{}, "")
	require.ErrorContains(t, err, "cleaner")
	_, err = NewTickets(store, &fakeCleaner{}, nil, Delays{}, "")
	require.ErrorContains(t, err, "deferrer")
	_, err = NewFeedback(store, nil, &fakeCleaner{}, deferred, FeedbackConfig{})
	require.ErrorContains(t, err, "reaction counter")
	_, err = NewFeedback(store, &fakeCounter{}, &fakeCleaner{}, deferred, FeedbackConfig{})
	require.NoError(t, err)
}
