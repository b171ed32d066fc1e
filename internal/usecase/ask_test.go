package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"assistant-memory/internal/domain"
	"assistant-memory/internal/recovery"
	"assistant-memory/internal/state"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// testClock advances one second per reading so stored timestamps are distinct.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock { return &testClock{t: t0} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore(t *testing.T) *state.Manager {
	t.Helper()
	m, err := state.New(t.TempDir(), "")
	require.NoError(t, err)
	return m
}

const parsedReply = `{"content":"Hi there","color":"#112233","thumbnail":"happy"}`

type fakeGenerator struct {
	mu      sync.Mutex
	handle  func(prompt string) (string, error)
	prompts []string
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.handle == nil {
		return parsedReply, nil
	}
	return f.handle(prompt)
}

func (f *fakeGenerator) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

type fakeResponder struct {
	err         error
	sent        []recovery.Result
	lastChannel string
}

func (f *fakeResponder) Send(_ context.Context, channelID string, reply recovery.Result) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, reply)
	f.lastChannel = channelID
	return fmt.Sprintf("reply-%d", len(f.sent)), nil
}

type statusErr struct{ code int }

func (e statusErr) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e statusErr) HTTPStatusCode() int { return e.code }

func isSummaryPrompt(p string) bool { return strings.Contains(p, "Current Summary:") }

func newTestAssistant(t *testing.T, store Store, gen *fakeGenerator, resp *fakeResponder) *Assistant {
	t.Helper()
	a, err := NewAssistant(store, gen, resp, nil, Persona{Name: "Lorian", Description: "Witty and precise."},
		WithClock(newTestClock().Now))
	require.NoError(t, err)
	return a
}

func expectError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	require.Error(t, err)
	var ue *Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, code, ue.Code)
	require.Equal(t, reason, ue.Reason)
}

func input(content string) MessageInput {
	return MessageInput{UserID: "u1", UserName: "Ana", ChannelID: "c1", MessageID: "m1", Content: content}
}

// ---- construction ----

func TestNewAssistant_ValidatesDependencies(t *testing.T) {
	store := newTestStore(t)
	_, err := NewAssistant(nil, &fakeGenerator{}, &fakeResponder{}, nil, Persona{})
	require.ErrorContains(t, err, "store")
	_, err = NewAssistant(store, nil, &fakeResponder{}, nil, Persona{})
	require.ErrorContains(t, err, "text generator")
	_, err = NewAssistant(store, &fakeGenerator{}, nil, nil, Persona{})
	require.ErrorContains(t, err, "responder")
}

// ---- HandleMessage ----

func TestHandleMessage_HappyPath(t *testing.T) {
	store := newTestStore(t)
	gen := &fakeGenerator{}
	resp := &fakeResponder{}
	a := newTestAssistant(t, store, gen, resp)

	out, err := a.HandleMessage(context.Background(), input("  hello there  "))
	require.NoError(t, err)
	require.Equal(t, recovery.OutcomeParsed, out.Reply.Outcome)
	require.Equal(t, "Hi there", out.Reply.Content)
	require.Equal(t, "reply-1", out.ReplyMessageID)
	require.False(t, out.SummaryUpdated)
	require.Equal(t, "c1", resp.lastChannel)

	prompt := gen.lastPrompt()
	require.Contains(t, prompt, "You are Lorian")
	require.Contains(t, prompt, "Witty and precise.")
	require.Contains(t, prompt, "Current User:\nAna")
	require.Contains(t, prompt, "Current Message:\nhello there")
	require.Contains(t, prompt, "thumbs_up")
	require.NotContains(t, prompt, "Recent Conversation:")

	conv, err := a.Conversation("u1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	require.Equal(t, domain.RoleUser, conv.Messages[0].Role)
	require.Equal(t, "hello there", conv.Messages[0].Content)
	require.Equal(t, "m1", conv.Messages[0].MessageID)
	require.Equal(t, domain.RoleAssistant, conv.Messages[1].Role)
	require.Equal(t, "reply-1", conv.Messages[1].MessageID)
	require.Equal(t, 1, conv.MessagesSinceSummary)
}

func TestHandleMessage_PromptCarriesHistory(t *testing.T) {
	store := newTestStore(t)
	gen := &fakeGenerator{}
	a := newTestAssistant(t, store, gen, &fakeResponder{})

	_, err := a.HandleMessage(context.Background(), input("first question"))
	require.NoError(t, err)
	_, err = a.HandleMessage(context.Background(), input("second question"))
	require.NoError(t, err)

	prompt := gen.lastPrompt()
	require.Contains(t, prompt, "Recent Conversation:\nAna: first question\nLorian: Hi there")
	require.Contains(t, prompt, "Current Message:\nsecond question")
}

func TestHandleMessage_WindowStaysBounded(t *testing.T) {
	store := newTestStore(t)
	a := newTestAssistant(t, store, &fakeGenerator{}, &fakeResponder{})

	for i := 0; i < 12; i++ {
		_, err := a.HandleMessage(context.Background(), input(fmt.Sprintf("question %d", i)))
		require.NoError(t, err)
	}
	conv, err := a.Conversation("u1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, domain.MaxContextMessages)
	require.Equal(t, "Hi there", conv.Messages[len(conv.Messages)-1].Content)
	require.Equal(t, 12, conv.MessagesSinceSummary)
}

func TestHandleMessage_ValidationErrors(t *testing.T) {
	a := newTestAssistant(t, newTestStore(t), &fakeGenerator{}, &fakeResponder{})

	_, err := a.HandleMessage(context.Background(), input("   "))
	expectError(t, err, ErrorInvalidInput, "empty_message")

	_, err = a.HandleMessage(context.Background(), input(strings.Repeat("x", defaultMaxMessageLen+1)))
	expectError(t, err, ErrorInvalidInput, "message_too_long")

	in := input("hi")
	in.ChannelID = ""
	_, err = a.HandleMessage(context.Background(), in)
	expectError(t, err, ErrorInvalidInput, "missing_identity")
}

func TestHandleMessage_GeneratorErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		code   ErrorCode
		reason string
	}{
		{name: "rate limited", err: statusErr{code: 429}, code: ErrorRateLimited, reason: "generator_rate_limited"},
		{name: "other status", err: statusErr{code: 500}, code: ErrorUpstream, reason: "generator_error"},
		{name: "plain", err: errors.New("boom"), code: ErrorUpstream, reason: "generator_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newTestStore(t)
			gen := &fakeGenerator{handle: func(string) (string, error) { return "", tc.err }}
			resp := &fakeResponder{}
			a := newTestAssistant(t, store, gen, resp)

			_, err := a.HandleMessage(context.Background(), input("hello"))
			expectError(t, err, tc.code, tc.reason)
			require.Empty(t, resp.sent)

			conv, err := a.Conversation("u1")
			require.NoError(t, err)
			require.Len(t, conv.Messages, 1)
			require.Zero(t, conv.MessagesSinceSummary)
		})
	}
}

func TestHandleMessage_DeliveryError(t *testing.T) {
	a := newTestAssistant(t, newTestStore(t), &fakeGenerator{}, &fakeResponder{err: errors.New("missing access")})
	_, err := a.HandleMessage(context.Background(), input("hello"))
	expectError(t, err, ErrorUpstream, "delivery_error")

	conv, err := a.Conversation("u1")
	require.NoError(t, err)
	require.Zero(t, conv.MessagesSinceSummary)
}

func TestHandleMessage_RecoversMalformedReply(t *testing.T) {
	gen := &fakeGenerator{handle: func(string) (string, error) {
		return "Sure! ```json\n{\"content\":\"Line one\nLine two\",\"color\":\"#abcdef\"}\n```", nil
	}}
	resp := &fakeResponder{}
	a := newTestAssistant(t, newTestStore(t), gen, resp)

	out, err := a.HandleMessage(context.Background(), input("hello"))
	require.NoError(t, err)
	require.Equal(t, recovery.OutcomePartialRecovered, out.Reply.Outcome)
	require.Equal(t, "Line one\nLine two", out.Reply.Content)
	require.Equal(t, "#abcdef", out.Reply.Color)
}

func TestHandleMessage_FallbackStoresRawText(t *testing.T) {
	gen := &fakeGenerator{handle: func(string) (string, error) { return "Hola, un placer ayudarte", nil }}
	a := newTestAssistant(t, newTestStore(t), gen, &fakeResponder{})

	out, err := a.HandleMessage(context.Background(), input("hola"))
	require.NoError(t, err)
	require.Equal(t, recovery.OutcomeFallback, out.Reply.Outcome)

	conv, err := a.Conversation("u1")
	require.NoError(t, err)
	require.Equal(t, "Hola, un placer ayudarte", conv.Messages[1].Content)
}

// ---- summary analysis ----

func summaryGenerator(answer string, err error) *fakeGenerator {
	return &fakeGenerator{handle: func(p string) (string, error) {
		if isSummaryPrompt(p) {
			return answer, err
		}
		return parsedReply, nil
	}}
}

func runTurns(t *testing.T, a *Assistant, n int) []MessageOutput {
	t.Helper()
	outs := make([]MessageOutput, 0, n)
	for i := 0; i < n; i++ {
		out, err := a.HandleMessage(context.Background(), input(fmt.Sprintf("turn %d", i)))
		require.NoError(t, err)
		outs = append(outs, out)
	}
	return outs
}

func TestSummary_TriggeredOnTwentiethTurn(t *testing.T) {
	gen := summaryGenerator(`{"update_summary": true, "content": "Ana studies Go."}`, nil)
	a := newTestAssistant(t, newTestStore(t), gen, &fakeResponder{})

	outs := runTurns(t, a, domain.SummaryTriggerThreshold)
	for i, out := range outs[:len(outs)-1] {
		require.False(t, out.SummaryUpdated, "turn %d", i)
	}
	require.True(t, outs[len(outs)-1].SummaryUpdated)

	summaryPrompts := 0
	for _, p := range gen.prompts {
		if isSummaryPrompt(p) {
			summaryPrompts++
			require.Contains(t, p, "No summary exists yet.")
			require.Contains(t, p, "Ana: turn 19")
		}
	}
	require.Equal(t, 1, summaryPrompts)

	conv, err := a.Conversation("u1")
	require.NoError(t, err)
	require.Equal(t, "Ana studies Go.", conv.Summary)
	require.Zero(t, conv.MessagesSinceSummary)

	_, err = a.HandleMessage(context.Background(), input("next"))
	require.NoError(t, err)
	require.Contains(t, gen.lastPrompt(), "User Summary:\nAna studies Go.")
}

func TestSummary_NoUpdateCases(t *testing.T) {
	cases := []struct {
		name   string
		answer string
		err    error
	}{
		{name: "declined", answer: `{"update_summary": false}`},
		{name: "unparseable", answer: "I think the summary is fine."},
		{name: "update without content", answer: `{"update_summary": true, "content": "  "}`},
		{name: "generator error", err: errors.New("quota")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAssistant(t, newTestStore(t), summaryGenerator(tc.answer, tc.err), &fakeResponder{})
			outs := runTurns(t, a, domain.SummaryTriggerThreshold)
			require.False(t, outs[len(outs)-1].SummaryUpdated)

			conv, err := a.Conversation("u1")
			require.NoError(t, err)
			require.False(t, conv.HasSummary())
			require.Zero(t, conv.MessagesSinceSummary)
		})
	}
}

func TestParseSummaryDecision(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		want   summaryDecision
		wantOK bool
	}{
		{name: "direct", raw: `{"update_summary":true,"content":" Likes chess "}`, want: summaryDecision{UpdateSummary: true, Content: "Likes chess"}, wantOK: true},
		{name: "no update", raw: `{"update_summary":false}`, want: summaryDecision{}, wantOK: true},
		{name: "embedded", raw: "Here you go:\n```json\n{\"update_summary\":true,\"content\":\"Student\"}\n```", want: summaryDecision{UpdateSummary: true, Content: "Student"}, wantOK: true},
		{name: "two objects", raw: `{"update_summary":false} {"update_summary":true}`},
		{name: "no object", raw: "nothing to see"},
		{name: "wrong type", raw: `{"update_summary":"yes"}`},
		{name: "empty content", raw: `{"update_summary":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseSummaryDecision(tc.raw)
			require.Equal(t, tc.wantOK, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

// ---- conversation admin ----

func TestConversation_NotFoundAndReset(t *testing.T) {
	a := newTestAssistant(t, newTestStore(t), &fakeGenerator{}, &fakeResponder{})

	_, err := a.Conversation("u1")
	expectError(t, err, ErrorNotFound, "conversation_not_found")
	expectError(t, a.ResetConversation("u1"), ErrorNotFound, "conversation_not_found")

	_, err = a.HandleMessage(context.Background(), input("hello"))
	require.NoError(t, err)
	require.NoError(t, a.ResetConversation("u1"))
	_, err = a.Conversation("u1")
	require.Error(t, err)
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, ErrorForbidden, CodeOf(fmt.Errorf("wrapped: %w", newError(ErrorForbidden, "x", nil))))
	require.Equal(t, ErrorInternal, CodeOf(errors.New("plain")))
}
