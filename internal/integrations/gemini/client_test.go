package gemini

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeModels struct {
	resp      *genai.GenerateContentResponse
	err       error
	calls     int
	lastModel string
	lastText  string
	lastCfg   *genai.GenerateContentConfig
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.calls++
	f.lastModel = model
	f.lastCfg = cfg
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.lastText = contents[0].Parts[0].Text
	}
	return f.resp, f.err
}

func textResponse(parts ...string) *genai.GenerateContentResponse {
	content := &genai.Content{Role: "model"}
	for _, p := range parts {
		content.Parts = append(content.Parts, &genai.Part{Text: p})
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: content}}}
}

type fakeTokens struct {
	token    string
	err      error
	lastName string
}

func (f *fakeTokens) GetToken(_ context.Context, name string) (string, error) {
	f.lastName = name
	return f.token, f.err
}

func TestGenerate_HappyPath(t *testing.T) {
	fake := &fakeModels{resp: textResponse(`{"content":`, `"hi"}`)}
	c, err := NewClient(StaticKey("k"), withGenerator(fake), WithModel("gemini-test"), WithTemperature(0.4), WithRequestsPerMinute(600))
	require.NoError(t, err)

	out, err := c.Generate(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, `{"content":"hi"}`, out)
	require.Equal(t, "gemini-test", fake.lastModel)
	require.Equal(t, "hello", fake.lastText)
	require.Equal(t, "application/json", fake.lastCfg.ResponseMIMEType)
	require.NotNil(t, fake.lastCfg.Temperature)
	require.InDelta(t, 0.4, *fake.lastCfg.Temperature, 1e-6)
}

func TestGenerate_Errors(t *testing.T) {
	cases := []struct {
		name       string
		fake       *fakeModels
		wantStatus int
		wantMsg    string
	}{
		{name: "rate limited", fake: &fakeModels{err: errors.New("Error 429, RESOURCE_EXHAUSTED")}, wantStatus: 429},
		{name: "missing model", fake: &fakeModels{err: errors.New("model not found")}, wantStatus: 404},
		{name: "other", fake: &fakeModels{err: errors.New("boom")}, wantMsg: "boom"},
		{name: "no candidates", fake: &fakeModels{resp: &genai.GenerateContentResponse{}}, wantMsg: "empty response"},
		{name: "nil content", fake: &fakeModels{resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{}}}}, wantMsg: "empty response"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewClient(StaticKey("k"), withGenerator(tc.fake))
			require.NoError(t, err)

			_, err = c.Generate(context.Background(), "hello")
			require.Error(t, err)
			if tc.wantStatus != 0 {
				var se *StatusError
				require.ErrorAs(t, err, &se)
				require.Equal(t, tc.wantStatus, se.HTTPStatusCode())
				return
			}
			require.ErrorContains(t, err, tc.wantMsg)
		})
	}
}

func TestGenerate_RejectsEmptyPrompt(t *testing.T) {
	fake := &fakeModels{resp: textResponse("x")}
	c, err := NewClient(StaticKey("k"), withGenerator(fake))
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "   ")
	require.Error(t, err)
	require.Zero(t, fake.calls)
}

func TestGenerate_CancelledWhileRateLimited(t *testing.T) {
	fake := &fakeModels{resp: textResponse("x")}
	c, err := NewClient(StaticKey("k"), withGenerator(fake), WithRequestsPerMinute(1))
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Generate(ctx, "second")
	require.ErrorContains(t, err, "rate limiter")
	require.Equal(t, 1, fake.calls)
}

func TestKeySources(t *testing.T) {
	_, err := StaticKey(" ").APIKey(context.Background())
	require.Error(t, err)

	tokens := &fakeTokens{token: "secret"}
	key, err := ParamStoreKey{Getter: tokens, Name: "/bot/gemini-token"}.APIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "secret", key)
	require.Equal(t, "/bot/gemini-token", tokens.lastName)

	_, err = ParamStoreKey{Getter: &fakeTokens{err: errors.New("denied")}}.APIKey(context.Background())
	require.ErrorContains(t, err, "denied")

	_, err = ParamStoreKey{}.APIKey(context.Background())
	require.Error(t, err)
}

func TestGenerate_KeyErrorIsSticky(t *testing.T) {
	c, err := NewClient(ParamStoreKey{Getter: &fakeTokens{err: errors.New("denied")}, Name: "p"})
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "hello")
	require.ErrorContains(t, err, "denied")
	_, err = c.Generate(context.Background(), "hello")
	require.ErrorContains(t, err, "denied")
}

func TestNewClient_NilKeySource(t *testing.T) {
	_, err := NewClient(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}
