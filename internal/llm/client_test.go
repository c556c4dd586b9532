package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProvider struct {
	name string

	mu      sync.Mutex
	replies []any // string or error
	seen    []Request
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Generate(ctx context.Context, req Request) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, req)
	if len(p.replies) == 0 {
		return Response{}, errors.New("script exhausted")
	}
	next := p.replies[0]
	p.replies = p.replies[1:]
	if err, ok := next.(error); ok {
		return Response{}, err
	}
	return Response{Text: next.(string), Model: req.Model, Provider: p.name}, nil
}

func fastInvoker(t *testing.T, name string) *Invoker {
	t.Helper()
	inv := NewInvoker(name,
		WithMinInterval(0),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
	)
	t.Cleanup(inv.Close)
	return inv
}

func TestGenerateJSON_RetriesMalformedReply(t *testing.T) {
	p := &scriptedProvider{name: "gemini", replies: []any{
		"Sorry, here you go: {not json",
		"```json\n{\"score\": 18, \"max_score\": 20, \"feedback\": \"Good\"}\n```",
	}}
	c := NewClient(nil)
	c.Register(p, fastInvoker(t, "gemini"), "gemini-")

	type grade struct {
		Score    float64 `json:"score"`
		Feedback string  `json:"feedback"`
	}
	got, err := GenerateJSON[grade](context.Background(), c, Request{Model: "gemini-2.5-pro", Prompt: "grade it"}, GradeSchema)
	require.NoError(t, err)
	assert.Equal(t, grade{Score: 18, Feedback: "Good"}, got)

	require.Len(t, p.seen, 2)
	assert.True(t, p.seen[0].JSON)
	assert.Contains(t, p.seen[0].Prompt, "JSON Schema")
}

func TestGenerateJSON_UnsupportedModelIsTerminal(t *testing.T) {
	c := NewClient(nil)
	_, err := GenerateJSON[map[string]any](context.Background(), c, Request{Model: "claude-x"}, GradeSchema)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedModel)
	assert.Equal(t, Terminal, Classify(err))
}

func TestClient_RoutesByLongestPrefix(t *testing.T) {
	openai := &scriptedProvider{name: "openai", replies: []any{"from openai"}}
	deepseek := &scriptedProvider{name: "deepseek", replies: []any{"from deepseek"}}
	c := NewClient(nil)
	c.Register(openai, fastInvoker(t, "openai"), "gpt-", "o")
	c.Register(deepseek, fastInvoker(t, "deepseek"), "deepseek-")

	assert.True(t, c.Supports("GPT-4o"))
	assert.True(t, c.Supports("o3-mini"))
	assert.True(t, c.Supports("deepseek-chat"))
	assert.False(t, c.Supports("gemini-2.5-pro"))

	resp, err := c.Generate(context.Background(), Request{Model: "deepseek-chat"})
	require.NoError(t, err)
	assert.Equal(t, "from deepseek", resp.Text)

	resp, err = c.Generate(context.Background(), Request{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "from openai", resp.Text)
}
