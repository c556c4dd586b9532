package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/assignment-grader/internal/llm"
)

func TestGenerate_SendsPartsAndParsesReply(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"gpt-4o-2024","choices":[{"message":{"content":"{\"score\": 9}"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, nil)
	resp, err := c.Generate(context.Background(), llm.Request{
		Model:  "gpt-4o",
		System: "be strict",
		Prompt: "grade",
		JSON:   true,
		Attachments: []llm.Attachment{
			{Name: "notes.txt", MimeType: "text/plain", Data: []byte("hello")},
			{Name: "chart.png", MimeType: "image/png", Data: []byte{0x89, 0x50}},
			{Name: "essay.pdf", MimeType: "application/pdf", Data: []byte("%PDF")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"score": 9}`, resp.Text)
	assert.Equal(t, "gpt-4o-2024", resp.Model)
	assert.Equal(t, "openai", resp.Provider)

	assert.Equal(t, map[string]any{"type": "json_object"}, got["response_format"])
	messages := got["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])

	parts := messages[1].(map[string]any)["content"].([]any)
	require.Len(t, parts, 4)
	assert.Equal(t, "text", parts[1].(map[string]any)["type"])
	assert.Contains(t, parts[1].(map[string]any)["text"], "hello")
	assert.Equal(t, "image_url", parts[2].(map[string]any)["type"])
	assert.Equal(t, "file", parts[3].(map[string]any)["type"])
}

func TestGenerate_RateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "20")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached for requests"}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{Name: "deepseek", APIKey: "k", BaseURL: srv.URL}, nil)
	_, err := c.Generate(context.Background(), llm.Request{Model: "deepseek-chat", Prompt: "x"})
	require.Error(t, err)

	var me *llm.ModelError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, llm.RateLimited, me.Kind)
	assert.Equal(t, "deepseek", me.Provider)
	assert.Equal(t, 20*time.Second, me.RetryAfter)
	assert.Contains(t, me.Error(), "Rate limit reached")
}

func TestGenerate_BadRequestIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"unsupported file type"}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	_, err := c.Generate(context.Background(), llm.Request{Model: "gpt-4o"})
	assert.Equal(t, llm.Terminal, llm.Classify(err))
}

func TestGenerate_EmptyChoicesIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	_, err := c.Generate(context.Background(), llm.Request{Model: "gpt-4o"})
	assert.ErrorIs(t, err, llm.ErrMalformedResponse)
	assert.Equal(t, llm.Transient, llm.Classify(err))
}
