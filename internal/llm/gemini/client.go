// Package gemini calls the Gemini generateContent REST endpoint.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joseph-ayodele/assignment-grader/internal/llm"
)

const retryInfoType = "type.googleapis.com/google.rpc.RetryInfo"

type Config struct {
	APIKey  string
	BaseURL string // default https://generativelanguage.googleapis.com/v1beta
	Timeout time.Duration
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, logger: logger.With("provider", "gemini")}
}

func (c *Client) Name() string { return "gemini" }

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

// Generate implements llm.Provider. Every attachment travels as inline data.
func (c *Client) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	start := time.Now()

	parts := []part{{Text: req.Prompt}}
	for _, a := range req.Attachments {
		parts = append(parts, part{InlineData: &inlineData{MimeType: a.MimeType, Data: a.Base64()}})
	}
	genCfg := map[string]any{"temperature": req.Temperature}
	if req.JSON {
		genCfg["responseMimeType"] = "application/json"
	}
	body := map[string]any{
		"contents":         []content{{Role: "user", Parts: parts}},
		"generationConfig": genCfg,
	}
	if req.System != "" {
		body["systemInstruction"] = content{Parts: []part{{Text: req.System}}}
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/models/" + req.Model + ":generateContent"
	raw, err := llm.SendJSON(ctx, c.http, c.Name(), endpoint, body, map[string]string{"x-goog-api-key": c.cfg.APIKey}, c.logger)
	if err != nil {
		enrichError(err, raw)
		c.logger.Error("llm.gemini.http_error", "model", req.Model, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return llm.Response{}, err
	}

	var gr struct {
		Candidates []struct {
			Content      content `json:"content"`
			FinishReason string  `json:"finishReason"`
		} `json:"candidates"`
		PromptFeedback struct {
			BlockReason string `json:"blockReason"`
		} `json:"promptFeedback"`
		ModelVersion string `json:"modelVersion"`
	}
	if err := json.Unmarshal(raw, &gr); err != nil {
		return llm.Response{}, llm.NewMalformed(c.Name(), err)
	}
	if gr.PromptFeedback.BlockReason != "" {
		return llm.Response{}, llm.NewTerminal(c.Name(), errors.New("prompt blocked: "+gr.PromptFeedback.BlockReason))
	}
	if len(gr.Candidates) == 0 {
		return llm.Response{}, llm.NewMalformed(c.Name(), errors.New("no candidates in response"))
	}

	var text strings.Builder
	for _, p := range gr.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	if strings.TrimSpace(text.String()) == "" {
		return llm.Response{}, llm.NewMalformed(c.Name(), errors.New("empty candidate, finish reason "+gr.Candidates[0].FinishReason))
	}

	c.logger.Info("llm.gemini.ok",
		"model", req.Model,
		"finish_reason", gr.Candidates[0].FinishReason,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	model := gr.ModelVersion
	if model == "" {
		model = req.Model
	}
	return llm.Response{Text: text.String(), Model: model, Provider: c.Name()}, nil
}

// enrichError copies the API message and any RetryInfo delay from an error body onto err.
func enrichError(err error, raw []byte) {
	var me *llm.ModelError
	if !errors.As(err, &me) || len(raw) == 0 {
		return
	}
	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
			Details []struct {
				Type       string `json:"@type"`
				RetryDelay string `json:"retryDelay"`
			} `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return
	}
	if body.Error.Message != "" {
		me.Err = errors.New(body.Error.Status + ": " + body.Error.Message)
	}
	if body.Error.Status == "RESOURCE_EXHAUSTED" {
		me.Kind = llm.RateLimited
	}
	for _, d := range body.Error.Details {
		if d.Type == retryInfoType {
			if delay := llm.ParseRetryDelay(d.RetryDelay, time.Now()); delay > me.RetryAfter {
				me.RetryAfter = delay
			}
		}
	}
}
