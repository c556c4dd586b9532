package openai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/joseph-ayodele/assignment-grader/internal/llm"
)

// Generate implements llm.Provider using chat/completions. Images go as
// image_url parts, PDFs as file parts and text documents inline.
func (c *Client) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	start := time.Now()

	parts := []map[string]any{{"type": "text", "text": req.Prompt}}
	for _, a := range req.Attachments {
		switch {
		case a.IsText():
			parts = append(parts, map[string]any{"type": "text", "text": "Attached document " + a.Name + ":\n" + string(a.Data)})
		case strings.HasPrefix(a.MimeType, "image/"):
			parts = append(parts, map[string]any{"type": "image_url", "image_url": map[string]any{"url": a.DataURL()}})
		default:
			parts = append(parts, map[string]any{"type": "file", "file": map[string]any{"filename": a.Name, "file_data": a.DataURL()}})
		}
	}

	messages := make([]map[string]any, 0, 2)
	if req.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]any{"role": "user", "content": parts})

	body := map[string]any{
		"model":       req.Model,
		"temperature": req.Temperature,
		"messages":    messages,
	}
	if req.JSON {
		body["response_format"] = map[string]any{"type": "json_object"}
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
	raw, err := llm.SendJSON(ctx, c.http, c.cfg.Name, endpoint, body, headers, c.logger)
	if err != nil {
		var me *llm.ModelError
		if errors.As(err, &me) && me.StatusCode != 0 {
			if msg := errorMessage(raw); msg != "" {
				me.Err = errors.New(msg)
			}
		}
		c.logger.Error("llm.openai.http_error", "model", req.Model, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return llm.Response{}, err
	}

	var cc struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return llm.Response{}, llm.NewMalformed(c.cfg.Name, err)
	}
	if len(cc.Choices) == 0 || strings.TrimSpace(cc.Choices[0].Message.Content) == "" {
		return llm.Response{}, llm.NewMalformed(c.cfg.Name, errors.New("no content in chat completion"))
	}

	c.logger.Info("llm.openai.ok",
		"model", req.Model,
		"finish_reason", cc.Choices[0].FinishReason,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	model := cc.Model
	if model == "" {
		model = req.Model
	}
	return llm.Response{Text: cc.Choices[0].Message.Content, Model: model, Provider: c.cfg.Name}, nil
}

func errorMessage(raw []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &e) != nil {
		return ""
	}
	return e.Error.Message
}
