package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const maxErrorBody = 512

// SendJSON posts body as JSON to url and returns the raw response body.
// Non-2xx responses come back as a *ModelError classified by status code, with
// RetryAfter taken from the Retry-After header when present.
func SendJSON(ctx context.Context, client *http.Client, provider, url string, body any, headers map[string]string, logger *slog.Logger) ([]byte, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}

	reqID := uuid.New().String()
	start := time.Now()

	bs, err := json.Marshal(body)
	if err != nil {
		logger.Error("llm.http.encode_error", "req_id", reqID, "error", err)
		return nil, NewTerminal(provider, fmt.Errorf("encode json: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bs))
	if err != nil {
		logger.Error("llm.http.build_request_error", "req_id", reqID, "error", err)
		return nil, NewTerminal(provider, fmt.Errorf("build request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	logger.Debug("llm.http.request", "req_id", reqID, "provider", provider, "content_length", len(bs))

	resp, err := client.Do(req)
	if err != nil {
		logger.Error("llm.http.send_error", "req_id", reqID, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &ModelError{Kind: Transient, Provider: provider, Err: err}
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			logger.Warn("llm.http.response_body_close_error", "req_id", reqID, "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ModelError{Kind: Transient, Provider: provider, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	logger.Info("llm.http.response",
		"req_id", reqID,
		"provider", provider,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		return raw, &ModelError{
			Kind:       ClassifyStatus(resp.StatusCode),
			Provider:   provider,
			StatusCode: resp.StatusCode,
			RetryAfter: ParseRetryDelay(resp.Header.Get("Retry-After"), time.Now()),
			Err:        fmt.Errorf("non-2xx status: %s", truncate(raw, maxErrorBody)),
		}
	}
	return raw, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
