package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

type route struct {
	prefixes []string
	provider Provider
	invoker  *Invoker
}

// Client routes each request to the provider serving its model and runs it
// through that provider's Invoker.
type Client struct {
	logger *slog.Logger
	routes []route
}

func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{logger: logger}
}

// Register serves every model whose name starts with one of prefixes with p.
// Several providers may share one invoker when they share an account limit.
func (c *Client) Register(p Provider, inv *Invoker, prefixes ...string) {
	lower := make([]string, 0, len(prefixes))
	for _, pre := range prefixes {
		lower = append(lower, strings.ToLower(pre))
	}
	c.routes = append(c.routes, route{prefixes: lower, provider: p, invoker: inv})
	c.logger.Info("llm provider registered", "provider", p.Name(), "invoker", inv.Name(), "prefixes", prefixes)
}

func (c *Client) lookup(model string) (route, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	var best route
	bestLen := -1
	for _, r := range c.routes {
		for _, pre := range r.prefixes {
			if strings.HasPrefix(model, pre) && len(pre) > bestLen {
				best, bestLen = r, len(pre)
			}
		}
	}
	return best, bestLen >= 0
}

// Supports reports whether some registered provider serves model.
func (c *Client) Supports(model string) bool {
	_, ok := c.lookup(model)
	return ok
}

// Generate returns the provider's raw reply.
func (c *Client) Generate(ctx context.Context, req Request) (Response, error) {
	r, ok := c.lookup(req.Model)
	if !ok {
		return Response{}, NewTerminal("", fmt.Errorf("%w: %q", ErrUnsupportedModel, req.Model))
	}
	return InvokeWithPolicy(ctx, r.invoker, req.Model, func(ctx context.Context) (Response, error) {
		return r.provider.Generate(ctx, req)
	}, r.invoker.Policy())
}

// Close stops every invoker behind the client.
func (c *Client) Close() {
	seen := make(map[*Invoker]bool)
	for _, r := range c.routes {
		if !seen[r.invoker] {
			seen[r.invoker] = true
			r.invoker.Close()
		}
	}
}

// GenerateJSON asks for a reply in schema's shape. Parsing runs inside the
// rate-limited call so a reply that cannot be parsed is retried as a transient failure.
func GenerateJSON[T any](ctx context.Context, c *Client, req Request, schema *Schema) (T, error) {
	var zero T
	r, ok := c.lookup(req.Model)
	if !ok {
		return zero, NewTerminal("", fmt.Errorf("%w: %q", ErrUnsupportedModel, req.Model))
	}
	req.JSON = true
	req.Prompt = strings.TrimSpace(req.Prompt) + "\n\nReturn ONLY a JSON object matching this JSON Schema:\n" + mustJSON(schema.Document)

	logger := c.logger.With("model", req.Model, "schema", schema.Name)
	return InvokeWithPolicy(ctx, r.invoker, req.Model+"/"+schema.Name, func(ctx context.Context) (T, error) {
		resp, err := r.provider.Generate(ctx, req)
		if err != nil {
			return zero, err
		}
		var out T
		changed, err := schema.Parse(resp.Text, &out)
		if err != nil {
			logger.Warn("llm.parse_failed", "error", err, "bytes", len(resp.Text))
			return zero, NewMalformed(r.provider.Name(), err)
		}
		if len(changed) > 0 {
			logger.Debug("llm.normalized", "changes", changed)
		}
		return out, nil
	}, r.invoker.Policy())
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
