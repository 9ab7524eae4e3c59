package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// pingMessages is the minimal payload sent over the secondary transport.
var pingMessages = []Message{
	{Role: "system", Content: "You are a helpful assistant."},
	{Role: "user", Content: "Please respond with a short greeting."},
}

// SendChat sends messages to the chat service and returns the generated text.
//
// Retryable failures are retried with exponential backoff. When the service
// keeps answering with a server error, one degraded request (last two
// messages, no max_tokens) is tried, and finally a ping over an independent
// secondary client. If everything fails the error carries the original cause.
func (c *Client) SendChat(ctx context.Context, messages []Message) (string, error) {
	creds := c.creds.Credentials()
	if creds.Endpoint == "" {
		return "", &ConfigError{Field: "endpoint"}
	}
	if creds.APIKey == "" {
		return "", &ConfigError{Field: "api_key"}
	}

	ctx, span := c.metrics.tracer.Start(ctx, "transport.SendChat")
	defer span.End()
	span.SetAttributes(attribute.String("chat.model", creds.Model), attribute.Int("chat.messages", len(messages)))

	req := chatRequest{
		Model:       creds.Model,
		Messages:    messages,
		Temperature: c.opts.Temperature,
		MaxTokens:   c.opts.MaxTokens,
	}

	var text string
	err := c.retry(ctx, "chat", chatRetryable, func(ctx context.Context) error {
		out, err := c.postChat(ctx, c.http, creds, req, c.opts.ChatTimeout)
		if err != nil {
			return err
		}
		text = out
		return nil
	})
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	original := wrapRequestError(err)

	if isServerError(original) {
		c.metrics.fallback(ctx, "degraded")
		c.debug.Addf("server error persisted, retrying with a reduced request")
		degraded := chatRequest{
			Model:       creds.Model,
			Messages:    lastMessages(messages, 2),
			Temperature: c.opts.Temperature,
		}
		out, derr := c.postChat(ctx, c.http, creds, degraded, c.opts.DegradedTimeout)
		if derr == nil {
			return out, nil
		}
		c.debug.Addf("reduced request failed: %v", derr)
	}

	c.metrics.fallback(ctx, "secondary")
	c.debug.Addf("trying secondary transport")
	ping := chatRequest{Model: creds.Model, Messages: pingMessages, Temperature: 0.5}
	out, serr := c.postChat(ctx, c.secondary, creds, ping, c.opts.SecondaryTimeout)
	if serr == nil {
		return out, nil
	}
	c.debug.Addf("secondary transport failed: %v", serr)

	c.metrics.failure(ctx, "chat", original.Kind)
	span.RecordError(original)
	span.SetStatus(codes.Error, original.Message)
	c.logger.Warn("chat request failed", slog.String("kind", string(original.Kind)), slogError(original))
	return "", &TransportError{
		Kind:    original.Kind,
		Status:  original.Status,
		Message: "cannot reach chat service: " + original.Message,
		Err:     original,
	}
}

func (c *Client) postChat(ctx context.Context, client HTTPClient, creds Credentials, payload chatRequest, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)

	resp, err := client.Do(req)
	if err != nil {
		return "", wrapRequestError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", wrapRequestError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", newStatusError(resp.StatusCode, errorDetail(resp.Header.Get("Content-Type"), data))
	}
	return extractChatText(data), nil
}

// lastMessages keeps the trailing system/user messages, at most n.
func lastMessages(messages []Message, n int) []Message {
	var kept []Message
	for i := len(messages) - 1; i >= 0 && len(kept) < n; i-- {
		switch messages[i].Role {
		case "system", "user":
			kept = append([]Message{messages[i]}, kept...)
		}
	}
	return kept
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
