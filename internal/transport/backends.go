package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bestZwei/AIBC/internal/segment"
)

// Backend produces audio for one chunk of text.
type Backend interface {
	Name() string
	Synthesize(ctx context.Context, req SpeechRequest) (*segment.AudioUnit, error)
}

// remoteBackend posts to the speech service with network-only retries.
type remoteBackend struct {
	client *Client
}

func (b *remoteBackend) Name() string { return "remote" }

func (b *remoteBackend) Synthesize(ctx context.Context, req SpeechRequest) (*segment.AudioUnit, error) {
	c := b.client
	if c.opts.SpeechURL == "" {
		return nil, &ConfigError{Field: "speech_url"}
	}
	var unit *segment.AudioUnit
	err := c.retry(ctx, "speech", speechRetryable, func(ctx context.Context) error {
		out, err := b.post(ctx, req)
		if err != nil {
			return err
		}
		unit = out
		return nil
	})
	if err != nil {
		c.metrics.failure(ctx, "speech", classify(err))
		return nil, err
	}
	return unit, nil
}

func (b *remoteBackend) post(ctx context.Context, payload SpeechRequest) (*segment.AudioUnit, error) {
	c := b.client
	ctx, cancel := context.WithTimeout(ctx, c.opts.SpeechTimeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal speech request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.SpeechURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create speech request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newStatusError(resp.StatusCode, errorDetail(resp.Header.Get("Content-Type"), data))
	}
	if len(data) == 0 {
		return nil, &TransportError{Kind: KindDecode, Status: resp.StatusCode, Message: "speech service returned no audio"}
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "audio/mpeg"
	}
	return &segment.AudioUnit{Data: data, MIME: mime, Backend: b.Name()}, nil
}

// silentBackend never fails; its units play as silence.
type silentBackend struct{}

func (silentBackend) Name() string { return "silent" }

func (silentBackend) Synthesize(_ context.Context, req SpeechRequest) (*segment.AudioUnit, error) {
	return segment.Placeholder(req.Text), nil
}
