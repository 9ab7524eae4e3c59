package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// maxBackoffInterval only caps runaway configurations; with the default three
// attempts the delays never get near it.
const maxBackoffInterval = 5 * time.Minute

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.opts.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxBackoffInterval,
	}
	b.Reset()
	return b
}

// retry runs fn up to MaxAttempts times. Between attempts it waits
// BaseDelay*2^(attempt-1) as long as retryable accepts the error. Each
// attempt gets a fresh context from fn's caller; only cancellation of ctx
// itself stops the loop early.
func (c *Client) retry(ctx context.Context, op string, retryable func(error) bool, fn func(context.Context) error) error {
	b := c.newBackOff()
	var err error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		c.metrics.attempt(ctx, op)
		if err = fn(ctx); err == nil {
			return nil
		}
		c.debug.Addf("%s attempt %d/%d failed: %v", op, attempt, c.opts.MaxAttempts, err)
		if ctx.Err() != nil || !retryable(err) || attempt == c.opts.MaxAttempts {
			break
		}
		delay := b.NextBackOff()
		c.debug.Addf("retrying %s in %s", op, delay)
		if serr := c.sleep(ctx, delay); serr != nil {
			break
		}
	}
	return err
}
