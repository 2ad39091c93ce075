// Package feed consumes domain events from message brokers and hands them to
// the rule engine. Delivery is at least once.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/liamcoop/gamification/engine"
	"github.com/liamcoop/gamification/internal/logger"
	"github.com/liamcoop/gamification/rules"
)

// Processor is the engine entry point a consumer feeds
type Processor interface {
	ProcessEvent(ctx context.Context, event rules.DomainEvent) (*engine.Report, error)
}

// RetryConfig bounds the exponential backoff applied to retryable engine
// errors. A zero MaxElapsedTime retries until the context ends.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig returns the retry policy used when none is configured
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsedTime:  2 * time.Minute,
	}
}

func (c RetryConfig) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		b.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		b.MaxInterval = c.MaxInterval
	}
	b.MaxElapsedTime = c.MaxElapsedTime
	return backoff.WithContext(b, ctx)
}

// Decode parses a JSON domain event. Unknown fields are ignored.
func Decode(data []byte) (rules.DomainEvent, error) {
	var event rules.DomainEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&event); err != nil {
		return rules.DomainEvent{}, fmt.Errorf("decode domain event: %w", err)
	}
	if event.Fields == nil {
		event.Fields = map[string]any{}
	}
	return event, nil
}

// handler is shared by every consumer: decode, process, retry
type handler struct {
	proc  Processor
	retry RetryConfig
}

// handle returns nil when the message may be acknowledged. Undecodable and
// invalid events are dropped; retryable failures are retried and, once the
// budget is spent, returned so the message is redelivered.
func (h *handler) handle(ctx context.Context, source string, data []byte) error {
	event, err := Decode(data)
	if err != nil {
		logger.WarnDroppedMessage("dropping undecodable message", "source", source, "error", err)
		return nil
	}

	attempt := 0
	op := func() error {
		attempt++
		_, err := h.proc.ProcessEvent(ctx, event)
		if err == nil {
			return nil
		}
		if errors.Is(err, engine.ErrRetryable) {
			logger.Warn("retryable engine error", "source", source, "event_id", event.EventID, "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	err = backoff.Retry(op, h.retry.newBackOff(ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrRetryable), ctx.Err() != nil:
		return err
	default:
		logger.WarnDroppedMessage("dropping unprocessable event", "source", source, "event_id", event.EventID, "error", err)
		return nil
	}
}
