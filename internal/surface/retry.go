package surface

import (
	"context"
	"log/slog"
	"time"
)

// RetryingMessenger wraps a Messenger with linear-backoff retries for
// transient delivery failures. Exhausted retries are logged, never
// re-raised: delivery failure must not fail the request that produced the
// message.
type RetryingMessenger struct {
	Next     Messenger
	Attempts int
	Backoff  time.Duration
	Logger   *slog.Logger

	sleep func(time.Duration) // replaceable in tests
}

// NewRetryingMessenger wraps next with the given retry policy.
func NewRetryingMessenger(next Messenger, attempts int, backoff time.Duration, logger *slog.Logger) *RetryingMessenger {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingMessenger{
		Next:     next,
		Attempts: attempts,
		Backoff:  backoff,
		Logger:   logger,
		sleep:    time.Sleep,
	}
}

// SendMessage attempts delivery up to Attempts times, waiting
// attempt*Backoff between tries. It always returns nil.
func (r *RetryingMessenger) SendMessage(ctx context.Context, conversationID, message string) error {
	var lastErr error
	for attempt := 1; attempt <= r.Attempts; attempt++ {
		lastErr = r.Next.SendMessage(ctx, conversationID, message)
		if lastErr == nil {
			return nil
		}
		if attempt < r.Attempts {
			r.sleep(time.Duration(attempt) * r.Backoff)
		}
	}
	r.Logger.Error("message delivery failed",
		"conversation", conversationID, "attempts", r.Attempts, "error", lastErr)
	return nil
}

// Mode delegates to the wrapped messenger.
func (r *RetryingMessenger) Mode() Mode { return r.Next.Mode() }
