package chatclient

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Join retry policy: a freshly created conversation may not be readable yet.
const (
	joinBaseDelay   = time.Second
	joinMaxDelay    = 3 * time.Second
	joinMaxAttempts = 3
)

// JoinFunc performs one join attempt.
type JoinFunc func(ctx context.Context) error

// JoinWithRetry calls join with exponential backoff. Forbidden and
// unauthenticated failures stop immediately; exhaustion returns an error
// wrapping ErrConversationNotReady.
func JoinWithRetry(ctx context.Context, join JoinFunc) error {
	return joinWithRetry(ctx, join, nil)
}

func joinWithRetry(ctx context.Context, join JoinFunc, timer backoff.Timer) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = joinBaseDelay
	b.MaxInterval = joinMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, joinMaxAttempts-1), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := join(ctx)
		switch CodeOf(err) {
		case "forbidden", "unauthenticated", "unauthorized":
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.RetryNotifyWithTimer(op, policy, nil, timer)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch CodeOf(err) {
	case "forbidden", "unauthenticated", "unauthorized":
		return err
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrConversationNotReady, attempt, err)
}
