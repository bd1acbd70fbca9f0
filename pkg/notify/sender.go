// Package notify provides the fallback notification channel used to escalate
// persistently failing deliveries, and the customer notifications sent by the
// payment and delivery policies.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned by RateLimitedSender when the budget is exhausted.
var ErrRateLimited = errors.New("notification rate limit exceeded")

// Sender delivers a single message to a destination (a phone number, a topic,
// an on-call alias).
type Sender interface {
	Send(ctx context.Context, destination, message string) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, destination, message string) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, destination, message string) error {
	return f(ctx, destination, message)
}

// LogSender writes notifications to the log. It is the default when no
// transport is configured.
type LogSender struct {
	logger zerolog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "LogSender").Logger()}
}

// Send logs the message at warn level.
func (s *LogSender) Send(_ context.Context, destination, message string) error {
	s.logger.Warn().Str("destination", destination).Str("message", message).Msg("Notification.")
	return nil
}

// RateLimitedSender wraps a Sender with a token bucket so that a burst of
// failures cannot flood the downstream channel. Rejected sends fail with
// ErrRateLimited and are retried by the caller's own policy.
type RateLimitedSender struct {
	next    Sender
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewRateLimitedSender allows perSecond sends with the given burst.
func NewRateLimitedSender(next Sender, perSecond float64, burst int, logger zerolog.Logger) (*RateLimitedSender, error) {
	if next == nil {
		return nil, errors.New("wrapped sender cannot be nil")
	}
	if perSecond <= 0 {
		return nil, fmt.Errorf("rate must be positive, got %v", perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedSender{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:  logger.With().Str("component", "RateLimitedSender").Logger(),
	}, nil
}

// Send forwards to the wrapped sender if a token is available.
func (s *RateLimitedSender) Send(ctx context.Context, destination, message string) error {
	if !s.limiter.Allow() {
		s.logger.Warn().Str("destination", destination).Msg("Notification dropped by rate limiter.")
		return ErrRateLimited
	}
	return s.next.Send(ctx, destination, message)
}
