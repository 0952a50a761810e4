package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/scipunch/skyfeed/config"
)

// RetryConfig controls how a wrapped agent retries transient failures
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration // Overall budget for all attempts
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     5,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     time.Minute,
		Timeout:        5 * time.Minute,
	}
}

type retryAgent struct {
	agent  Agent
	config RetryConfig
}

// WithRetry wraps an agent with exponential backoff on rate limit and
// availability errors. A delay suggested by the provider is honored up to MaxBackoff.
func WithRetry(agent Agent, config RetryConfig) Agent {
	return &retryAgent{agent: agent, config: config}
}

func (r *retryAgent) Name() string {
	return r.agent.Name()
}

func (r *retryAgent) Reply(ctx context.Context, post Post, persona config.Persona) (string, error) {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.InitialBackoff
	b.MaxInterval = r.config.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", r.contextError(err, lastErr)
		}

		reply, err := r.agent.Reply(ctx, post, persona)
		if err == nil {
			return reply, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", r.contextError(ctx.Err(), lastErr)
		}
		if !isRetryable(err) {
			return "", fmt.Errorf("agent %s failed with non-retryable error: %w", r.agent.Name(), err)
		}
		if attempt == r.config.MaxRetries {
			break
		}

		delay := max(b.NextBackOff(), extractRetryDelay(err))
		if r.config.MaxBackoff > 0 {
			delay = min(delay, r.config.MaxBackoff)
		}
		slog.Warn("agent call failed, retrying", "agent", r.agent.Name(), "attempt", attempt+1, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", r.contextError(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return "", fmt.Errorf("agent %s exceeded max retries (%d) with %w", r.agent.Name(), r.config.MaxRetries, lastErr)
}

func (r *retryAgent) contextError(ctxErr, lastErr error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return fmt.Errorf("agent %s timed out after %v (last error: %v): %w", r.agent.Name(), r.config.Timeout, lastErr, ctxErr)
	}
	return fmt.Errorf("agent %s cancelled (last error: %v): %w", r.agent.Name(), lastErr, ctxErr)
}

var retryableMarkers = []string{
	"resource_exhausted",
	"quota",
	"rate limit",
	"429",
	"500",
	"502",
	"503",
	"504",
	"unavailable",
	"overloaded",
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var retryDelayPattern = regexp.MustCompile(`(?i)retry(?:delay)?"?\s*(?:in|:)?\s*"?(\d+(?:\.\d+)?)s`)

// extractRetryDelay finds a provider suggested delay such as "retry in 12.5s"
// or "retryDelay": "10s" in the error text
func extractRetryDelay(err error) time.Duration {
	if err == nil {
		return 0
	}
	m := retryDelayPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	seconds, parseErr := strconv.ParseFloat(m[1], 64)
	if parseErr != nil {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
