package agent

import (
	"context"
	"fmt"

	"github.com/scipunch/skyfeed/config"
)

// NewReplyAgent creates the reply agent wrapped with retry logic
// (exponential backoff, 5-minute timeout). It fails fast on missing credentials.
func NewReplyAgent(ctx context.Context, creds config.GeminiCredentials) (Agent, error) {
	gemini, err := NewGemini(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gemini agent: %w", err)
	}
	return WithRetry(gemini, DefaultRetryConfig()), nil
}
