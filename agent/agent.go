package agent

import (
	"context"

	"github.com/scipunch/skyfeed/config"
)

// Post is what a reply agent sees of a feed item
type Post struct {
	Text     string
	AltTexts []string
	Images   []string // Local paths of downloaded images
}

// Agent generates reply text for a post in the voice of a persona.
type Agent interface {
	// Reply returns one reply for the post
	Reply(ctx context.Context, post Post, persona config.Persona) (string, error)

	// Name returns the agent identifier (e.g., "gemini")
	Name() string
}
