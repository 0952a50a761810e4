package agent

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/scipunch/skyfeed/config"
)

//go:embed *.prompt
var prompts embed.FS

const (
	geminiName = "gemini"
	promptName = "reply"
)

var ErrNoImages = errors.New("post has no images to reply to")

// GeminiAgent writes replies with a multimodal Gemini model
type GeminiAgent struct {
	prompt *ai.Prompt
	g      *genkit.Genkit
}

// NewGemini creates a reply agent with its own genkit instance.
// It fails fast if the prompt is not found or Gemini credentials are invalid.
func NewGemini(ctx context.Context, creds config.GeminiCredentials) (*GeminiAgent, error) {
	if !creds.IsValid() {
		return nil, fmt.Errorf("invalid Gemini credentials: API key and model must be set")
	}

	g := genkit.Init(ctx,
		genkit.WithPlugins(&googlegenai.GoogleAI{
			APIKey: creds.APIKey,
		}),
		genkit.WithPromptFS(prompts),
		genkit.WithPromptDir("."),
		genkit.WithDefaultModel(fmt.Sprintf("googleai/%s", creds.Model)),
	)

	prompt := genkit.LookupPrompt(g, promptName)
	if prompt == nil {
		return nil, fmt.Errorf("prompt '%s' not found in embedded files", promptName)
	}

	return &GeminiAgent{
		prompt: &prompt,
		g:      g,
	}, nil
}

func (a *GeminiAgent) Name() string {
	return geminiName
}

// Reply sends the caption, alt texts and up to four images to Gemini
func (a *GeminiAgent) Reply(ctx context.Context, post Post, persona config.Persona) (string, error) {
	if len(post.Images) == 0 {
		return "", ErrNoImages
	}

	var images []string
	for _, path := range post.Images[:min(len(post.Images), maxImages)] {
		url, err := dataURL(path)
		if err != nil {
			slog.Warn("skipping image for reply", "path", path, "error", err)
			continue
		}
		images = append(images, url)
	}
	if len(images) == 0 {
		return "", ErrNoImages
	}

	resp, err := (*a.prompt).Execute(ctx,
		ai.WithInput(map[string]any{
			"system": SystemPrompt(persona),
			"header": UserHeader(post),
			"images": images,
		}))
	if err != nil {
		return "", fmt.Errorf("failed to execute reply prompt: %w", err)
	}

	return strings.TrimSpace(resp.Text()), nil
}
