package agent

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/scipunch/skyfeed/config"
)

// maxImages bounds how many images go into one request
const maxImages = 4

const taskLine = "TASK: Given a social media post (caption) and its images, write a short, funny, topical reply. " +
	"Keep it under 220 characters unless absolutely necessary. Avoid hashtags unless they enhance the joke."

// SystemPrompt renders the persona into system instructions. Empty parts are omitted.
func SystemPrompt(p config.Persona) string {
	var parts []string
	if s := strings.TrimSpace(p.Persona); s != "" {
		parts = append(parts, "PERSONA: "+s)
	}
	if s := strings.TrimSpace(p.Location); s != "" {
		parts = append(parts, "LOCATION: "+s)
	}

	var tone []string
	if s := strings.TrimSpace(p.ToneDo); s != "" {
		tone = append(tone, "DO: "+s)
	}
	if s := strings.TrimSpace(p.ToneDont); s != "" {
		tone = append(tone, "DON'T: "+s)
	}
	if len(tone) > 0 {
		parts = append(parts, "TONE GUIDELINES:\n"+strings.Join(tone, "\n\n"))
	}

	var samples []string
	for _, s := range p.SampleReplies {
		if s = strings.TrimSpace(s); s != "" {
			samples = append(samples, s)
		}
	}
	if len(samples) > 0 {
		parts = append(parts, "WRITING STYLE REFERENCE: Here are some approved sample replies that demonstrate the desired tone and style:\n"+
			strings.Join(samples, "\n\n"))
	}

	parts = append(parts, taskLine)
	return strings.Join(parts, "\n\n")
}

// UserHeader describes the post text and its images
func UserHeader(post Post) string {
	var parts []string
	if post.Text != "" {
		parts = append(parts, "Post caption: "+post.Text)
	}

	var alts []string
	for _, alt := range post.AltTexts {
		if alt = strings.TrimSpace(alt); alt != "" {
			alts = append(alts, alt)
		}
	}
	if len(alts) > 0 {
		parts = append(parts, "Accessibility alt texts:")
		parts = append(parts, alts...)
	}

	parts = append(parts, fmt.Sprintf("There are %d image(s). Analyze the images and the text together and craft one funny, hyper-relevant reply.", min(len(post.Images), maxImages)))
	return strings.Join(parts, "\n\n")
}

// dataURL inlines an image file as a base64 data URL
func dataURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read image %s with %w", path, err)
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
