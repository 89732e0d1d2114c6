package inference

import (
	"regexp"
	"strings"
)

// Intent is what a chat prompt is asking for.
type Intent string

const (
	IntentText  Intent = "text"
	IntentImage Intent = "image"
	IntentVideo Intent = "video"
)

var (
	imageWords = regexp.MustCompile(`(?i)\b(draw|paint|create|generate|make|show me|image|picture|photo|art|illustration|visual|logo|design)\b`)
	videoWords = regexp.MustCompile(`(?i)\b(animate|animation|video|movie|motion)\b`)
	thinking   = regexp.MustCompile(`(?is)<think>.*?</think>`)
)

// DetectIntent classifies a prompt by keyword. Video wins over image.
func DetectIntent(prompt string) Intent {
	switch {
	case videoWords.MatchString(prompt):
		return IntentVideo
	case imageWords.MatchString(prompt):
		return IntentImage
	}
	return IntentText
}

// StripThinking removes <think> blocks some models emit before the answer.
func StripThinking(text string) string {
	return strings.TrimSpace(thinking.ReplaceAllString(text, ""))
}
