package pipeline

import (
	"fmt"

	"github.com/slideforge/slideforge/engine/domain"
)

// ComposeEffectivePrompt concatenates the raw prompt with an aspect
// appendix reiterating the canvas dimensions and safe margin.
func ComposeEffectivePrompt(rawPrompt string, aspect domain.Aspect) string {
	canvas := domain.Canvases[aspect]
	appendix := fmt.Sprintf(
		"Canvas: %dx%d px. Aspect ratio: %s. Safe margin: %dpx from every edge; keep all content inside it.",
		canvas.Width, canvas.Height, aspect, canvas.SafeMargin,
	)
	return rawPrompt + "\n\n---\n" + appendix
}

// buildValidatorPrompt wraps html with the same canvas constraints so the
// validator can check safe-margin/overflow concerns.
func buildValidatorPrompt(html string, aspect domain.Aspect) string {
	canvas := domain.Canvases[aspect]
	return fmt.Sprintf(
		"Validate this single-slide HTML for a %dx%d px canvas with a %dpx safe margin. "+
			"It must contain exactly one <section class=\"slide\"> element and no <script> tags.\n\nHTML:\n%s",
		canvas.Width, canvas.Height, canvas.SafeMargin, html,
	)
}
