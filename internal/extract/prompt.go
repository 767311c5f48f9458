package extract

import (
	"fmt"
	"strings"
)

const instructionPrompt = `You are a presentation designer. Listen to the attached audio and turn what the speaker says into a slide deck.

The speaker may describe the presentation they want ("make me five slides about...") or may simply talk about a topic. Either way, restate their intent in one or two sentences as "interpretation".

Return ONLY a single valid JSON object. Do not wrap it in markdown code blocks and do not add any prose before or after it. The object must have this structure:
{
  "title": "Presentation Title",
  "interpretation": "What the speaker asked for, in one or two sentences",
  "visual_style": {
    "background_color": "#RRGGBB",
    "text_color": "#RRGGBB",
    "accent_color": "#RRGGBB",
    "vibe": "one or two words, e.g. corporate, playful, minimal"
  },
  "slides": [
    {
      "title": "Slide Title",
      "bullet_points": ["Point 1", "Point 2", "Point 3"],
      "speaker_notes": "Notes for the speaker",
      "layout_type": "title | section | content | quote | two_column",
      "image_query": "short description of an image that would suit this slide"
    }
  ]
}

Rules:
- Produce at least one slide. Every slide needs a title.
- Keep bullet points short (under 15 words each).
- Use the speaker's language for all text.
- The tone should be professional unless the speaker asks otherwise.`

// BuildPrompt returns the instruction sent alongside the uploaded audio.
// Extra guidance, when non-empty, is appended as a separate section.
func BuildPrompt(guidance string) string {
	guidance = strings.TrimSpace(guidance)
	if guidance == "" {
		return instructionPrompt
	}
	var sb strings.Builder
	sb.WriteString(instructionPrompt)
	fmt.Fprintf(&sb, "\n\n[Additional guidance]\n%s", guidance)
	return sb.String()
}
