package deck

import "strings"

// ErrorTitle is the title of the placeholder document produced when
// extraction could not obtain a usable structure from any model.
const ErrorTitle = "Error Generating Presentation"

// DefaultSummary is used when a document carries no interpretation.
const DefaultSummary = "AI Analysis complete."

// Known layout labels. Renderers fall back to LayoutContent for anything else.
const (
	LayoutTitle     = "title"
	LayoutSection   = "section"
	LayoutContent   = "content"
	LayoutBullets   = "bullets"
	LayoutQuote     = "quote"
	LayoutTwoColumn = "two_column"
)

// Document is the structured presentation extracted from audio.
// Fields beyond title and slides are optional and may be absent depending
// on which prompt revision produced the JSON.
type Document struct {
	Title          string       `json:"title"`
	Interpretation string       `json:"interpretation,omitempty"`
	VisualStyle    *VisualStyle `json:"visual_style,omitempty"`
	Slides         []Slide      `json:"slides"`
}

// VisualStyle carries the colour hints for a deck. Colours are hex strings
// such as "#1A2B3C"; invalid values are ignored by renderers.
type VisualStyle struct {
	BackgroundColor string `json:"background_color,omitempty"`
	TextColor       string `json:"text_color,omitempty"`
	AccentColor     string `json:"accent_color,omitempty"`
	Vibe            string `json:"vibe,omitempty"`
}

// Slide is one page of the deck, in presentation order.
type Slide struct {
	Title        string   `json:"title"`
	BulletPoints []string `json:"bullet_points"`
	SpeakerNotes string   `json:"speaker_notes,omitempty"`
	LayoutType   string   `json:"layout_type,omitempty"`
	ImageQuery   string   `json:"image_query,omitempty"`
}

// HasUsableTitle reports whether the document title is present and not blank.
func (d Document) HasUsableTitle() bool {
	return strings.TrimSpace(d.Title) != ""
}

// IsErrorDocument reports whether d is the extraction failure placeholder.
func (d Document) IsErrorDocument() bool {
	return d.Title == ErrorTitle
}

// Summary returns the human-readable summary for a finished run.
func (d Document) Summary() string {
	if s := strings.TrimSpace(d.Interpretation); s != "" {
		return s
	}
	return DefaultSummary
}

// NormalizedLayout maps a slide's layout label onto the known set.
func (s Slide) NormalizedLayout() string {
	l := strings.ToLower(strings.TrimSpace(s.LayoutType))
	l = strings.ReplaceAll(l, "-", "_")
	l = strings.ReplaceAll(l, " ", "_")
	switch l {
	case LayoutTitle, LayoutSection, LayoutQuote, LayoutTwoColumn:
		return l
	case LayoutBullets, LayoutContent, "":
		return LayoutContent
	default:
		return LayoutContent
	}
}

// ErrorDocument builds the placeholder deck that explains why extraction
// failed. It always has exactly one slide with at least one bullet.
func ErrorDocument(bullets []string, notes string) Document {
	if len(bullets) == 0 {
		bullets = []string{"Could not generate a presentation from the audio."}
	}
	return Document{
		Title: ErrorTitle,
		Slides: []Slide{
			{
				Title:        "Error",
				BulletPoints: bullets,
				SpeakerNotes: notes,
			},
		},
	}
}
