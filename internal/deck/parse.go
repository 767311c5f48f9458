package deck

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoSlides is returned by Parse when the JSON is well formed but holds no slides.
var ErrNoSlides = errors.New("document has no slides")

// StripFences removes an optional Markdown code fence around a model reply.
// A language tag after the opening fence is dropped whether or not a newline
// follows it, and the surrounding whitespace is trimmed.
func StripFences(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = s[3:]
		tag := fenceTagLen(s)
		rest := s[tag:]
		switch {
		case tag > 0 && strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rest), "```")) == "":
			return ""
		case tag > 0 && (rest == "" || strings.ContainsRune(" \t\r\n{[", rune(rest[0]))):
			s = rest
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// fenceTagLen reports the length of the language tag at the start of s, or 0.
func fenceTagLen(s string) int {
	n := 0
	for n < len(s) && n <= 16 {
		c := s[n]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
			break
		}
		n++
	}
	if n > 16 {
		return 0
	}
	return n
}

// Parse decodes a model reply into a Document. Fences are stripped first.
// Unknown fields are ignored. Slides without a title get a positional
// placeholder, and nil bullet lists become empty lists.
func Parse(text string) (Document, error) {
	body := StripFences(text)
	if body == "" {
		return Document{}, fmt.Errorf("empty response")
	}

	var doc Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return Document{}, fmt.Errorf("decoding document json: %w", err)
	}
	if len(doc.Slides) == 0 {
		return Document{}, ErrNoSlides
	}

	for i := range doc.Slides {
		if strings.TrimSpace(doc.Slides[i].Title) == "" {
			doc.Slides[i].Title = fmt.Sprintf("Slide %d", i+1)
		}
		if doc.Slides[i].BulletPoints == nil {
			doc.Slides[i].BulletPoints = []string{}
		}
	}
	return doc, nil
}
