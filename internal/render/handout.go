package render

import (
	"fmt"
	"strings"

	"github.com/gomutex/godocx"
	"github.com/gomutex/godocx/docx"

	"github.com/kalambet/voxdeck/internal/deck"
)

const (
	handoutFont     = "Calibri"
	handoutFontSize = 11
)

// WriteHandout writes a speaker handout (.docx) for doc into outputDir and
// returns its path: the deck title, then per slide a heading, its bullets and
// its speaker notes.
func WriteHandout(doc deck.Document, outputDir, targetName string) (string, error) {
	path, err := targetPath(outputDir, targetName)
	if err != nil {
		return "", err
	}

	d, err := godocx.NewDocument()
	if err != nil {
		return "", fmt.Errorf("creating document: %w", err)
	}

	addRun(d.AddParagraph(""), doc.Title, true, 20, "000000")
	if s := strings.TrimSpace(doc.Interpretation); s != "" {
		addRun(d.AddParagraph(""), s, false, handoutFontSize, "555555")
	}
	d.AddParagraph("")

	for i, s := range doc.Slides {
		addRun(d.AddParagraph(""), fmt.Sprintf("%d. %s", i+1, s.Title), true, 14, "000000")
		for _, b := range s.BulletPoints {
			if strings.TrimSpace(b) == "" {
				continue
			}
			addRun(d.AddParagraph(""), "• "+b, false, handoutFontSize, "000000")
		}
		if notes := strings.TrimSpace(s.SpeakerNotes); notes != "" {
			p := d.AddParagraph("")
			addRun(p, "Notes: ", true, handoutFontSize, "555555")
			addRun(p, notes, false, handoutFontSize, "555555")
		}
		d.AddParagraph("")
	}

	if err := d.SaveTo(path); err != nil {
		return "", fmt.Errorf("saving handout: %w", err)
	}
	return path, nil
}

func addRun(p *docx.Paragraph, text string, bold bool, size uint64, color string) {
	run := p.AddText(text).Font(handoutFont).Size(size).Color(color)
	if bold {
		run.Bold(true)
	}
}
