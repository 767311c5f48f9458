package render

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/kalambet/voxdeck/internal/deck"
)

// Slide geometry in EMU (16:9).
const (
	slideWidth  = 12192000
	slideHeight = 6858000
	margin      = 609600
)

const (
	defaultBackground = "FFFFFF"
	defaultText       = "1F2937"
	defaultAccent     = "2563EB"
)

// Shape name prefixes. ReadOutline relies on them to tell titles from body text.
const (
	shapeTitle   = "Title"
	shapeBody    = "Body"
	shapeCaption = "Caption"
	shapeAccent  = "Accent"
)

var hexColor = regexp.MustCompile(`^#?([0-9A-Fa-f]{6})$`)

// Local renders decks without any network access.
type Local struct {
	outputDir string
	logger    *slog.Logger
}

// NewLocal creates a local renderer writing into outputDir.
func NewLocal(outputDir string) *Local {
	return &Local{outputDir: outputDir, logger: slog.Default()}
}

func (l *Local) Name() string { return "local" }

// Render writes doc as a .pptx named targetName.
func (l *Local) Render(ctx context.Context, doc deck.Document, targetName string) (string, error) {
	if len(doc.Slides) == 0 {
		return "", fmt.Errorf("document has no slides")
	}
	path, err := targetPath(l.outputDir, targetName)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	pal := paletteFor(doc.VisualStyle)
	slides := make([]slidePart, len(doc.Slides))
	for i, s := range doc.Slides {
		slides[i] = layoutSlide(s, pal)
	}

	err = writeAtomic(path, func(f *os.File) error {
		return writePackage(f, doc.Title, slides)
	})
	if err != nil {
		return "", fmt.Errorf("writing pptx: %w", err)
	}

	l.logger.Info("deck rendered", "renderer", l.Name(), "path", path, "slides", len(slides))
	return path, nil
}

type palette struct {
	background string
	text       string
	accent     string
}

func paletteFor(vs *deck.VisualStyle) palette {
	p := palette{background: defaultBackground, text: defaultText, accent: defaultAccent}
	if vs == nil {
		return p
	}
	if c, ok := parseHex(vs.BackgroundColor); ok {
		p.background = c
	}
	if c, ok := parseHex(vs.TextColor); ok {
		p.text = c
	}
	if c, ok := parseHex(vs.AccentColor); ok {
		p.accent = c
	}
	return p
}

func parseHex(s string) (string, bool) {
	m := hexColor.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]), true
}

// shape is a positioned text box or filled rectangle.
type shape struct {
	name       string
	x, y, w, h int64
	fill       string // solid fill colour, empty for none
	paras      []string
	size       int // hundredths of a point
	color      string
	bold       bool
	italic     bool
	bullets    bool
	align      string // l, ctr, r
	anchor     string // t, ctr, b
}

type slidePart struct {
	background string
	shapes     []shape
	notes      string
}

func layoutSlide(s deck.Slide, pal palette) slidePart {
	part := slidePart{background: pal.background, notes: strings.TrimSpace(s.SpeakerNotes)}
	bullets := append([]string(nil), s.BulletPoints...)
	contentW := int64(slideWidth - 2*margin)

	switch s.NormalizedLayout() {
	case deck.LayoutTitle:
		part.shapes = append(part.shapes,
			shape{name: shapeTitle, x: margin, y: 2000000, w: contentW, h: 1400000,
				paras: []string{s.Title}, size: 5400, color: pal.text, bold: true, align: "ctr", anchor: "b"},
			shape{name: shapeAccent, x: slideWidth/2 - 914400, y: 3500000, w: 1828800, h: 76200, fill: pal.accent},
			shape{name: shapeBody, x: margin, y: 3700000, w: contentW, h: 1800000,
				paras: bullets, size: 2400, color: pal.text, align: "ctr", anchor: "t"},
		)
	case deck.LayoutSection:
		part.background = pal.accent
		part.shapes = append(part.shapes,
			shape{name: shapeTitle, x: margin, y: 2400000, w: contentW, h: 1200000,
				paras: []string{s.Title}, size: 4400, color: pal.background, bold: true, align: "l", anchor: "b"},
			shape{name: shapeBody, x: margin, y: 3700000, w: contentW, h: 2000000,
				paras: bullets, size: 2000, color: pal.background, align: "l", anchor: "t"},
		)
	case deck.LayoutQuote:
		part.shapes = append(part.shapes,
			shape{name: shapeAccent, x: margin, y: 1600000, w: 76200, h: 3200000, fill: pal.accent},
			shape{name: shapeBody, x: margin + 400000, y: 1600000, w: contentW - 400000, h: 3200000,
				paras: bullets, size: 3200, color: pal.text, italic: true, align: "l", anchor: "ctr"},
			shape{name: shapeTitle, x: margin + 400000, y: 5000000, w: contentW - 400000, h: 700000,
				paras: []string{s.Title}, size: 2000, color: pal.accent, bold: true, align: "r", anchor: "t"},
		)
	case deck.LayoutTwoColumn:
		half := (len(bullets) + 1) / 2
		colW := (contentW - 457200) / 2
		part.shapes = append(part.shapes, titleBar(s.Title, pal)...)
		part.shapes = append(part.shapes,
			shape{name: shapeBody + " Left", x: margin, y: 1600000, w: colW, h: 4400000,
				paras: bullets[:half], size: 2200, color: pal.text, bullets: true, align: "l", anchor: "t"},
			shape{name: shapeBody + " Right", x: margin + colW + 457200, y: 1600000, w: colW, h: 4400000,
				paras: bullets[half:], size: 2200, color: pal.text, bullets: true, align: "l", anchor: "t"},
		)
	default:
		part.shapes = append(part.shapes, titleBar(s.Title, pal)...)
		part.shapes = append(part.shapes,
			shape{name: shapeBody, x: margin, y: 1600000, w: contentW, h: 4400000,
				paras: bullets, size: bodySize(len(bullets)), color: pal.text, bullets: true, align: "l", anchor: "t"},
		)
	}

	if q := strings.TrimSpace(s.ImageQuery); q != "" {
		part.shapes = append(part.shapes, shape{
			name: shapeCaption, x: margin, y: slideHeight - 600000, w: contentW, h: 400000,
			paras: []string{"Image: " + q}, size: 1200, color: pal.accent, italic: true, align: "r", anchor: "b",
		})
	}
	return part
}

func titleBar(title string, pal palette) []shape {
	return []shape{
		{name: shapeTitle, x: margin, y: 400000, w: slideWidth - 2*margin, h: 900000,
			paras: []string{title}, size: 3600, color: pal.text, bold: true, align: "l", anchor: "b"},
		{name: shapeAccent, x: margin, y: 1350000, w: 1219200, h: 57150, fill: pal.accent},
	}
}

// bodySize shrinks the font as the bullet count grows.
func bodySize(n int) int {
	switch {
	case n <= 4:
		return 2400
	case n <= 6:
		return 2000
	default:
		return 1600
	}
}
