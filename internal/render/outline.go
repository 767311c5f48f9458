package render

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"
)

// Outline is the text content of a deck, slide by slide.
type Outline struct {
	Title  string         `json:"title"`
	Slides []OutlineSlide `json:"slides"`
}

// OutlineSlide is one slide of an Outline.
type OutlineSlide struct {
	Title      string   `json:"title"`
	Bullets    []string `json:"bullets"`
	Notes      string   `json:"notes,omitempty"`
	ImageQuery string   `json:"image_query,omitempty"`
}

// ReadOutline reads a .pptx back into titles, bullet text and notes. It works
// on decks from either renderer: shapes are classified by the names the local
// renderer writes, falling back to placeholder types.
func ReadOutline(pptxPath string) (Outline, error) {
	zr, err := zip.OpenReader(pptxPath)
	if err != nil {
		return Outline{}, fmt.Errorf("opening %s: %w", pptxPath, err)
	}
	defer zr.Close()

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	var out Outline
	if f, ok := files["docProps/core.xml"]; ok {
		var core struct {
			Title string `xml:"title"`
		}
		if err := decodeZipXML(f, &core); err == nil {
			out.Title = core.Title
		}
	}

	slidePaths, err := slideOrder(files)
	if err != nil {
		return Outline{}, err
	}

	for _, sp := range slidePaths {
		f, ok := files[sp]
		if !ok {
			return Outline{}, fmt.Errorf("slide part %s missing", sp)
		}
		shapes, err := readShapes(f)
		if err != nil {
			return Outline{}, fmt.Errorf("reading %s: %w", sp, err)
		}

		slide := OutlineSlide{Bullets: []string{}}
		for _, sh := range shapes {
			switch sh.kind() {
			case shapeTitle:
				if slide.Title == "" {
					slide.Title = strings.Join(sh.paras, " ")
				}
			case shapeCaption:
				slide.ImageQuery = strings.TrimPrefix(strings.Join(sh.paras, " "), "Image: ")
			case shapeBody:
				for _, p := range sh.paras {
					if p != "" {
						slide.Bullets = append(slide.Bullets, p)
					}
				}
			}
		}

		if notesPath := notesFor(files, sp); notesPath != "" {
			if nf, ok := files[notesPath]; ok {
				if nshapes, err := readShapes(nf); err == nil {
					for _, sh := range nshapes {
						if sh.phType == "body" {
							slide.Notes = strings.Join(sh.paras, "\n")
						}
					}
				}
			}
		}
		out.Slides = append(out.Slides, slide)
	}
	return out, nil
}

type relationships struct {
	Rels []struct {
		ID     string `xml:"Id,attr"`
		Type   string `xml:"Type,attr"`
		Target string `xml:"Target,attr"`
	} `xml:"Relationship"`
}

func readRels(files map[string]*zip.File, partPath string) (relationships, error) {
	relsPath := path.Join(path.Dir(partPath), "_rels", path.Base(partPath)+".rels")
	var rels relationships
	f, ok := files[relsPath]
	if !ok {
		return rels, fmt.Errorf("%s missing", relsPath)
	}
	err := decodeZipXML(f, &rels)
	return rels, err
}

func resolveTarget(source, target string) string {
	if strings.HasPrefix(target, "/") {
		return strings.TrimPrefix(target, "/")
	}
	return path.Join(path.Dir(source), target)
}

// slideOrder returns slide part paths in presentation order.
func slideOrder(files map[string]*zip.File) ([]string, error) {
	const presPath = "ppt/presentation.xml"
	f, ok := files[presPath]
	if !ok {
		return nil, fmt.Errorf("not a presentation: %s missing", presPath)
	}
	var pres struct {
		SlideIDs []struct {
			RID string `xml:"http://schemas.openxmlformats.org/officeDocument/2006/relationships id,attr"`
		} `xml:"sldIdLst>sldId"`
	}
	if err := decodeZipXML(f, &pres); err != nil {
		return nil, fmt.Errorf("decoding presentation.xml: %w", err)
	}
	rels, err := readRels(files, presPath)
	if err != nil {
		return nil, err
	}
	targets := make(map[string]string, len(rels.Rels))
	for _, r := range rels.Rels {
		targets[r.ID] = resolveTarget(presPath, r.Target)
	}

	paths := make([]string, 0, len(pres.SlideIDs))
	for _, s := range pres.SlideIDs {
		t, ok := targets[s.RID]
		if !ok {
			return nil, fmt.Errorf("slide relationship %s not found", s.RID)
		}
		paths = append(paths, t)
	}
	return paths, nil
}

func notesFor(files map[string]*zip.File, slidePath string) string {
	rels, err := readRels(files, slidePath)
	if err != nil {
		return ""
	}
	for _, r := range rels.Rels {
		if strings.HasSuffix(r.Type, "/notesSlide") {
			return resolveTarget(slidePath, r.Target)
		}
	}
	return ""
}

func decodeZipXML(f *zip.File, v any) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return xml.NewDecoder(rc).Decode(v)
}

type textShape struct {
	name   string
	phType string
	paras  []string
}

func (s textShape) kind() string {
	switch {
	case strings.HasPrefix(s.name, shapeTitle), s.phType == "title", s.phType == "ctrTitle":
		return shapeTitle
	case strings.HasPrefix(s.name, shapeCaption):
		return shapeCaption
	case strings.HasPrefix(s.name, shapeAccent):
		return shapeAccent
	case s.phType == "sldNum", s.phType == "dt", s.phType == "ftr", s.phType == "sldImg":
		return ""
	default:
		return shapeBody
	}
}

// readShapes collects every p:sp with its paragraphs of text.
func readShapes(f *zip.File) ([]textShape, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	var (
		shapes []textShape
		cur    *textShape
		para   *strings.Builder
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "sp":
				cur = &textShape{}
			case "cNvPr":
				if cur != nil && cur.name == "" {
					cur.name = attr(t, "name")
				}
			case "ph":
				if cur != nil {
					cur.phType = attr(t, "type")
					if cur.phType == "" {
						cur.phType = "body"
					}
				}
			case "p":
				if cur != nil && t.Name.Space == "http://schemas.openxmlformats.org/drawingml/2006/main" {
					para = &strings.Builder{}
				}
			case "t":
				if para != nil {
					var s string
					if err := dec.DecodeElement(&s, &t); err != nil {
						return nil, err
					}
					para.WriteString(s)
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "p":
				if cur != nil && para != nil && t.Name.Space == "http://schemas.openxmlformats.org/drawingml/2006/main" {
					cur.paras = append(cur.paras, para.String())
					para = nil
				}
			case "sp":
				if cur != nil {
					shapes = append(shapes, *cur)
					cur = nil
				}
			}
		}
	}
	return shapes, nil
}

func attr(se xml.StartElement, local string) string {
	for _, a := range se.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}
