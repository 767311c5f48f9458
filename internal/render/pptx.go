package render

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"
)

// Fixed zip entry time so equal input gives equal archives.
var packageTime = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

const (
	nsDecl  = `xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main"`
	relBase = "http://schemas.openxmlformats.org/officeDocument/2006/relationships/"
	ctBase  = "application/vnd.openxmlformats-officedocument.presentationml."
	xmlHead = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n"
)

type rel struct {
	id, typ, target string
}

type part struct {
	name, body string
}

// writePackage writes a complete presentation archive to w.
func writePackage(w io.Writer, title string, slides []slidePart) error {
	zw := zip.NewWriter(w)

	parts := []part{
		{"[Content_Types].xml", contentTypes(slides)},
		{"_rels/.rels", relsXML([]rel{
			{"rId1", relBase + "officeDocument", "ppt/presentation.xml"},
			{"rId2", "http://schemas.openxmlformats.org/package/2006/relationships/metadata/core-properties", "docProps/core.xml"},
			{"rId3", relBase + "extended-properties", "docProps/app.xml"},
		})},
		{"docProps/core.xml", coreXML(title)},
		{"docProps/app.xml", appXML(len(slides))},
		{"ppt/presentation.xml", presentationXML(len(slides))},
		{"ppt/_rels/presentation.xml.rels", presentationRels(len(slides))},
		{"ppt/presProps.xml", xmlHead + `<p:presentationPr ` + nsDecl + `/>`},
		{"ppt/viewProps.xml", xmlHead + `<p:viewPr ` + nsDecl + `><p:gridSpacing cx="76200" cy="76200"/></p:viewPr>`},
		{"ppt/tableStyles.xml", xmlHead + `<a:tblStyleLst xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" def="{5C22544A-7EE6-4342-B048-85BDC9FD1C3A}"/>`},
		{"ppt/theme/theme1.xml", themeXML},
		{"ppt/theme/theme2.xml", themeXML},
		{"ppt/slideMasters/slideMaster1.xml", slideMasterXML},
		{"ppt/slideMasters/_rels/slideMaster1.xml.rels", relsXML([]rel{
			{"rId1", relBase + "slideLayout", "../slideLayouts/slideLayout1.xml"},
			{"rId2", relBase + "theme", "../theme/theme1.xml"},
		})},
		{"ppt/slideLayouts/slideLayout1.xml", slideLayoutXML},
		{"ppt/slideLayouts/_rels/slideLayout1.xml.rels", relsXML([]rel{
			{"rId1", relBase + "slideMaster", "../slideMasters/slideMaster1.xml"},
		})},
		{"ppt/notesMasters/notesMaster1.xml", notesMasterXML},
		{"ppt/notesMasters/_rels/notesMaster1.xml.rels", relsXML([]rel{
			{"rId1", relBase + "theme", "../theme/theme2.xml"},
		})},
	}

	for i, s := range slides {
		n := i + 1
		slideRels := []rel{{"rId1", relBase + "slideLayout", "../slideLayouts/slideLayout1.xml"}}
		if s.notes != "" {
			slideRels = append(slideRels, rel{"rId2", relBase + "notesSlide", fmt.Sprintf("../notesSlides/notesSlide%d.xml", n)})
		}
		parts = append(parts,
			part{fmt.Sprintf("ppt/slides/slide%d.xml", n), slideXML(s)},
			part{fmt.Sprintf("ppt/slides/_rels/slide%d.xml.rels", n), relsXML(slideRels)},
		)
		if s.notes != "" {
			parts = append(parts,
				part{fmt.Sprintf("ppt/notesSlides/notesSlide%d.xml", n), notesSlideXML(s.notes)},
				part{fmt.Sprintf("ppt/notesSlides/_rels/notesSlide%d.xml.rels", n), relsXML([]rel{
					{"rId1", relBase + "notesMaster", "../notesMasters/notesMaster1.xml"},
					{"rId2", relBase + "slide", fmt.Sprintf("../slides/slide%d.xml", n)},
				})},
			)
		}
	}

	for _, p := range parts {
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     p.name,
			Method:   zip.Deflate,
			Modified: packageTime,
		})
		if err != nil {
			return fmt.Errorf("creating %s: %w", p.name, err)
		}
		if _, err := io.WriteString(fw, p.body); err != nil {
			return fmt.Errorf("writing %s: %w", p.name, err)
		}
	}
	return zw.Close()
}

func esc(s string) string {
	var b bytes.Buffer
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

func relsXML(rels []rel) string {
	var b strings.Builder
	b.WriteString(xmlHead)
	b.WriteString(`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">`)
	for _, r := range rels {
		fmt.Fprintf(&b, `<Relationship Id="%s" Type="%s" Target="%s"/>`, r.id, r.typ, r.target)
	}
	b.WriteString(`</Relationships>`)
	return b.String()
}

func contentTypes(slides []slidePart) string {
	var b strings.Builder
	b.WriteString(xmlHead)
	b.WriteString(`<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">`)
	b.WriteString(`<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>`)
	b.WriteString(`<Default Extension="xml" ContentType="application/xml"/>`)
	override := func(name, ct string) {
		fmt.Fprintf(&b, `<Override PartName="%s" ContentType="%s"/>`, name, ct)
	}
	override("/ppt/presentation.xml", ctBase+"presentation.main+xml")
	override("/ppt/presProps.xml", ctBase+"presProps+xml")
	override("/ppt/viewProps.xml", ctBase+"viewProps+xml")
	override("/ppt/tableStyles.xml", ctBase+"tableStyles+xml")
	override("/ppt/slideMasters/slideMaster1.xml", ctBase+"slideMaster+xml")
	override("/ppt/slideLayouts/slideLayout1.xml", ctBase+"slideLayout+xml")
	override("/ppt/notesMasters/notesMaster1.xml", ctBase+"notesMaster+xml")
	override("/ppt/theme/theme1.xml", "application/vnd.openxmlformats-officedocument.theme+xml")
	override("/ppt/theme/theme2.xml", "application/vnd.openxmlformats-officedocument.theme+xml")
	override("/docProps/core.xml", "application/vnd.openxmlformats-package.core-properties+xml")
	override("/docProps/app.xml", "application/vnd.openxmlformats-officedocument.extended-properties+xml")
	for i, s := range slides {
		override(fmt.Sprintf("/ppt/slides/slide%d.xml", i+1), ctBase+"slide+xml")
		if s.notes != "" {
			override(fmt.Sprintf("/ppt/notesSlides/notesSlide%d.xml", i+1), ctBase+"notesSlide+xml")
		}
	}
	b.WriteString(`</Types>`)
	return b.String()
}

func coreXML(title string) string {
	return xmlHead + `<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties" xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:dcterms="http://purl.org/dc/terms/" xmlns:dcmitype="http://purl.org/dc/dcmitype/" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">` +
		`<dc:title>` + esc(title) + `</dc:title><dc:creator>voxdeck</dc:creator></cp:coreProperties>`
}

func appXML(slides int) string {
	return xmlHead + fmt.Sprintf(`<Properties xmlns="http://schemas.openxmlformats.org/officeDocument/2006/extended-properties"><Application>voxdeck</Application><Slides>%d</Slides></Properties>`, slides)
}

// Relationship ids in presentation.xml.rels: rId1..rId6 are fixed parts,
// slides start at rId100.
func presentationXML(slides int) string {
	var b strings.Builder
	b.WriteString(xmlHead)
	b.WriteString(`<p:presentation ` + nsDecl + ` saveSubsetFonts="1">`)
	b.WriteString(`<p:sldMasterIdLst><p:sldMasterId id="2147483648" r:id="rId1"/></p:sldMasterIdLst>`)
	b.WriteString(`<p:notesMasterIdLst><p:notesMasterId r:id="rId2"/></p:notesMasterIdLst>`)
	b.WriteString(`<p:sldIdLst>`)
	for i := 0; i < slides; i++ {
		fmt.Fprintf(&b, `<p:sldId id="%d" r:id="rId%d"/>`, 256+i, 100+i)
	}
	b.WriteString(`</p:sldIdLst>`)
	fmt.Fprintf(&b, `<p:sldSz cx="%d" cy="%d"/><p:notesSz cx="6858000" cy="9144000"/>`, slideWidth, slideHeight)
	b.WriteString(`</p:presentation>`)
	return b.String()
}

func presentationRels(slides int) string {
	rels := []rel{
		{"rId1", relBase + "slideMaster", "slideMasters/slideMaster1.xml"},
		{"rId2", relBase + "notesMaster", "notesMasters/notesMaster1.xml"},
		{"rId3", relBase + "theme", "theme/theme1.xml"},
		{"rId4", relBase + "presProps", "presProps.xml"},
		{"rId5", relBase + "viewProps", "viewProps.xml"},
		{"rId6", relBase + "tableStyles", "tableStyles.xml"},
	}
	for i := 0; i < slides; i++ {
		rels = append(rels, rel{fmt.Sprintf("rId%d", 100+i), relBase + "slide", fmt.Sprintf("slides/slide%d.xml", i+1)})
	}
	return relsXML(rels)
}

const groupProps = `<p:nvGrpSpPr><p:cNvPr id="1" name=""/><p:cNvGrpSpPr/><p:nvPr/></p:nvGrpSpPr>` +
	`<p:grpSpPr><a:xfrm><a:off x="0" y="0"/><a:ext cx="0" cy="0"/><a:chOff x="0" y="0"/><a:chExt cx="0" cy="0"/></a:xfrm></p:grpSpPr>`

func slideXML(s slidePart) string {
	var b strings.Builder
	b.WriteString(xmlHead)
	b.WriteString(`<p:sld ` + nsDecl + `><p:cSld>`)
	fmt.Fprintf(&b, `<p:bg><p:bgPr><a:solidFill><a:srgbClr val="%s"/></a:solidFill><a:effectLst/></p:bgPr></p:bg>`, s.background)
	b.WriteString(`<p:spTree>` + groupProps)
	for i, sh := range s.shapes {
		writeShape(&b, i+2, sh)
	}
	b.WriteString(`</p:spTree></p:cSld><p:clrMapOvr><a:masterClrMapping/></p:clrMapOvr></p:sld>`)
	return b.String()
}

func writeShape(b *strings.Builder, id int, sh shape) {
	b.WriteString(`<p:sp><p:nvSpPr>`)
	fmt.Fprintf(b, `<p:cNvPr id="%d" name="%s"/>`, id, esc(sh.name))
	if sh.fill != "" {
		b.WriteString(`<p:cNvSpPr/>`)
	} else {
		b.WriteString(`<p:cNvSpPr txBox="1"/>`)
	}
	b.WriteString(`<p:nvPr/></p:nvSpPr><p:spPr>`)
	fmt.Fprintf(b, `<a:xfrm><a:off x="%d" y="%d"/><a:ext cx="%d" cy="%d"/></a:xfrm>`, sh.x, sh.y, sh.w, sh.h)
	b.WriteString(`<a:prstGeom prst="rect"><a:avLst/></a:prstGeom>`)
	if sh.fill != "" {
		fmt.Fprintf(b, `<a:solidFill><a:srgbClr val="%s"/></a:solidFill><a:ln><a:noFill/></a:ln>`, sh.fill)
	} else {
		b.WriteString(`<a:noFill/>`)
	}
	b.WriteString(`</p:spPr>`)

	if sh.fill != "" {
		b.WriteString(`</p:sp>`)
		return
	}

	anchor := sh.anchor
	if anchor == "" {
		anchor = "t"
	}
	fmt.Fprintf(b, `<p:txBody><a:bodyPr wrap="square" rtlCol="0" anchor="%s"><a:normAutofit/></a:bodyPr><a:lstStyle/>`, anchor)
	if len(sh.paras) == 0 {
		b.WriteString(`<a:p><a:endParaRPr lang="en-US" dirty="0"/></a:p>`)
	}
	for _, text := range sh.paras {
		b.WriteString(`<a:p>`)
		align := sh.align
		if align == "" {
			align = "l"
		}
		if sh.bullets {
			fmt.Fprintf(b, `<a:pPr marL="342900" indent="-342900" algn="%s"><a:spcBef><a:spcPts val="600"/></a:spcBef><a:buClr><a:srgbClr val="%s"/></a:buClr><a:buFont typeface="Arial"/><a:buChar char="&#8226;"/></a:pPr>`, align, sh.color)
		} else {
			fmt.Fprintf(b, `<a:pPr algn="%s"><a:buNone/></a:pPr>`, align)
		}
		fmt.Fprintf(b, `<a:r><a:rPr lang="en-US" sz="%d"`, sh.size)
		if sh.bold {
			b.WriteString(` b="1"`)
		}
		if sh.italic {
			b.WriteString(` i="1"`)
		}
		fmt.Fprintf(b, ` dirty="0"><a:solidFill><a:srgbClr val="%s"/></a:solidFill></a:rPr>`, sh.color)
		b.WriteString(`<a:t>` + esc(text) + `</a:t></a:r></a:p>`)
	}
	b.WriteString(`</p:txBody></p:sp>`)
}

func notesSlideXML(notes string) string {
	var b strings.Builder
	b.WriteString(xmlHead)
	b.WriteString(`<p:notes ` + nsDecl + `><p:cSld><p:spTree>` + groupProps)
	b.WriteString(`<p:sp><p:nvSpPr><p:cNvPr id="2" name="Slide Image Placeholder 1"/><p:cNvSpPr><a:spLocks noGrp="1" noRot="1" noChangeAspect="1"/></p:cNvSpPr><p:nvPr><p:ph type="sldImg"/></p:nvPr></p:nvSpPr><p:spPr/></p:sp>`)
	b.WriteString(`<p:sp><p:nvSpPr><p:cNvPr id="3" name="Notes Placeholder 2"/><p:cNvSpPr><a:spLocks noGrp="1"/></p:cNvSpPr><p:nvPr><p:ph type="body" idx="1"/></p:nvPr></p:nvSpPr><p:spPr/>`)
	b.WriteString(`<p:txBody><a:bodyPr/><a:lstStyle/>`)
	for _, line := range strings.Split(notes, "\n") {
		b.WriteString(`<a:p><a:r><a:rPr lang="en-US" dirty="0"/><a:t>` + esc(line) + `</a:t></a:r></a:p>`)
	}
	b.WriteString(`</p:txBody></p:sp></p:spTree></p:cSld><p:clrMapOvr><a:masterClrMapping/></p:clrMapOvr></p:notes>`)
	return b.String()
}

const clrMap = `<p:clrMap bg1="lt1" tx1="dk1" bg2="lt2" tx2="dk2" accent1="accent1" accent2="accent2" accent3="accent3" accent4="accent4" accent5="accent5" accent6="accent6" hlink="hlink" folHlink="folHlink"/>`

var slideMasterXML = xmlHead + `<p:sldMaster ` + nsDecl + `><p:cSld><p:bg><p:bgRef idx="1001"><a:schemeClr val="bg1"/></p:bgRef></p:bg><p:spTree>` + groupProps + `</p:spTree></p:cSld>` +
	clrMap +
	`<p:sldLayoutIdLst><p:sldLayoutId id="2147483649" r:id="rId1"/></p:sldLayoutIdLst>` +
	`<p:txStyles><p:titleStyle><a:lvl1pPr><a:defRPr sz="4400"/></a:lvl1pPr></p:titleStyle><p:bodyStyle><a:lvl1pPr><a:defRPr sz="2400"/></a:lvl1pPr></p:bodyStyle><p:otherStyle><a:lvl1pPr><a:defRPr sz="1800"/></a:lvl1pPr></p:otherStyle></p:txStyles></p:sldMaster>`

var slideLayoutXML = xmlHead + `<p:sldLayout ` + nsDecl + ` type="blank" preserve="1"><p:cSld name="Blank"><p:spTree>` + groupProps + `</p:spTree></p:cSld><p:clrMapOvr><a:masterClrMapping/></p:clrMapOvr></p:sldLayout>`

var notesMasterXML = xmlHead + `<p:notesMaster ` + nsDecl + `><p:cSld><p:bg><p:bgRef idx="1001"><a:schemeClr val="bg1"/></p:bgRef></p:bg><p:spTree>` + groupProps + `</p:spTree></p:cSld>` + clrMap + `</p:notesMaster>`

const themeXML = xmlHead + `<a:theme xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" name="voxdeck"><a:themeElements>` +
	`<a:clrScheme name="voxdeck">` +
	`<a:dk1><a:srgbClr val="000000"/></a:dk1><a:lt1><a:srgbClr val="FFFFFF"/></a:lt1>` +
	`<a:dk2><a:srgbClr val="1F2937"/></a:dk2><a:lt2><a:srgbClr val="F3F4F6"/></a:lt2>` +
	`<a:accent1><a:srgbClr val="2563EB"/></a:accent1><a:accent2><a:srgbClr val="DC2626"/></a:accent2>` +
	`<a:accent3><a:srgbClr val="16A34A"/></a:accent3><a:accent4><a:srgbClr val="CA8A04"/></a:accent4>` +
	`<a:accent5><a:srgbClr val="9333EA"/></a:accent5><a:accent6><a:srgbClr val="0891B2"/></a:accent6>` +
	`<a:hlink><a:srgbClr val="2563EB"/></a:hlink><a:folHlink><a:srgbClr val="7C3AED"/></a:folHlink>` +
	`</a:clrScheme>` +
	`<a:fontScheme name="voxdeck"><a:majorFont><a:latin typeface="Calibri Light"/><a:ea typeface=""/><a:cs typeface=""/></a:majorFont>` +
	`<a:minorFont><a:latin typeface="Calibri"/><a:ea typeface=""/><a:cs typeface=""/></a:minorFont></a:fontScheme>` +
	`<a:fmtScheme name="voxdeck">` +
	`<a:fillStyleLst><a:solidFill><a:schemeClr val="phClr"/></a:solidFill><a:solidFill><a:schemeClr val="phClr"/></a:solidFill><a:solidFill><a:schemeClr val="phClr"/></a:solidFill></a:fillStyleLst>` +
	`<a:lnStyleLst><a:ln w="6350"><a:solidFill><a:schemeClr val="phClr"/></a:solidFill></a:ln><a:ln w="12700"><a:solidFill><a:schemeClr val="phClr"/></a:solidFill></a:ln><a:ln w="19050"><a:solidFill><a:schemeClr val="phClr"/></a:solidFill></a:ln></a:lnStyleLst>` +
	`<a:effectStyleLst><a:effectStyle><a:effectLst/></a:effectStyle><a:effectStyle><a:effectLst/></a:effectStyle><a:effectStyle><a:effectLst/></a:effectStyle></a:effectStyleLst>` +
	`<a:bgFillStyleLst><a:solidFill><a:schemeClr val="phClr"/></a:solidFill><a:solidFill><a:schemeClr val="phClr"/></a:solidFill><a:solidFill><a:schemeClr val="phClr"/></a:solidFill></a:bgFillStyleLst>` +
	`</a:fmtScheme></a:themeElements><a:objectDefaults/><a:extraClrSchemeLst/></a:theme>`
