// Package docx writes minimal WordprocessingML documents: headings,
// paragraphs, styled tables and page breaks.
package docx

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// textWidth is the usable page width in twentieths of a point (6.5in).
const textWidth = 9360

const headerShading = "D9D9D9"

// Document accumulates body XML until it is written.
type Document struct {
	Title   string
	body    bytes.Buffer
	created time.Time
}

// New returns an empty document.
func New(title string) *Document {
	return &Document{Title: title, created: time.Now().UTC()}
}

// Heading adds a paragraph in the HeadingN style (1 to 3).
func (d *Document) Heading(text string, level int) {
	level = min(max(level, 1), 3)
	fmt.Fprintf(&d.body, `<w:p><w:pPr><w:pStyle w:val="Heading%d"/></w:pPr>`, level)
	d.runs(text, false, 0)
	d.body.WriteString(`</w:p>`)
}

// Paragraph adds body text. Newlines become line breaks.
func (d *Document) Paragraph(text string) {
	d.body.WriteString(`<w:p>`)
	d.runs(text, false, 0)
	d.body.WriteString(`</w:p>`)
}

// Caption adds a bold paragraph at the given point size.
func (d *Document) Caption(text string, size int) {
	d.body.WriteString(`<w:p>`)
	d.runs(text, true, size)
	d.body.WriteString(`</w:p>`)
}

// PageBreak starts a new page.
func (d *Document) PageBreak() {
	d.body.WriteString(`<w:p><w:r><w:br w:type="page"/></w:r></w:p>`)
}

// Table adds rows using the table style styleID. When header is set the
// first row repeats on each page, is bold and is shaded grey.
func (d *Document) Table(rows [][]string, styleID string, header bool) {
	cols := 0
	for _, r := range rows {
		cols = max(cols, len(r))
	}
	if cols == 0 {
		return
	}
	colWidth := textWidth / cols

	b := &d.body
	b.WriteString(`<w:tbl><w:tblPr>`)
	fmt.Fprintf(b, `<w:tblStyle w:val="%s"/>`, escapeAttr(styleID))
	b.WriteString(`<w:tblW w:w="5000" w:type="pct"/>`)
	b.WriteString(`<w:tblLook w:val="04A0" w:firstRow="1" w:lastRow="0" w:firstColumn="1" w:lastColumn="0" w:noHBand="0" w:noVBand="1"/>`)
	b.WriteString(`</w:tblPr><w:tblGrid>`)
	for i := 0; i < cols; i++ {
		fmt.Fprintf(b, `<w:gridCol w:w="%d"/>`, colWidth)
	}
	b.WriteString(`</w:tblGrid>`)

	for ri, row := range rows {
		isHeader := header && ri == 0
		b.WriteString(`<w:tr>`)
		if isHeader {
			b.WriteString(`<w:trPr><w:tblHeader/></w:trPr>`)
		}
		for ci := 0; ci < cols; ci++ {
			cell := ""
			if ci < len(row) {
				cell = row[ci]
			}
			fmt.Fprintf(b, `<w:tc><w:tcPr><w:tcW w:w="%d" w:type="dxa"/>`, colWidth)
			if isHeader {
				fmt.Fprintf(b, `<w:shd w:val="clear" w:color="auto" w:fill="%s"/>`, headerShading)
			}
			b.WriteString(`</w:tcPr><w:p>`)
			d.runs(cell, isHeader, 0)
			b.WriteString(`</w:p></w:tc>`)
		}
		b.WriteString(`</w:tr>`)
	}
	b.WriteString(`</w:tbl>`)
}

func (d *Document) runs(text string, bold bool, size int) {
	var rPr string
	if bold || size > 0 {
		var p strings.Builder
		p.WriteString(`<w:rPr>`)
		if bold {
			p.WriteString(`<w:b/><w:bCs/>`)
		}
		if size > 0 {
			// w:sz is in half-points
			fmt.Fprintf(&p, `<w:sz w:val="%d"/><w:szCs w:val="%d"/>`, size*2, size*2)
		}
		p.WriteString(`</w:rPr>`)
		rPr = p.String()
	}

	d.body.WriteString(`<w:r>`)
	d.body.WriteString(rPr)
	for i, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if i > 0 {
			d.body.WriteString(`<w:br/>`)
		}
		d.body.WriteString(`<w:t xml:space="preserve">`)
		xml.EscapeText(&d.body, []byte(line))
		d.body.WriteString(`</w:t>`)
	}
	d.body.WriteString(`</w:r>`)
}

// WriteTo writes the .docx container.
func (d *Document) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)

	parts := []struct {
		name string
		data string
	}{
		{"[Content_Types].xml", contentTypesXML},
		{"_rels/.rels", rootRelsXML},
		{"docProps/core.xml", d.coreXML()},
		{"word/_rels/document.xml.rels", documentRelsXML},
		{"word/styles.xml", stylesXML},
		{"word/document.xml", d.documentXML()},
	}
	for _, p := range parts {
		fw, err := zw.Create(p.name)
		if err != nil {
			return cw.n, fmt.Errorf("adding %s: %w", p.name, err)
		}
		if _, err := io.WriteString(fw, p.data); err != nil {
			return cw.n, fmt.Errorf("writing %s: %w", p.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return cw.n, fmt.Errorf("closing docx: %w", err)
	}
	return cw.n, nil
}

// Save writes the document to path.
func (d *Document) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := d.WriteTo(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func (d *Document) documentXML() string {
	var b strings.Builder
	b.WriteString(xml.Header)
	b.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships"><w:body>`)
	b.Write(d.body.Bytes())
	b.WriteString(`<w:sectPr><w:pgSz w:w="12240" w:h="15840"/><w:pgMar w:top="1440" w:right="1440" w:bottom="1440" w:left="1440" w:header="720" w:footer="720" w:gutter="0"/></w:sectPr>`)
	b.WriteString(`</w:body></w:document>`)
	return b.String()
}

func (d *Document) coreXML() string {
	var title bytes.Buffer
	xml.EscapeText(&title, []byte(d.Title))
	ts := d.created.Format(time.RFC3339)
	return xml.Header + `<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties" xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:dcterms="http://purl.org/dc/terms/" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">` +
		`<dc:title>` + title.String() + `</dc:title><dc:creator>scan2doc</dc:creator>` +
		`<dcterms:created xsi:type="dcterms:W3CDTF">` + ts + `</dcterms:created>` +
		`<dcterms:modified xsi:type="dcterms:W3CDTF">` + ts + `</dcterms:modified>` +
		`</cp:coreProperties>`
}

func escapeAttr(s string) string {
	var b bytes.Buffer
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
