package docx

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readPart(t *testing.T, data []byte, name string) string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	for _, f := range zr.File {
		if f.Name == name {
			rc, err := f.Open()
			require.NoError(t, err)
			defer rc.Close()
			b, err := io.ReadAll(rc)
			require.NoError(t, err)
			return string(b)
		}
	}
	t.Fatalf("part %s missing", name)
	return ""
}

func wellFormed(t *testing.T, s string) {
	t.Helper()
	dec := xml.NewDecoder(strings.NewReader(s))
	for {
		_, err := dec.Token()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
	}
}

func TestDocumentStructure(t *testing.T) {
	doc := New("scan <1>")
	doc.Heading("Page 1", 1)
	doc.Paragraph("Invoice & receipt\nsecond line")
	doc.Caption("Table", 12)
	doc.Table([][]string{{"Item", "Qty"}, {"Widget"}}, "TableGrid", true)
	doc.Paragraph("")
	doc.PageBreak()
	doc.Heading("Page 2", 1)

	var buf bytes.Buffer
	n, err := doc.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Equal(t, "PK", buf.String()[:2])

	for _, part := range []string{"[Content_Types].xml", "_rels/.rels", "word/styles.xml", "docProps/core.xml", "word/_rels/document.xml.rels"} {
		wellFormed(t, readPart(t, buf.Bytes(), part))
	}

	body := readPart(t, buf.Bytes(), "word/document.xml")
	wellFormed(t, body)

	assert.Contains(t, body, `<w:pStyle w:val="Heading1"/>`)
	assert.Contains(t, body, "Invoice &amp; receipt")
	assert.Contains(t, body, `<w:br/>`)
	assert.Contains(t, body, `<w:sz w:val="24"/>`)
	assert.Contains(t, body, `<w:tblStyle w:val="TableGrid"/>`)
	assert.Contains(t, body, `w:fill="D9D9D9"`)
	assert.Contains(t, body, `<w:tblHeader/>`)
	assert.Contains(t, body, `<w:br w:type="page"/>`)
	assert.Equal(t, 2, strings.Count(body, `<w:gridCol `))
	// the short row is padded so every row has both cells
	assert.Equal(t, 4, strings.Count(body, `<w:tc>`))

	core := readPart(t, buf.Bytes(), "docProps/core.xml")
	assert.Contains(t, core, "scan &lt;1&gt;")
}

func TestStylesCoverTableStyles(t *testing.T) {
	for _, id := range []string{"TableNormal", "TableGrid", "LightList", "MediumShading1-Accent1", "Heading1"} {
		assert.Contains(t, stylesXML, `w:styleId="`+id+`"`)
	}
}

func TestInvalidXMLCharactersAreReplaced(t *testing.T) {
	doc := New("")
	doc.Paragraph("bell\x07char")
	var buf bytes.Buffer
	_, err := doc.WriteTo(&buf)
	require.NoError(t, err)
	wellFormed(t, readPart(t, buf.Bytes(), "word/document.xml"))
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.docx")
	doc := New("t")
	doc.Paragraph("hello")
	require.NoError(t, doc.Save(path))

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	assert.Len(t, zr.File, 6)
}

func TestEmptyTableIsSkipped(t *testing.T) {
	doc := New("")
	doc.Table(nil, "TableGrid", true)
	assert.Zero(t, doc.body.Len())
}
