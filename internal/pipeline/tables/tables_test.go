package tables

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/scan2doc/backend/internal/models"
)

const invoicePage = `ACME Corp
Invoice 2024-001

Item            Qty      Price
Widget           2       10.00
Gadget          10        4.50

Thank you for your business.
Payment due in 30 days.
`

func TestLayoutExtractor(t *testing.T) {
	doc := Document{Pages: []string{invoicePage, "Just prose on page two.\nNothing tabular here.\n"}}

	got, err := NewLayoutExtractor().Extract(context.Background(), doc)
	require.NoError(t, err)

	require.Len(t, got[0], 1)
	assert.Empty(t, got[1])

	tbl := got[0][0]
	assert.Equal(t, [][]string{
		{"Item", "Qty", "Price"},
		{"Widget", "2", "10.00"},
		{"Gadget", "10", "4.50"},
	}, tbl.Rows)
	assert.Equal(t, 3, tbl.FirstLine)
	assert.Equal(t, 5, tbl.LastLine)
	assert.Equal(t, "layout", tbl.Extractor)
}

func TestLayoutExtractor_ColumnChangeSplitsTables(t *testing.T) {
	page := "a  b\nc  d\ne  f  g\nh  i  j\n"
	got, err := NewLayoutExtractor().Extract(context.Background(), Document{Pages: []string{page}})
	require.NoError(t, err)
	require.Len(t, got[0], 2)
	_, cols := got[0][1].Shape()
	assert.Equal(t, 3, cols)
}

func TestDedup(t *testing.T) {
	a := models.Table{Rows: [][]string{{"x", "y"}, {"1", "2"}}, Extractor: "one"}
	sameContent := models.Table{Rows: [][]string{{"x ", " y"}, {"1", "2"}}, Extractor: "two"}
	different := models.Table{Rows: [][]string{{"x", "y"}, {"1", "3"}}}
	empty := models.Table{}

	got := Dedup([]models.Table{a, sameContent, different, empty})
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Extractor)
}

type stubExtractor struct {
	name      string
	available bool
	result    PageTables
	err       error
	calls     int
}

func (s *stubExtractor) Name() string    { return s.name }
func (s *stubExtractor) Available() bool { return s.available }
func (s *stubExtractor) Extract(ctx context.Context, doc Document) (PageTables, error) {
	s.calls++
	return s.result, s.err
}

func table(cells ...string) models.Table {
	return models.Table{Rows: [][]string{cells, cells}, FirstLine: -1, LastLine: -1}
}

func TestChain_FallsBackPerPage(t *testing.T) {
	preferred := &stubExtractor{name: "pref", available: true, result: PageTables{0: {table("a", "b")}}}
	other := &stubExtractor{name: "other", available: true, result: PageTables{
		0: {table("ignored", "x")},
		1: {table("c", "d"), table("c", "d")},
	}}
	unavailable := &stubExtractor{name: "off", available: false}

	chain := NewChain(nil, unavailable, preferred, other)
	got, err := chain.Extract(context.Background(), Document{Pages: []string{"p1", "p2", "p3"}})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Page)
	assert.Equal(t, "a", got[0].Rows[0][0])
	assert.Equal(t, 1, got[1].Page)
	assert.Equal(t, "c", got[1].Rows[0][0])
	assert.Equal(t, 1, other.calls, "fallback results are computed once")
	assert.Equal(t, 0, unavailable.calls)
}

func TestChain_ExtractorErrorIsNotFatal(t *testing.T) {
	broken := &stubExtractor{name: "broken", available: true, err: errors.New("java crashed")}
	layout := NewLayoutExtractor()

	got, err := NewChain(nil, broken, layout).Extract(context.Background(), Document{Pages: []string{invoicePage}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "layout", got[0].Extractor)
}

func TestChain_NoneAvailable(t *testing.T) {
	_, err := NewChain(nil, &stubExtractor{name: "off"}).Extract(context.Background(), Document{Pages: []string{""}})
	assert.Error(t, err)
}

func TestParseTabulaJSON(t *testing.T) {
	data := []byte(`[
	  {"extraction_method":"lattice","page_number":2,"top":10,"left":10,"width":100,"height":50,
	   "data":[[{"text":"Name"},{"text":"Total"}],[{"text":"Alice\r"},{"text":"3"}],[{"text":""},{"text":""}]]},
	  {"extraction_method":"lattice","page_number":2,"data":[]}
	]`)

	got, err := ParseTabulaJSON(data)
	require.NoError(t, err)
	require.Len(t, got[1], 1)
	tbl := got[1][0]
	assert.Equal(t, 1, tbl.Page)
	assert.Equal(t, "tabula-lattice", tbl.Extractor)
	assert.Equal(t, [][]string{{"Name", "Total"}, {"Alice", "3"}}, tbl.Rows)
	assert.False(t, tbl.HasSpan())

	_, err = ParseTabulaJSON([]byte("not json"))
	assert.Error(t, err)
}

type scriptedRunner struct {
	outputs map[string]string // mode flag -> stdout
	calls   []string
}

func (r *scriptedRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	mode := args[2]
	r.calls = append(r.calls, mode)
	return []byte(r.outputs[mode]), nil, nil
}

func TestTabulaExtractor_StreamFallback(t *testing.T) {
	runner := &scriptedRunner{outputs: map[string]string{
		"--lattice": `[{"extraction_method":"lattice","page_number":1,"data":[[{"text":"a"},{"text":"b"}]]}]`,
		"--stream":  `[{"extraction_method":"stream","page_number":1,"data":[[{"text":"z"}]]},{"extraction_method":"stream","page_number":2,"data":[[{"text":"c"},{"text":"d"}]]}]`,
	}}
	e := NewTabulaExtractor(runner, "java", "tabula.jar")

	got, err := e.Extract(context.Background(), Document{PDFPath: "in.pdf", Pages: []string{"", ""}})
	require.NoError(t, err)
	assert.Equal(t, []string{"--lattice", "--stream"}, runner.calls)
	assert.Equal(t, "tabula-lattice", got[0][0].Extractor, "lattice results win")
	assert.Equal(t, "tabula-stream", got[1][0].Extractor)
}

func TestTabulaExtractor_UnavailableWithoutJar(t *testing.T) {
	assert.False(t, NewTabulaExtractor(&scriptedRunner{}, "java", "").Available())
	assert.False(t, NewTabulaExtractor(&scriptedRunner{}, "java", filepath.Join(t.TempDir(), "missing.jar")).Available())
}

func TestWriteWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.xlsx")
	tables := []models.Table{
		{Page: 0, Rows: [][]string{{"Item", "Qty"}, {"Widget", "2"}}},
		{Page: 0, Rows: [][]string{{"A"}, {"B"}}},
		{Page: 2, Rows: [][]string{{"Name", "Total"}, {"Alice", "3"}}},
	}
	require.NoError(t, WriteWorkbook(tables, path))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Page 1 Table 1", "Page 1 Table 2", "Page 3 Table 1"}, f.GetSheetList())
	rows, err := f.GetRows("Page 3 Table 1")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Name", "Total"}, {"Alice", "3"}}, rows)

	assert.Error(t, WriteWorkbook(nil, path))
}

func TestWriteWorkbook_TooWide(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.xlsx")
	row := make([]string, excelize.MaxColumns+1)
	for i := range row {
		row[i] = "x"
	}

	err := WriteWorkbook([]models.Table{{Rows: [][]string{row}}}, path)
	assert.Error(t, err)
	assert.NoFileExists(t, path)
}
