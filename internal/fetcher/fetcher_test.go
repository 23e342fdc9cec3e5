package fetcher

import (
	"archive/zip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/supplier-pipeline/internal/model"
)

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	args := m.Called(ctx, url)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *mockFetcher) DownloadToFile(ctx context.Context, url, path string) (int64, error) {
	args := m.Called(ctx, url, path)
	return args.Get(0).(int64), args.Error(1)
}

func writeXLSX(t *testing.T, path string, rows [][]string) {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Suppliers")
	require.NoError(t, err)
	for _, r := range rows {
		row := sheet.AddRow()
		for _, v := range r {
			row.AddCell().SetString(v)
		}
	}
	require.NoError(t, f.Save(path))
}

func writeZIP(t *testing.T, path string, files map[string]string) {
	t.Helper()
	out, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())
}

func TestDetectFormat(t *testing.T) {
	tests := map[string]Format{
		"suppliers.csv":                        FormatCSV,
		"/data/Suppliers.XLSX":                 FormatXLSX,
		"https://example.com/export.zip?sig=1": FormatZIP,
		"ftp://example.com/dump.xlsx":          FormatXLSX,
		"export":                               FormatCSV,
	}
	for in, want := range tests {
		assert.Equal(t, want, DetectFormat(in), in)
	}
}

func TestLoader_LocalCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suppliers.csv")
	require.NoError(t, os.WriteFile(path, []byte("Name , Domain\n Acme , acme.com \n"), 0o644))

	rows, err := NewLoader().LoadRows(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []model.RawRow{{"Name": "Acme", "Domain": "acme.com"}}, rows)
}

func TestLoader_MissingFile(t *testing.T) {
	_, err := NewLoader().LoadRows(context.Background(), filepath.Join(t.TempDir(), "nope.csv"))
	assert.ErrorContains(t, err, "fetcher: open")
}

func TestLoader_LocalXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suppliers.xlsx")
	writeXLSX(t, path, [][]string{
		{"Name", "Domain"},
		{"Acme", "acme.com"},
		{"", ""},
		{"Bolt", "bolt.io"},
	})

	rows, err := NewLoader().LoadRows(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []model.RawRow{
		{"Name": "Acme", "Domain": "acme.com"},
		{"Name": "Bolt", "Domain": "bolt.io"},
	}, rows)
}

func TestLoader_HTTPXLSX(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src.xlsx")
	writeXLSX(t, src, [][]string{{"Name"}, {"Acme"}})
	data, err := os.ReadFile(src)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	tmp := t.TempDir()
	rows, err := NewLoader(WithTempDir(tmp)).LoadRows(context.Background(), srv.URL+"/export.xlsx")
	require.NoError(t, err)
	assert.Equal(t, []model.RawRow{{"Name": "Acme"}}, rows)

	left, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestLoader_ZippedCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "export.zip")
	writeZIP(t, path, map[string]string{"export/suppliers.csv": "Name\nAcme\n"})

	rows, err := NewLoader(WithTempDir(dir)).LoadRows(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []model.RawRow{{"Name": "Acme"}}, rows)
}

func TestLoader_FTPUsesFetcher(t *testing.T) {
	ftp := &mockFetcher{}
	ftp.On("Download", mock.Anything, "ftp://example.com/s.csv").
		Return(io.NopCloser(strings.NewReader("Name\nAcme\n")), nil)

	rows, err := NewLoader(WithFTP(ftp)).LoadRows(context.Background(), "ftp://example.com/s.csv")
	require.NoError(t, err)
	assert.Equal(t, []model.RawRow{{"Name": "Acme"}}, rows)
	ftp.AssertExpectations(t)
}

func TestExtractZIPSingle(t *testing.T) {
	dir := t.TempDir()

	multi := filepath.Join(dir, "multi.zip")
	writeZIP(t, multi, map[string]string{"a.csv": "a", "b.csv": "b"})
	_, err := ExtractZIPSingle(multi, dir)
	assert.ErrorContains(t, err, "expected exactly 1 file")

	slip := filepath.Join(dir, "slip.zip")
	writeZIP(t, slip, map[string]string{"../evil.csv": "x"})
	_, err = ExtractZIPSingle(slip, filepath.Join(dir, "out"))
	assert.ErrorContains(t, err, "zip slip")

	mac := filepath.Join(dir, "mac.zip")
	writeZIP(t, mac, map[string]string{"s.csv": "Name\n", "__MACOSX/._s.csv": "junk"})
	got, err := ExtractZIPSingle(mac, filepath.Join(dir, "mac"))
	require.NoError(t, err)
	assert.Equal(t, "s.csv", filepath.Base(got))
}

func TestReadXLSX_SheetSelection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.xlsx")
	writeXLSX(t, path, [][]string{{"Name"}})

	_, err := ReadXLSX(path, XLSXOptions{SheetName: "Other"})
	assert.ErrorContains(t, err, "not found")

	_, err = ReadXLSX(path, XLSXOptions{SheetIndex: 3})
	assert.ErrorContains(t, err, "out of range")

	rows, err := ReadXLSX(path, XLSXOptions{SheetName: "Suppliers"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Name"}}, rows)
}
