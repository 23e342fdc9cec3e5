// Package fetcher reads supplier export files from local paths, HTTP(S) or
// FTP and turns CSV, XLSX or zipped CSV content into header-keyed rows.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-pipeline/internal/model"
)

// Fetcher downloads a remote file.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// Format is the file format of a source.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatZIP  Format = "zip"
)

// DetectFormat picks a format from the location's extension. Anything
// unrecognised is read as CSV.
func DetectFormat(location string) Format {
	switch strings.ToLower(ext(location)) {
	case ".xlsx":
		return FormatXLSX
	case ".zip":
		return FormatZIP
	default:
		return FormatCSV
	}
}

// Loader resolves a location to a readable stream and parses it into rows.
type Loader struct {
	http    Fetcher
	ftp     Fetcher
	tempDir string
	csv     CSVOptions
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHTTP overrides the fetcher used for http and https locations.
func WithHTTP(f Fetcher) LoaderOption {
	return func(l *Loader) { l.http = f }
}

// WithFTP overrides the fetcher used for ftp locations.
func WithFTP(f Fetcher) LoaderOption {
	return func(l *Loader) { l.ftp = f }
}

// WithTempDir sets where remote XLSX and ZIP files are staged.
func WithTempDir(dir string) LoaderOption {
	return func(l *Loader) { l.tempDir = dir }
}

// WithCSVOptions sets the CSV parser options.
func WithCSVOptions(opts CSVOptions) LoaderOption {
	return func(l *Loader) { l.csv = opts }
}

// NewLoader creates a Loader with default HTTP and FTP fetchers.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		http: NewHTTPFetcher(HTTPOptions{}),
		ftp:  NewFTPFetcher(FTPOptions{}),
		csv:  CSVOptions{TrimSpace: true},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Open returns a stream for a local path, an http(s) URL or an ftp URL.
func (l *Loader) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	switch scheme(location) {
	case "http", "https":
		return l.http.Download(ctx, location)
	case "ftp":
		return l.ftp.Download(ctx, location)
	default:
		f, err := os.Open(location)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: open %s", location)
		}
		return f, nil
	}
}

// LoadRows reads every data row at location. The first row of the file is
// the header.
func (l *Loader) LoadRows(ctx context.Context, location string) ([]model.RawRow, error) {
	format := DetectFormat(location)
	zap.L().Debug("fetcher: loading rows",
		zap.String("location", location),
		zap.String("format", string(format)),
	)

	if format == FormatCSV {
		rc, err := l.Open(ctx, location)
		if err != nil {
			return nil, err
		}
		defer rc.Close() //nolint:errcheck
		return ReadCSVRows(ctx, rc, l.csv)
	}

	local, cleanup, err := l.localCopy(ctx, location)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if format == FormatXLSX {
		return ReadXLSXRows(local, XLSXOptions{})
	}

	dir, err := os.MkdirTemp(l.tempDir, "supplier-zip-*")
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create extract dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	inner, err := ExtractZIPSingle(local, dir)
	if err != nil {
		return nil, err
	}
	if DetectFormat(inner) == FormatZIP {
		return nil, eris.Errorf("fetcher: nested archive %s", filepath.Base(inner))
	}
	return l.LoadRows(ctx, inner)
}

// localCopy returns a local path for location, downloading remote files into
// a temp file that cleanup removes.
func (l *Loader) localCopy(ctx context.Context, location string) (string, func(), error) {
	var f Fetcher
	switch scheme(location) {
	case "http", "https":
		f = l.http
	case "ftp":
		f = l.ftp
	default:
		return location, func() {}, nil
	}

	tmp, err := os.CreateTemp(l.tempDir, "supplier-src-*"+ext(location))
	if err != nil {
		return "", nil, eris.Wrap(err, "fetcher: create temp file")
	}
	name := tmp.Name()
	_ = tmp.Close()
	cleanup := func() { _ = os.Remove(name) }

	if _, err := f.DownloadToFile(ctx, location, name); err != nil {
		cleanup()
		return "", nil, err
	}
	return name, cleanup, nil
}

// ext is the extension of a path or of a URL's path.
func ext(location string) string {
	p := location
	if u, err := url.Parse(location); err == nil && u.Scheme != "" && u.Path != "" {
		p = u.Path
	}
	return path.Ext(p)
}

func scheme(location string) string {
	u, err := url.Parse(location)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// writeToFile copies r into a new file at path.
func writeToFile(r io.Reader, path string) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, r)
	if err != nil {
		return n, eris.Wrap(err, "write file")
	}
	return n, nil
}
