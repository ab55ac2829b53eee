// Package artwork resolves an ARTWORK URL into bytes and writes them to
// a fresh tmpfile, replacing (and unlinking) any tmpfile it previously
// created. The HTTP client is configured through functional options
// (WithHTTPClient, WithTimeout, WithTmpDir).
package artwork

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cliap2/cliap2/internal/apperr"
)

// Format is the detected artwork encoding.
type Format int

const (
	FormatUnknown Format = iota
	FormatJPEG
	FormatPNG
)

func (f Format) ext() string {
	switch f {
	case FormatJPEG:
		return ".jpg"
	case FormatPNG:
		return ".png"
	default:
		return ""
	}
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the default HTTP client, for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.http = c }
}

// WithTimeout sets the per-request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.http.Timeout = d }
}

// WithTmpDir overrides the directory tmpfiles are created in (default
// os.TempDir()), for tests.
func WithTmpDir(dir string) Option {
	return func(f *Fetcher) { f.tmpDir = dir }
}

// Fetcher fetches artwork and manages the single tmpfile currently
// staged for it. It is safe for concurrent use, though §5 only ever
// calls it from the command-pipe reader thread.
type Fetcher struct {
	http      *http.Client
	tmpDir    string
	pkgPrefix string

	mu          sync.Mutex
	currentPath string
}

// New returns a Fetcher that names tmpfiles "<pkgPrefix>.XXXXXX.<ext>".
func New(pkgPrefix string, opts ...Option) *Fetcher {
	f := &Fetcher{
		http:      &http.Client{Timeout: 10 * time.Second},
		tmpDir:    os.TempDir(),
		pkgPrefix: pkgPrefix,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchToTmpfile fetches url, detects its format from the response
// Content-Type, writes the bytes to a fresh tmpfile, replaces any
// tmpfile this Fetcher previously created, and returns a "file:<path>"
// URL for staging.
//
// An HTTP 404 is reported as apperr.KindNotFound so callers can treat
// "no artwork" distinctly from a transport failure; any other non-200
// status is apperr.KindIO.
func (f *Fetcher) FetchToTmpfile(url string) (string, error) {
	const op = "artwork.FetchToTmpfile"

	ctx, cancel := context.WithTimeout(context.Background(), f.http.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", apperr.New(op, apperr.KindInvalid, err)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return "", apperr.New(op, apperr.KindIO, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", apperr.New(op, apperr.KindNotFound, fmt.Errorf("artwork not found at %s", url))
	}
	if resp.StatusCode != http.StatusOK {
		return "", apperr.New(op, apperr.KindIO, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url))
	}

	format := detectFormat(resp.Header.Get("Content-Type"))
	if format == FormatUnknown {
		return "", apperr.New(op, apperr.KindUnsupported, fmt.Errorf("unsupported content-type %q", resp.Header.Get("Content-Type")))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.New(op, apperr.KindIO, err)
	}

	path, err := f.recreateTmpfile(format, body)
	if err != nil {
		return "", apperr.New(op, apperr.KindIO, err)
	}

	return "file:" + path, nil
}

// detectFormat maps a Content-Type header to a Format, matching
// image/jpeg and image/jpg as JPEG and image/png as PNG.
func detectFormat(contentType string) Format {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	switch ct {
	case "image/jpeg", "image/jpg":
		return FormatJPEG
	case "image/png":
		return FormatPNG
	default:
		return FormatUnknown
	}
}

// recreateTmpfile closes and unlinks any tmpfile this Fetcher previously
// created, writes body to a fresh one with the given format's
// extension, and returns its path.
func (f *Fetcher) recreateTmpfile(format Format, body []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.currentPath != "" {
		_ = os.Remove(f.currentPath)
		f.currentPath = ""
	}

	tmp, err := os.CreateTemp(f.tmpDir, f.pkgPrefix+".*"+format.ext())
	if err != nil {
		return "", err
	}
	path := tmp.Name()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(path)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(path)
		return "", err
	}

	f.currentPath = path
	return path, nil
}

// Close unlinks any tmpfile this Fetcher currently owns, for teardown.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.currentPath == "" {
		return nil
	}
	err := os.Remove(f.currentPath)
	f.currentPath = ""
	return err
}

// CurrentPath returns the path of the tmpfile currently staged, or ""
// if none.
func (f *Fetcher) CurrentPath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentPath
}
