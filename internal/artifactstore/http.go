package artifactstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/ROCm/therock-tools/pkg/runoutputs"
)

// HTTPBackend reads a public bucket over HTTPS. Listing relies on the
// per-group index page CI uploads next to the artifacts.
type HTTPBackend struct {
	root    runoutputs.Root
	group   string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPBackend returns a read-only backend. An empty baseURL means the
// bucket's public S3 URL; a nil client gets a default with a timeout.
func NewHTTPBackend(root runoutputs.Root, group, baseURL string, client *http.Client, logger *zap.Logger) (*HTTPBackend, error) {
	if group != "" {
		if err := runoutputs.ValidateGroup(group); err != nil {
			return nil, err
		}
	}
	if baseURL == "" {
		baseURL = root.HTTPSURL()
	} else {
		baseURL = strings.TrimSuffix(baseURL, "/") + "/" + root.Prefix()
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}
	return &HTTPBackend{
		root:    root,
		group:   group,
		baseURL: baseURL,
		client:  client,
		logger:  logger.Named("http_backend"),
	}, nil
}

func (b *HTTPBackend) BaseURI() string { return b.baseURL }

func (b *HTTPBackend) url(filename string) string {
	return b.baseURL + "/" + filename
}

// List parses the index page for the backend's group.
func (b *HTTPBackend) List(ctx context.Context, nameFilter string) ([]string, error) {
	if b.group == "" {
		return nil, fmt.Errorf("listing %s requires an artifact group", b.baseURL)
	}
	resp, err := b.get(ctx, b.url("index-"+b.group+".html"))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	names, err := ParseIndex(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing index page: %w", err)
	}
	return filterArchives(names, nameFilter), nil
}

// ParseIndex extracts the file names of an S3 index page, which lists each
// object as <span class="name">file</span>.
func ParseIndex(r io.Reader) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}
	var names []string
	doc.Find("span.name").Each(func(_ int, s *goquery.Selection) {
		if name := strings.TrimSpace(s.Text()); name != "" {
			names = append(names, name)
		}
	})
	return names, nil
}

func (b *HTTPBackend) Download(ctx context.Context, filename, dest string) error {
	if !validFilename(filename) {
		return fmt.Errorf("%w: invalid name %q", ErrNotFound, filename)
	}
	if err := b.fetch(ctx, filename, dest); err != nil {
		return err
	}
	err := b.fetch(ctx, filename+runoutputs.HashSuffix, dest+runoutputs.HashSuffix)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (b *HTTPBackend) fetch(ctx context.Context, filename, dest string) error {
	url := b.url(filename)
	b.logger.Debug("downloading", zap.String("url", url), zap.String("dest", dest))
	resp, err := b.get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (b *HTTPBackend) Upload(ctx context.Context, src, filename string) error {
	return fmt.Errorf("%w: %s", ErrReadOnly, b.baseURL)
}

func (b *HTTPBackend) Exists(ctx context.Context, filename string) (bool, error) {
	if !validFilename(filename) {
		return false, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.url(filename), nil)
	if err != nil {
		return false, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		return false, nil
	default:
		return false, &StatusError{URL: b.url(filename), StatusCode: resp.StatusCode}
	}
}

func (b *HTTPBackend) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// StatusError is a non-200 response. 404 and 403 (S3's answer for a missing
// key in a public bucket) unwrap to ErrNotFound.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusForbidden {
		return ErrNotFound
	}
	return nil
}

// Retryable reports whether the failure is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
