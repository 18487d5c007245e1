// Package fetch downloads release archives and unpacks them into a scratch directory.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/schaermu/relaunchd/internal/release"
)

var (
	// ErrDownload indicates a transport failure or non-success response.
	ErrDownload = errors.New("download failed")

	// ErrIntegrity indicates the archive could not be verified against its checksum.
	ErrIntegrity = errors.New("archive integrity check failed")

	// ErrExtraction indicates a corrupt archive or one violating the
	// single top-level directory layout.
	ErrExtraction = errors.New("extraction failed")
)

const (
	// maxArchiveBytes bounds the downloaded archive (1 GiB).
	maxArchiveBytes = 1 << 30

	// maxChecksumBytes bounds the checksum manifest (1 MiB).
	maxChecksumBytes = 1 << 20
)

// Fetcher retrieves release archives over HTTP.
type Fetcher struct {
	httpClient      *http.Client
	apiBaseURL      string
	token           string
	userAgent       string
	requireChecksum bool
	logger          *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets the HTTP client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.httpClient = c
	}
}

// WithToken attaches a bearer token to requests aimed at the GitHub host
// identified by apiBaseURL. Redirect targets never receive it.
func WithToken(token, apiBaseURL string) Option {
	return func(f *Fetcher) {
		f.token = token
		f.apiBaseURL = apiBaseURL
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

// WithRequireChecksum makes Verify fail when no checksum is published.
func WithRequireChecksum(require bool) Option {
	return func(f *Fetcher) {
		f.requireChecksum = require
	}
}

// New creates a Fetcher.
func New(logger *slog.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient: &http.Client{Timeout: 15 * time.Minute},
		apiBaseURL: release.DefaultBaseURL,
		userAgent:  "relaunchd/dev",
		logger:     logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Download fetches url in full and stores it at dest. The body is written to a
// temp file next to dest and renamed into place once complete.
func (f *Fetcher) Download(ctx context.Context, url, dest string) (err error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("%w: creating archive directory: %v", ErrDownload, err)
	}

	body, err := f.get(ctx, url, "application/octet-stream")
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".relaunchd-download-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrDownload, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // no-op after a successful rename

	n, err := io.Copy(tmp, io.LimitReader(body, maxArchiveBytes+1))
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: reading %s: %v", ErrDownload, release.RedactURL(url), err)
	}
	if n > maxArchiveBytes {
		_ = tmp.Close()
		return fmt.Errorf("%w: archive exceeds %s", ErrDownload, humanize.IBytes(maxArchiveBytes))
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrDownload, err)
	}

	f.logger.Info("downloaded release archive",
		"url", release.RedactURL(url),
		"size", humanize.Bytes(uint64(n)),
		"dest", dest)
	return nil
}

// Verify checks archivePath against the sha256sum manifest at checksumURL.
// assetName is the archive's entry in that manifest. Without a checksum URL
// or asset name the archive is accepted unless checksums are required.
func (f *Fetcher) Verify(ctx context.Context, archivePath, checksumURL, assetName string) error {
	if checksumURL == "" || assetName == "" {
		if f.requireChecksum {
			return fmt.Errorf("%w: release publishes no checksum for the archive", ErrIntegrity)
		}
		f.logger.Debug("no checksum available, skipping verification", "archive", archivePath)
		return nil
	}

	body, err := f.get(ctx, checksumURL, "text/plain")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	defer func() { _ = body.Close() }()

	entries, err := ParseChecksums(io.LimitReader(body, maxChecksumBytes))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	expected, err := FindChecksum(entries, assetName)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIntegrity, assetName, err)
	}
	if err := VerifyFile(archivePath, expected); err != nil {
		return err
	}

	f.logger.Info("archive checksum verified", "asset", assetName)
	return nil
}

// Extract unpacks archivePath into scratchDir. See the package-level Extract.
func (f *Fetcher) Extract(archivePath, scratchDir string) (string, error) {
	root, err := Extract(archivePath, scratchDir)
	if err != nil {
		return "", err
	}
	f.logger.Debug("archive extracted", "root", root)
	return root, nil
}

func (f *Fetcher) get(ctx context.Context, url, accept string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrDownload, err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", f.userAgent)
	if f.token != "" && release.IsGitHubHost(req.URL, f.apiBaseURL) {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDownload, release.RedactURL(url), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s: unexpected status %d", ErrDownload, release.RedactURL(url), resp.StatusCode)
	}
	return resp.Body, nil
}
