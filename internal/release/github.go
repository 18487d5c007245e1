package release

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the public GitHub REST API endpoint.
	DefaultBaseURL = "https://api.github.com"

	// ChecksumAssetName is the conventional name of the sha256sum manifest
	// uploaded alongside release archives.
	ChecksumAssetName = "checksums.txt"

	// maxJSONResponseBytes bounds the release metadata response (10 MB).
	maxJSONResponseBytes = 10 << 20
)

// RateLimitError is returned when the GitHub API rate limit is exhausted.
type RateLimitError struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("GitHub API rate limit exceeded (%d remaining, resets at %s)",
		e.Remaining, e.ResetAt.UTC().Format("15:04 UTC"))
}

// Unwrap classifies rate limiting as a version query failure.
func (e *RateLimitError) Unwrap() error { return ErrVersionQuery }

// Release is a published GitHub release.
type Release struct {
	TagName    string
	Name       string
	ZipballURL string
	HTMLURL    string
	Assets     []Asset
}

// Asset is a file uploaded to a release.
type Asset struct {
	Name               string
	BrowserDownloadURL string
	Size               int64
}

type githubRelease struct {
	TagName    string        `json:"tag_name"`
	Name       string        `json:"name"`
	ZipballURL string        `json:"zipball_url"`
	HTMLURL    string        `json:"html_url"`
	Assets     []githubAsset `json:"assets"`
}

type githubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

// Source reports the latest published release.
type Source interface {
	Latest(ctx context.Context) (*Release, error)
}

// GitHubClient queries the GitHub Releases API.
type GitHubClient struct {
	httpClient *http.Client
	owner      string
	repo       string
	baseURL    string
	token      string
	userAgent  string
}

// ClientOption configures a GitHubClient.
type ClientOption func(*GitHubClient)

// WithHTTPClient sets the HTTP client used for API requests.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(g *GitHubClient) {
		g.httpClient = c
	}
}

// WithBaseURL overrides the API base URL, mainly for test servers and GitHub Enterprise.
func WithBaseURL(base string) ClientOption {
	return func(g *GitHubClient) {
		if base != "" {
			g.baseURL = strings.TrimRight(base, "/")
		}
	}
}

// WithToken sets a personal access token for authenticated requests.
func WithToken(token string) ClientOption {
	return func(g *GitHubClient) {
		g.token = strings.TrimSpace(token)
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(g *GitHubClient) {
		g.userAgent = ua
	}
}

// NewGitHubClient creates a client for owner/repo.
func NewGitHubClient(owner, repo string, opts ...ClientOption) *GitHubClient {
	c := &GitHubClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		owner:      owner,
		repo:       repo,
		baseURL:    DefaultBaseURL,
		userAgent:  "relaunchd/dev",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FullName returns "owner/repo".
func (c *GitHubClient) FullName() string {
	return c.owner + "/" + c.repo
}

// Latest fetches the most recent non-draft, non-prerelease release.
func (c *GitHubClient) Latest(ctx context.Context) (*Release, error) {
	reqURL := fmt.Sprintf("%s/repos/%s/%s/releases/latest", c.baseURL, c.owner, c.repo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrVersionQuery, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" && IsGitHubHost(req.URL, c.baseURL) {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrVersionQuery, RedactURL(reqURL), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkRateLimit(resp); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: unexpected status %d", ErrVersionQuery, RedactURL(reqURL), resp.StatusCode)
	}

	var gr githubRelease
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONResponseBytes)).Decode(&gr); err != nil {
		return nil, fmt.Errorf("%w: decoding release metadata: %v", ErrVersionQuery, err)
	}
	if gr.TagName == "" {
		return nil, fmt.Errorf("%w: release metadata has no tag_name", ErrVersionQuery)
	}

	rel := &Release{
		TagName:    gr.TagName,
		Name:       gr.Name,
		ZipballURL: gr.ZipballURL,
		HTMLURL:    gr.HTMLURL,
		Assets:     make([]Asset, 0, len(gr.Assets)),
	}
	for _, ga := range gr.Assets {
		rel.Assets = append(rel.Assets, Asset(ga))
	}
	return rel, nil
}

// FindAsset returns the asset with the given name, or nil.
func (r *Release) FindAsset(name string) *Asset {
	for i := range r.Assets {
		if r.Assets[i].Name == name {
			return &r.Assets[i]
		}
	}
	return nil
}

// checkRateLimit returns a RateLimitError when a request was refused with the
// remaining quota at zero. A successful response on the last allowed request
// carries the same header and is not an error.
func checkRateLimit(resp *http.Response) error {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		return nil
	}
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	if remaining == "" {
		return nil
	}
	rem, err := strconv.Atoi(remaining)
	if err != nil || rem > 0 {
		return nil
	}

	limit, _ := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit"))
	resetUnix, _ := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)

	return &RateLimitError{
		Limit:     limit,
		Remaining: 0,
		ResetAt:   time.Unix(resetUnix, 0),
	}
}

// IsGitHubHost reports whether reqURL targets the configured API host, so the
// token is never sent to a CDN a download redirects to.
func IsGitHubHost(reqURL *url.URL, baseURL string) bool {
	base, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	if strings.EqualFold(reqURL.Host, base.Host) {
		return true
	}
	return strings.EqualFold(base.Host, "api.github.com") && strings.EqualFold(reqURL.Host, "github.com")
}

// RedactURL strips query parameters and fragments, which may carry signed tokens.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid-url>"
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String()
}
