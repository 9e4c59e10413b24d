// Package fetch retrieves release archives that contain a built app bundle.
//
// It resolves (owner, repo, tag) to downloadable assets through the GitHub
// releases API, classifies assets per target architecture, downloads with
// bounded retries, and extracts the bundle from the archive.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sanying/sign-pipeline/pkg/retry"
)

const defaultAPIBase = "https://api.github.com"

// Release is the subset of the GitHub release payload the pipeline needs.
type Release struct {
	TagName string  `json:"tag_name"`
	Assets  []Asset `json:"assets"`
}

// Asset is one downloadable file attached to a release.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

// DownloadError reports a failed retrieval. Status is zero for transport
// errors that never produced a response.
type DownloadError struct {
	URL    string
	Status int
	Err    error
}

func (e *DownloadError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("download %s: HTTP %d", e.URL, e.Status)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// AmbiguousAssetError reports a release asset whose target architecture
// cannot be determined from its name. The caller must disambiguate with an
// explicit architecture or download URL instead of the pipeline guessing.
type AmbiguousAssetError struct {
	Asset string
}

func (e *AmbiguousAssetError) Error() string {
	return fmt.Sprintf("cannot determine architecture of release asset %q; pass --arch together with --download-url", e.Asset)
}

// Client talks to the release host and performs downloads.
type Client struct {
	HTTP    *http.Client
	APIBase string
	Token   string
	Policy  retry.Policy
	Log     *slog.Logger
}

// NewClient returns a Client with the default download retry policy:
// three attempts with a doubling delay, retrying only transient failures.
func NewClient(token string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		HTTP:    &http.Client{Timeout: 5 * time.Minute},
		APIBase: defaultAPIBase,
		Token:   token,
		Log:     log,
		Policy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			Multiplier:  2,
			Classify:    classifyDownload,
		},
	}
}

// Release fetches release metadata for the given tag.
func (c *Client) Release(ctx context.Context, owner, repo, tag string) (*Release, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/releases/tags/%s", strings.TrimRight(c.APIBase, "/"), owner, repo, tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	c.authorize(req)

	var rel Release
	err = retry.Do(ctx, c.Policy, func() error {
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return &DownloadError{URL: url, Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return &DownloadError{URL: url, Status: resp.StatusCode}
		}
		return json.NewDecoder(resp.Body).Decode(&rel)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch release %s/%s@%s: %w", owner, repo, tag, err)
	}
	c.Log.Info("resolved release", "tag", rel.TagName, "assets", len(rel.Assets))
	return &rel, nil
}

// AssetsByArch maps archive assets to "arm64" and "intel" by filename
// tokens. An archive that is recognizably macOS but carries no architecture
// token yields an AmbiguousAssetError rather than a guess.
func AssetsByArch(assets []Asset) (map[string]Asset, error) {
	byArch := make(map[string]Asset)
	var ambiguous *Asset
	for i, a := range assets {
		name := strings.ToLower(a.Name)
		if !strings.HasSuffix(name, ".zip") {
			continue
		}
		switch {
		case containsAny(name, "arm64", "aarch64", "apple", "applesilicon"):
			if _, dup := byArch["arm64"]; !dup {
				byArch["arm64"] = a
			}
		case containsAny(name, "intel", "x86_64", "x86", "amd64"):
			if _, dup := byArch["intel"]; !dup {
				byArch["intel"] = a
			}
		case containsAny(name, "macos", "darwin", "mac"):
			if ambiguous == nil {
				ambiguous = &assets[i]
			}
		}
	}
	if len(byArch) == 0 {
		if ambiguous != nil {
			return nil, &AmbiguousAssetError{Asset: ambiguous.Name}
		}
		return nil, errors.New("release has no macOS app archive assets")
	}
	return byArch, nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (c *Client) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "token "+c.Token)
	}
}

// classifyDownload treats transport errors, timeouts and throttling or
// server-side statuses as retryable; anything else (404 and friends) is
// fatal.
func classifyDownload(err error) retry.Class {
	var dlErr *DownloadError
	if errors.As(err, &dlErr) {
		if dlErr.Status == 0 {
			return retry.Retryable
		}
		switch {
		case dlErr.Status == http.StatusRequestTimeout,
			dlErr.Status == http.StatusTooManyRequests,
			dlErr.Status >= 500:
			return retry.Retryable
		default:
			return retry.Fatal
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return retry.Retryable
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return retry.Retryable
	}
	return retry.Fatal
}
