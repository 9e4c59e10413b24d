package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/sanying/sign-pipeline/pkg/retry"
)

// ProgressFunc receives (bytes transferred, total bytes). Total is zero
// when the server does not report a content length.
type ProgressFunc func(written, total int64)

// Download streams url into dest. If dest already exists and its size
// matches the remote size, the download is skipped entirely. Transient
// failures are retried per the client policy; a partial file is removed
// between attempts.
func (c *Client) Download(ctx context.Context, url, dest string, progress ProgressFunc) error {
	if st, err := os.Stat(dest); err == nil && st.Size() > 0 {
		remote, err := c.remoteSize(ctx, url)
		if err == nil && remote == st.Size() {
			c.Log.Info("download skipped, existing file matches remote size",
				"path", dest, "bytes", st.Size())
			if progress != nil {
				progress(st.Size(), st.Size())
			}
			return nil
		}
		c.Log.Warn("existing file does not match remote, redownloading",
			"path", dest, "local", st.Size(), "remote", remote)
		if err := os.Remove(dest); err != nil {
			return fmt.Errorf("failed to remove stale download: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	err := retry.Do(ctx, c.Policy, func() error {
		if err := c.downloadOnce(ctx, url, dest, progress); err != nil {
			os.Remove(dest)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.Log.Info("download complete", "path", dest)
	return nil
}

func (c *Client) downloadOnce(ctx context.Context, url, dest string, progress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &DownloadError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &DownloadError{URL: url, Status: resp.StatusCode}
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer f.Close()

	total := resp.ContentLength
	var written int64
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("failed to write %s: %w", dest, werr)
			}
			written += int64(n)
			if progress != nil {
				progress(written, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return &DownloadError{URL: url, Err: rerr}
		}
	}
	if total > 0 && written != total {
		return &DownloadError{URL: url, Err: fmt.Errorf("size mismatch: got %d bytes, want %d", written, total)}
	}
	return nil
}

// remoteSize issues a metadata-only request for the asset size.
func (c *Client) remoteSize(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	c.authorize(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, &DownloadError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, &DownloadError{URL: url, Status: resp.StatusCode}
	}
	return resp.ContentLength, nil
}
