package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const maxBlobSize = 64 << 20 // 64 MB

// FileFetcher loads export content either over HTTP(S) or from the local
// upload directory, depending on the blob URL scheme.
type FileFetcher struct {
	client  *http.Client
	baseDir string
}

func NewFileFetcher(baseDir string) *FileFetcher {
	return &FileFetcher{
		client:  &http.Client{Timeout: 60 * time.Second},
		baseDir: baseDir,
	}
}

func (f *FileFetcher) Fetch(ctx context.Context, blobURL string) ([]byte, error) {
	u, err := url.Parse(blobURL)
	if err != nil {
		return nil, fmt.Errorf("parse blob url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, blobURL)
	case "file", "":
		return f.fetchLocal(u)
	}
	return nil, fmt.Errorf("unsupported blob url scheme %q", u.Scheme)
}

func (f *FileFetcher) fetchHTTP(ctx context.Context, blobURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build blob request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch blob: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch blob: unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobSize+1))
	if err != nil {
		return nil, fmt.Errorf("read blob body: %w", err)
	}
	if len(data) > maxBlobSize {
		return nil, fmt.Errorf("blob exceeds %d bytes", maxBlobSize)
	}
	return data, nil
}

func (f *FileFetcher) fetchLocal(u *url.URL) ([]byte, error) {
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	// Uploaded files live under the configured base dir only.
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve blob path: %w", err)
	}
	if f.baseDir != "" {
		base, err := filepath.Abs(f.baseDir)
		if err != nil {
			return nil, fmt.Errorf("resolve base dir: %w", err)
		}
		if abs != base && !strings.HasPrefix(abs, base+string(filepath.Separator)) {
			return nil, fmt.Errorf("blob path %s escapes upload directory", path)
		}
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read blob file: %w", err)
	}
	return data, nil
}
