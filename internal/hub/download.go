package hub

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// download fetches url into dst through a temp file in the same directory.
// The file is renamed into place only after its size and digest check out.
func (c *Client) download(ctx context.Context, url, dst string, f File) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	resp, err := c.get(ctx, url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	var w io.Writer = tmp
	var verify func() bool
	if f.Digest != "" {
		v := f.Digest.Verifier()
		w = io.MultiWriter(tmp, v)
		verify = v.Verified
	}

	n, err := io.Copy(w, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to write %s: %w", dst, err)
	}

	if f.Size >= 0 && n != f.Size {
		return n, fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, n, f.Size)
	}
	if verify != nil && !verify() {
		return n, fmt.Errorf("%w: want %s", ErrDigestMismatch, f.Digest)
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return n, fmt.Errorf("failed to move %s into place: %w", dst, err)
	}
	return n, nil
}
