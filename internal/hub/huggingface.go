package hub

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/opencontainers/go-digest"
)

// huggingFace implements backend for the HuggingFace Hub.
type huggingFace struct {
	client   *Client
	endpoint string
}

// hfModelInfo is the subset of /api/models/<repo>/revision/<rev>?blobs=true.
type hfModelInfo struct {
	SHA      string `json:"sha"`
	Siblings []struct {
		RFilename string `json:"rfilename"`
		Size      *int64 `json:"size"`
		LFS       *struct {
			SHA256 string `json:"sha256"`
			Size   int64  `json:"size"`
		} `json:"lfs"`
	} `json:"siblings"`
}

func (h *huggingFace) defaultRevision() string {
	return "main"
}

func (h *huggingFace) list(ctx context.Context, repo, revision string) ([]File, string, error) {
	u := fmt.Sprintf("%s/api/models/%s/revision/%s?blobs=true", h.endpoint, repo, url.PathEscape(revision))
	resp, err := h.client.get(ctx, u)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	var info hfModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, "", fmt.Errorf("failed to decode model info: %w", err)
	}

	files := make([]File, 0, len(info.Siblings))
	for _, s := range info.Siblings {
		f := File{Path: s.RFilename, Size: -1}
		if s.Size != nil {
			f.Size = *s.Size
		}
		// Only LFS files carry a sha256; git blob ids are sha1 of a header.
		if s.LFS != nil {
			f.Size = s.LFS.Size
			if d := digest.NewDigestFromEncoded(digest.SHA256, s.LFS.SHA256); d.Validate() == nil {
				f.Digest = d
			}
		}
		files = append(files, f)
	}
	return files, info.SHA, nil
}

func (h *huggingFace) fileURL(repo, revision, filePath string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", h.endpoint, repo, url.PathEscape(revision), escapePath(filePath))
}

// escapePath escapes each segment of a slash separated path.
func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
