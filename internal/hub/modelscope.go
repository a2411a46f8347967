package hub

import (
	"context"
	"fmt"
	"net/url"

	"github.com/goccy/go-json"
	"github.com/opencontainers/go-digest"
)

// modelScope implements backend for the ModelScope hub.
type modelScope struct {
	client   *Client
	endpoint string
}

// msFilesResponse is the /api/v1/models/<repo>/repo/files envelope.
type msFilesResponse struct {
	Code    int    `json:"Code"`
	Message string `json:"Message"`
	Success *bool  `json:"Success"`
	Data    struct {
		Files []struct {
			Name     string `json:"Name"`
			Path     string `json:"Path"`
			Type     string `json:"Type"` // "blob" or "tree"
			Size     int64  `json:"Size"`
			Sha256   string `json:"Sha256"`
			Revision string `json:"Revision"`
		} `json:"Files"`
	} `json:"Data"`
}

func (m *modelScope) defaultRevision() string {
	return "master"
}

func (m *modelScope) list(ctx context.Context, repo, revision string) ([]File, string, error) {
	q := url.Values{}
	q.Set("Revision", revision)
	q.Set("Recursive", "true")
	u := fmt.Sprintf("%s/api/v1/models/%s/repo/files?%s", m.endpoint, repo, q.Encode())

	resp, err := m.client.get(ctx, u)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	var body msFilesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, "", fmt.Errorf("failed to decode file list: %w", err)
	}
	if (body.Code != 0 && body.Code != 200) || (body.Success != nil && !*body.Success) {
		return nil, "", fmt.Errorf("file list for %s@%s failed: code %d: %s", repo, revision, body.Code, body.Message)
	}

	var commit string
	files := make([]File, 0, len(body.Data.Files))
	for _, f := range body.Data.Files {
		if f.Type == "tree" {
			continue
		}
		file := File{Path: f.Path, Size: f.Size}
		if d := digest.NewDigestFromEncoded(digest.SHA256, f.Sha256); f.Sha256 != "" && d.Validate() == nil {
			file.Digest = d
		}
		if commit == "" {
			commit = f.Revision
		}
		files = append(files, file)
	}
	return files, commit, nil
}

func (m *modelScope) fileURL(repo, revision, filePath string) string {
	q := url.Values{}
	q.Set("Revision", revision)
	q.Set("FilePath", filePath)
	return fmt.Sprintf("%s/api/v1/models/%s/repo?%s", m.endpoint, repo, q.Encode())
}
