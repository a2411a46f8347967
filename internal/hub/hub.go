// Package hub downloads model snapshots from HuggingFace and ModelScope.
package hub

import (
	"context"
	_ "crypto/sha256" // registers SHA-256 for go-digest
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Source selects where model files come from.
type Source string

// Supported sources.
const (
	SourceModelScope  Source = "modelscope"
	SourceHuggingFace Source = "huggingface"
	SourceLocal       Source = "local"
)

// Default endpoints.
const (
	DefaultModelScopeEndpoint  = "https://www.modelscope.cn"
	DefaultHuggingFaceEndpoint = "https://huggingface.co"
)

// Hub errors.
var (
	ErrNotFound       = errors.New("not found on hub")
	ErrUnauthorized   = errors.New("hub denied access")
	ErrDigestMismatch = errors.New("downloaded file does not match its digest")
	ErrSizeMismatch   = errors.New("downloaded file does not match its size")
	ErrNoMatch        = errors.New("no repository file matches the download patterns")
	ErrUnsafePath     = errors.New("repository file path escapes the snapshot directory")
	ErrUnknownSource  = errors.New("unknown model source")
)

// DefaultPatterns are the files a BERT export reads.
var DefaultPatterns = []string{
	"config.json",
	"model.safetensors",
	"model.safetensors.index.json",
	"model-*-of-*.safetensors",
	"pytorch_model.bin",
	"vocab.txt",
	"tokenizer.json",
	"tokenizer_config.json",
	"special_tokens_map.json",
}

// File is a repository file as listed by the hub.
type File struct {
	Path   string
	Size   int64         // -1 when the listing does not report it
	Digest digest.Digest // empty when the listing has no sha256
}

// Snapshot is a local copy of a repository revision.
type Snapshot struct {
	Dir        string
	Source     Source
	Repo       string
	Revision   string
	Commit     string // resolved commit, when the hub reports one
	Files      []File
	Downloaded int
	Cached     int
	Bytes      int64 // bytes transferred
}

// Options configures a Client.
type Options struct {
	Source      Source
	Endpoint    string // hub base URL; the source default when empty
	Token       string // bearer token, optional
	CacheDir    string
	Concurrency int
	HTTPClient  *http.Client
	UserAgent   string
}

// backend speaks one hub's HTTP API.
type backend interface {
	defaultRevision() string
	list(ctx context.Context, repo, revision string) (files []File, commit string, err error)
	fileURL(repo, revision, filePath string) string
}

// Client downloads repository snapshots into a cache directory.
type Client struct {
	opts    Options
	http    *http.Client
	backend backend
}

// New creates a client for opts.Source.
func New(opts Options) (*Client, error) {
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Minute}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "bert2onnx"
	}
	if opts.CacheDir == "" && opts.Source != SourceLocal {
		dir, err := DefaultCacheDir()
		if err != nil {
			return nil, err
		}
		opts.CacheDir = dir
	}

	c := &Client{opts: opts, http: opts.HTTPClient}
	switch opts.Source {
	case SourceHuggingFace:
		c.backend = &huggingFace{client: c, endpoint: endpointOr(opts.Endpoint, DefaultHuggingFaceEndpoint)}
	case SourceModelScope:
		c.backend = &modelScope{client: c, endpoint: endpointOr(opts.Endpoint, DefaultModelScopeEndpoint)}
	case SourceLocal:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, opts.Source)
	}
	return c, nil
}

// DefaultCacheDir returns <user cache dir>/bert2onnx.
func DefaultCacheDir() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate cache directory: %w", err)
	}
	return filepath.Join(dir, "bert2onnx"), nil
}

func endpointOr(endpoint, def string) string {
	if endpoint == "" {
		return def
	}
	return strings.TrimRight(endpoint, "/")
}

// Snapshot makes the files of repo at revision that match patterns available
// locally and returns the directory holding them.
//
// Remote files land in <cache>/<source>/<repo>/<revision>/. Files already
// there with the listed size are kept. For the local source repo is a
// directory and nothing is downloaded.
func (c *Client) Snapshot(ctx context.Context, repo, revision string, patterns []string) (*Snapshot, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	if c.opts.Source == SourceLocal {
		return localSnapshot(repo, patterns)
	}

	log := zerolog.Ctx(ctx)
	if revision == "" {
		revision = c.backend.defaultRevision()
	}

	listed, commit, err := c.backend.list(ctx, repo, revision)
	if err != nil {
		return nil, err
	}
	files := selectWeights(filterFiles(listed, patterns))
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s@%s (%d files listed)", ErrNoMatch, repo, revision, len(listed))
	}
	for _, f := range files {
		if !filepath.IsLocal(f.Path) {
			return nil, fmt.Errorf("%w: %q", ErrUnsafePath, f.Path)
		}
	}

	dir := filepath.Join(c.opts.CacheDir, string(c.opts.Source), filepath.FromSlash(repo), revision)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	snap := &Snapshot{
		Dir:      dir,
		Source:   c.opts.Source,
		Repo:     repo,
		Revision: revision,
		Commit:   commit,
		Files:    files,
	}
	log.Info().
		Str("repo", repo).
		Str("revision", revision).
		Int("files", len(files)).
		Str("size", units.HumanSize(float64(totalSize(files)))).
		Msg("fetching snapshot")

	results := make([]int64, len(files))
	cached := make([]bool, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, f := range files {
		g.Go(func() error {
			dst := filepath.Join(dir, filepath.FromSlash(f.Path))
			if isCached(dst, f) {
				cached[i] = true
				log.Debug().Str("file", f.Path).Msg("cached")
				return nil
			}
			n, err := c.download(gctx, c.backend.fileURL(repo, revision, f.Path), dst, f)
			if err != nil {
				return fmt.Errorf("%s: %w", f.Path, err)
			}
			results[i] = n
			log.Info().Str("file", f.Path).Str("size", units.HumanSize(float64(n))).Msg("downloaded")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := range files {
		if cached[i] {
			snap.Cached++
		} else {
			snap.Downloaded++
			snap.Bytes += results[i]
		}
	}
	return snap, nil
}

// filterFiles keeps files whose repo-relative path matches a pattern.
// Patterns without a slash therefore only select files at the repo root,
// which is the only directory the loader reads.
func filterFiles(files []File, patterns []string) []File {
	var out []File
	for _, f := range files {
		for _, p := range patterns {
			if ok, _ := path.Match(p, f.Path); ok {
				out = append(out, f)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// selectWeights keeps one root-level weight format: model.safetensors,
// else the sharded index with its shards, else pytorch_model.bin. Files in
// subdirectories are left alone.
func selectWeights(files []File) []File {
	has := make(map[string]bool, len(files))
	for _, f := range files {
		if path.Dir(f.Path) == "." {
			has[f.Path] = true
		}
	}
	single := has["model.safetensors"]
	sharded := !single && has["model.safetensors.index.json"]

	out := files[:0:0]
	for _, f := range files {
		if path.Dir(f.Path) != "." {
			out = append(out, f)
			continue
		}
		switch {
		case f.Path == "pytorch_model.bin" && (single || sharded):
			continue
		case f.Path == "model.safetensors.index.json" && single:
			continue
		case isShard(f.Path) && !sharded:
			continue
		}
		out = append(out, f)
	}
	return out
}

func isShard(base string) bool {
	ok, _ := path.Match("model-*-of-*.safetensors", base)
	return ok
}

func totalSize(files []File) int64 {
	var n int64
	for _, f := range files {
		if f.Size > 0 {
			n += f.Size
		}
	}
	return n
}

func isCached(dst string, f File) bool {
	info, err := os.Stat(dst)
	if err != nil || info.IsDir() {
		return false
	}
	return f.Size < 0 || info.Size() == f.Size
}

// get issues an authenticated GET and maps error statuses.
func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp, nil
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s (status %d)", ErrUnauthorized, url, resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s: unexpected status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
