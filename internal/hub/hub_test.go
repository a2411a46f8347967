package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// fakeHF serves a HuggingFace-style API for one repository.
type fakeHF struct {
	repo      string
	files     map[string][]byte
	lfs       map[string]bool
	badDigest bool
	token     string
	fetches   atomic.Int32
}

func (f *fakeHF) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.token != "" && r.Header.Get("Authorization") != "Bearer "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if r.URL.Path == "/api/models/"+f.repo+"/revision/main" {
		type lfs struct {
			SHA256 string `json:"sha256"`
			Size   int64  `json:"size"`
		}
		type sibling struct {
			RFilename string `json:"rfilename"`
			Size      int64  `json:"size"`
			LFS       *lfs   `json:"lfs,omitempty"`
		}
		var siblings []sibling
		for name, data := range f.files {
			s := sibling{RFilename: name, Size: int64(len(data))}
			if f.lfs[name] {
				sum := sha256Hex(data)
				if f.badDigest {
					sum = sha256Hex([]byte("something else"))
				}
				s.LFS = &lfs{SHA256: sum, Size: int64(len(data))}
			}
			siblings = append(siblings, s)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"sha": "abc123", "siblings": siblings})
		return
	}

	prefix := "/" + f.repo + "/resolve/main/"
	if name, ok := strings.CutPrefix(r.URL.Path, prefix); ok {
		data, found := f.files[name]
		if !found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.fetches.Add(1)
		_, _ = w.Write(data)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func newFakeHF() *fakeHF {
	return &fakeHF{
		repo: "org/tiny-bert",
		files: map[string][]byte{
			"config.json":       []byte(`{"model_type":"bert"}`),
			"model.safetensors": []byte("weights"),
			"pytorch_model.bin": []byte("pickled weights"),
			"vocab.txt":         []byte("[PAD]\n[UNK]\n"),
			"README.md":         []byte("# tiny"),
			"onnx/model.onnx":   []byte("onnx"),
		},
		lfs: map[string]bool{"model.safetensors": true, "pytorch_model.bin": true},
	}
}

func newHFClient(t *testing.T, srv *httptest.Server, token string) *Client {
	t.Helper()
	c, err := New(Options{
		Source:      SourceHuggingFace,
		Endpoint:    srv.URL,
		Token:       token,
		CacheDir:    t.TempDir(),
		Concurrency: 2,
	})
	require.NoError(t, err)
	return c
}

func TestSnapshotHuggingFace(t *testing.T) {
	fake := newFakeHF()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newHFClient(t, srv, "")
	snap, err := c.Snapshot(context.Background(), fake.repo, "", nil)
	require.NoError(t, err)

	assert.Equal(t, "main", snap.Revision)
	assert.Equal(t, "abc123", snap.Commit)
	assert.Equal(t, filepath.Join(c.opts.CacheDir, "huggingface", "org", "tiny-bert", "main"), snap.Dir)
	assert.Equal(t, 3, snap.Downloaded)
	assert.Equal(t, 0, snap.Cached)

	var paths []string
	for _, f := range snap.Files {
		paths = append(paths, f.Path)
	}
	// pytorch_model.bin is skipped when model.safetensors exists.
	assert.Equal(t, []string{"config.json", "model.safetensors", "vocab.txt"}, paths)

	got, err := os.ReadFile(filepath.Join(snap.Dir, "model.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(got))

	// A second snapshot is served from the cache.
	again, err := c.Snapshot(context.Background(), fake.repo, "main", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Downloaded)
	assert.Equal(t, 3, again.Cached)
	assert.Equal(t, int32(3), fake.fetches.Load())
}

func TestSnapshotDigestMismatch(t *testing.T) {
	fake := newFakeHF()
	fake.badDigest = true
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newHFClient(t, srv, "")
	_, err := c.Snapshot(context.Background(), fake.repo, "", []string{"model.safetensors"})
	require.ErrorIs(t, err, ErrDigestMismatch)

	dir := filepath.Join(c.opts.CacheDir, "huggingface", "org", "tiny-bert", "main")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected downloads must not stay in the cache")
}

func TestSnapshotErrors(t *testing.T) {
	fake := newFakeHF()
	fake.token = "secret"
	srv := httptest.NewServer(fake)
	defer srv.Close()

	t.Run("unauthorized", func(t *testing.T) {
		_, err := newHFClient(t, srv, "").Snapshot(context.Background(), fake.repo, "", nil)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := newHFClient(t, srv, "secret").Snapshot(context.Background(), "org/missing", "", nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("no match", func(t *testing.T) {
		_, err := newHFClient(t, srv, "secret").Snapshot(context.Background(), fake.repo, "", []string{"*.gguf"})
		assert.ErrorIs(t, err, ErrNoMatch)
	})
}

func TestSnapshotModelScope(t *testing.T) {
	repo := "iic/tiny"
	files := map[string][]byte{
		"config.json":       []byte(`{}`),
		"pytorch_model.bin": []byte("pickled"),
		"vocab.txt":         []byte("[PAD]\n"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/models/"+repo+"/repo/files", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "master", r.URL.Query().Get("Revision"))
		assert.Equal(t, "true", r.URL.Query().Get("Recursive"))
		var list []map[string]any
		list = append(list, map[string]any{"Name": "configs", "Path": "configs", "Type": "tree"})
		for name, data := range files {
			list = append(list, map[string]any{
				"Name": name, "Path": name, "Type": "blob",
				"Size": len(data), "Sha256": sha256Hex(data), "Revision": "deadbeef",
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Code": 200, "Success": true, "Data": map[string]any{"Files": list},
		})
	})
	mux.HandleFunc("/api/v1/models/"+repo+"/repo", func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[r.URL.Query().Get("FilePath")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := New(Options{Source: SourceModelScope, Endpoint: srv.URL + "/", CacheDir: t.TempDir()})
	require.NoError(t, err)

	snap, err := c.Snapshot(context.Background(), repo, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "master", snap.Revision)
	assert.Equal(t, "deadbeef", snap.Commit)
	assert.Equal(t, 3, snap.Downloaded)
	assert.Equal(t, int64(len("{}")+len("pickled")+len("[PAD]\n")), snap.Bytes)

	got, err := os.ReadFile(filepath.Join(snap.Dir, "pytorch_model.bin"))
	require.NoError(t, err)
	assert.Equal(t, "pickled", string(got))
}

func TestSnapshotLocal(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"config.json", "model.safetensors", "pytorch_model.bin", "vocab.txt", "notes.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o600))
	}

	c, err := New(Options{Source: SourceLocal})
	require.NoError(t, err)

	snap, err := c.Snapshot(context.Background(), dir, "", nil)
	require.NoError(t, err)
	assert.Equal(t, dir, snap.Dir)
	assert.Len(t, snap.Files, 3)
	assert.Equal(t, 0, snap.Downloaded)

	_, err = c.Snapshot(context.Background(), filepath.Join(dir, "missing"), "", nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSnapshotLocalKeepsRootWeights(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"config.json", "pytorch_model.bin", "vocab.txt", "2_Dense/model.safetensors", "2_Dense/config.json"} {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte(name), 0o600))
	}

	c, err := New(Options{Source: SourceLocal})
	require.NoError(t, err)
	snap, err := c.Snapshot(context.Background(), dir, "", nil)
	require.NoError(t, err)

	var paths []string
	for _, f := range snap.Files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{"config.json", "pytorch_model.bin", "vocab.txt"}, paths)
}

func TestSelectWeights(t *testing.T) {
	files := []File{
		{Path: "config.json"},
		{Path: "model-00001-of-00002.safetensors"},
		{Path: "model-00002-of-00002.safetensors"},
		{Path: "model.safetensors.index.json"},
		{Path: "pytorch_model.bin"},
	}
	var paths []string
	for _, f := range selectWeights(files) {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{
		"config.json",
		"model-00001-of-00002.safetensors",
		"model-00002-of-00002.safetensors",
		"model.safetensors.index.json",
	}, paths)

	only := selectWeights([]File{{Path: "pytorch_model.bin"}, {Path: "vocab.txt"}})
	assert.Len(t, only, 2)
}

func TestFilterFiles(t *testing.T) {
	files := []File{{Path: "vocab.txt"}, {Path: "sub/vocab.txt"}, {Path: "onnx/model.onnx"}, {Path: "config.json"}}

	var paths []string
	for _, f := range filterFiles(files, []string{"vocab.txt", "onnx/*.onnx"}) {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{"onnx/model.onnx", "vocab.txt"}, paths)
}

func TestSelectWeightsIgnoresNestedModules(t *testing.T) {
	// sentence-transformers repos carry extra modules in subdirectories.
	listed := []File{
		{Path: "config.json"},
		{Path: "pytorch_model.bin"},
		{Path: "vocab.txt"},
		{Path: "2_Dense/model.safetensors"},
		{Path: "2_Dense/config.json"},
	}

	var paths []string
	for _, f := range selectWeights(filterFiles(listed, DefaultPatterns)) {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{"config.json", "pytorch_model.bin", "vocab.txt"}, paths)

	kept := selectWeights([]File{{Path: "pytorch_model.bin"}, {Path: "2_Dense/model.safetensors"}})
	assert.Len(t, kept, 2)
}

func TestNewRejectsUnknownSource(t *testing.T) {
	_, err := New(Options{Source: "s3"})
	assert.ErrorIs(t, err, ErrUnknownSource)
}
