package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the manifest written next to the exported files.
const ManifestFile = "manifest.yaml"

// ErrManifestMismatch is returned by VerifyManifest when a file changed.
var ErrManifestMismatch = errors.New("file does not match manifest")

// Manifest records where an export came from and what it produced.
type Manifest struct {
	ModelID          string         `yaml:"model_id"`
	Source           string         `yaml:"source"`
	Revision         string         `yaml:"revision,omitempty"`
	Commit           string         `yaml:"commit,omitempty"`
	CheckpointFormat string         `yaml:"checkpoint_format"`
	Producer         string         `yaml:"producer"`
	CreatedAt        time.Time      `yaml:"created_at"`
	Graph            ManifestGraph  `yaml:"graph"`
	Files            []ManifestItem `yaml:"files"`
}

// ManifestGraph summarizes the exported graph.
type ManifestGraph struct {
	Opset           int64    `yaml:"opset"`
	IRVersion       int64    `yaml:"ir_version"`
	Inputs          []string `yaml:"inputs"`
	Outputs         []string `yaml:"outputs"`
	SeqLen          int      `yaml:"seq_len,omitempty"`
	DynamicSequence bool     `yaml:"dynamic_sequence"`
	Pooling         string   `yaml:"pooling"`
	Normalize       bool     `yaml:"normalize"`
	HiddenSize      int      `yaml:"hidden_size"`
	Nodes           int      `yaml:"nodes"`
	Parameters      int64    `yaml:"parameters"`
}

// ManifestItem is one exported file.
type ManifestItem struct {
	Name   string        `yaml:"name"`
	Size   int64         `yaml:"size"`
	Digest digest.Digest `yaml:"digest"`
}

// describeFile returns the size and sha256 digest of dir/name.
func describeFile(dir, name string) (ManifestItem, error) {
	//nolint:gosec // G304: Path is inside the output directory.
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return ManifestItem{}, err
	}
	defer f.Close()

	d, err := digest.SHA256.FromReader(f)
	if err != nil {
		return ManifestItem{}, fmt.Errorf("failed to hash %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		return ManifestItem{}, err
	}
	return ManifestItem{Name: name, Size: info.Size(), Digest: d}, nil
}

// WriteManifest writes m to dir/manifest.yaml.
func WriteManifest(dir string, m *Manifest) (string, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}
	path := filepath.Join(dir, ManifestFile)
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // G306: Manifest is meant to be readable.
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}
	return path, nil
}

// ReadManifest reads dir/manifest.yaml.
func ReadManifest(dir string) (*Manifest, error) {
	//nolint:gosec // G304: Path is inside the output directory.
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// VerifyManifest checks every file listed in dir/manifest.yaml against its
// recorded size and digest.
func VerifyManifest(dir string) (*Manifest, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, item := range m.Files {
		if !filepath.IsLocal(item.Name) {
			errs = append(errs, fmt.Errorf("%w: %q is not a path inside %s", ErrManifestMismatch, item.Name, dir))
			continue
		}
		got, err := describeFile(dir, item.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if got.Size != item.Size || got.Digest != item.Digest {
			errs = append(errs, fmt.Errorf("%w: %s has %s (%d bytes), manifest says %s (%d bytes)",
				ErrManifestMismatch, item.Name, got.Digest, got.Size, item.Digest, item.Size))
		}
	}
	return m, errors.Join(errs...)
}
