package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/bert2onnx/internal/config"
	"github.com/born-ml/bert2onnx/internal/export"
	"github.com/born-ml/bert2onnx/internal/onnx"
)

// fixedLoader serves yaml for any config path and no environment.
func fixedLoader(yaml string) config.Loader {
	return config.Loader{
		Lookup: func(string) (string, bool) { return "", false },
		ReadFile: func(string) ([]byte, error) {
			return []byte(yaml), nil
		},
	}
}

func execute(t *testing.T, loader config.Loader, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	var out, errOut bytes.Buffer
	root := newRootCmd(loader)
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.Execute()
	return out.String(), errOut.String(), err
}

func writeModel(t *testing.T, dir string) string {
	t.Helper()

	b := onnx.NewGraphBuilder("main_graph")
	ids := b.Input("input_ids", onnx.TensorProtoInt64, onnx.Symbolic("batch_size"), onnx.Fixed(8))
	b.OpTo("/Identity", "Identity", "output", []string{ids})
	b.Output("output", onnx.TensorProtoInt64, onnx.Symbolic("batch_size"), onnx.Fixed(8))

	path := filepath.Join(dir, "model.onnx")
	_, err := onnx.WriteFile(path, &onnx.ModelProto{
		IRVersion:       onnx.IRVersionForOpset(14),
		OpsetImport:     []onnx.OperatorSetID{{Version: 14}},
		ProducerName:    "bert2onnx",
		ProducerVersion: "test",
		Graph:           b.Graph(),
		MetadataProps:   []onnx.StringStringEntry{{Key: "pooling", Value: "cls"}},
	})
	require.NoError(t, err)
	return path
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, fixedLoader(""), "version")
	require.NoError(t, err)
	assert.Equal(t, "bert2onnx "+export.Version+"\n", out)
}

func TestApplyExportFlags(t *testing.T) {
	fileCfg := config.Default()
	fileCfg.OutputDir = "from-file"
	fileCfg.SeqLen = 64
	fileCfg.Normalize = true

	flagged := config.Default()
	fs := pflag.NewFlagSet("export", pflag.ContinueOnError)
	bindExportFlags(fs, &flagged)
	require.NoError(t, fs.Parse([]string{"--pooling", "mean", "-o", "out", "--opset", "17", "--dynamic-sequence"}))

	applyExportFlags(fs, flagged, &fileCfg)
	assert.Equal(t, "mean", fileCfg.Pooling)
	assert.Equal(t, "out", fileCfg.OutputDir)
	assert.Equal(t, int64(17), fileCfg.Opset)
	assert.True(t, fileCfg.DynamicSequence)

	// Unset flags keep the loaded values, including defaults-looking ones.
	assert.Equal(t, 64, fileCfg.SeqLen)
	assert.True(t, fileCfg.Normalize)
	assert.Equal(t, config.DefaultModelID, fileCfg.ModelID)
}

func TestExportValidatesMergedConfig(t *testing.T) {
	loader := fixedLoader("seq_len: 64\n")

	_, _, err := execute(t, loader, "export", "--config", "bert2onnx.yaml", "--seq-len", "0")
	require.ErrorIs(t, err, config.ErrInvalid)
	assert.Contains(t, err.Error(), "seq_len 0")

	_, _, err = execute(t, loader, "export", "--pooling", "max")
	require.ErrorIs(t, err, config.ErrInvalid)
	assert.Contains(t, err.Error(), `pooling "max"`)
}

func TestExportFlagsOverrideInvalidConfig(t *testing.T) {
	// The file value is invalid; the flag replaces it before validation, so
	// the export gets as far as the missing model directory.
	missing := filepath.Join(t.TempDir(), "absent")
	_, _, err := execute(t, fixedLoader("seq_len: 0\n"), "export", missing,
		"--config", "bert2onnx.yaml", "--seq-len", "64", "--source", "local",
		"-o", t.TempDir(), "--log-level", "error")
	require.Error(t, err)
	assert.NotErrorIs(t, err, config.ErrInvalid)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestExportLocalMissingDirectory(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent")
	_, _, err := execute(t, fixedLoader(""), "export", missing,
		"--source", "local", "-o", t.TempDir(), "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export "+missing)
}

func TestExportRejectsExtraArgs(t *testing.T) {
	_, _, err := execute(t, fixedLoader(""), "export", "a", "b")
	assert.Error(t, err)
}

func TestInspect(t *testing.T) {
	path := writeModel(t, t.TempDir())

	out, _, err := execute(t, fixedLoader(""), "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "bert2onnx test")
	assert.Contains(t, out, "input_ids")
	assert.Contains(t, out, "[batch_size, 8]")
	assert.Contains(t, out, "Identity")
	assert.Contains(t, out, "pooling")
	assert.Contains(t, out, "check:")
	assert.NotContains(t, out, "manifest:")
}

func TestInspectVerifiesManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeModel(t, dir)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	_, err = export.WriteManifest(dir, &export.Manifest{
		ModelID: "local/test",
		Files: []export.ManifestItem{{
			Name:   "model.onnx",
			Size:   int64(len(data)),
			Digest: digest.FromBytes(data),
		}},
	})
	require.NoError(t, err)

	out, _, err := execute(t, fixedLoader(""), "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "manifest:")
	assert.Contains(t, out, "1 files")

	// Rewriting with different metadata changes the digest.
	m, err := onnx.ParseFile(path)
	require.NoError(t, err)
	m.MetadataProps = append(m.MetadataProps, onnx.StringStringEntry{Key: "normalize", Value: "true"})
	_, err = onnx.WriteFile(path, m)
	require.NoError(t, err)

	out, _, err = execute(t, fixedLoader(""), "inspect", path)
	require.ErrorIs(t, err, export.ErrManifestMismatch)
	assert.Contains(t, out, "FAILED")

	_, _, err = execute(t, fixedLoader(""), "inspect", "--skip-manifest", path)
	assert.NoError(t, err)
}

func TestInspectRejectsBrokenGraph(t *testing.T) {
	dir := t.TempDir()
	path := writeModel(t, dir)

	m, err := onnx.ParseFile(path)
	require.NoError(t, err)
	m.Graph.Nodes[0].Inputs[0] = "missing"
	_, err = onnx.WriteFile(path, m)
	require.NoError(t, err)

	out, _, err := execute(t, fixedLoader(""), "inspect", path)
	require.ErrorIs(t, err, onnx.ErrUndefinedValue)
	assert.Contains(t, out, "FAILED")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn", "json")
	require.NoError(t, err)

	logger.Info().Msg("hidden")
	logger.Warn().Str("file", "vocab.txt").Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "vocab.txt", entry["file"])

	_, err = newLogger(&buf, "loud", "json")
	assert.Error(t, err)
	_, err = newLogger(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestRootRejectsUnknownCommand(t *testing.T) {
	_, _, err := execute(t, fixedLoader(""), "convert")
	assert.Error(t, err)
}
