package tokenizer_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/bert2onnx/tokenizer"
)

func TestLoadVocabFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.txt")
	tokens := []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]", "你", "好"}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(tokens, "\n")+"\n"), 0o600))

	vocab, err := tokenizer.LoadVocabFile(path)
	require.NoError(t, err)
	assert.Equal(t, len(tokens), vocab.Size())

	id, ok := vocab.ID("[CLS]")
	assert.True(t, ok)
	assert.Equal(t, int32(2), id)
}

func TestExportVocabCopies(t *testing.T) {
	modelDir, outDir := t.TempDir(), t.TempDir()
	content := "[PAD]\n[UNK]\n[CLS]\n[SEP]\n"
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "vocab.txt"), []byte(content), 0o600))

	res, err := tokenizer.ExportVocab(context.Background(), modelDir, outDir)
	require.NoError(t, err)
	assert.False(t, res.Regenerated)

	got, err := os.ReadFile(filepath.Join(outDir, "vocab.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, string(got))
}

func TestReadConfigMissing(t *testing.T) {
	cfg, err := tokenizer.ReadConfig(t.TempDir())
	require.NoError(t, err)
	assert.True(t, cfg.LowerCase())
}
