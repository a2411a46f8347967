package tokenizer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWordPieceTokenizer(t *testing.T, dir string, vocab map[string]int) {
	t.Helper()
	writeJSON(t, filepath.Join(dir, TokenizerFile), map[string]any{
		"version":    "1.0",
		"truncation": nil,
		"padding":    nil,
		"added_tokens": []map[string]any{
			{"id": vocab["[PAD]"], "content": "[PAD]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
		},
		"normalizer": map[string]any{
			"type":                 "BertNormalizer",
			"clean_text":           true,
			"handle_chinese_chars": true,
			"strip_accents":        nil,
			"lowercase":            true,
		},
		"pre_tokenizer": map[string]any{"type": "BertPreTokenizer"},
		"post_processor": nil,
		"decoder": map[string]any{
			"type":    "WordPiece",
			"prefix":  "##",
			"cleanup": true,
		},
		"model": map[string]any{
			"type":                      "WordPiece",
			"unk_token":                 "[UNK]",
			"continuing_subword_prefix": "##",
			"max_input_chars_per_word":  100,
			"vocab":                     vocab,
		},
	})
}

func TestLoadVocabFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), VocabFile)
	require.NoError(t, os.WriteFile(path, []byte("[PAD]\n[UNK]\n[CLS]\r\n[SEP]\n你\n##好\n"), 0o600))

	v, err := LoadVocabFile(path)
	require.NoError(t, err)
	assert.Equal(t, 6, v.Size())

	id, ok := v.ID("[CLS]")
	require.True(t, ok)
	assert.Equal(t, int32(2), id)

	token, ok := v.Token(5)
	require.True(t, ok)
	assert.Equal(t, "##好", token)

	assert.Empty(t, v.Gaps())
	assert.Equal(t, map[string]int32{TokenPAD: 0, TokenUNK: 1, TokenCLS: 2, TokenSEP: 3}, v.SpecialTokens())
}

func TestVocabulary(t *testing.T) {
	v, err := NewVocabulary(map[string]int{"c": 5, "a": 0, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, []int32{5}, v.Gaps())

	var buf bytes.Buffer
	n, err := v.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\n", buf.String())
	assert.Equal(t, int64(6), n)

	_, err = NewVocabulary(map[string]int{"a": 0, "b": 0})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestVocabularyFromTokenizerJSON(t *testing.T) {
	dir := t.TempDir()
	writeWordPieceTokenizer(t, dir, map[string]int{"[PAD]": 0, "[UNK]": 1, "[CLS]": 2, "[SEP]": 3, "hello": 4})

	v, err := VocabularyFromTokenizerJSON(filepath.Join(dir, TokenizerFile))
	require.NoError(t, err)
	assert.Equal(t, 5, v.Size())
	id, ok := v.ID("hello")
	require.True(t, ok)
	assert.Equal(t, int32(4), id)
}

func TestVocabularyFromTokenizerJSON_RejectsBPE(t *testing.T) {
	path := filepath.Join(t.TempDir(), TokenizerFile)
	writeJSON(t, path, map[string]any{
		"model": map[string]any{"type": "BPE", "vocab": map[string]int{"a": 0}, "merges": []string{}},
	})

	_, err := VocabularyFromTokenizerJSON(path)
	assert.ErrorIs(t, err, ErrUnsupportedTokenizer)
}

func TestExportVocab_Copy(t *testing.T) {
	modelDir, outDir := t.TempDir(), t.TempDir()
	content := []byte("[PAD]\n[UNK]\n[CLS]\n[SEP]\n")
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, VocabFile), content, 0o600))
	// tokenizer.json is ignored when vocab.txt exists.
	writeWordPieceTokenizer(t, modelDir, map[string]int{"[PAD]": 0, "x": 1})

	res, err := ExportVocab(context.Background(), modelDir, outDir)
	require.NoError(t, err)
	assert.False(t, res.Regenerated)
	assert.Equal(t, VocabFile, res.Source)
	assert.Equal(t, 4, res.Size)
	assert.Equal(t, filepath.Join(outDir, VocabFile), res.Path)

	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestExportVocab_Regenerate(t *testing.T) {
	modelDir, outDir := t.TempDir(), t.TempDir()
	writeWordPieceTokenizer(t, modelDir, map[string]int{"[PAD]": 0, "[UNK]": 1, "[CLS]": 2, "[SEP]": 3, "hello": 7})

	var logs bytes.Buffer
	ctx := zerolog.New(&logs).WithContext(context.Background())

	res, err := ExportVocab(ctx, modelDir, outDir)
	require.NoError(t, err)
	assert.True(t, res.Regenerated)
	assert.Equal(t, TokenizerFile, res.Source)
	assert.Equal(t, 5, res.Size)
	assert.Equal(t, []int32{7}, res.Gaps)
	assert.Contains(t, logs.String(), "not consecutive")

	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "[PAD]\n[UNK]\n[CLS]\n[SEP]\nhello\n", string(got))

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestExportVocab_NoVocabulary(t *testing.T) {
	_, err := ExportVocab(context.Background(), t.TempDir(), t.TempDir())
	assert.ErrorIs(t, err, ErrNoVocabulary)
}
