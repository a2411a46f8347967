// Package tokenizer reads and writes WordPiece vocabularies of exported
// models.
//
// This package wraps the internal tokenizer implementation and provides
// a small public API for callers that tokenize text for model.onnx.
//
// Example usage:
//
//	import "github.com/born-ml/bert2onnx/tokenizer"
//
//	vocab, err := tokenizer.LoadVocabFile("export/vocab.txt")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	id, ok := vocab.ID("[CLS]")
//	fmt.Println(vocab.Size(), id, ok)
package tokenizer

import (
	"context"

	"github.com/born-ml/bert2onnx/internal/tokenizer"
)

// Vocabulary is a token to id mapping.
type Vocabulary = tokenizer.Vocabulary

// ExportResult describes a written vocab.txt.
type ExportResult = tokenizer.ExportResult

// Config holds the tokenizer_config.json fields that affect inputs.
type Config = tokenizer.TokenizerConfig

// LoadVocabFile reads a vocab.txt with one token per line, id = line index.
func LoadVocabFile(path string) (*Vocabulary, error) {
	return tokenizer.LoadVocabFile(path)
}

// VocabularyFromTokenizerJSON reads the vocabulary of a WordPiece
// tokenizer.json.
func VocabularyFromTokenizerJSON(path string) (*Vocabulary, error) {
	return tokenizer.VocabularyFromTokenizerJSON(path)
}

// ReadConfig reads tokenizer_config.json from a model directory.
// A missing file yields an empty configuration.
func ReadConfig(dir string) (*Config, error) {
	return tokenizer.ReadTokenizerConfig(dir)
}

// ExportVocab writes outDir/vocab.txt, copying modelDir/vocab.txt when
// present and regenerating it from tokenizer.json otherwise.
func ExportVocab(ctx context.Context, modelDir, outDir string) (*ExportResult, error) {
	return tokenizer.ExportVocab(ctx, modelDir, outDir)
}
