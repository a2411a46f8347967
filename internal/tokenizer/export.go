package tokenizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// ExportResult describes the vocabulary written by ExportVocab.
type ExportResult struct {
	Path        string // written vocab.txt
	Source      string // snapshot file it came from
	Regenerated bool   // true when built from tokenizer.json
	Size        int    // number of tokens
	Gaps        []int32
	Special     map[string]int32
}

// ExportVocab writes outDir/vocab.txt from a model snapshot.
//
// vocab.txt is copied unchanged when the snapshot has one. Otherwise the
// vocabulary is regenerated from tokenizer.json in id order. Ids that are
// not consecutive are logged as a warning and written in order anyway.
func ExportVocab(ctx context.Context, modelDir, outDir string) (*ExportResult, error) {
	log := zerolog.Ctx(ctx)
	dst := filepath.Join(outDir, VocabFile)

	src := filepath.Join(modelDir, VocabFile)
	if _, err := os.Stat(src); err == nil {
		vocab, err := LoadVocabFile(src)
		if err != nil {
			return nil, err
		}
		if err := copyFile(src, dst); err != nil {
			return nil, err
		}
		log.Debug().Str("src", src).Str("dst", dst).Int("tokens", vocab.Size()).Msg("copied vocabulary")
		return &ExportResult{
			Path:    dst,
			Source:  VocabFile,
			Size:    vocab.Size(),
			Special: vocab.SpecialTokens(),
		}, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat %s: %w", src, err)
	}

	tokPath := filepath.Join(modelDir, TokenizerFile)
	if _, err := os.Stat(tokPath); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w in %s (want %s or %s)", ErrNoVocabulary, modelDir, VocabFile, TokenizerFile)
	}

	vocab, err := VocabularyFromTokenizerJSON(tokPath)
	if err != nil {
		return nil, err
	}
	gaps := vocab.Gaps()
	if len(gaps) > 0 {
		log.Warn().
			Str("path", dst).
			Ints32("gaps_at", gaps).
			Msg("vocabulary indices are not consecutive, please check that the vocabulary is not corrupted")
	}
	if err := vocab.WriteFile(dst); err != nil {
		return nil, err
	}
	log.Debug().Str("src", tokPath).Str("dst", dst).Int("tokens", vocab.Size()).Msg("regenerated vocabulary")

	return &ExportResult{
		Path:        dst,
		Source:      TokenizerFile,
		Regenerated: true,
		Size:        vocab.Size(),
		Gaps:        gaps,
		Special:     vocab.SpecialTokens(),
	}, nil
}

func copyFile(src, dst string) error {
	//nolint:gosec // G304: Path is inside the model snapshot directory.
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	return writeAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}
