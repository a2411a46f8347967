package tokenizer

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// HFTokenizerType identifies the tokenizer implementation type.
type HFTokenizerType string

const (
	// HFTypeBPE indicates Byte-Pair Encoding tokenizer.
	HFTypeBPE HFTokenizerType = "BPE"

	// HFTypeWordPiece indicates WordPiece tokenizer (BERT-style).
	HFTypeWordPiece HFTokenizerType = "WordPiece"

	// HFTypeUnigram indicates Unigram tokenizer (SentencePiece-style).
	HFTypeUnigram HFTokenizerType = "Unigram"

	// HFTypeUnknown indicates an unknown or unsupported tokenizer type.
	HFTypeUnknown HFTokenizerType = "Unknown"
)

// HFTokenizerMetadata contains metadata from tokenizer.json.
type HFTokenizerMetadata struct {
	Type          HFTokenizerType
	VocabSize     int
	HasCLS        bool
	HasSEP        bool
	HasPAD        bool
	HasUNK        bool
	HasMASK       bool
	TokenizerType string
	Lowercase     *bool // BertNormalizer.lowercase, nil when absent
}

// hfTokenizerFile is the subset of tokenizer.json read here. model.vocab is
// a token -> id object for WordPiece and BPE but a list of [token, score]
// pairs for Unigram, so it stays raw until the type is known.
type hfTokenizerFile struct {
	Model struct {
		Type  string          `json:"type"`
		Vocab json.RawMessage `json:"vocab"`
	} `json:"model"`
	Normalizer *struct {
		Type      string `json:"type"`
		Lowercase *bool  `json:"lowercase"`
	} `json:"normalizer"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

func readTokenizerFile(path string) (*hfTokenizerFile, error) {
	//nolint:gosec // G304: Path is inside the model snapshot directory.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", TokenizerFile, err)
	}
	var f hfTokenizerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", TokenizerFile, err)
	}
	return &f, nil
}

// DetectHFTokenizerType determines the tokenizer type from tokenizer.json.
func DetectHFTokenizerType(path string) (*HFTokenizerMetadata, error) {
	f, err := readTokenizerFile(path)
	if err != nil {
		return nil, err
	}

	metadata := &HFTokenizerMetadata{
		Type:          HFTypeUnknown,
		TokenizerType: f.Model.Type,
	}
	switch f.Model.Type {
	case "BPE":
		metadata.Type = HFTypeBPE
	case "WordPiece":
		metadata.Type = HFTypeWordPiece
	case "Unigram":
		metadata.Type = HFTypeUnigram
	}

	if len(f.Model.Vocab) > 0 {
		var entries map[string]json.RawMessage
		if err := json.Unmarshal(f.Model.Vocab, &entries); err == nil {
			metadata.VocabSize = len(entries)
		} else {
			var pairs []json.RawMessage
			if err := json.Unmarshal(f.Model.Vocab, &pairs); err == nil {
				metadata.VocabSize = len(pairs)
			}
		}
	}

	if f.Normalizer != nil {
		metadata.Lowercase = f.Normalizer.Lowercase
	}

	for _, token := range f.AddedTokens {
		switch token.Content {
		case "[CLS]", "<s>":
			metadata.HasCLS = true
		case "[SEP]", "</s>":
			metadata.HasSEP = true
		case "[PAD]", "<pad>":
			metadata.HasPAD = true
		case "[UNK]", "<unk>":
			metadata.HasUNK = true
		case "[MASK]", "<mask>":
			metadata.HasMASK = true
		}
	}

	return metadata, nil
}
