package tokenizer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// TokenizerConfig holds the tokenizer_config.json fields a downstream
// WordPiece tokenizer needs.
type TokenizerConfig struct {
	TokenizerClass string `json:"tokenizer_class"`
	// DoLowerCase is nil when the file does not say.
	DoLowerCase *bool `json:"do_lower_case"`
	// ModelMaxLength is often a huge sentinel (1e30) meaning "unbounded".
	ModelMaxLength float64 `json:"model_max_length"`
	UnkToken       any     `json:"unk_token"`
	ClsToken       any     `json:"cls_token"`
	SepToken       any     `json:"sep_token"`
	PadToken       any     `json:"pad_token"`
}

// ReadTokenizerConfig parses tokenizer_config.json from dir. A missing file
// yields a zero config, not an error.
func ReadTokenizerConfig(dir string) (*TokenizerConfig, error) {
	//nolint:gosec // G304: Path is inside the model snapshot directory.
	data, err := os.ReadFile(filepath.Join(dir, TokenizerConfigFile))
	if errors.Is(err, os.ErrNotExist) {
		return &TokenizerConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", TokenizerConfigFile, err)
	}

	var cfg TokenizerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", TokenizerConfigFile, err)
	}
	return &cfg, nil
}

// LowerCase reports whether input text should be lower-cased, defaulting to
// true as BertTokenizer does.
func (c *TokenizerConfig) LowerCase() bool {
	if c.DoLowerCase == nil {
		return true
	}
	return *c.DoLowerCase
}

// MaxLength returns model_max_length, or 0 when it is absent or a sentinel.
func (c *TokenizerConfig) MaxLength() int {
	if c.ModelMaxLength <= 0 || c.ModelMaxLength > 1<<20 {
		return 0
	}
	return int(c.ModelMaxLength)
}
