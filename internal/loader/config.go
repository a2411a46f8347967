package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// ConfigFile is the model hyper-parameter file in a snapshot.
const ConfigFile = "config.json"

// ErrUnsupportedModel is returned for config.json files that do not
// describe a BERT-style encoder.
var ErrUnsupportedModel = errors.New("unsupported model")

// BertConfig holds the config.json fields the encoder graph depends on.
type BertConfig struct {
	ModelType             string   `json:"model_type"`
	Architectures         []string `json:"architectures"`
	VocabSize             int      `json:"vocab_size"`
	HiddenSize            int      `json:"hidden_size"`
	NumHiddenLayers       int      `json:"num_hidden_layers"`
	NumAttentionHeads     int      `json:"num_attention_heads"`
	IntermediateSize      int      `json:"intermediate_size"`
	HiddenAct             string   `json:"hidden_act"`
	MaxPositionEmbeddings int      `json:"max_position_embeddings"`
	TypeVocabSize         int      `json:"type_vocab_size"`
	LayerNormEps          float64  `json:"layer_norm_eps"`
	PositionEmbeddingType string   `json:"position_embedding_type"`
}

// supportedModelTypes are encoders with the BERT weight layout and
// absolute position ids starting at zero. RoBERTa-style checkpoints offset
// position ids past the padding index and are not handled.
var supportedModelTypes = map[string]bool{
	"bert": true,
}

// ReadBertConfig parses config.json from a model directory and fills
// defaults the way transformers' BertConfig does.
func ReadBertConfig(dir string) (*BertConfig, error) {
	path := filepath.Join(dir, ConfigFile)
	//nolint:gosec // G304: Path is inside the model snapshot directory
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ConfigFile, err)
	}
	return ParseBertConfig(data)
}

// ParseBertConfig parses config.json bytes.
func ParseBertConfig(data []byte) (*BertConfig, error) {
	cfg := &BertConfig{
		ModelType:             "bert",
		HiddenAct:             "gelu",
		MaxPositionEmbeddings: 512,
		TypeVocabSize:         2,
		LayerNormEps:          1e-12,
		PositionEmbeddingType: "absolute",
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ConfigFile, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the encoder dimensions are consistent.
func (c *BertConfig) Validate() error {
	if !supportedModelTypes[c.ModelType] {
		return fmt.Errorf("%w: model_type %q", ErrUnsupportedModel, c.ModelType)
	}
	if c.PositionEmbeddingType != "" && c.PositionEmbeddingType != "absolute" {
		return fmt.Errorf("%w: position_embedding_type %q", ErrUnsupportedModel, c.PositionEmbeddingType)
	}
	switch {
	case c.HiddenSize <= 0:
		return fmt.Errorf("%w: hidden_size must be positive", ErrUnsupportedModel)
	case c.NumHiddenLayers <= 0:
		return fmt.Errorf("%w: num_hidden_layers must be positive", ErrUnsupportedModel)
	case c.NumAttentionHeads <= 0 || c.HiddenSize%c.NumAttentionHeads != 0:
		return fmt.Errorf("%w: hidden_size %d is not divisible by num_attention_heads %d",
			ErrUnsupportedModel, c.HiddenSize, c.NumAttentionHeads)
	case c.IntermediateSize <= 0:
		return fmt.Errorf("%w: intermediate_size must be positive", ErrUnsupportedModel)
	}
	return nil
}

// HeadSize returns the per-head attention width.
func (c *BertConfig) HeadSize() int {
	return c.HiddenSize / c.NumAttentionHeads
}
