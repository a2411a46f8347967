// Package loader reads BERT checkpoints from a model directory.
//
// This package wraps the internal loader implementation and exports a
// small public API for reading config.json and checkpoint weights
// (SafeTensors, sharded SafeTensors or pytorch_model.bin).
//
// Example usage:
//
//	import "github.com/born-ml/bert2onnx/loader"
//
//	cfg, err := loader.ReadBertConfig("path/to/model")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ckpt, err := loader.OpenCheckpoint("path/to/model")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ckpt.Close()
//
//	fmt.Printf("Format: %s, layers: %d\n", ckpt.Format(), cfg.NumHiddenLayers)
//	w, err := ckpt.Tensor("bert.embeddings.word_embeddings.weight")
package loader

import (
	"github.com/born-ml/bert2onnx/internal/loader"
)

// Format represents the checkpoint weight format.
type Format = loader.Format

// Supported checkpoint formats.
const (
	FormatUnknown            Format = loader.FormatUnknown
	FormatSafeTensors        Format = loader.FormatSafeTensors
	FormatShardedSafeTensors Format = loader.FormatShardedSafeTensors
	FormatPyTorch            Format = loader.FormatPyTorch
)

// Checkpoint provides uniform access to checkpoint weights.
type Checkpoint = loader.Checkpoint

// Tensor is a dense row-major float32 tensor.
type Tensor = loader.Tensor

// BertConfig holds the config.json fields of a BERT encoder.
type BertConfig = loader.BertConfig

// DetectFormat reports which checkpoint format dir contains.
func DetectFormat(dir string) Format {
	return loader.DetectFormat(dir)
}

// OpenCheckpoint opens the weights in a model directory, preferring
// model.safetensors over a shard index over pytorch_model.bin.
//
// Always call Close when done (use defer).
func OpenCheckpoint(dir string) (Checkpoint, error) {
	return loader.OpenCheckpoint(dir)
}

// ReadBertConfig parses dir/config.json and fills BertConfig defaults.
func ReadBertConfig(dir string) (*BertConfig, error) {
	return loader.ReadBertConfig(dir)
}
