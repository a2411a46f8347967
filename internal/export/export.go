// Package export converts a hub model into model.onnx plus vocab.txt.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/rs/zerolog"

	"github.com/born-ml/bert2onnx/internal/bert"
	"github.com/born-ml/bert2onnx/internal/config"
	"github.com/born-ml/bert2onnx/internal/hub"
	"github.com/born-ml/bert2onnx/internal/loader"
	"github.com/born-ml/bert2onnx/internal/onnx"
	"github.com/born-ml/bert2onnx/internal/tokenizer"
)

// Version is the producer version written into exported graphs.
var Version = "dev"

// Metadata keys added to the graph by Run.
const (
	MetaModelID     = "model_id"
	MetaSource      = "source"
	MetaRevision    = "revision"
	MetaDoLowerCase = "do_lower_case"
)

// Result describes a finished export.
type Result struct {
	OutputDir        string
	ModelPath        string
	VocabPath        string
	ManifestPath     string
	ModelSize        int64
	VocabSize        int
	VocabRegenerated bool
	CheckpointFormat loader.Format
	Snapshot         *hub.Snapshot
	Info             *onnx.ModelInfo
	Manifest         *Manifest
}

// Run downloads cfg.ModelID, emits its embedding graph and writes
// model.onnx, vocab.txt and manifest.yaml into cfg.OutputDir.
//
// The written model is parsed back and structurally checked before the
// vocabulary is exported.
func Run(ctx context.Context, cfg config.Config) (*Result, error) {
	log := zerolog.Ctx(ctx)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// 1. Download.
	log.Info().Str("model_id", cfg.ModelID).Str("source", cfg.Source).Msg("downloading model")
	client, err := hub.New(cfg.HubOptions())
	if err != nil {
		return nil, err
	}
	snap, err := client.Snapshot(ctx, cfg.ModelID, cfg.Revision, nil)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", cfg.ModelID, err)
	}
	log.Info().
		Str("dir", snap.Dir).
		Int("downloaded", snap.Downloaded).
		Int("cached", snap.Cached).
		Str("transferred", units.HumanSize(float64(snap.Bytes))).
		Msg("model downloaded")

	// 2. Load.
	log.Info().Msg("loading model")
	bertCfg, err := loader.ReadBertConfig(snap.Dir)
	if err != nil {
		return nil, err
	}
	tokCfg, err := tokenizer.ReadTokenizerConfig(snap.Dir)
	if err != nil {
		return nil, err
	}
	opts := cfg.BertOptions()
	if maxLen := tokCfg.MaxLength(); maxLen > 0 && !opts.DynamicSequence && opts.SeqLen > maxLen {
		log.Warn().Int("seq_len", opts.SeqLen).Int("model_max_length", maxLen).
			Msg("sequence length exceeds the tokenizer's model_max_length")
	}

	ckpt, err := loader.OpenCheckpoint(snap.Dir)
	if err != nil {
		return nil, err
	}
	defer ckpt.Close()
	weights, err := bert.LoadWeights(ckpt, bertCfg, opts.Pooling)
	if err != nil {
		return nil, fmt.Errorf("load %s weights: %w", ckpt.Format(), err)
	}
	log.Info().
		Str("format", ckpt.Format().String()).
		Int("layers", bertCfg.NumHiddenLayers).
		Int("hidden", bertCfg.HiddenSize).
		Int64("parameters", weights.ParameterCount()).
		Msg("model loaded")

	// 3. Export.
	modelPath := filepath.Join(cfg.OutputDir, cfg.ONNXFile)
	if err := os.MkdirAll(filepath.Dir(modelPath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	log.Info().Str("path", modelPath).Int64("opset", opts.Opset).Msg("exporting to ONNX")

	opts.ProducerVersion = Version
	opts.Metadata = map[string]string{
		MetaModelID:     cfg.ModelID,
		MetaSource:      cfg.Source,
		MetaDoLowerCase: strconv.FormatBool(tokCfg.LowerCase()),
	}
	if snap.Revision != "" {
		opts.Metadata[MetaRevision] = snap.Revision
	}
	model, err := bert.Build(bertCfg, weights, opts)
	if err != nil {
		return nil, err
	}
	size, err := onnx.WriteFile(modelPath, model)
	if err != nil {
		return nil, err
	}

	written, err := onnx.ParseFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("read back %s: %w", modelPath, err)
	}
	if err := onnx.Check(written); err != nil {
		return nil, fmt.Errorf("check %s: %w", modelPath, err)
	}
	info := onnx.Describe(written)
	log.Info().
		Str("size", units.HumanSize(float64(size))).
		Int("nodes", info.NodeCount).
		Int("initializers", info.WeightCount).
		Msg("model exported")

	// 4. Vocabulary.
	log.Info().Str("path", filepath.Join(cfg.OutputDir, tokenizer.VocabFile)).Msg("saving vocabulary")
	vocab, err := tokenizer.ExportVocab(ctx, snap.Dir, cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	if bertCfg.VocabSize > 0 && vocab.Size != bertCfg.VocabSize {
		log.Warn().Int("vocab_txt", vocab.Size).Int("config_vocab_size", bertCfg.VocabSize).
			Msg("vocabulary size differs from config.json")
	}

	// 5. Manifest.
	manifest, manifestPath, err := writeManifest(cfg, snap, ckpt.Format(), info, modelPath, vocab.Path)
	if err != nil {
		return nil, err
	}

	log.Info().Msgf("export complete: model and vocabulary saved in %s", cfg.OutputDir)

	return &Result{
		OutputDir:        cfg.OutputDir,
		ModelPath:        modelPath,
		VocabPath:        vocab.Path,
		ManifestPath:     manifestPath,
		ModelSize:        size,
		VocabSize:        vocab.Size,
		VocabRegenerated: vocab.Regenerated,
		CheckpointFormat: ckpt.Format(),
		Snapshot:         snap,
		Info:             info,
		Manifest:         manifest,
	}, nil
}

func writeManifest(
	cfg config.Config,
	snap *hub.Snapshot,
	format loader.Format,
	info *onnx.ModelInfo,
	paths ...string,
) (*Manifest, string, error) {
	m := &Manifest{
		ModelID:          cfg.ModelID,
		Source:           cfg.Source,
		Revision:         snap.Revision,
		Commit:           snap.Commit,
		CheckpointFormat: format.String(),
		Producer:         bert.ProducerName + " " + Version,
		CreatedAt:        time.Now().UTC().Truncate(time.Second),
		Graph: ManifestGraph{
			Opset:           info.OpsetVersion,
			IRVersion:       info.IRVersion,
			Inputs:          info.InputNames(),
			Outputs:         info.OutputNames(),
			DynamicSequence: cfg.DynamicSequence,
			Pooling:         cfg.Pooling,
			Normalize:       cfg.Normalize,
			Nodes:           info.NodeCount,
			Parameters:      info.ParameterCount,
		},
	}
	if !cfg.DynamicSequence {
		m.Graph.SeqLen = cfg.SeqLen
	}
	if hidden, err := strconv.Atoi(info.Metadata[bert.MetaHiddenSize]); err == nil {
		m.Graph.HiddenSize = hidden
	}

	for _, p := range paths {
		rel, err := filepath.Rel(cfg.OutputDir, p)
		if err != nil {
			return nil, "", err
		}
		item, err := describeFile(cfg.OutputDir, filepath.ToSlash(rel))
		if err != nil {
			return nil, "", err
		}
		m.Files = append(m.Files, item)
	}

	path, err := WriteManifest(cfg.OutputDir, m)
	if err != nil {
		return nil, "", err
	}
	return m, path, nil
}
