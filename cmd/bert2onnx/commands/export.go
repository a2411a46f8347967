package commands

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/born-ml/bert2onnx/internal/config"
	"github.com/born-ml/bert2onnx/internal/export"
)

func newExportCmd(c *cli) *cobra.Command {
	flagged := config.Default()

	cmd := &cobra.Command{
		Use:   "export [MODEL_ID]",
		Short: "Download a model and write model.onnx and vocab.txt",
		Example: `  bert2onnx export
  bert2onnx export BAAI/bge-small-zh-v1.5 --source huggingface -o bge
  bert2onnx export ./my-model --source local --dynamic-sequence --pooling mean --normalize`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.setup(cmd)
			if err != nil {
				return err
			}
			applyExportFlags(cmd.Flags(), flagged, &cfg)
			if len(args) == 1 {
				cfg.ModelID = args[0]
			}
			return runExport(cmd, cfg)
		},
	}

	bindExportFlags(cmd.Flags(), &flagged)
	return cmd
}

func bindExportFlags(fs *pflag.FlagSet, v *config.Config) {
	fs.StringVar(&v.Source, "source", v.Source, "Model hub: modelscope, huggingface or local")
	fs.StringVar(&v.Revision, "revision", v.Revision, "Branch, tag or commit (default: hub default branch)")
	fs.StringVar(&v.Endpoint, "endpoint", v.Endpoint, "Hub base URL override")
	fs.StringVar(&v.Token, "token", v.Token, "Hub access token")
	fs.StringVar(&v.CacheDir, "cache-dir", v.CacheDir, "Download cache directory")
	fs.StringVarP(&v.OutputDir, "output-dir", "o", v.OutputDir, "Directory for model.onnx and vocab.txt")
	fs.StringVar(&v.ONNXFile, "onnx-file", v.ONNXFile, "ONNX file name inside the output directory")
	fs.IntVar(&v.SeqLen, "seq-len", v.SeqLen, "Static sequence length of the graph inputs")
	fs.BoolVar(&v.DynamicSequence, "dynamic-sequence", v.DynamicSequence, "Make the sequence axis dynamic")
	fs.Int64Var(&v.Opset, "opset", v.Opset, "ONNX opset version")
	fs.StringVar(&v.Pooling, "pooling", v.Pooling, "Sentence vector: cls, mean or pooler")
	fs.BoolVar(&v.Normalize, "normalize", v.Normalize, "L2-normalize the sentence vector")
	fs.IntVar(&v.Concurrency, "concurrency", v.Concurrency, "Parallel file downloads")
}

// applyExportFlags copies explicitly set flags from flagged onto cfg so
// unset flags leave file and environment values alone.
func applyExportFlags(fs *pflag.FlagSet, flagged config.Config, cfg *config.Config) {
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "source":
			cfg.Source = flagged.Source
		case "revision":
			cfg.Revision = flagged.Revision
		case "endpoint":
			cfg.Endpoint = flagged.Endpoint
		case "token":
			cfg.Token = flagged.Token
		case "cache-dir":
			cfg.CacheDir = flagged.CacheDir
		case "output-dir":
			cfg.OutputDir = flagged.OutputDir
		case "onnx-file":
			cfg.ONNXFile = flagged.ONNXFile
		case "seq-len":
			cfg.SeqLen = flagged.SeqLen
		case "dynamic-sequence":
			cfg.DynamicSequence = flagged.DynamicSequence
		case "opset":
			cfg.Opset = flagged.Opset
		case "pooling":
			cfg.Pooling = flagged.Pooling
		case "normalize":
			cfg.Normalize = flagged.Normalize
		case "concurrency":
			cfg.Concurrency = flagged.Concurrency
		}
	})
}

func runExport(cmd *cobra.Command, cfg config.Config) error {
	res, err := export.Run(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("export %s: %w", cfg.ModelID, err)
	}

	vocab := fmt.Sprintf("%d tokens", res.VocabSize)
	if res.VocabRegenerated {
		vocab += ", regenerated"
	}
	table := newTable(cmd.OutOrStdout())
	table.SetHeader([]string{"FILE", "PATH", "DETAILS"})
	table.Append([]string{"model", res.ModelPath, fmt.Sprintf("%s, opset %d, %s",
		units.HumanSize(float64(res.ModelSize)), res.Info.OpsetVersion, res.CheckpointFormat)})
	table.Append([]string{"vocabulary", res.VocabPath, vocab})
	table.Append([]string{"manifest", res.ManifestPath, fmt.Sprintf("%d files", len(res.Manifest.Files))})
	table.Render()
	return nil
}
