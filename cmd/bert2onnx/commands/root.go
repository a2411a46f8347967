// Package commands implements the bert2onnx command line.
package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/born-ml/bert2onnx/internal/config"
)

// cli carries state shared by every subcommand.
type cli struct {
	loader     config.Loader
	configPath string
	logLevel   string
	logFormat  string
}

// NewRootCmd returns the bert2onnx command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(config.Loader{})
}

func newRootCmd(loader config.Loader) *cobra.Command {
	c := &cli{loader: loader}

	root := &cobra.Command{
		Use:   "bert2onnx",
		Short: "Export BERT sentence-embedding models to ONNX",
		Long: `bert2onnx downloads a BERT sentence-embedding model from ModelScope or
HuggingFace, writes its [CLS] embedding graph as model.onnx and saves the
matching vocab.txt next to it.

Running bert2onnx without a subcommand exports the configured model.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.setup(cmd)
			if err != nil {
				return err
			}
			return runExport(cmd, cfg)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", "", "YAML configuration file (default $"+config.EnvConfigFile+")")
	pf.StringVar(&c.logLevel, "log-level", config.DefaultLogLevel, "Log level: trace, debug, info, warn or error")
	pf.StringVar(&c.logFormat, "log-format", config.DefaultLogFormat, "Log format: console or json")

	root.AddCommand(
		newExportCmd(c),
		newInspectCmd(),
		newVersionCmd(),
	)
	return root
}

// setup reads the configuration, applies the global flags and attaches a
// logger to the command context.
func (c *cli) setup(cmd *cobra.Command) (config.Config, error) {
	cfg, err := c.loader.Read(c.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = c.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat = c.logFormat
	}

	logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, err
	}
	cmd.SetContext(logger.WithContext(cmd.Context()))
	return cfg, nil
}

func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var out io.Writer
	switch format {
	case "json":
		out = w
	case "console", "":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q: must be console or json", format)
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}
