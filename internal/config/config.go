// Package config loads export settings from defaults, a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/born-ml/bert2onnx/internal/bert"
	"github.com/born-ml/bert2onnx/internal/hub"
)

const (
	DefaultModelID     = "iic/nlp_corom_sentence-embedding_chinese-tiny"
	DefaultSource      = hub.SourceModelScope
	DefaultOutputDir   = "export"
	DefaultONNXFile    = "model.onnx"
	DefaultSeqLen      = 128
	DefaultOpset       = 14
	DefaultPooling     = bert.PoolingCLS
	DefaultConcurrency = 4
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "console"

	MaxSeqLen = 8192
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the export settings.
type Config struct {
	ModelID         string `yaml:"model_id"`
	Source          string `yaml:"source"`
	Revision        string `yaml:"revision"`
	Endpoint        string `yaml:"endpoint"`
	Token           string `yaml:"token"`
	CacheDir        string `yaml:"cache_dir"`
	OutputDir       string `yaml:"output_dir"`
	ONNXFile        string `yaml:"onnx_file"`
	SeqLen          int    `yaml:"seq_len"`
	DynamicSequence bool   `yaml:"dynamic_sequence"`
	Opset           int64  `yaml:"opset"`
	Pooling         string `yaml:"pooling"`
	Normalize       bool   `yaml:"normalize"`
	Concurrency     int    `yaml:"concurrency"`
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`

	// Hub credentials and endpoints from hub-specific environment
	// variables, keyed by source. Token and Endpoint take precedence.
	SourceTokens    map[string]string `yaml:"-"`
	SourceEndpoints map[string]string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ModelID:     DefaultModelID,
		Source:      string(DefaultSource),
		OutputDir:   DefaultOutputDir,
		ONNXFile:    DefaultONNXFile,
		SeqLen:      DefaultSeqLen,
		Opset:       DefaultOpset,
		Pooling:     string(DefaultPooling),
		Concurrency: DefaultConcurrency,
		LogLevel:    DefaultLogLevel,
		LogFormat:   DefaultLogFormat,
	}
}

// HubToken returns the token for the configured source.
func (c Config) HubToken() string {
	if c.Token != "" {
		return c.Token
	}
	return c.SourceTokens[c.Source]
}

// HubEndpoint returns the endpoint for the configured source, or "" for the
// source default.
func (c Config) HubEndpoint() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return c.SourceEndpoints[c.Source]
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.ModelID) == "" {
		problems = append(problems, "model_id is required")
	}
	switch hub.Source(c.Source) {
	case hub.SourceModelScope, hub.SourceHuggingFace, hub.SourceLocal:
	default:
		problems = append(problems, fmt.Sprintf("source %q must be modelscope, huggingface or local", c.Source))
	}
	if c.OutputDir == "" {
		problems = append(problems, "output_dir is required")
	}
	if c.ONNXFile == "" {
		problems = append(problems, "onnx_file is required")
	}
	if !c.DynamicSequence && (c.SeqLen < 1 || c.SeqLen > MaxSeqLen) {
		problems = append(problems, fmt.Sprintf("seq_len %d must be in [1, %d]", c.SeqLen, MaxSeqLen))
	}
	if c.Opset < bert.MinOpset || c.Opset > bert.MaxOpset {
		problems = append(problems, fmt.Sprintf("opset %d must be in [%d, %d]", c.Opset, bert.MinOpset, bert.MaxOpset))
	}
	if _, err := bert.ParsePooling(c.Pooling); err != nil {
		problems = append(problems, fmt.Sprintf("pooling %q must be cls, mean or pooler", c.Pooling))
	}
	if c.Concurrency < 1 {
		problems = append(problems, fmt.Sprintf("concurrency %d must be at least 1", c.Concurrency))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, fmt.Sprintf("log_level %q is not a level", c.LogLevel))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		problems = append(problems, fmt.Sprintf("log_format %q must be console or json", c.LogFormat))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// BertOptions converts the graph settings.
func (c Config) BertOptions() bert.Options {
	return bert.Options{
		SeqLen:          c.SeqLen,
		DynamicSequence: c.DynamicSequence,
		Opset:           c.Opset,
		Pooling:         bert.Pooling(c.Pooling),
		Normalize:       c.Normalize,
	}
}

// HubOptions converts the download settings.
func (c Config) HubOptions() hub.Options {
	return hub.Options{
		Source:      hub.Source(c.Source),
		Endpoint:    c.HubEndpoint(),
		Token:       c.HubToken(),
		CacheDir:    c.CacheDir,
		Concurrency: c.Concurrency,
	}
}
