package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/bert2onnx/internal/hub"
)

// EnvConfigFile names a YAML file to load when no path is given.
const EnvConfigFile = "BERT2ONNX_CONFIG"

// Loader loads configuration from a YAML file and environment variables.
// Tests can override Lookup and ReadFile to inject deterministic inputs.
type Loader struct {
	Lookup   func(string) (string, bool)
	ReadFile func(string) ([]byte, error)
}

// Load returns defaults overlaid with the YAML file at path (or
// $BERT2ONNX_CONFIG when path is empty) and then the environment, and
// validates the result.
func (l Loader) Load(path string) (Config, error) {
	cfg, err := l.Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that layer further
// overrides such as command line flags and validate afterwards.
func (l Loader) Read(path string) (Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}
	if l.ReadFile == nil {
		l.ReadFile = os.ReadFile
	}

	cfg := Default()

	if path == "" {
		path, _ = l.Lookup(EnvConfigFile)
		path = strings.TrimSpace(path)
	}
	if path != "" {
		data, err := l.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := applyYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	if err := l.applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyYAML decodes data over cfg. Unknown keys are rejected.
func applyYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

func (l Loader) applyEnv(cfg *Config) error {
	overrideString(l.Lookup, "BERT2ONNX_MODEL_ID", &cfg.ModelID)
	overrideString(l.Lookup, "BERT2ONNX_SOURCE", &cfg.Source)
	overrideString(l.Lookup, "BERT2ONNX_REVISION", &cfg.Revision)
	overrideString(l.Lookup, "BERT2ONNX_ENDPOINT", &cfg.Endpoint)
	overrideString(l.Lookup, "BERT2ONNX_TOKEN", &cfg.Token)
	overrideString(l.Lookup, "BERT2ONNX_CACHE_DIR", &cfg.CacheDir)
	overrideString(l.Lookup, "BERT2ONNX_OUTPUT_DIR", &cfg.OutputDir)
	overrideString(l.Lookup, "BERT2ONNX_ONNX_FILE", &cfg.ONNXFile)
	overrideString(l.Lookup, "BERT2ONNX_POOLING", &cfg.Pooling)
	overrideString(l.Lookup, "BERT2ONNX_LOG_LEVEL", &cfg.LogLevel)
	overrideString(l.Lookup, "BERT2ONNX_LOG_FORMAT", &cfg.LogFormat)

	if err := overrideInt(l.Lookup, "BERT2ONNX_SEQ_LEN", &cfg.SeqLen); err != nil {
		return err
	}
	if err := overrideInt(l.Lookup, "BERT2ONNX_CONCURRENCY", &cfg.Concurrency); err != nil {
		return err
	}
	opset := int(cfg.Opset)
	if err := overrideInt(l.Lookup, "BERT2ONNX_OPSET", &opset); err != nil {
		return err
	}
	cfg.Opset = int64(opset)
	if err := overrideBool(l.Lookup, "BERT2ONNX_DYNAMIC_SEQUENCE", &cfg.DynamicSequence); err != nil {
		return err
	}
	if err := overrideBool(l.Lookup, "BERT2ONNX_NORMALIZE", &cfg.Normalize); err != nil {
		return err
	}

	// Hub-specific variables, as read by the hubs' own clients.
	cfg.SourceTokens = make(map[string]string)
	cfg.SourceEndpoints = make(map[string]string)
	setFromEnv(l.Lookup, "HF_TOKEN", cfg.SourceTokens, string(hub.SourceHuggingFace))
	setFromEnv(l.Lookup, "HF_ENDPOINT", cfg.SourceEndpoints, string(hub.SourceHuggingFace))
	setFromEnv(l.Lookup, "MODELSCOPE_API_TOKEN", cfg.SourceTokens, string(hub.SourceModelScope))
	setFromEnv(l.Lookup, "MODELSCOPE_DOMAIN", cfg.SourceEndpoints, string(hub.SourceModelScope))
	if ep, ok := cfg.SourceEndpoints[string(hub.SourceModelScope)]; ok && !strings.Contains(ep, "://") {
		cfg.SourceEndpoints[string(hub.SourceModelScope)] = "https://" + ep
	}
	return nil
}

func setFromEnv(lookup func(string) (string, bool), key string, target map[string]string, source string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		target[source] = strings.TrimSpace(value)
	}
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(lookup func(string) (string, bool), key string, target *int) error {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("config: invalid value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}

func overrideBool(lookup func(string) (string, bool), key string, target *bool) error {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("config: invalid value for %s: %w", key, err)
		}
		*target = parsed
	}
	return nil
}
