// Package onnx exposes read-only inspection of exported graphs.
//
// The encoder and decoder live in an internal package; this package
// re-exports the parts callers need to look at a model.onnx file written
// by bert2onnx or any other exporter.
//
// # Example Usage
//
//	info, err := onnx.GetModelInfo("export/model.onnx")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("Producer: %s %s\n", info.ProducerName, info.ProducerVersion)
//	fmt.Printf("Opset: %d\n", info.OpsetVersion)
//	fmt.Printf("Inputs: %v\n", info.InputNames())
//	fmt.Printf("Outputs: %v\n", info.OutputNames())
//	fmt.Printf("Pooling: %s\n", info.Metadata["pooling"])
//
// Use [Check] on a [ParseFile] result to validate graph structure (node
// ordering, operator availability at the declared opset, initializer sizes).
package onnx

import (
	internalonnx "github.com/born-ml/bert2onnx/internal/onnx"
)

// Model is a decoded ONNX ModelProto.
type Model = internalonnx.ModelProto

// ModelInfo summarizes a model without exposing its weights.
type ModelInfo = internalonnx.ModelInfo

// ValueInfo describes a graph input or output.
type ValueInfo = internalonnx.ValueInfo

// ParseFile decodes an ONNX file.
func ParseFile(path string) (*Model, error) {
	return internalonnx.ParseFile(path)
}

// GetModelInfo parses path and summarizes it.
//
// Example:
//
//	info, err := onnx.GetModelInfo("model.onnx")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, in := range info.Inputs {
//	    fmt.Println(in) // input_ids:int64[batch_size,128]
//	}
func GetModelInfo(path string) (*ModelInfo, error) {
	return internalonnx.GetModelInfo(path)
}

// Describe summarizes an already parsed model.
func Describe(m *Model) *ModelInfo {
	return internalonnx.Describe(m)
}

// Check validates the structure of a parsed model.
//
// It reports nodes that read values no earlier node or input produced,
// operators unavailable at the model's opset and initializers whose raw
// data does not match their dims.
func Check(m *Model) error {
	return internalonnx.Check(m)
}

// SupportedOps lists the operators Check knows opset bounds for.
func SupportedOps() []string {
	return internalonnx.SupportedOps()
}
