// Package onnx writes and reads ONNX models.
//
// ONNX (Open Neural Network Exchange) is an open format for representing deep learning models.
// This package implements hand-written protobuf structures for the subset of
// onnx.proto an exporter needs, an encoder and decoder built on protowire,
// a GraphBuilder for assembling graphs, and a structural checker.
//
// Key components:
//   - ModelProto: Top-level ONNX model structure with metadata and graph
//   - GraphProto: Computation graph with nodes, inputs, outputs, and initializers
//   - GraphBuilder: Unique value naming, typed inputs/outputs, raw initializers
//   - Marshal/WriteFile: Serialization (single allocation, atomic file write)
//   - Parse/ParseFile: Deserialization, used to read an exported file back
//   - Check: Topological order, value definitions and initializer sizes
//
// Example usage:
//
//	b := onnx.NewGraphBuilder("main_graph")
//	x := b.Input("x", onnx.TensorProtoFloat, onnx.Symbolic("batch_size"), onnx.Fixed(4))
//	w := b.Float32("w", []int64{4, 2}, weights)
//	b.OpTo("/MatMul", "MatMul", "y", []string{x, w})
//	b.Output("y", onnx.TensorProtoFloat, onnx.Symbolic("batch_size"), onnx.Fixed(2))
//
//	model := &onnx.ModelProto{
//	    IRVersion:   onnx.IRVersionForOpset(14),
//	    OpsetImport: []onnx.OperatorSetID{{Version: 14}},
//	    Graph:       b.Graph(),
//	}
//	if err := onnx.Check(model); err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := onnx.WriteFile("model.onnx", model); err != nil {
//	    log.Fatal(err)
//	}
package onnx
