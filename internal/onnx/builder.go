package onnx

import (
	"encoding/binary"
	"fmt"
	"math"
)

// GraphBuilder assembles a GraphProto node by node.
//
// Value names are unique: a name that is already taken gets a numeric
// suffix, so callers can reuse path-like hints freely.
type GraphBuilder struct {
	graph GraphProto
	taken map[string]int
}

// NewGraphBuilder creates an empty graph with the given name.
func NewGraphBuilder(name string) *GraphBuilder {
	return &GraphBuilder{
		graph: GraphProto{Name: name},
		taken: make(map[string]int),
	}
}

// Fixed returns a static dimension.
func Fixed(n int64) DimensionProto {
	return DimensionProto{DimValue: n}
}

// Symbolic returns a named dynamic dimension.
func Symbolic(name string) DimensionProto {
	return DimensionProto{DimParam: name}
}

// TensorValueInfo describes a tensor value of the given type and shape.
func TensorValueInfo(name string, elemType int32, dims ...DimensionProto) ValueInfoProto {
	return ValueInfoProto{
		Name: name,
		Type: &TypeProto{TensorType: &TensorTypeProto{
			ElemType: elemType,
			Shape:    &TensorShapeProto{Dims: dims},
		}},
	}
}

// unique reserves a value name derived from hint.
func (b *GraphBuilder) unique(hint string) string {
	name := hint
	for i := 1; b.taken[name] > 0; i++ {
		name = fmt.Sprintf("%s_%d", hint, i)
	}
	b.taken[name] = 1
	return name
}

// Input declares a graph input and returns its value name.
func (b *GraphBuilder) Input(name string, elemType int32, dims ...DimensionProto) string {
	name = b.unique(name)
	b.graph.Inputs = append(b.graph.Inputs, TensorValueInfo(name, elemType, dims...))
	return name
}

// Output declares a graph output. The value must be produced by a node whose
// output was named with OpTo.
func (b *GraphBuilder) Output(name string, elemType int32, dims ...DimensionProto) {
	b.graph.Outputs = append(b.graph.Outputs, TensorValueInfo(name, elemType, dims...))
}

// Op appends a single-output node. path is a slash separated scope used for
// the node name; the output value is named path + "_output_0".
func (b *GraphBuilder) Op(path, opType string, inputs []string, attrs ...AttributeProto) string {
	out := b.unique(path + "_output_0")
	b.OpTo(path, opType, out, inputs, attrs...)
	return out
}

// OpTo appends a single-output node writing to a caller-chosen value name.
func (b *GraphBuilder) OpTo(path, opType, output string, inputs []string, attrs ...AttributeProto) {
	b.taken[output]++
	b.graph.Nodes = append(b.graph.Nodes, NodeProto{
		Name:       path,
		OpType:     opType,
		Inputs:     inputs,
		Outputs:    []string{output},
		Attributes: attrs,
	})
}

// Float32 adds a float32 initializer stored as raw little-endian bytes.
func (b *GraphBuilder) Float32(name string, dims []int64, data []float32) string {
	name = b.unique(name)
	b.graph.Initializers = append(b.graph.Initializers, TensorProto{
		Name:     name,
		DataType: TensorProtoFloat,
		Dims:     dims,
		RawData:  Float32Bytes(data),
	})
	return name
}

// Int64 adds an int64 initializer stored as raw little-endian bytes.
func (b *GraphBuilder) Int64(name string, dims []int64, data []int64) string {
	name = b.unique(name)
	raw := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(raw[8*i:], uint64(v)) //nolint:gosec // G115: two's complement bytes.
	}
	b.graph.Initializers = append(b.graph.Initializers, TensorProto{
		Name:     name,
		DataType: TensorProtoInt64,
		Dims:     dims,
		RawData:  raw,
	})
	return name
}

// ScalarFloat adds a rank-0 float32 initializer.
func (b *GraphBuilder) ScalarFloat(name string, v float32) string {
	return b.Float32(name, []int64{}, []float32{v})
}

// ScalarInt64 adds a rank-0 int64 initializer.
func (b *GraphBuilder) ScalarInt64(name string, v int64) string {
	return b.Int64(name, []int64{}, []int64{v})
}

// Int64s adds a 1-D int64 initializer, typically shape or axes operands.
func (b *GraphBuilder) Int64s(name string, vs ...int64) string {
	return b.Int64(name, []int64{int64(len(vs))}, vs)
}

// SetDocString sets the graph description.
func (b *GraphBuilder) SetDocString(doc string) {
	b.graph.DocString = doc
}

// Graph returns the assembled graph.
func (b *GraphBuilder) Graph() *GraphProto {
	g := b.graph
	return &g
}

// AttrInt builds an INT attribute.
func AttrInt(name string, v int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoInt, I: v}
}

// AttrFloat builds a FLOAT attribute.
func AttrFloat(name string, v float32) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoFloat, F: v}
}

// AttrInts builds an INTS attribute.
func AttrInts(name string, vs ...int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoInts, Ints: vs}
}

// Float32Bytes encodes float32 values as little-endian bytes.
func Float32Bytes(data []float32) []byte {
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return raw
}
