package onnx

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"google.golang.org/protobuf/encoding/protowire"
)

// maxProtoSize is the protobuf message size limit. Larger models need
// external data files, which this encoder does not produce.
const maxProtoSize = math.MaxInt32

// ErrModelTooLarge is returned when the serialized model exceeds 2GiB.
var ErrModelTooLarge = errors.New("serialized model exceeds the 2GiB protobuf limit")

// WriteFile serializes the model and writes it to path atomically.
func WriteFile(path string, m *ModelProto) (int64, error) {
	data, err := Marshal(m)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("failed to write model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close model file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, fmt.Errorf("failed to move model into place: %w", err)
	}
	return int64(len(data)), nil
}

// Marshal encodes the model in protobuf wire format.
//
// The graph is appended in place with a precomputed length so initializer
// bytes are copied exactly once.
func Marshal(m *ModelProto) ([]byte, error) {
	if m == nil {
		return nil, errors.New("nil model")
	}
	size := modelSize(m)
	if size > maxProtoSize {
		return nil, fmt.Errorf("%w (%d bytes)", ErrModelTooLarge, size)
	}
	b := make([]byte, 0, size)
	b = appendModel(b, m)
	return b, nil
}

func appendModel(b []byte, m *ModelProto) []byte {
	if m.IRVersion != 0 {
		b = appendVarintField(b, 1, uint64(m.IRVersion)) //nolint:gosec // G115: IR version is non-negative.
	}
	b = appendStringField(b, 2, m.ProducerName)
	b = appendStringField(b, 3, m.ProducerVersion)
	b = appendStringField(b, 4, m.Domain)
	if m.ModelVersion != 0 {
		b = appendVarintField(b, 5, uint64(m.ModelVersion)) //nolint:gosec // G115: version is non-negative.
	}
	b = appendStringField(b, 6, m.DocString)
	if m.Graph != nil {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(graphSize(m.Graph))) //nolint:gosec // G115: size is bounded by maxProtoSize.
		b = appendGraph(b, m.Graph)
	}
	for i := range m.OpsetImport {
		b = appendMessageField(b, 8, appendOperatorSetID(nil, &m.OpsetImport[i]))
	}
	for i := range m.MetadataProps {
		b = appendMessageField(b, 14, appendStringStringEntry(nil, &m.MetadataProps[i]))
	}
	return b
}

func modelSize(m *ModelProto) int {
	n := 0
	if m.IRVersion != 0 {
		n += varintFieldSize(1, uint64(m.IRVersion)) //nolint:gosec // G115: IR version is non-negative.
	}
	n += stringFieldSize(2, m.ProducerName)
	n += stringFieldSize(3, m.ProducerVersion)
	n += stringFieldSize(4, m.Domain)
	if m.ModelVersion != 0 {
		n += varintFieldSize(5, uint64(m.ModelVersion)) //nolint:gosec // G115: version is non-negative.
	}
	n += stringFieldSize(6, m.DocString)
	if m.Graph != nil {
		n += messageFieldSize(7, graphSize(m.Graph))
	}
	for i := range m.OpsetImport {
		n += messageFieldSize(8, len(appendOperatorSetID(nil, &m.OpsetImport[i])))
	}
	for i := range m.MetadataProps {
		n += messageFieldSize(14, len(appendStringStringEntry(nil, &m.MetadataProps[i])))
	}
	return n
}

func appendGraph(b []byte, g *GraphProto) []byte {
	for i := range g.Nodes {
		b = appendMessageField(b, 1, appendNode(nil, &g.Nodes[i]))
	}
	b = appendStringField(b, 2, g.Name)
	for i := range g.Initializers {
		t := &g.Initializers[i]
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(tensorSize(t))) //nolint:gosec // G115: size is non-negative.
		b = appendTensor(b, t)
	}
	b = appendStringField(b, 10, g.DocString)
	for i := range g.Inputs {
		b = appendMessageField(b, 11, appendValueInfo(nil, &g.Inputs[i]))
	}
	for i := range g.Outputs {
		b = appendMessageField(b, 12, appendValueInfo(nil, &g.Outputs[i]))
	}
	for i := range g.ValueInfo {
		b = appendMessageField(b, 13, appendValueInfo(nil, &g.ValueInfo[i]))
	}
	return b
}

func graphSize(g *GraphProto) int {
	n := 0
	for i := range g.Nodes {
		n += messageFieldSize(1, len(appendNode(nil, &g.Nodes[i])))
	}
	n += stringFieldSize(2, g.Name)
	for i := range g.Initializers {
		n += messageFieldSize(5, tensorSize(&g.Initializers[i]))
	}
	n += stringFieldSize(10, g.DocString)
	for i := range g.Inputs {
		n += messageFieldSize(11, len(appendValueInfo(nil, &g.Inputs[i])))
	}
	for i := range g.Outputs {
		n += messageFieldSize(12, len(appendValueInfo(nil, &g.Outputs[i])))
	}
	for i := range g.ValueInfo {
		n += messageFieldSize(13, len(appendValueInfo(nil, &g.ValueInfo[i])))
	}
	return n
}

func appendNode(b []byte, n *NodeProto) []byte {
	for _, in := range n.Inputs {
		// Empty strings are meaningful here: they mark omitted optional inputs.
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Outputs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendStringField(b, 3, n.Name)
	b = appendStringField(b, 4, n.OpType)
	for i := range n.Attributes {
		b = appendMessageField(b, 5, appendAttribute(nil, &n.Attributes[i]))
	}
	b = appendStringField(b, 6, n.DocString)
	b = appendStringField(b, 7, n.Domain)
	return b
}

// appendTensor must stay in sync with tensorSize.
func appendTensor(b []byte, t *TensorProto) []byte {
	for _, d := range t.Dims {
		b = appendVarintField(b, 1, uint64(d)) //nolint:gosec // G115: negative dims round-trip as two's complement.
	}
	if t.DataType != 0 {
		b = appendVarintField(b, 2, uint64(t.DataType)) //nolint:gosec // G115: data types are small enums.
	}
	if len(t.FloatData) > 0 {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(4*len(t.FloatData)))
		for _, v := range t.FloatData {
			b = protowire.AppendFixed32(b, math.Float32bits(v))
		}
	}
	if len(t.Int32Data) > 0 {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(packedInt32Size(t.Int32Data)))
		for _, v := range t.Int32Data {
			b = protowire.AppendVarint(b, uint64(int64(v))) //nolint:gosec // G115: sign extension is the wire format.
		}
	}
	if len(t.Int64Data) > 0 {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(packedInt64Size(t.Int64Data)))
		for _, v := range t.Int64Data {
			b = protowire.AppendVarint(b, uint64(v)) //nolint:gosec // G115: two's complement is the wire format.
		}
	}
	b = appendStringField(b, 8, t.Name)
	if len(t.RawData) > 0 {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, t.RawData)
	}
	b = appendStringField(b, 12, t.DocString)
	return b
}

func tensorSize(t *TensorProto) int {
	n := 0
	for _, d := range t.Dims {
		n += varintFieldSize(1, uint64(d)) //nolint:gosec // G115: see appendTensor.
	}
	if t.DataType != 0 {
		n += varintFieldSize(2, uint64(t.DataType)) //nolint:gosec // G115: see appendTensor.
	}
	if len(t.FloatData) > 0 {
		n += messageFieldSize(4, 4*len(t.FloatData))
	}
	if len(t.Int32Data) > 0 {
		n += messageFieldSize(5, packedInt32Size(t.Int32Data))
	}
	if len(t.Int64Data) > 0 {
		n += messageFieldSize(7, packedInt64Size(t.Int64Data))
	}
	n += stringFieldSize(8, t.Name)
	if len(t.RawData) > 0 {
		n += messageFieldSize(9, len(t.RawData))
	}
	n += stringFieldSize(12, t.DocString)
	return n
}

func appendValueInfo(b []byte, v *ValueInfoProto) []byte {
	b = appendStringField(b, 1, v.Name)
	if v.Type != nil {
		b = appendMessageField(b, 2, appendType(nil, v.Type))
	}
	b = appendStringField(b, 3, v.DocString)
	return b
}

func appendType(b []byte, t *TypeProto) []byte {
	if t.TensorType == nil {
		return b
	}
	tt := t.TensorType
	var inner []byte
	if tt.ElemType != 0 {
		inner = appendVarintField(inner, 1, uint64(tt.ElemType)) //nolint:gosec // G115: data types are small enums.
	}
	if tt.Shape != nil {
		var shape []byte
		for i := range tt.Shape.Dims {
			shape = appendMessageField(shape, 1, appendDimension(nil, &tt.Shape.Dims[i]))
		}
		// An empty shape message still has to be present: it means rank 0.
		inner = appendMessageField(inner, 2, shape)
	}
	return appendMessageField(b, 1, inner)
}

func appendDimension(b []byte, d *DimensionProto) []byte {
	if d.DimParam != "" {
		return appendStringField(b, 2, d.DimParam)
	}
	return appendVarintField(b, 1, uint64(d.DimValue)) //nolint:gosec // G115: dims are non-negative.
}

func appendAttribute(b []byte, a *AttributeProto) []byte {
	b = appendStringField(b, 1, a.Name)
	switch a.Type {
	case AttributeProtoFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeProtoInt:
		b = appendVarintField(b, 3, uint64(a.I)) //nolint:gosec // G115: two's complement is the wire format.
	case AttributeProtoString:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	case AttributeProtoTensor:
		if a.T != nil {
			b = appendMessageField(b, 5, appendTensor(nil, a.T))
		}
	case AttributeProtoFloats:
		for _, f := range a.Floats {
			b = protowire.AppendTag(b, 7, protowire.Fixed32Type)
			b = protowire.AppendFixed32(b, math.Float32bits(f))
		}
	case AttributeProtoInts:
		for _, v := range a.Ints {
			b = appendVarintField(b, 8, uint64(v)) //nolint:gosec // G115: two's complement is the wire format.
		}
	case AttributeProtoStrings:
		for _, s := range a.Strings {
			b = protowire.AppendTag(b, 9, protowire.BytesType)
			b = protowire.AppendBytes(b, s)
		}
	}
	b = appendStringField(b, 13, a.DocString)
	if a.Type != 0 {
		b = appendVarintField(b, 20, uint64(a.Type)) //nolint:gosec // G115: attribute types are small enums.
	}
	return b
}

func appendOperatorSetID(b []byte, o *OperatorSetID) []byte {
	b = appendStringField(b, 1, o.Domain)
	return appendVarintField(b, 2, uint64(o.Version)) //nolint:gosec // G115: opset versions are positive.
}

func appendStringStringEntry(b []byte, e *StringStringEntry) []byte {
	b = appendStringField(b, 1, e.Key)
	return appendStringField(b, 2, e.Value)
}

// appendStringField skips empty strings, which proto2 readers treat as unset.
func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func stringFieldSize(num protowire.Number, s string) int {
	if s == "" {
		return 0
	}
	return messageFieldSize(num, len(s))
}

func varintFieldSize(num protowire.Number, v uint64) int {
	return protowire.SizeTag(num) + protowire.SizeVarint(v)
}

func messageFieldSize(num protowire.Number, n int) int {
	return protowire.SizeTag(num) + protowire.SizeBytes(n)
}

func packedInt32Size(vs []int32) int {
	n := 0
	for _, v := range vs {
		n += protowire.SizeVarint(uint64(int64(v))) //nolint:gosec // G115: sign extension is the wire format.
	}
	return n
}

func packedInt64Size(vs []int64) int {
	n := 0
	for _, v := range vs {
		n += protowire.SizeVarint(uint64(v)) //nolint:gosec // G115: two's complement is the wire format.
	}
	return n
}
