package onnx

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// buildLinearModel creates y = Relu(x @ W + b) with a dynamic batch axis.
func buildLinearModel(t *testing.T) *ModelProto {
	t.Helper()

	b := NewGraphBuilder("main_graph")
	x := b.Input("x", TensorProtoFloat, Symbolic("batch_size"), Fixed(3))
	w := b.Float32("linear.weight", []int64{3, 2}, []float32{1, 2, 3, 4, 5, 6})
	bias := b.Float32("linear.bias", []int64{2}, []float32{0.5, -0.5})
	mm := b.Op("/linear/MatMul", "MatMul", []string{x, w})
	add := b.Op("/linear/Add", "Add", []string{mm, bias})
	b.OpTo("/Relu", "Relu", "y", []string{add})
	b.Output("y", TensorProtoFloat, Symbolic("batch_size"), Fixed(2))

	return &ModelProto{
		IRVersion:       IRVersionForOpset(14),
		OpsetImport:     []OperatorSetID{{Version: 14}},
		ProducerName:    "bert2onnx",
		ProducerVersion: "test",
		Graph:           b.Graph(),
		MetadataProps:   []StringStringEntry{{Key: "pooling", Value: "cls"}},
	}
}

func TestMarshalParseRoundTrip(t *testing.T) {
	model := buildLinearModel(t)

	data, err := Marshal(model)
	require.NoError(t, err)
	assert.Equal(t, modelSize(model), len(data), "precomputed size must match the encoding")

	parsed, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, int64(7), parsed.IRVersion)
	assert.Equal(t, int64(14), parsed.OpsetVersion())
	assert.Equal(t, "bert2onnx", parsed.ProducerName)
	assert.Equal(t, map[string]string{"pooling": "cls"}, parsed.Metadata())

	require.NotNil(t, parsed.Graph)
	g := parsed.Graph
	assert.Equal(t, "main_graph", g.Name)
	require.Len(t, g.Nodes, 3)
	assert.Equal(t, "MatMul", g.Nodes[0].OpType)
	assert.Equal(t, "/linear/MatMul", g.Nodes[0].Name)
	assert.Equal(t, []string{"x", "linear.weight"}, g.Nodes[0].Inputs)
	assert.Equal(t, []string{"y"}, g.Nodes[2].Outputs)

	require.Len(t, g.Initializers, 2)
	assert.Equal(t, []int64{3, 2}, g.Initializers[0].Dims)
	assert.Equal(t, Float32Bytes([]float32{1, 2, 3, 4, 5, 6}), g.Initializers[0].RawData)

	require.Len(t, g.Inputs, 1)
	dims := g.Inputs[0].Type.TensorType.Shape.Dims
	require.Len(t, dims, 2)
	assert.Equal(t, "batch_size", dims[0].DimParam)
	assert.Equal(t, int64(3), dims[1].DimValue)

	require.NoError(t, Check(parsed))
}

func TestAttributesRoundTrip(t *testing.T) {
	b := NewGraphBuilder("g")
	x := b.Input("x", TensorProtoFloat, Fixed(2), Fixed(3))
	b.OpTo("/Transpose", "Transpose", "t", []string{x}, AttrInts("perm", 1, 0))
	b.OpTo("/Softmax", "Softmax", "s", []string{"t"}, AttrInt("axis", -1))
	b.OpTo("/Cast", "Cast", "y", []string{"s"}, AttrInt("to", TensorProtoFloat), AttrFloat("unused", 1.5),
		AttributeProto{Name: "note", Type: AttributeProtoString, S: []byte("hi")})
	b.Output("y", TensorProtoFloat, Fixed(3), Fixed(2))
	model := &ModelProto{IRVersion: 7, OpsetImport: []OperatorSetID{{Version: 14}}, Graph: b.Graph()}

	data, err := Marshal(model)
	require.NoError(t, err)
	parsed, err := Parse(data)
	require.NoError(t, err)

	nodes := parsed.Graph.Nodes
	require.Len(t, nodes, 3)
	assert.Equal(t, []int64{1, 0}, nodes[0].Attributes[0].Ints)
	assert.Equal(t, int32(AttributeProtoInts), nodes[0].Attributes[0].Type)
	assert.Equal(t, int64(-1), nodes[1].Attributes[0].I)

	attrs := nodes[2].Attributes
	require.Len(t, attrs, 3)
	assert.Equal(t, int64(TensorProtoFloat), attrs[0].I)
	assert.InDelta(t, 1.5, attrs[1].F, 1e-6)
	assert.Equal(t, "hi", string(attrs[2].S))
}

func TestParseAcceptsPackedAndUnpackedDims(t *testing.T) {
	var packed []byte
	for _, d := range []int64{2, 3} {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	var tensor []byte
	tensor = protowire.AppendTag(tensor, 1, protowire.BytesType)
	tensor = protowire.AppendBytes(tensor, packed)
	tensor = protowire.AppendTag(tensor, 1, protowire.VarintType)
	tensor = protowire.AppendVarint(tensor, 4)

	var got TensorProto
	require.NoError(t, readTensorProto(tensor, &got))
	assert.Equal(t, []int64{2, 3, 4}, got.Dims)
}

func TestParseTruncated(t *testing.T) {
	data, err := Marshal(buildLinearModel(t))
	require.NoError(t, err)

	_, err = Parse(data[:len(data)-3])
	assert.Error(t, err)
}

func TestWriteFileAndInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")

	n, err := WriteFile(path, buildLinearModel(t))
	require.NoError(t, err)
	assert.Positive(t, n)

	info, err := GetModelInfo(path)
	require.NoError(t, err)
	assert.Equal(t, int64(14), info.OpsetVersion)
	assert.Equal(t, []string{"x"}, info.InputNames())
	assert.Equal(t, []string{"y"}, info.OutputNames())
	assert.Equal(t, "x:float[batch_size,3]", info.Inputs[0].String())
	assert.Equal(t, 3, info.NodeCount)
	assert.Equal(t, 2, info.WeightCount)
	assert.Equal(t, int64(8), info.ParameterCount)
	assert.Equal(t, []string{"Add", "MatMul", "Relu"}, info.Operators())
}

func TestCheck(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, Check(buildLinearModel(t)))
	})

	t.Run("no graph", func(t *testing.T) {
		assert.ErrorIs(t, Check(&ModelProto{}), ErrNoGraph)
	})

	t.Run("no opset", func(t *testing.T) {
		m := buildLinearModel(t)
		m.OpsetImport = nil
		assert.ErrorIs(t, Check(m), ErrNoOpset)
	})

	t.Run("undefined value", func(t *testing.T) {
		m := buildLinearModel(t)
		m.Graph.Nodes[1].Inputs[0] = "missing"
		err := Check(m)
		assert.ErrorIs(t, err, ErrUndefinedValue)
		assert.Contains(t, err.Error(), `"missing"`)
	})

	t.Run("out of order", func(t *testing.T) {
		m := buildLinearModel(t)
		nodes := m.Graph.Nodes
		nodes[0], nodes[1] = nodes[1], nodes[0]
		assert.ErrorIs(t, Check(m), ErrUndefinedValue)
	})

	t.Run("duplicate producer", func(t *testing.T) {
		m := buildLinearModel(t)
		m.Graph.Nodes[1].Outputs[0] = m.Graph.Nodes[0].Outputs[0]
		assert.ErrorIs(t, Check(m), ErrDuplicateValue)
	})

	t.Run("missing output", func(t *testing.T) {
		m := buildLinearModel(t)
		m.Graph.Outputs[0].Name = "z"
		assert.ErrorIs(t, Check(m), ErrMissingOutput)
	})

	t.Run("initializer size", func(t *testing.T) {
		m := buildLinearModel(t)
		m.Graph.Initializers[0].RawData = m.Graph.Initializers[0].RawData[:8]
		assert.ErrorIs(t, Check(m), ErrInitializerSize)
	})

	t.Run("op newer than opset", func(t *testing.T) {
		m := buildLinearModel(t)
		m.Graph.Nodes[2].OpType = "LayerNormalization"
		assert.ErrorIs(t, Check(m), ErrUnsupportedOp)
	})

	t.Run("reports every problem", func(t *testing.T) {
		m := buildLinearModel(t)
		m.OpsetImport = nil
		m.Graph.Outputs[0].Name = "z"
		err := Check(m)
		assert.True(t, errors.Is(err, ErrNoOpset) && errors.Is(err, ErrMissingOutput))
	})
}

func TestGraphBuilderUniqueNames(t *testing.T) {
	b := NewGraphBuilder("g")
	a := b.ScalarFloat("one", 1)
	c := b.ScalarFloat("one", 1)
	d := b.ScalarFloat("one", 1)
	assert.Equal(t, "one", a)
	assert.Equal(t, "one_1", c)
	assert.Equal(t, "one_2", d)

	first := b.Op("/scale", "Mul", []string{a, c})
	second := b.Op("/scale", "Mul", []string{first, d})
	assert.Equal(t, "/scale_output_0", first)
	assert.Equal(t, "/scale_output_0_1", second)
}

func TestIRVersionForOpset(t *testing.T) {
	assert.Equal(t, int64(7), IRVersionForOpset(14))
	assert.Equal(t, int64(8), IRVersionForOpset(17))
	assert.Equal(t, int64(9), IRVersionForOpset(20))
	assert.Equal(t, int64(10), IRVersionForOpset(21))
}
