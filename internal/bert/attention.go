package bert

import (
	"fmt"
	"math"

	"github.com/born-ml/bert2onnx/internal/onnx"
)

// extendedMask turns attention_mask [batch, seq] (1 = keep, 0 = pad) into
// an additive mask [batch, 1, 1, seq]: 0 for kept positions, float32 min
// for padding.
func (e *emitter) extendedMask(mask string) string {
	u := e.b.Op("/Unsqueeze", "Unsqueeze", []string{mask, e.ints1D(1, 2)})
	f := e.b.Op("/Cast", "Cast", []string{u}, onnx.AttrInt("to", onnx.TensorProtoFloat))
	inv := e.b.Op("/Sub", "Sub", []string{e.scalar(1), f})
	return e.b.Op("/Mul", "Mul", []string{inv, e.scalar(float32Min)})
}

// selfAttention emits one BertAttention block (self-attention plus output
// projection, residual and LayerNorm) for layer i.
//
// Shapes:
//   - x: [batch, seq, hidden]
//   - mask: [batch, 1, 1, seq], additive
//   - returns: [batch, seq, hidden]
func (e *emitter) selfAttention(i int, x, mask string, heads, hidden int) (string, error) {
	path := fmt.Sprintf("/encoder/layer.%d/attention", i)
	prefix := fmt.Sprintf("encoder.layer.%d.attention", i)
	headSize := hidden / heads

	q, err := e.linear(path+"/self/query", x, prefix+".self.query")
	if err != nil {
		return "", err
	}
	k, err := e.linear(path+"/self/key", x, prefix+".self.key")
	if err != nil {
		return "", err
	}
	v, err := e.linear(path+"/self/value", x, prefix+".self.value")
	if err != nil {
		return "", err
	}

	// [batch, seq, hidden] -> [batch, seq, heads, head_size]; 0 copies the input dim.
	split := e.ints1D(0, 0, int64(heads), int64(headSize))
	q = e.b.Op(path+"/self/Reshape", "Reshape", []string{q, split})
	k = e.b.Op(path+"/self/Reshape_1", "Reshape", []string{k, split})
	v = e.b.Op(path+"/self/Reshape_2", "Reshape", []string{v, split})

	// q, v: [batch, heads, seq, head_size]; k: [batch, heads, head_size, seq].
	q = e.b.Op(path+"/self/Transpose", "Transpose", []string{q}, onnx.AttrInts("perm", 0, 2, 1, 3))
	k = e.b.Op(path+"/self/Transpose_1", "Transpose", []string{k}, onnx.AttrInts("perm", 0, 2, 3, 1))
	v = e.b.Op(path+"/self/Transpose_2", "Transpose", []string{v}, onnx.AttrInts("perm", 0, 2, 1, 3))

	scores := e.b.Op(path+"/self/MatMul", "MatMul", []string{q, k})
	scores = e.b.Op(path+"/self/Div", "Div", []string{scores, e.scalar(float32(math.Sqrt(float64(headSize))))})
	scores = e.b.Op(path+"/self/Add", "Add", []string{scores, mask})
	probs := e.b.Op(path+"/self/Softmax", "Softmax", []string{scores}, onnx.AttrInt("axis", -1))

	ctx := e.b.Op(path+"/self/MatMul_1", "MatMul", []string{probs, v})
	ctx = e.b.Op(path+"/self/Transpose_3", "Transpose", []string{ctx}, onnx.AttrInts("perm", 0, 2, 1, 3))
	ctx = e.b.Op(path+"/self/Reshape_3", "Reshape", []string{ctx, e.ints1D(0, 0, int64(hidden))})

	out, err := e.linear(path+"/output/dense", ctx, prefix+".output.dense")
	if err != nil {
		return "", err
	}
	out = e.b.Op(path+"/output/Add", "Add", []string{out, x})
	return e.layerNorm(path+"/output/LayerNorm", out, prefix+".output.LayerNorm"), nil
}
