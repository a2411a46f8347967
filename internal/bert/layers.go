package bert

import (
	"fmt"
	"math"

	"github.com/born-ml/bert2onnx/internal/onnx"
)

// float32Min is torch.finfo(torch.float32).min, the additive mask value for
// padded positions.
const float32Min = -math.MaxFloat32

// emitter writes encoder subgraphs into a GraphBuilder.
//
// Node names follow the module path of the equivalent PyTorch module
// ("/encoder/layer.0/attention/self/query/MatMul"), so graphs read the same
// as torch.onnx exports of the same model.
type emitter struct {
	b      *onnx.GraphBuilder
	w      *Weights
	opset  int64
	eps    float32
	floats map[float32]string
	ints   map[string]string
}

func newEmitter(b *onnx.GraphBuilder, w *Weights, opset int64, eps float32) *emitter {
	return &emitter{
		b:      b,
		w:      w,
		opset:  opset,
		eps:    eps,
		floats: make(map[float32]string),
		ints:   make(map[string]string),
	}
}

// scalar returns a shared rank-0 float32 constant.
func (e *emitter) scalar(v float32) string {
	if name, ok := e.floats[v]; ok {
		return name
	}
	name := e.b.ScalarFloat(fmt.Sprintf("/Constant_%d", len(e.floats)+len(e.ints)), v)
	e.floats[v] = name
	return name
}

// ints1D returns a shared 1-D int64 constant, used for shapes and axes.
func (e *emitter) ints1D(vs ...int64) string {
	key := fmt.Sprint(vs)
	if name, ok := e.ints[key]; ok {
		return name
	}
	name := e.b.Int64s(fmt.Sprintf("/Constant_%d", len(e.floats)+len(e.ints)), vs...)
	e.ints[key] = name
	return name
}

// param adds a checkpoint tensor as an initializer under its canonical name.
func (e *emitter) param(name string) string {
	t, _ := e.w.Get(name)
	return e.b.Float32(name, t.Dims(), t.Data)
}

// linear emits x @ W^T + b for a torch Linear with weight [out, in].
// The weight is stored transposed, [in, out], so the projection is a
// single MatMul.
func (e *emitter) linear(path, x, prefix string) (string, error) {
	t, _ := e.w.Get(prefix + ".weight")
	wt, err := t.Transpose2D()
	if err != nil {
		return "", fmt.Errorf("%s.weight: %w", prefix, err)
	}
	weight := e.b.Float32(prefix+".weight", wt.Dims(), wt.Data)
	bias := e.param(prefix + ".bias")

	y := e.b.Op(path+"/MatMul", "MatMul", []string{x, weight})
	return e.b.Op(path+"/Add", "Add", []string{bias, y}), nil
}

// layerNorm normalizes over the last axis. Opset 17 has a native operator;
// earlier opsets get the decomposition torch.onnx emits.
func (e *emitter) layerNorm(path, x, prefix string) string {
	gamma := e.param(prefix + ".weight")
	beta := e.param(prefix + ".bias")

	if e.opset >= 17 {
		return e.b.Op(path+"/LayerNormalization", "LayerNormalization", []string{x, gamma, beta},
			onnx.AttrInt("axis", -1),
			onnx.AttrFloat("epsilon", e.eps),
		)
	}

	mean := e.b.Op(path+"/ReduceMean", "ReduceMean", []string{x}, onnx.AttrInts("axes", -1))
	centered := e.b.Op(path+"/Sub", "Sub", []string{x, mean})
	sq := e.b.Op(path+"/Mul", "Mul", []string{centered, centered})
	variance := e.b.Op(path+"/ReduceMean_1", "ReduceMean", []string{sq}, onnx.AttrInts("axes", -1))
	shifted := e.b.Op(path+"/Add", "Add", []string{variance, e.scalar(e.eps)})
	std := e.b.Op(path+"/Sqrt", "Sqrt", []string{shifted})
	normed := e.b.Op(path+"/Div", "Div", []string{centered, std})
	scaled := e.b.Op(path+"/Mul_1", "Mul", []string{normed, gamma})
	return e.b.Op(path+"/Add_1", "Add", []string{scaled, beta})
}

// activation applies config.json's hidden_act.
func (e *emitter) activation(path, act, x string) (string, error) {
	switch act {
	case "gelu", "gelu_python":
		// 0.5 * x * (1 + erf(x / sqrt(2)))
		d := e.b.Op(path+"/Div", "Div", []string{x, e.scalar(float32(math.Sqrt2))})
		erf := e.b.Op(path+"/Erf", "Erf", []string{d})
		one := e.b.Op(path+"/Add", "Add", []string{erf, e.scalar(1)})
		m := e.b.Op(path+"/Mul", "Mul", []string{x, one})
		return e.b.Op(path+"/Mul_1", "Mul", []string{m, e.scalar(0.5)}), nil
	case "gelu_new", "gelu_pytorch_tanh", "gelu_fast":
		// 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715 * x^3)))
		x2 := e.b.Op(path+"/Mul", "Mul", []string{x, x})
		x3 := e.b.Op(path+"/Mul_1", "Mul", []string{x2, x})
		c := e.b.Op(path+"/Mul_2", "Mul", []string{x3, e.scalar(0.044715)})
		inner := e.b.Op(path+"/Add", "Add", []string{x, c})
		scaled := e.b.Op(path+"/Mul_3", "Mul", []string{inner, e.scalar(float32(math.Sqrt(2 / math.Pi)))})
		tanh := e.b.Op(path+"/Tanh", "Tanh", []string{scaled})
		one := e.b.Op(path+"/Add_1", "Add", []string{tanh, e.scalar(1)})
		m := e.b.Op(path+"/Mul_4", "Mul", []string{x, one})
		return e.b.Op(path+"/Mul_5", "Mul", []string{m, e.scalar(0.5)}), nil
	case "relu":
		return e.b.Op(path+"/Relu", "Relu", []string{x}), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedActivation, act)
	}
}

// checkActivation reports whether activation can emit act.
func checkActivation(act string) error {
	switch act {
	case "gelu", "gelu_python", "gelu_new", "gelu_pytorch_tanh", "gelu_fast", "relu":
		return nil
	default:
		return fmt.Errorf("%w: %q (want gelu, gelu_new, gelu_pytorch_tanh or relu)", ErrUnsupportedActivation, act)
	}
}
