package onnx

import (
	"errors"
	"fmt"
	"sort"
)

// Structural check errors.
var (
	ErrNoGraph            = errors.New("model has no graph")
	ErrNoOpset            = errors.New("model imports no default-domain opset")
	ErrUndefinedValue     = errors.New("node consumes an undefined value")
	ErrDuplicateValue     = errors.New("value is produced more than once")
	ErrMissingOutput      = errors.New("graph output is never produced")
	ErrInitializerSize    = errors.New("initializer data does not match its dims")
	ErrUnsupportedOp      = errors.New("operator is not available in the imported opset")
	ErrMissingValueType   = errors.New("graph input or output has no tensor type")
	ErrUnnamedInitializer = errors.New("initializer has no name")
)

// opsetSince lists the operators this exporter emits with the opset version
// that introduced the signature it relies on.
var opsetSince = map[string]int64{
	"Add": 7, "Sub": 7, "Mul": 7, "Div": 7, "Max": 8,
	"MatMul": 9, "Gather": 11, "Reshape": 5, "Transpose": 1,
	"Unsqueeze": 13, "Softmax": 13, "Cast": 9, "Sqrt": 6,
	"Erf": 9, "Tanh": 6, "Relu": 6, "ReduceMean": 1,
	"ReduceSum": 13, "Shape": 1, "Range": 11, "Identity": 1,
	"LayerNormalization": 17,
}

// Check validates the structure of a model the way an exporter guarantees
// it: opset present, operators known to that opset, graph in topological
// order, every value produced exactly once, every output produced, and
// initializer payloads consistent with their dims.
//
// All problems are reported, joined with errors.Join.
func Check(m *ModelProto) error {
	if m == nil || m.Graph == nil {
		return ErrNoGraph
	}
	var errs []error

	opset := m.OpsetVersion()
	if opset == 0 {
		errs = append(errs, ErrNoOpset)
	}

	g := m.Graph
	defined := make(map[string]bool, len(g.Inputs)+len(g.Initializers)+len(g.Nodes))
	define := func(name, what string) {
		if defined[name] {
			errs = append(errs, fmt.Errorf("%w: %q (%s)", ErrDuplicateValue, name, what))
			return
		}
		defined[name] = true
	}

	for i := range g.Inputs {
		in := &g.Inputs[i]
		if in.Type == nil || in.Type.TensorType == nil {
			errs = append(errs, fmt.Errorf("%w: input %q", ErrMissingValueType, in.Name))
		}
		define(in.Name, "input")
	}
	for i := range g.Initializers {
		t := &g.Initializers[i]
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("%w: initializer #%d", ErrUnnamedInitializer, i))
			continue
		}
		if err := checkInitializer(t); err != nil {
			errs = append(errs, err)
		}
		// Initializers may also be listed as inputs (IR < 4 style).
		if !defined[t.Name] {
			define(t.Name, "initializer")
		}
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.Domain == "" || n.Domain == "ai.onnx" {
			if since, ok := opsetSince[n.OpType]; !ok || (opset != 0 && opset < since) {
				errs = append(errs, fmt.Errorf("%w: %s (node %q, opset %d)", ErrUnsupportedOp, n.OpType, n.Name, opset))
			}
		}
		for _, in := range n.Inputs {
			if in != "" && !defined[in] {
				errs = append(errs, fmt.Errorf("%w: %q consumed by node %q (%s)", ErrUndefinedValue, in, n.Name, n.OpType))
			}
		}
		for _, out := range n.Outputs {
			if out != "" {
				define(out, "node "+n.Name)
			}
		}
	}

	for i := range g.Outputs {
		out := &g.Outputs[i]
		if out.Type == nil || out.Type.TensorType == nil {
			errs = append(errs, fmt.Errorf("%w: output %q", ErrMissingValueType, out.Name))
		}
		if !defined[out.Name] {
			errs = append(errs, fmt.Errorf("%w: %q", ErrMissingOutput, out.Name))
		}
	}

	return errors.Join(errs...)
}

func checkInitializer(t *TensorProto) error {
	count := int64(1)
	for _, d := range t.Dims {
		if d < 0 {
			return fmt.Errorf("%w: %q has negative dim %d", ErrInitializerSize, t.Name, d)
		}
		count *= d
	}

	var got int64
	switch {
	case len(t.RawData) > 0:
		size := elemSize(t.DataType)
		if size == 0 {
			return fmt.Errorf("%w: %q has raw data of unsized type %s", ErrInitializerSize, t.Name, DataTypeName(t.DataType))
		}
		if len(t.RawData)%size != 0 {
			return fmt.Errorf("%w: %q raw data is %d bytes, not a multiple of %d",
				ErrInitializerSize, t.Name, len(t.RawData), size)
		}
		got = int64(len(t.RawData) / size)
	case len(t.FloatData) > 0:
		got = int64(len(t.FloatData))
	case len(t.Int64Data) > 0:
		got = int64(len(t.Int64Data))
	case len(t.Int32Data) > 0:
		got = int64(len(t.Int32Data))
	}

	if got != count {
		return fmt.Errorf("%w: %q has %d elements, dims %v need %d", ErrInitializerSize, t.Name, got, t.Dims, count)
	}
	return nil
}

// SupportedOps returns the operators Check accepts, sorted.
func SupportedOps() []string {
	ops := make([]string, 0, len(opsetSince))
	for op := range opsetSince {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
