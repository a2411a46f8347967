package onnx

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ValueInfo is a flattened graph input or output description.
type ValueInfo struct {
	Name     string
	ElemType string
	Dims     []string // static sizes as decimal strings, symbolic dims by name
}

// String renders the value as name:type[d0,d1,...].
func (v ValueInfo) String() string {
	return fmt.Sprintf("%s:%s[%s]", v.Name, v.ElemType, strings.Join(v.Dims, ","))
}

// ModelInfo contains basic information about an ONNX model.
type ModelInfo struct {
	IRVersion       int64
	OpsetVersion    int64
	ProducerName    string
	ProducerVersion string
	Inputs          []ValueInfo
	Outputs         []ValueInfo
	NodeCount       int
	WeightCount     int
	ParameterCount  int64
	OpCounts        map[string]int
	Metadata        map[string]string
}

// InputNames returns the input names in declaration order.
func (i *ModelInfo) InputNames() []string {
	names := make([]string, len(i.Inputs))
	for k, v := range i.Inputs {
		names[k] = v.Name
	}
	return names
}

// OutputNames returns the output names in declaration order.
func (i *ModelInfo) OutputNames() []string {
	names := make([]string, len(i.Outputs))
	for k, v := range i.Outputs {
		names[k] = v.Name
	}
	return names
}

// Operators returns the distinct operator types, sorted.
func (i *ModelInfo) Operators() []string {
	ops := make([]string, 0, len(i.OpCounts))
	for op := range i.OpCounts {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// GetModelInfo extracts basic info from an ONNX file.
func GetModelInfo(path string) (*ModelInfo, error) {
	proto, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return Describe(proto), nil
}

// Describe summarizes a parsed model.
func Describe(proto *ModelProto) *ModelInfo {
	info := &ModelInfo{
		IRVersion:       proto.IRVersion,
		OpsetVersion:    proto.OpsetVersion(),
		ProducerName:    proto.ProducerName,
		ProducerVersion: proto.ProducerVersion,
		OpCounts:        make(map[string]int),
		Metadata:        proto.Metadata(),
	}
	if proto.Graph == nil {
		return info
	}
	g := proto.Graph

	// Inputs exclude initializers.
	initNames := make(map[string]bool, len(g.Initializers))
	for i := range g.Initializers {
		t := &g.Initializers[i]
		initNames[t.Name] = true
		if t.DataType == TensorProtoFloat {
			n := int64(1)
			for _, d := range t.Dims {
				n *= d
			}
			info.ParameterCount += n
		}
	}
	for i := range g.Inputs {
		if !initNames[g.Inputs[i].Name] {
			info.Inputs = append(info.Inputs, flatten(&g.Inputs[i]))
		}
	}
	for i := range g.Outputs {
		info.Outputs = append(info.Outputs, flatten(&g.Outputs[i]))
	}
	for i := range g.Nodes {
		info.OpCounts[g.Nodes[i].OpType]++
	}
	info.NodeCount = len(g.Nodes)
	info.WeightCount = len(g.Initializers)
	return info
}

func flatten(v *ValueInfoProto) ValueInfo {
	out := ValueInfo{Name: v.Name, ElemType: DataTypeName(TensorProtoUndefined)}
	if v.Type == nil || v.Type.TensorType == nil {
		return out
	}
	out.ElemType = DataTypeName(v.Type.TensorType.ElemType)
	if v.Type.TensorType.Shape == nil {
		return out
	}
	for _, d := range v.Type.TensorType.Shape.Dims {
		if d.DimParam != "" {
			out.Dims = append(out.Dims, d.DimParam)
		} else {
			out.Dims = append(out.Dims, strconv.FormatInt(d.DimValue, 10))
		}
	}
	return out
}
