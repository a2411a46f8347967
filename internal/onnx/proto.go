package onnx

// ONNX protobuf data structures (hand-written, onnx.proto field subset).

// ModelProto represents an ONNX model.
type ModelProto struct {
	IRVersion       int64               // IR version (7 for opset 14)
	OpsetImport     []OperatorSetID     // Opset version(s)
	ProducerName    string              // Exporter name
	ProducerVersion string              // Exporter version
	Domain          string              // Model domain
	ModelVersion    int64               // Model version number
	DocString       string              // Model description
	Graph           *GraphProto         // Computation graph
	MetadataProps   []StringStringEntry // Key-value metadata
}

// GraphProto represents the computation graph.
type GraphProto struct {
	Name         string           // Graph name
	Nodes        []NodeProto      // Operation nodes, topologically sorted
	Inputs       []ValueInfoProto // Graph inputs
	Outputs      []ValueInfoProto // Graph outputs
	Initializers []TensorProto    // Weight tensors
	DocString    string           // Graph description
	ValueInfo    []ValueInfoProto // Intermediate tensor info
}

// NodeProto represents a single operation.
type NodeProto struct {
	Name       string           // Node name (optional)
	OpType     string           // Operation type (e.g., "MatMul", "Softmax")
	Inputs     []string         // Input value names
	Outputs    []string         // Output value names
	Attributes []AttributeProto // Operation attributes
	Domain     string           // Custom domain (empty for default)
	DocString  string           // Node description
}

// TensorProto represents a tensor (weights/initializers).
type TensorProto struct {
	Name      string    // Tensor name
	DataType  int32     // Element data type
	Dims      []int64   // Tensor shape, empty for scalars
	RawData   []byte    // Little-endian element bytes
	FloatData []float32 // Float32 data (typed encoding)
	Int32Data []int32   // Int32 data (typed encoding)
	Int64Data []int64   // Int64 data (typed encoding)
	DocString string    // Tensor description
}

// ValueInfoProto describes input/output tensor specifications.
type ValueInfoProto struct {
	Name      string     // Value name
	Type      *TypeProto // Tensor type information
	DocString string     // Description
}

// TypeProto describes a value type. Only tensor types are modelled.
type TypeProto struct {
	TensorType *TensorTypeProto
}

// TensorTypeProto describes tensor shape and element type.
type TensorTypeProto struct {
	ElemType int32             // Element data type
	Shape    *TensorShapeProto // Tensor shape
}

// TensorShapeProto describes tensor dimensions.
type TensorShapeProto struct {
	Dims []DimensionProto
}

// DimensionProto describes a single dimension. DimParam takes precedence
// over DimValue when both are set.
type DimensionProto struct {
	DimValue int64  // Static dimension value (e.g., 768)
	DimParam string // Symbolic dimension name (e.g., "batch_size")
}

// AttributeProto represents node attributes.
type AttributeProto struct {
	Name      string       // Attribute name
	Type      int32        // Attribute type
	F         float32      // FLOAT value
	I         int64        // INT value
	S         []byte       // STRING value
	T         *TensorProto // TENSOR value
	Floats    []float32    // FLOATS array
	Ints      []int64      // INTS array
	Strings   [][]byte     // STRINGS array
	DocString string       // Description
}

// OperatorSetID identifies opset version.
type OperatorSetID struct {
	Domain  string // Operator domain (empty for default)
	Version int64  // Opset version number
}

// StringStringEntry represents key-value metadata.
type StringStringEntry struct {
	Key   string
	Value string
}

// ONNX data types (TensorProto.DataType).
const (
	TensorProtoUndefined = 0
	TensorProtoFloat     = 1  // float32
	TensorProtoUint8     = 2  // uint8
	TensorProtoInt8      = 3  // int8
	TensorProtoUint16    = 4  // uint16
	TensorProtoInt16     = 5  // int16
	TensorProtoInt32     = 6  // int32
	TensorProtoInt64     = 7  // int64
	TensorProtoString    = 8  // string
	TensorProtoBool      = 9  // bool
	TensorProtoFloat16   = 10 // float16
	TensorProtoDouble    = 11 // float64
	TensorProtoUint32    = 12 // uint32
	TensorProtoUint64    = 13 // uint64
	TensorProtoBfloat16  = 16 // bfloat16
)

// ONNX attribute types (AttributeProto.Type).
const (
	AttributeProtoUndefined = 0
	AttributeProtoFloat     = 1 // FLOAT
	AttributeProtoInt       = 2 // INT
	AttributeProtoString    = 3 // STRING
	AttributeProtoTensor    = 4 // TENSOR
	AttributeProtoFloats    = 6 // FLOATS
	AttributeProtoInts      = 7 // INTS
	AttributeProtoStrings   = 8 // STRINGS
)

// OpsetVersion returns the version imported for the default domain, or 0.
func (m *ModelProto) OpsetVersion() int64 {
	for _, opset := range m.OpsetImport {
		if opset.Domain == "" || opset.Domain == "ai.onnx" {
			return opset.Version
		}
	}
	return 0
}

// Metadata returns metadata_props as a map.
func (m *ModelProto) Metadata() map[string]string {
	out := make(map[string]string, len(m.MetadataProps))
	for _, e := range m.MetadataProps {
		out[e.Key] = e.Value
	}
	return out
}

// IRVersionForOpset returns the lowest IR version that can carry the opset.
func IRVersionForOpset(opset int64) int64 {
	switch {
	case opset <= 14:
		return 7
	case opset <= 18:
		return 8
	case opset <= 20:
		return 9
	default:
		return 10
	}
}

// elemSize returns the byte width of a fixed-size element type, or 0.
func elemSize(dataType int32) int {
	switch dataType {
	case TensorProtoFloat, TensorProtoInt32, TensorProtoUint32:
		return 4
	case TensorProtoInt64, TensorProtoUint64, TensorProtoDouble:
		return 8
	case TensorProtoFloat16, TensorProtoBfloat16, TensorProtoInt16, TensorProtoUint16:
		return 2
	case TensorProtoUint8, TensorProtoInt8, TensorProtoBool:
		return 1
	default:
		return 0
	}
}

// DataTypeName returns the ONNX spelling of an element type.
func DataTypeName(dataType int32) string {
	switch dataType {
	case TensorProtoFloat:
		return "float"
	case TensorProtoUint8:
		return "uint8"
	case TensorProtoInt8:
		return "int8"
	case TensorProtoUint16:
		return "uint16"
	case TensorProtoInt16:
		return "int16"
	case TensorProtoInt32:
		return "int32"
	case TensorProtoInt64:
		return "int64"
	case TensorProtoString:
		return "string"
	case TensorProtoBool:
		return "bool"
	case TensorProtoFloat16:
		return "float16"
	case TensorProtoDouble:
		return "double"
	case TensorProtoUint32:
		return "uint32"
	case TensorProtoUint64:
		return "uint64"
	case TensorProtoBfloat16:
		return "bfloat16"
	default:
		return "undefined"
	}
}
