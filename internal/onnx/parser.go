package onnx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// ParseFile parses an ONNX model from file.
//
//nolint:gosec // G304: Path is provided by user, reading the exported model back is intentional.
func ParseFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data)
}

// Parse parses an ONNX model from bytes.
//
// Repeated scalar fields are accepted in both packed and unpacked encodings,
// since onnx.proto is proto2 and exporters differ.
func Parse(data []byte) (*ModelProto, error) {
	model := &ModelProto{}
	if err := readModelProto(data, model); err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	return model, nil
}

// field is one decoded protobuf field.
type field struct {
	num  protowire.Number
	typ  protowire.Type
	v    uint64 // varint and fixed values
	data []byte // length-delimited payload
}

// eachField walks the fields of a message.
func eachField(data []byte, fn func(f field) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(data)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(data)
			f.v = uint64(v)
		case protowire.Fixed64Type:
			f.v, n = protowire.ConsumeFixed64(data)
		case protowire.BytesType:
			f.data, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]

		if err := fn(f); err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
	}
	return nil
}

func readModelProto(data []byte, m *ModelProto) error {
	return eachField(data, func(f field) error {
		switch f.num {
		case 1: // ir_version
			m.IRVersion = int64(f.v) //nolint:gosec // G115: two's complement is the wire format.
		case 2: // producer_name
			m.ProducerName = string(f.data)
		case 3: // producer_version
			m.ProducerVersion = string(f.data)
		case 4: // domain
			m.Domain = string(f.data)
		case 5: // model_version
			m.ModelVersion = int64(f.v) //nolint:gosec // G115: two's complement is the wire format.
		case 6: // doc_string
			m.DocString = string(f.data)
		case 7: // graph
			m.Graph = &GraphProto{}
			return readGraphProto(f.data, m.Graph)
		case 8: // opset_import
			var opset OperatorSetID
			if err := readOperatorSetID(f.data, &opset); err != nil {
				return err
			}
			m.OpsetImport = append(m.OpsetImport, opset)
		case 14: // metadata_props
			var entry StringStringEntry
			if err := readStringStringEntry(f.data, &entry); err != nil {
				return err
			}
			m.MetadataProps = append(m.MetadataProps, entry)
		}
		return nil
	})
}

func readGraphProto(data []byte, m *GraphProto) error {
	return eachField(data, func(f field) error {
		switch f.num {
		case 1: // node
			var node NodeProto
			if err := readNodeProto(f.data, &node); err != nil {
				return err
			}
			m.Nodes = append(m.Nodes, node)
		case 2: // name
			m.Name = string(f.data)
		case 5: // initializer
			var tensor TensorProto
			if err := readTensorProto(f.data, &tensor); err != nil {
				return err
			}
			m.Initializers = append(m.Initializers, tensor)
		case 10: // doc_string
			m.DocString = string(f.data)
		case 11, 12, 13: // input, output, value_info
			var vi ValueInfoProto
			if err := readValueInfoProto(f.data, &vi); err != nil {
				return err
			}
			switch f.num {
			case 11:
				m.Inputs = append(m.Inputs, vi)
			case 12:
				m.Outputs = append(m.Outputs, vi)
			default:
				m.ValueInfo = append(m.ValueInfo, vi)
			}
		}
		return nil
	})
}

func readNodeProto(data []byte, m *NodeProto) error {
	return eachField(data, func(f field) error {
		switch f.num {
		case 1: // input
			m.Inputs = append(m.Inputs, string(f.data))
		case 2: // output
			m.Outputs = append(m.Outputs, string(f.data))
		case 3: // name
			m.Name = string(f.data)
		case 4: // op_type
			m.OpType = string(f.data)
		case 5: // attribute
			var attr AttributeProto
			if err := readAttributeProto(f.data, &attr); err != nil {
				return err
			}
			m.Attributes = append(m.Attributes, attr)
		case 6: // doc_string
			m.DocString = string(f.data)
		case 7: // domain
			m.Domain = string(f.data)
		}
		return nil
	})
}

func readTensorProto(data []byte, m *TensorProto) error {
	return eachField(data, func(f field) error {
		switch f.num {
		case 1: // dims
			vs, err := int64s(f)
			if err != nil {
				return err
			}
			m.Dims = append(m.Dims, vs...)
		case 2: // data_type
			m.DataType = int32(f.v) //nolint:gosec // G115: data types are small enums.
		case 4: // float_data
			vs, err := float32s(f)
			if err != nil {
				return err
			}
			m.FloatData = append(m.FloatData, vs...)
		case 5: // int32_data
			vs, err := int64s(f)
			if err != nil {
				return err
			}
			for _, v := range vs {
				m.Int32Data = append(m.Int32Data, int32(v)) //nolint:gosec // G115: int32_data holds int32 values.
			}
		case 7: // int64_data
			vs, err := int64s(f)
			if err != nil {
				return err
			}
			m.Int64Data = append(m.Int64Data, vs...)
		case 8: // name
			m.Name = string(f.data)
		case 9: // raw_data
			m.RawData = f.data
		case 12: // doc_string
			m.DocString = string(f.data)
		}
		return nil
	})
}

func readValueInfoProto(data []byte, m *ValueInfoProto) error {
	return eachField(data, func(f field) error {
		switch f.num {
		case 1: // name
			m.Name = string(f.data)
		case 2: // type
			m.Type = &TypeProto{}
			return readTypeProto(f.data, m.Type)
		case 3: // doc_string
			m.DocString = string(f.data)
		}
		return nil
	})
}

func readTypeProto(data []byte, m *TypeProto) error {
	return eachField(data, func(f field) error {
		if f.num != 1 { // tensor_type
			return nil
		}
		m.TensorType = &TensorTypeProto{}
		return eachField(f.data, func(g field) error {
			switch g.num {
			case 1: // elem_type
				m.TensorType.ElemType = int32(g.v) //nolint:gosec // G115: data types are small enums.
			case 2: // shape
				m.TensorType.Shape = &TensorShapeProto{}
				return readTensorShapeProto(g.data, m.TensorType.Shape)
			}
			return nil
		})
	})
}

func readTensorShapeProto(data []byte, m *TensorShapeProto) error {
	return eachField(data, func(f field) error {
		if f.num != 1 { // dim
			return nil
		}
		var dim DimensionProto
		err := eachField(f.data, func(g field) error {
			switch g.num {
			case 1: // dim_value
				dim.DimValue = int64(g.v) //nolint:gosec // G115: two's complement is the wire format.
			case 2: // dim_param
				dim.DimParam = string(g.data)
			}
			return nil
		})
		if err != nil {
			return err
		}
		m.Dims = append(m.Dims, dim)
		return nil
	})
}

func readAttributeProto(data []byte, m *AttributeProto) error {
	return eachField(data, func(f field) error {
		switch f.num {
		case 1: // name
			m.Name = string(f.data)
		case 2: // f
			m.F = math.Float32frombits(uint32(f.v)) //nolint:gosec // G115: fixed32 payload.
		case 3: // i
			m.I = int64(f.v) //nolint:gosec // G115: two's complement is the wire format.
		case 4: // s
			m.S = f.data
		case 5: // t
			m.T = &TensorProto{}
			return readTensorProto(f.data, m.T)
		case 7: // floats
			vs, err := float32s(f)
			if err != nil {
				return err
			}
			m.Floats = append(m.Floats, vs...)
		case 8: // ints
			vs, err := int64s(f)
			if err != nil {
				return err
			}
			m.Ints = append(m.Ints, vs...)
		case 9: // strings
			m.Strings = append(m.Strings, f.data)
		case 13: // doc_string
			m.DocString = string(f.data)
		case 20: // type
			m.Type = int32(f.v) //nolint:gosec // G115: attribute types are small enums.
		}
		return nil
	})
}

func readOperatorSetID(data []byte, m *OperatorSetID) error {
	return eachField(data, func(f field) error {
		switch f.num {
		case 1: // domain
			m.Domain = string(f.data)
		case 2: // version
			m.Version = int64(f.v) //nolint:gosec // G115: two's complement is the wire format.
		}
		return nil
	})
}

func readStringStringEntry(data []byte, m *StringStringEntry) error {
	return eachField(data, func(f field) error {
		switch f.num {
		case 1: // key
			m.Key = string(f.data)
		case 2: // value
			m.Value = string(f.data)
		}
		return nil
	})
}

// int64s decodes a packed or single varint field.
func int64s(f field) ([]int64, error) {
	switch f.typ {
	case protowire.VarintType:
		return []int64{int64(f.v)}, nil //nolint:gosec // G115: two's complement is the wire format.
	case protowire.BytesType:
		var out []int64
		data := f.data
		for len(data) > 0 {
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			out = append(out, int64(v)) //nolint:gosec // G115: two's complement is the wire format.
			data = data[n:]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected wire type %d for integer field", f.typ)
	}
}

// float32s decodes a packed or single fixed32 field.
func float32s(f field) ([]float32, error) {
	switch f.typ {
	case protowire.Fixed32Type:
		return []float32{math.Float32frombits(uint32(f.v))}, nil //nolint:gosec // G115: fixed32 payload.
	case protowire.BytesType:
		if len(f.data)%4 != 0 {
			return nil, errors.New("packed float payload is not a multiple of 4 bytes")
		}
		out := make([]float32, 0, len(f.data)/4)
		for i := 0; i+4 <= len(f.data); i += 4 {
			out = append(out, math.Float32frombits(binary.LittleEndian.Uint32(f.data[i:])))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected wire type %d for float field", f.typ)
	}
}
