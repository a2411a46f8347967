package loader

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"

	"github.com/born-ml/bert2onnx/internal/parallel"
)

// SafeTensors format:
// [8 bytes: header_size (uint64 LE)]
// [header_size bytes: JSON header]
// [tensor data: raw bytes]

// SafeTensorsDType represents supported SafeTensors data types.
type SafeTensorsDType string

// Supported SafeTensors dtypes.
const (
	SafeTensorsF16  SafeTensorsDType = "F16"
	SafeTensorsF32  SafeTensorsDType = "F32"
	SafeTensorsF64  SafeTensorsDType = "F64"
	SafeTensorsBF16 SafeTensorsDType = "BF16"
	SafeTensorsI32  SafeTensorsDType = "I32"
	SafeTensorsI64  SafeTensorsDType = "I64"
	SafeTensorsU8   SafeTensorsDType = "U8"
	SafeTensorsBool SafeTensorsDType = "BOOL"
)

// maxHeaderSize bounds the JSON header read into memory.
const maxHeaderSize = 100 * 1024 * 1024

// SafeTensorInfo describes a tensor in SafeTensors format.
type SafeTensorInfo struct {
	DType       SafeTensorsDType `json:"dtype"`
	Shape       []int            `json:"shape"`
	DataOffsets [2]int64         `json:"data_offsets"` // [start, end]
}

// SafeTensorsHeader is the JSON header in SafeTensors format.
type SafeTensorsHeader struct {
	Metadata map[string]string
	Tensors  map[string]SafeTensorInfo
}

// UnmarshalJSON implements custom JSON unmarshaling for SafeTensorsHeader.
func (h *SafeTensorsHeader) UnmarshalJSON(data []byte) error {
	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &rawMap); err != nil {
		return err
	}

	if metadataRaw, ok := rawMap["__metadata__"]; ok {
		if err := json.Unmarshal(metadataRaw, &h.Metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	h.Tensors = make(map[string]SafeTensorInfo, len(rawMap))
	for key, value := range rawMap {
		if key == "__metadata__" {
			continue
		}
		var info SafeTensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return fmt.Errorf("failed to unmarshal tensor %s: %w", key, err)
		}
		h.Tensors[key] = info
	}

	return nil
}

// SafeTensorsReader reads SafeTensors format files.
//
// The file is memory-mapped; only the header is parsed up front and tensor
// bytes are paged in by the OS when a tensor is decoded.
type SafeTensorsReader struct {
	file       *os.File
	data       []byte // mapped file, read-only
	header     SafeTensorsHeader
	dataOffset int64 // Offset where tensor data starts
	dataSize   int64
	closed     bool
}

// NewSafeTensorsReader maps path and parses its header.
//
// Always call Close to unmap the file.
func NewSafeTensorsReader(path string) (*SafeTensorsReader, error) {
	//nolint:gosec // G304: File path comes from the model snapshot directory
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	r, err := newSafeTensorsReader(file)
	if err != nil {
		_ = file.Close() // Best effort close on error
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func newSafeTensorsReader(file *os.File) (*SafeTensorsReader, error) {
	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	size := stat.Size()
	if size < 8 {
		return nil, fmt.Errorf("file too small: %d bytes (minimum 8 bytes required)", size)
	}

	data, err := mmapFile(file, size)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	r := &SafeTensorsReader{file: file, data: data}
	if err := r.parseHeader(size); err != nil {
		_ = munmapFile(data)
		return nil, err
	}
	return r, nil
}

// parseHeader decodes the JSON header from the mapped region.
func (r *SafeTensorsReader) parseHeader(size int64) error {
	headerSize := binary.LittleEndian.Uint64(r.data[:8])
	if headerSize > maxHeaderSize {
		return fmt.Errorf("invalid header size: %d (too large)", headerSize)
	}
	headerEnd := int64(8 + headerSize) //nolint:gosec // G115: header size is bounded by maxHeaderSize.
	if headerEnd > size {
		return fmt.Errorf("header extends beyond file: header_end=%d, file_size=%d", headerEnd, size)
	}

	if err := json.Unmarshal(r.data[8:headerEnd], &r.header); err != nil {
		return fmt.Errorf("failed to parse header JSON: %w", err)
	}
	r.dataOffset = headerEnd
	r.dataSize = size - headerEnd
	return r.validate()
}

// validate checks that every tensor fits in the data section and that its
// byte length agrees with dtype and shape.
func (r *SafeTensorsReader) validate() error {
	for name, info := range r.header.Tensors {
		start, end := info.DataOffsets[0], info.DataOffsets[1]
		if start < 0 || end < start || end > r.dataSize {
			return fmt.Errorf("tensor %s: data offsets [%d, %d] outside data section of %d bytes",
				name, start, end, r.dataSize)
		}
		width := dtypeWidth(info.DType)
		if width == 0 {
			continue
		}
		if want := int64(numElements(info.Shape) * width); want != end-start {
			return fmt.Errorf("tensor %s: %d bytes for %s%v, want %d", name, end-start, info.DType, info.Shape, want)
		}
	}
	return nil
}

// Close unmaps and closes the file.
func (r *SafeTensorsReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var err error
	if r.data != nil {
		err = munmapFile(r.data)
		r.data = nil
	}
	if closeErr := r.file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Metadata returns the metadata map from the header.
func (r *SafeTensorsReader) Metadata() map[string]string {
	return r.header.Metadata
}

// TensorNames returns all tensor names in the file, sorted.
func (r *SafeTensorsReader) TensorNames() []string {
	names := make([]string, 0, len(r.header.Tensors))
	for name := range r.header.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TensorInfo returns information about a specific tensor.
func (r *SafeTensorsReader) TensorInfo(name string) (*SafeTensorInfo, error) {
	info, ok := r.header.Tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return &info, nil
}

// view returns the mapped bytes of a tensor. The slice is only valid until
// Close.
func (r *SafeTensorsReader) view(name string) ([]byte, error) {
	if r.closed {
		return nil, ErrReaderClosed
	}
	info, err := r.TensorInfo(name)
	if err != nil {
		return nil, err
	}
	start := r.dataOffset + info.DataOffsets[0]
	end := r.dataOffset + info.DataOffsets[1]
	return r.data[start:end], nil
}

// Tensor loads a tensor as float32, upcasting F16, BF16 and F64.
func (r *SafeTensorsReader) Tensor(name string) (*Tensor, error) {
	info, err := r.TensorInfo(name)
	if err != nil {
		return nil, err
	}
	data, err := r.view(name)
	if err != nil {
		return nil, err
	}
	values, err := decodeFloat32(info.DType, data)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return &Tensor{Shape: append([]int(nil), info.Shape...), Data: values}, nil
}

func dtypeWidth(dtype SafeTensorsDType) int {
	switch dtype {
	case SafeTensorsF16, SafeTensorsBF16:
		return 2
	case SafeTensorsF32, SafeTensorsI32:
		return 4
	case SafeTensorsF64, SafeTensorsI64:
		return 8
	case SafeTensorsU8, SafeTensorsBool:
		return 1
	default:
		return 0
	}
}

// decodeFloat32 converts little-endian tensor bytes to float32.
func decodeFloat32(dtype SafeTensorsDType, data []byte) ([]float32, error) {
	width := dtypeWidth(dtype)
	if width == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}
	out := make([]float32, len(data)/width)
	var convert func(start, end int)
	switch dtype {
	case SafeTensorsF32:
		convert = func(start, end int) {
			for i := start; i < end; i++ {
				out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
			}
		}
	case SafeTensorsF16:
		convert = func(start, end int) {
			for i := start; i < end; i++ {
				out[i] = Float16ToFloat32(binary.LittleEndian.Uint16(data[2*i:]))
			}
		}
	case SafeTensorsBF16:
		convert = func(start, end int) {
			for i := start; i < end; i++ {
				out[i] = BFloat16ToFloat32(binary.LittleEndian.Uint16(data[2*i:]))
			}
		}
	case SafeTensorsF64:
		convert = func(start, end int) {
			for i := start; i < end; i++ {
				out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:])))
			}
		}
	default:
		return nil, fmt.Errorf("%w: %s is not a floating point type", ErrUnsupportedDType, dtype)
	}
	parallel.For(len(out), parallel.DefaultConfig(), convert)
	return out, nil
}

// Float16ToFloat32 converts IEEE 754 half precision bits to float32.
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff

	switch {
	case exp == 0 && frac == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// Subnormal: normalize the fraction.
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3ff
		return math.Float32frombits(sign | e<<23 | frac<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | frac<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | frac<<13)
	}
}

// BFloat16ToFloat32 converts bfloat16 bits to float32.
func BFloat16ToFloat32(b uint16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}
