// Package loadertest writes small checkpoints for tests of packages that
// read model weights.
package loadertest

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"sort"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

// Storage names a torch storage class.
type Storage string

// Storage classes understood by WritePyTorch.
const (
	Float    Storage = "FloatStorage"
	Half     Storage = "HalfStorage"
	BFloat16 Storage = "BFloat16Storage"
	Double   Storage = "DoubleStorage"
	Long     Storage = "LongStorage"
)

// Tensor is a view into its own storage.
//
// Data holds the storage contents. A nil Stride means the view is
// contiguous over Shape.
type Tensor struct {
	Storage Storage
	Data    []float32
	Offset  int
	Shape   []int
	Stride  []int
}

// Contiguous returns a float32 tensor of the given shape backed by data.
func Contiguous(shape []int, data []float32) Tensor {
	return Tensor{Storage: Float, Data: data, Shape: shape}
}

// WritePyTorch writes tensors as a torch.save zip archive holding an
// OrderedDict state dict, one storage record per tensor.
func WritePyTorch(tb testing.TB, path string, tensors map[string]Tensor) {
	tb.Helper()

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	var pkl bytes.Buffer
	pkl.Write([]byte{0x80, 0x02})
	writeOrderedDict(&pkl)
	records := make(map[string][]byte, len(names))
	for i, name := range names {
		t := tensors[name]
		key := strconv.Itoa(i)
		records[key] = storageBytes(t)

		stride := t.Stride
		if stride == nil {
			stride = contiguousStride(t.Shape)
		}
		writeString(&pkl, name)
		pkl.WriteString("ctorch._utils\n_rebuild_tensor_v2\n")
		pkl.WriteByte('(')
		// persistent id: ('storage', class, key, location, numel)
		pkl.WriteByte('(')
		writeString(&pkl, "storage")
		pkl.WriteString("ctorch\n" + string(t.Storage) + "\n")
		writeString(&pkl, key)
		writeString(&pkl, "cpu")
		writeInt(&pkl, len(t.Data))
		pkl.WriteString("tQ")
		writeInt(&pkl, t.Offset)
		writeInts(&pkl, t.Shape)
		writeInts(&pkl, stride)
		pkl.WriteByte(0x89)
		writeOrderedDict(&pkl)
		pkl.WriteString("tRs")
	}
	pkl.WriteByte('.')

	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	add := func(name string, data []byte) {
		w, err := zw.Create(name)
		require.NoError(tb, err)
		_, err = w.Write(data)
		require.NoError(tb, err)
	}
	add("archive/data.pkl", pkl.Bytes())
	for i := range names {
		key := strconv.Itoa(i)
		add("archive/data/"+key, records[key])
	}
	add("archive/version", []byte("3\n"))
	require.NoError(tb, zw.Close())
	require.NoError(tb, os.WriteFile(path, archive.Bytes(), 0o600))
}

func writeOrderedDict(b *bytes.Buffer) {
	b.WriteString("ccollections\nOrderedDict\n)R")
}

func writeString(b *bytes.Buffer, s string) {
	b.WriteByte('X')
	b.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(s))))
	b.WriteString(s)
}

func writeInt(b *bytes.Buffer, v int) {
	b.WriteByte('J')
	b.Write(binary.LittleEndian.AppendUint32(nil, uint32(int32(v))))
}

func writeInts(b *bytes.Buffer, vs []int) {
	b.WriteByte('(')
	for _, v := range vs {
		writeInt(b, v)
	}
	b.WriteByte('t')
}

func contiguousStride(shape []int) []int {
	stride := make([]int, len(shape))
	n := 1
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = n
		n *= shape[i]
	}
	return stride
}

func storageBytes(t Tensor) []byte {
	var out []byte
	for _, v := range t.Data {
		switch t.Storage {
		case Half:
			out = binary.LittleEndian.AppendUint16(out, halfBits(v))
		case BFloat16:
			out = binary.LittleEndian.AppendUint16(out, uint16(math.Float32bits(v)>>16))
		case Double:
			out = binary.LittleEndian.AppendUint64(out, math.Float64bits(float64(v)))
		case Long:
			out = binary.LittleEndian.AppendUint64(out, uint64(int64(v)))
		default:
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
	}
	return out
}

// halfBits truncates v to IEEE half precision. Subnormals flush to zero.
func halfBits(v float32) uint16 {
	b := math.Float32bits(v)
	sign := uint16(b>>16) & 0x8000
	exp := int(b>>23&0xff) - 127 + 15
	switch {
	case b&0x7fffffff == 0, exp <= 0:
		return sign
	case exp >= 31:
		return sign | 0x7c00
	}
	return sign | uint16(exp)<<10 | uint16(b&0x7fffff>>13)
}
