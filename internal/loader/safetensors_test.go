package loader

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixtureTensor struct {
	dtype SafeTensorsDType
	shape []int
	data  []byte
}

func f32Bytes(vs ...float32) []byte {
	out := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func u16Bytes(vs ...uint16) []byte {
	out := make([]byte, 2*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint16(out[2*i:], v)
	}
	return out
}

// writeSafeTensors creates a SafeTensors file with tensors laid out in name order.
func writeSafeTensors(t *testing.T, path string, tensors map[string]fixtureTensor) {
	t.Helper()

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := map[string]any{"__metadata__": map[string]string{"format": "pt"}}
	var body []byte
	for _, name := range names {
		ft := tensors[name]
		start := int64(len(body))
		body = append(body, ft.data...)
		header[name] = SafeTensorInfo{
			DType:       ft.dtype,
			Shape:       ft.shape,
			DataOffsets: [2]int64{start, int64(len(body))},
		}
	}

	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)

	out := make([]byte, 8, 8+len(headerJSON)+len(body))
	binary.LittleEndian.PutUint64(out, uint64(len(headerJSON)))
	out = append(out, headerJSON...)
	out = append(out, body...)
	require.NoError(t, os.WriteFile(path, out, 0o600))
}

func TestSafeTensorsReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), SafeTensorsFile)
	writeSafeTensors(t, path, map[string]fixtureTensor{
		"weight": {SafeTensorsF32, []int{2, 3}, f32Bytes(1, 2, 3, 4, 5, 6)},
		"bias":   {SafeTensorsF32, []int{3}, f32Bytes(0.1, 0.2, 0.3)},
	})

	reader, err := NewSafeTensorsReader(path)
	require.NoError(t, err)
	defer reader.Close()

	assert.Equal(t, "pt", reader.Metadata()["format"])
	assert.Equal(t, []string{"bias", "weight"}, reader.TensorNames())

	info, err := reader.TensorInfo("weight")
	require.NoError(t, err)
	assert.Equal(t, SafeTensorsF32, info.DType)
	assert.Equal(t, []int{2, 3}, info.Shape)

	_, err = reader.TensorInfo("nonexistent")
	assert.ErrorIs(t, err, ErrTensorNotFound)

	w, err := reader.Tensor("weight")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, w.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, w.Data)

	b, err := reader.Tensor("bias")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, b.Data, 1e-6)
}

func TestSafeTensorsReaderClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), SafeTensorsFile)
	writeSafeTensors(t, path, map[string]fixtureTensor{
		"weight": {SafeTensorsF32, []int{2}, f32Bytes(1, 2)},
	})

	reader, err := NewSafeTensorsReader(path)
	require.NoError(t, err)

	weight, err := reader.Tensor("weight")
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	require.NoError(t, reader.Close())

	// Decoded tensors stay valid after the mapping is gone.
	assert.Equal(t, []float32{1, 2}, weight.Data)

	_, err = reader.Tensor("weight")
	assert.ErrorIs(t, err, ErrReaderClosed)
}

func TestSafeTensorsReaderRejectsTruncatedFiles(t *testing.T) {
	dir := t.TempDir()

	short := filepath.Join(dir, "short.safetensors")
	require.NoError(t, os.WriteFile(short, []byte{1, 2, 3}, 0o600))
	_, err := NewSafeTensorsReader(short)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too small")

	data := make([]byte, 8, 12)
	binary.LittleEndian.PutUint64(data, 64)
	data = append(data, []byte("{}  ")...)
	cut := filepath.Join(dir, "cut.safetensors")
	require.NoError(t, os.WriteFile(cut, data, 0o600))
	_, err = NewSafeTensorsReader(cut)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "beyond file")
}

func TestSafeTensorsReaderHalfPrecision(t *testing.T) {
	path := filepath.Join(t.TempDir(), SafeTensorsFile)
	writeSafeTensors(t, path, map[string]fixtureTensor{
		// 1.0, -2.0, 0.5, smallest subnormal
		"half": {SafeTensorsF16, []int{4}, u16Bytes(0x3c00, 0xc000, 0x3800, 0x0001)},
		// 1.0, -2.0
		"brain": {SafeTensorsBF16, []int{2}, u16Bytes(0x3f80, 0xc000)},
		"ids":   {SafeTensorsI64, []int{1}, make([]byte, 8)},
	})

	reader, err := NewSafeTensorsReader(path)
	require.NoError(t, err)
	defer reader.Close()

	half, err := reader.Tensor("half")
	require.NoError(t, err)
	assert.Equal(t, float32(1), half.Data[0])
	assert.Equal(t, float32(-2), half.Data[1])
	assert.Equal(t, float32(0.5), half.Data[2])
	assert.InDelta(t, 5.960464477539063e-08, half.Data[3], 1e-12)

	brain, err := reader.Tensor("brain")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -2}, brain.Data)

	_, err = reader.Tensor("ids")
	assert.ErrorIs(t, err, ErrUnsupportedDType)
}

func TestFloat16Specials(t *testing.T) {
	assert.True(t, math.IsInf(float64(Float16ToFloat32(0x7c00)), 1))
	assert.True(t, math.IsInf(float64(Float16ToFloat32(0xfc00)), -1))
	assert.True(t, math.IsNaN(float64(Float16ToFloat32(0x7e00))))
	assert.Equal(t, float32(65504), Float16ToFloat32(0x7bff))
	assert.True(t, math.Signbit(float64(Float16ToFloat32(0x8000))))
}

func TestSafeTensorsReaderRejectsBadOffsets(t *testing.T) {
	path := filepath.Join(t.TempDir(), SafeTensorsFile)
	writeSafeTensors(t, path, map[string]fixtureTensor{
		// Declares 2x3 floats but only carries 2.
		"weight": {SafeTensorsF32, []int{2, 3}, f32Bytes(1, 2)},
	})

	_, err := NewSafeTensorsReader(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weight")
}

func TestSafeTensorsReaderRejectsHugeHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), SafeTensorsFile)
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, maxHeaderSize+1)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err := NewSafeTensorsReader(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestShardedSafeTensors(t *testing.T) {
	dir := t.TempDir()
	writeSafeTensors(t, filepath.Join(dir, "model-00001-of-00002.safetensors"), map[string]fixtureTensor{
		"a": {SafeTensorsF32, []int{1}, f32Bytes(1)},
	})
	writeSafeTensors(t, filepath.Join(dir, "model-00002-of-00002.safetensors"), map[string]fixtureTensor{
		"b": {SafeTensorsF32, []int{2}, f32Bytes(2, 3)},
	})
	index := `{"metadata":{"total_size":12},"weight_map":{"a":"model-00001-of-00002.safetensors","b":"model-00002-of-00002.safetensors"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, SafeTensorsIndexFile), []byte(index), 0o600))

	assert.Equal(t, FormatShardedSafeTensors, DetectFormat(dir))

	ckpt, err := OpenCheckpoint(dir)
	require.NoError(t, err)
	defer ckpt.Close()

	assert.Equal(t, FormatShardedSafeTensors, ckpt.Format())
	assert.Equal(t, []string{"a", "b"}, ckpt.TensorNames())

	b, err := ckpt.Tensor("b")
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 3}, b.Data)

	_, err = ckpt.Tensor("c")
	assert.ErrorIs(t, err, ErrTensorNotFound)
}

func TestShardedSafeTensorsRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	index := `{"weight_map":{"a":"../outside.safetensors"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, SafeTensorsIndexFile), []byte(index), 0o600))

	_, err := OpenShardedSafeTensors(filepath.Join(dir, SafeTensorsIndexFile))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plain file name")
}

func TestOpenCheckpoint(t *testing.T) {
	t.Run("prefers safetensors", func(t *testing.T) {
		dir := t.TempDir()
		writeSafeTensors(t, filepath.Join(dir, SafeTensorsFile), map[string]fixtureTensor{
			"x": {SafeTensorsF32, []int{1}, f32Bytes(7)},
		})
		require.NoError(t, os.WriteFile(filepath.Join(dir, PyTorchFile), []byte("not a pickle"), 0o600))

		ckpt, err := OpenCheckpoint(dir)
		require.NoError(t, err)
		defer ckpt.Close()
		assert.Equal(t, FormatSafeTensors, ckpt.Format())
		assert.Equal(t, "SafeTensors", ckpt.Format().String())
	})

	t.Run("nothing to load", func(t *testing.T) {
		_, err := OpenCheckpoint(t.TempDir())
		assert.ErrorIs(t, err, ErrNoCheckpoint)
	})

	t.Run("corrupt pytorch file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, PyTorchFile), []byte("not a pickle"), 0o600))
		assert.Equal(t, FormatPyTorch, DetectFormat(dir))
		_, err := OpenCheckpoint(dir)
		assert.Error(t, err)
	})
}
