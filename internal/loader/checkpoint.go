package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/born-ml/bert2onnx/internal/parallel"
)

// Checkpoint file names, in the order OpenCheckpoint prefers them.
const (
	SafeTensorsFile      = "model.safetensors"
	SafeTensorsIndexFile = "model.safetensors.index.json"
	PyTorchFile          = "pytorch_model.bin"
)

// Loader errors.
var (
	ErrNoCheckpoint     = errors.New("no supported weight file found")
	ErrTensorNotFound   = errors.New("tensor not found")
	ErrUnsupportedDType = errors.New("unsupported dtype")
	ErrReaderClosed     = errors.New("reader is closed")
)

// Format represents the checkpoint weight format.
type Format int

// Supported checkpoint formats.
const (
	FormatUnknown Format = iota
	FormatSafeTensors
	FormatShardedSafeTensors
	FormatPyTorch
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatSafeTensors:
		return "SafeTensors"
	case FormatShardedSafeTensors:
		return "SafeTensors (sharded)"
	case FormatPyTorch:
		return "PyTorch"
	default:
		return "Unknown"
	}
}

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NumElements returns the product of the shape.
func (t *Tensor) NumElements() int {
	return numElements(t.Shape)
}

// Transpose2D returns the transpose of a rank-2 tensor.
func (t *Tensor) Transpose2D() (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("transpose needs a rank-2 tensor, got shape %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]float32, len(t.Data))
	cfg := parallel.DefaultConfig()
	cfg.MinChunkSize = max(1, cfg.MinChunkSize/max(rows, 1))
	parallel.For(cols, cfg, func(start, end int) {
		for c := start; c < end; c++ {
			for r := 0; r < rows; r++ {
				out[c*rows+r] = t.Data[r*cols+c]
			}
		}
	})
	return &Tensor{Shape: []int{cols, rows}, Data: out}, nil
}

// Dims returns the shape as int64, the ONNX dims type.
func (t *Tensor) Dims() []int64 {
	dims := make([]int64, len(t.Shape))
	for i, d := range t.Shape {
		dims[i] = int64(d)
	}
	return dims
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Checkpoint provides uniform access to checkpoint weights.
type Checkpoint interface {
	// Format returns the on-disk format.
	Format() Format

	// TensorNames returns all tensor names, sorted.
	TensorNames() []string

	// Tensor loads a floating point tensor as float32.
	Tensor(name string) (*Tensor, error)

	// Close releases open files.
	Close() error
}

// DetectFormat reports which checkpoint format dir contains.
func DetectFormat(dir string) Format {
	switch {
	case fileExists(filepath.Join(dir, SafeTensorsFile)):
		return FormatSafeTensors
	case fileExists(filepath.Join(dir, SafeTensorsIndexFile)):
		return FormatShardedSafeTensors
	case fileExists(filepath.Join(dir, PyTorchFile)):
		return FormatPyTorch
	default:
		return FormatUnknown
	}
}

// OpenCheckpoint opens the weights in a model directory.
//
// Preference order: model.safetensors, model.safetensors.index.json,
// pytorch_model.bin.
func OpenCheckpoint(dir string) (Checkpoint, error) {
	switch DetectFormat(dir) {
	case FormatSafeTensors:
		r, err := NewSafeTensorsReader(filepath.Join(dir, SafeTensorsFile))
		if err != nil {
			return nil, err
		}
		return &safeTensorsCheckpoint{r}, nil
	case FormatShardedSafeTensors:
		return OpenShardedSafeTensors(filepath.Join(dir, SafeTensorsIndexFile))
	case FormatPyTorch:
		return OpenPyTorch(filepath.Join(dir, PyTorchFile))
	default:
		return nil, fmt.Errorf("%w in %s (want %s, %s or %s)",
			ErrNoCheckpoint, dir, SafeTensorsFile, SafeTensorsIndexFile, PyTorchFile)
	}
}

// safeTensorsCheckpoint wraps SafeTensorsReader to implement Checkpoint.
type safeTensorsCheckpoint struct {
	*SafeTensorsReader
}

func (c *safeTensorsCheckpoint) Format() Format {
	return FormatSafeTensors
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
