package loader

import (
	"fmt"
	"sort"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// PyTorchCheckpoint reads a pytorch_model.bin state dict.
//
// The whole pickle is loaded eagerly; tensors are views into storages and
// are materialized contiguously on access.
type PyTorchCheckpoint struct {
	tensors map[string]*pytorch.Tensor
}

// OpenPyTorch loads a torch.save'd state dict (zip or legacy format).
func OpenPyTorch(path string) (*PyTorchCheckpoint, error) {
	result, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	dict, ok := result.(*types.OrderedDict)
	if !ok {
		return nil, fmt.Errorf("%s: expected a state dict, got %T", path, result)
	}

	c := &PyTorchCheckpoint{tensors: make(map[string]*pytorch.Tensor, len(dict.Map))}
	for key, entry := range dict.Map {
		name, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("%s: state dict key %v is not a string", path, key)
		}
		t, ok := entry.Value.(*pytorch.Tensor)
		if !ok {
			// Non-tensor entries (e.g. _metadata) carry no weights.
			continue
		}
		c.tensors[name] = t
	}
	return c, nil
}

// Format returns FormatPyTorch.
func (c *PyTorchCheckpoint) Format() Format {
	return FormatPyTorch
}

// TensorNames returns all tensor names, sorted.
func (c *PyTorchCheckpoint) TensorNames() []string {
	names := make([]string, 0, len(c.tensors))
	for name := range c.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tensor materializes a floating point tensor as contiguous float32.
func (c *PyTorchCheckpoint) Tensor(name string) (*Tensor, error) {
	t, ok := c.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}

	var src []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		src = s.Data
	case *pytorch.HalfStorage:
		src = s.Data
	case *pytorch.BFloat16Storage:
		src = s.Data
	case *pytorch.DoubleStorage:
		src = make([]float32, len(s.Data))
		for i, v := range s.Data {
			src[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("%w: tensor %s has storage %T", ErrUnsupportedDType, name, t.Source)
	}

	data, err := strided(src, t.StorageOffset, t.Size, t.Stride)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return &Tensor{Shape: append([]int(nil), t.Size...), Data: data}, nil
}

// Close is a no-op; the pickle is fully in memory.
func (c *PyTorchCheckpoint) Close() error {
	return nil
}

// strided copies a strided view of src into a contiguous row-major slice.
func strided(src []float32, offset int, size, stride []int) ([]float32, error) {
	if len(size) != len(stride) {
		return nil, fmt.Errorf("size %v and stride %v differ in rank", size, stride)
	}
	n := numElements(size)
	out := make([]float32, 0, n)
	if n == 0 {
		return out, nil
	}

	// Highest reachable storage index must be in range.
	last := offset
	for i, d := range size {
		last += (d - 1) * stride[i]
	}
	if offset < 0 || last >= len(src) {
		return nil, fmt.Errorf("view [offset %d, size %v, stride %v] exceeds storage of %d elements",
			offset, size, stride, len(src))
	}

	var walk func(dim, base int)
	walk = func(dim, base int) {
		if dim == len(size) {
			out = append(out, src[base])
			return
		}
		for i := 0; i < size[dim]; i++ {
			walk(dim+1, base+i*stride[dim])
		}
	}
	walk(0, offset)
	return out, nil
}
