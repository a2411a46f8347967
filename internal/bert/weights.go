package bert

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/born-ml/bert2onnx/internal/loader"
)

// ErrMissingWeight is returned when a checkpoint lacks a tensor the graph needs.
var ErrMissingWeight = errors.New("missing weight")

// ErrWeightShape is returned when a tensor's shape disagrees with config.json.
var ErrWeightShape = errors.New("weight shape mismatch")

// Weights holds encoder tensors by canonical name.
type Weights struct {
	tensors map[string]*loader.Tensor
}

// NewWeights wraps tensors keyed by canonical name.
func NewWeights(tensors map[string]*loader.Tensor) *Weights {
	return &Weights{tensors: tensors}
}

// Get returns a tensor by canonical name.
func (w *Weights) Get(name string) (*loader.Tensor, bool) {
	t, ok := w.tensors[name]
	return t, ok
}

// Len returns the number of tensors held.
func (w *Weights) Len() int {
	return len(w.tensors)
}

// ParameterCount returns the total number of elements.
func (w *Weights) ParameterCount() int64 {
	var n int64
	for _, t := range w.tensors {
		n += int64(t.NumElements())
	}
	return n
}

// RequiredShapes lists every tensor the graph reads with its expected shape.
// A -1 dimension accepts any size. Pooler weights are included only when
// withPooler is set.
func RequiredShapes(cfg *loader.BertConfig, withPooler bool) map[string][]int {
	h, inter := cfg.HiddenSize, cfg.IntermediateSize
	vocab := cfg.VocabSize
	if vocab <= 0 {
		vocab = -1
	}

	shapes := map[string][]int{
		"embeddings.word_embeddings.weight":       {vocab, h},
		"embeddings.position_embeddings.weight":   {cfg.MaxPositionEmbeddings, h},
		"embeddings.token_type_embeddings.weight": {cfg.TypeVocabSize, h},
		"embeddings.LayerNorm.weight":             {h},
		"embeddings.LayerNorm.bias":               {h},
	}
	for i := 0; i < cfg.NumHiddenLayers; i++ {
		p := fmt.Sprintf("encoder.layer.%d.", i)
		for _, proj := range []string{"query", "key", "value"} {
			shapes[p+"attention.self."+proj+".weight"] = []int{h, h}
			shapes[p+"attention.self."+proj+".bias"] = []int{h}
		}
		shapes[p+"attention.output.dense.weight"] = []int{h, h}
		shapes[p+"attention.output.dense.bias"] = []int{h}
		shapes[p+"attention.output.LayerNorm.weight"] = []int{h}
		shapes[p+"attention.output.LayerNorm.bias"] = []int{h}
		shapes[p+"intermediate.dense.weight"] = []int{inter, h}
		shapes[p+"intermediate.dense.bias"] = []int{inter}
		shapes[p+"output.dense.weight"] = []int{h, inter}
		shapes[p+"output.dense.bias"] = []int{h}
		shapes[p+"output.LayerNorm.weight"] = []int{h}
		shapes[p+"output.LayerNorm.bias"] = []int{h}
	}
	if withPooler {
		shapes["pooler.dense.weight"] = []int{h, h}
		shapes["pooler.dense.bias"] = []int{h}
	}
	return shapes
}

// LoadWeights reads every tensor the graph needs from a checkpoint.
//
// Checkpoint names are resolved through loader.BertMapper, so both
// "bert."-prefixed and bare state dicts load. All missing tensors are
// reported together.
func LoadWeights(ckpt loader.Checkpoint, cfg *loader.BertConfig, pooling Pooling) (*Weights, error) {
	resolved, err := loader.ResolveNames(loader.NewBertMapper(), ckpt.TensorNames())
	if err != nil {
		return nil, err
	}

	required := RequiredShapes(cfg, pooling == PoolingPooler)
	names := sortedKeys(required)

	var missing []string
	tensors := make(map[string]*loader.Tensor, len(required))
	for _, name := range names {
		original, ok := resolved[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		t, err := ckpt.Tensor(original)
		if err != nil {
			return nil, err
		}
		tensors[name] = t
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingWeight, strings.Join(missing, ", "))
	}

	w := NewWeights(tensors)
	if err := w.Validate(cfg, pooling == PoolingPooler); err != nil {
		return nil, err
	}
	return w, nil
}

// Validate checks that every required tensor is present with the expected shape.
func (w *Weights) Validate(cfg *loader.BertConfig, withPooler bool) error {
	required := RequiredShapes(cfg, withPooler)
	names := sortedKeys(required)

	var errs []error
	for _, name := range names {
		want := required[name]
		t, ok := w.tensors[name]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingWeight, name))
			continue
		}
		if !shapeMatches(t.Shape, want) {
			errs = append(errs, fmt.Errorf("%w: %s is %v, want %v", ErrWeightShape, name, t.Shape, want))
			continue
		}
		if len(t.Data) != t.NumElements() {
			errs = append(errs, fmt.Errorf("%w: %s has %d values for shape %v", ErrWeightShape, name, len(t.Data), t.Shape))
		}
	}
	return errors.Join(errs...)
}

func shapeMatches(got, want []int) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if want[i] != -1 && got[i] != want[i] {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string][]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
