package loader

import (
	"fmt"
	"sort"
	"strings"
)

// ArchitectureBERT is the only architecture this loader maps.
const ArchitectureBERT = "bert"

// WeightMapper maps checkpoint weight names to canonical encoder names.
type WeightMapper interface {
	// MapName converts a checkpoint weight name to its canonical name.
	// ok is false for weights the encoder graph does not use.
	MapName(name string) (canonical string, ok bool)

	// Architecture returns the architecture name.
	Architecture() string
}

// BertMapper maps BERT checkpoint names to canonical names.
//
// Canonical names follow transformers' BertModel without a prefix:
//   - bert.embeddings.LayerNorm.gamma -> embeddings.LayerNorm.weight
//   - bert.encoder.layer.{i}.attention.self.query.weight -> encoder.layer.{i}.attention.self.query.weight
//   - model.pooler.dense.bias -> pooler.dense.bias
//
// Pre-training heads (cls.*), position_ids buffers and other non-encoder
// tensors are dropped.
type BertMapper struct{}

// NewBertMapper creates a new BERT weight mapper.
func NewBertMapper() *BertMapper {
	return &BertMapper{}
}

// MapName converts a checkpoint name to the canonical name.
func (m *BertMapper) MapName(name string) (string, bool) {
	for _, prefix := range []string{"bert.", "model."} {
		if strings.HasPrefix(name, prefix) {
			name = strings.TrimPrefix(name, prefix)
			break
		}
	}

	if !strings.HasPrefix(name, "embeddings.") &&
		!strings.HasPrefix(name, "encoder.layer.") &&
		!strings.HasPrefix(name, "pooler.") {
		return "", false
	}
	if strings.HasSuffix(name, "position_ids") {
		return "", false
	}

	// TF-converted checkpoints name LayerNorm parameters gamma/beta.
	switch {
	case strings.HasSuffix(name, ".gamma"):
		name = strings.TrimSuffix(name, ".gamma") + ".weight"
	case strings.HasSuffix(name, ".beta"):
		name = strings.TrimSuffix(name, ".beta") + ".bias"
	}
	return name, true
}

// Architecture returns "bert".
func (m *BertMapper) Architecture() string {
	return ArchitectureBERT
}

// ResolveNames maps every checkpoint name through the mapper and returns
// canonical -> checkpoint name. Two checkpoint names mapping to the same
// canonical name is an error.
func ResolveNames(mapper WeightMapper, names []string) (map[string]string, error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	resolved := make(map[string]string, len(sorted))
	for _, name := range sorted {
		canonical, ok := mapper.MapName(name)
		if !ok {
			continue
		}
		if prev, dup := resolved[canonical]; dup {
			return nil, fmt.Errorf("weights %q and %q both map to %q", prev, name, canonical)
		}
		resolved[canonical] = name
	}
	return resolved, nil
}
