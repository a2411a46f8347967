package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"
)

// shardIndex is the model.safetensors.index.json layout.
type shardIndex struct {
	Metadata  map[string]any    `json:"metadata"`
	WeightMap map[string]string `json:"weight_map"`
}

// ShardedSafeTensors reads a checkpoint split across several files.
type ShardedSafeTensors struct {
	shards    map[string]*SafeTensorsReader // by shard file name
	weightMap map[string]string             // tensor name -> shard file name
}

// OpenShardedSafeTensors opens every shard listed in an index file.
func OpenShardedSafeTensors(indexPath string) (*ShardedSafeTensors, error) {
	//nolint:gosec // G304: Index path comes from the model snapshot directory
	data, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	var index shardIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to parse index %s: %w", indexPath, err)
	}
	if len(index.WeightMap) == 0 {
		return nil, fmt.Errorf("index %s has an empty weight_map", indexPath)
	}

	s := &ShardedSafeTensors{
		shards:    make(map[string]*SafeTensorsReader),
		weightMap: index.WeightMap,
	}
	dir := filepath.Dir(indexPath)
	for _, shard := range index.WeightMap {
		if _, ok := s.shards[shard]; ok {
			continue
		}
		if filepath.Base(shard) != shard {
			_ = s.Close()
			return nil, fmt.Errorf("index %s: shard name %q must be a plain file name", indexPath, shard)
		}
		r, err := NewSafeTensorsReader(filepath.Join(dir, shard))
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.shards[shard] = r
	}
	return s, nil
}

// Format returns FormatShardedSafeTensors.
func (s *ShardedSafeTensors) Format() Format {
	return FormatShardedSafeTensors
}

// TensorNames returns all tensor names listed in the index, sorted.
func (s *ShardedSafeTensors) TensorNames() []string {
	names := make([]string, 0, len(s.weightMap))
	for name := range s.weightMap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tensor loads a tensor from the shard that holds it.
func (s *ShardedSafeTensors) Tensor(name string) (*Tensor, error) {
	shard, ok := s.weightMap[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return s.shards[shard].Tensor(name)
}

// Close closes every shard.
func (s *ShardedSafeTensors) Close() error {
	var errs []error
	for _, r := range s.shards {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}
