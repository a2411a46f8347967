package bert

import (
	"errors"
	"fmt"
)

// Graph interface names. Downstream runtimes feed tensors by these names.
const (
	InputIDs      = "input_ids"
	AttentionMask = "attention_mask"
	TokenTypeIDs  = "token_type_ids"
	OutputName    = "output"

	BatchAxis    = "batch_size"
	SequenceAxis = "sequence_length"
)

// ProducerName is written to ModelProto.producer_name.
const ProducerName = "bert2onnx"

// Option errors.
var (
	ErrInvalidOptions        = errors.New("invalid export options")
	ErrUnsupportedActivation = errors.New("unsupported hidden activation")
)

// Pooling selects how token states are reduced to one vector per input.
type Pooling string

// Pooling strategies.
const (
	// PoolingCLS takes the hidden state of the first token, last_hidden_state[:, 0, :].
	PoolingCLS Pooling = "cls"
	// PoolingMean averages hidden states over positions where attention_mask is 1.
	PoolingMean Pooling = "mean"
	// PoolingPooler applies BERT's pooler (dense + tanh) to the first token.
	PoolingPooler Pooling = "pooler"
)

// ParsePooling converts a name to a Pooling value.
func ParsePooling(s string) (Pooling, error) {
	switch p := Pooling(s); p {
	case PoolingCLS, PoolingMean, PoolingPooler:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown pooling %q (want cls, mean or pooler)", ErrInvalidOptions, s)
	}
}

// Options controls graph emission.
type Options struct {
	// SeqLen is the static sequence length. Ignored when DynamicSequence is set.
	SeqLen int
	// DynamicSequence names the sequence axis instead of fixing it.
	DynamicSequence bool
	// Opset is the default-domain opset version to target.
	Opset int64
	// Pooling reduces token states to the output vector.
	Pooling Pooling
	// Normalize L2-normalizes the output vector.
	Normalize bool
	// ProducerVersion is written to ModelProto.producer_version.
	ProducerVersion string
	// Metadata is merged into metadata_props.
	Metadata map[string]string
}

// DefaultOptions returns static length 128, opset 14 and CLS pooling.
func DefaultOptions() Options {
	return Options{
		SeqLen:  128,
		Opset:   14,
		Pooling: PoolingCLS,
	}
}

// Opset bounds for the operators emitted here.
const (
	MinOpset = 14
	MaxOpset = 21
)

// Validate checks the options against the encoder's position table.
func (o *Options) Validate(maxPositions int) error {
	if o.Opset < MinOpset || o.Opset > MaxOpset {
		return fmt.Errorf("%w: opset %d outside [%d, %d]", ErrInvalidOptions, o.Opset, MinOpset, MaxOpset)
	}
	if _, err := ParsePooling(string(o.Pooling)); err != nil {
		return err
	}
	if o.DynamicSequence {
		return nil
	}
	if o.SeqLen < 1 {
		return fmt.Errorf("%w: sequence length must be positive, got %d", ErrInvalidOptions, o.SeqLen)
	}
	if o.SeqLen > maxPositions {
		return fmt.Errorf("%w: sequence length %d exceeds max_position_embeddings %d",
			ErrInvalidOptions, o.SeqLen, maxPositions)
	}
	return nil
}
