package bert

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/born-ml/bert2onnx/internal/loader"
	"github.com/born-ml/bert2onnx/internal/onnx"
)

// Build emits the embedding model as an ONNX graph.
//
// The graph takes input_ids, attention_mask and token_type_ids (int64,
// [batch_size, seq]) and returns output (float32, [batch_size, hidden]):
//
//	embeddings -> N x (self-attention, feed-forward) -> pooling [-> L2 normalize]
//
// The batch axis is always dynamic. The sequence axis is fixed to
// opts.SeqLen unless opts.DynamicSequence is set.
func Build(cfg *loader.BertConfig, w *Weights, opts Options) (*onnx.ModelProto, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Validate(cfg.MaxPositionEmbeddings); err != nil {
		return nil, err
	}
	if err := checkActivation(cfg.HiddenAct); err != nil {
		return nil, err
	}
	if err := w.Validate(cfg, opts.Pooling == PoolingPooler); err != nil {
		return nil, err
	}

	b := onnx.NewGraphBuilder("main_graph")
	e := newEmitter(b, w, opts.Opset, float32(cfg.LayerNormEps))

	seq := onnx.Fixed(int64(opts.SeqLen))
	if opts.DynamicSequence {
		seq = onnx.Symbolic(SequenceAxis)
	}
	batch := onnx.Symbolic(BatchAxis)
	inputIDs := b.Input(InputIDs, onnx.TensorProtoInt64, batch, seq)
	mask := b.Input(AttentionMask, onnx.TensorProtoInt64, batch, seq)
	tokenTypes := b.Input(TokenTypeIDs, onnx.TensorProtoInt64, batch, seq)

	hidden := e.embeddings(inputIDs, tokenTypes, opts)
	additive := e.extendedMask(mask)

	var err error
	for i := 0; i < cfg.NumHiddenLayers; i++ {
		hidden, err = e.layer(i, hidden, additive, cfg)
		if err != nil {
			return nil, err
		}
	}

	pooled, err := e.pool(hidden, mask, opts.Pooling)
	if err != nil {
		return nil, err
	}
	if opts.Normalize {
		pooled = e.normalize(pooled)
	}
	b.OpTo("/Identity", "Identity", OutputName, []string{pooled})
	b.Output(OutputName, onnx.TensorProtoFloat, batch, onnx.Fixed(int64(cfg.HiddenSize)))

	b.SetDocString(fmt.Sprintf("BERT encoder, %d layers, hidden %d, %s pooling",
		cfg.NumHiddenLayers, cfg.HiddenSize, opts.Pooling))

	return &onnx.ModelProto{
		IRVersion:       onnx.IRVersionForOpset(opts.Opset),
		OpsetImport:     []onnx.OperatorSetID{{Version: opts.Opset}},
		ProducerName:    ProducerName,
		ProducerVersion: opts.ProducerVersion,
		Graph:           b.Graph(),
		MetadataProps:   metadata(cfg, opts),
	}, nil
}

// embeddings emits word + token type + position embeddings and LayerNorm.
func (e *emitter) embeddings(inputIDs, tokenTypes string, opts Options) string {
	words := e.b.Op("/embeddings/word_embeddings/Gather", "Gather",
		[]string{e.param("embeddings.word_embeddings.weight"), inputIDs})
	types := e.b.Op("/embeddings/token_type_embeddings/Gather", "Gather",
		[]string{e.param("embeddings.token_type_embeddings.weight"), tokenTypes})

	var positionIDs string
	if opts.DynamicSequence {
		// position_ids = arange(seq)[None, :]
		shape := e.b.Op("/embeddings/Shape", "Shape", []string{inputIDs})
		seqLen := e.b.Op("/embeddings/Gather", "Gather",
			[]string{shape, e.b.ScalarInt64("/embeddings/Constant", 1)}, onnx.AttrInt("axis", 0))
		r := e.b.Op("/embeddings/Range", "Range", []string{
			e.b.ScalarInt64("/embeddings/Constant_1", 0),
			seqLen,
			e.b.ScalarInt64("/embeddings/Constant_2", 1),
		})
		positionIDs = e.b.Op("/embeddings/Unsqueeze", "Unsqueeze", []string{r, e.ints1D(0)})
	} else {
		ids := make([]int64, opts.SeqLen)
		for i := range ids {
			ids[i] = int64(i)
		}
		positionIDs = e.b.Int64("embeddings.position_ids", []int64{1, int64(opts.SeqLen)}, ids)
	}
	positions := e.b.Op("/embeddings/position_embeddings/Gather", "Gather",
		[]string{e.param("embeddings.position_embeddings.weight"), positionIDs})

	sum := e.b.Op("/embeddings/Add", "Add", []string{words, types})
	sum = e.b.Op("/embeddings/Add_1", "Add", []string{sum, positions})
	return e.layerNorm("/embeddings/LayerNorm", sum, "embeddings.LayerNorm")
}

// layer emits one BertLayer: attention, then intermediate dense +
// activation, then output dense + residual + LayerNorm.
func (e *emitter) layer(i int, x, mask string, cfg *loader.BertConfig) (string, error) {
	attn, err := e.selfAttention(i, x, mask, cfg.NumAttentionHeads, cfg.HiddenSize)
	if err != nil {
		return "", err
	}

	path := fmt.Sprintf("/encoder/layer.%d", i)
	prefix := fmt.Sprintf("encoder.layer.%d", i)

	inter, err := e.linear(path+"/intermediate/dense", attn, prefix+".intermediate.dense")
	if err != nil {
		return "", err
	}
	inter, err = e.activation(path+"/intermediate/intermediate_act_fn", cfg.HiddenAct, inter)
	if err != nil {
		return "", err
	}

	out, err := e.linear(path+"/output/dense", inter, prefix+".output.dense")
	if err != nil {
		return "", err
	}
	out = e.b.Op(path+"/output/Add", "Add", []string{out, attn})
	return e.layerNorm(path+"/output/LayerNorm", out, prefix+".output.LayerNorm"), nil
}

// pool reduces [batch, seq, hidden] to [batch, hidden].
func (e *emitter) pool(hidden, mask string, pooling Pooling) (string, error) {
	switch pooling {
	case PoolingCLS:
		return e.cls(hidden), nil
	case PoolingPooler:
		dense, err := e.linear("/pooler/dense", e.cls(hidden), "pooler.dense")
		if err != nil {
			return "", err
		}
		return e.b.Op("/pooler/activation/Tanh", "Tanh", []string{dense}), nil
	case PoolingMean:
		// sum(hidden * mask) / max(sum(mask), 1e-9)
		m := e.b.Op("/pooling/Unsqueeze", "Unsqueeze", []string{mask, e.ints1D(-1)})
		m = e.b.Op("/pooling/Cast", "Cast", []string{m}, onnx.AttrInt("to", onnx.TensorProtoFloat))
		masked := e.b.Op("/pooling/Mul", "Mul", []string{hidden, m})
		sum := e.b.Op("/pooling/ReduceSum", "ReduceSum", []string{masked, e.ints1D(1)}, onnx.AttrInt("keepdims", 0))
		count := e.b.Op("/pooling/ReduceSum_1", "ReduceSum", []string{m, e.ints1D(1)}, onnx.AttrInt("keepdims", 0))
		count = e.b.Op("/pooling/Max", "Max", []string{count, e.scalar(1e-9)})
		return e.b.Op("/pooling/Div", "Div", []string{sum, count}), nil
	default:
		return "", fmt.Errorf("%w: unknown pooling %q", ErrInvalidOptions, pooling)
	}
}

// cls selects the first token: hidden[:, 0, :].
func (e *emitter) cls(hidden string) string {
	return e.b.Op("/Gather", "Gather",
		[]string{hidden, e.b.ScalarInt64("/Constant_cls", 0)}, onnx.AttrInt("axis", 1))
}

// normalize divides each row by max(||row||_2, 1e-12).
func (e *emitter) normalize(x string) string {
	sq := e.b.Op("/normalize/Mul", "Mul", []string{x, x})
	sum := e.b.Op("/normalize/ReduceSum", "ReduceSum", []string{sq, e.ints1D(-1)}, onnx.AttrInt("keepdims", 1))
	norm := e.b.Op("/normalize/Sqrt", "Sqrt", []string{sum})
	norm = e.b.Op("/normalize/Max", "Max", []string{norm, e.scalar(1e-12)})
	return e.b.Op("/normalize/Div", "Div", []string{x, norm})
}

// Metadata keys written by Build.
const (
	MetaPooling    = "pooling"
	MetaSeqLen     = "max_seq_length"
	MetaHiddenSize = "hidden_size"
	MetaVocabSize  = "vocab_size"
	MetaNormalize  = "normalize"
)

func metadata(cfg *loader.BertConfig, opts Options) []onnx.StringStringEntry {
	props := map[string]string{
		MetaPooling:    string(opts.Pooling),
		MetaHiddenSize: strconv.Itoa(cfg.HiddenSize),
		MetaNormalize:  strconv.FormatBool(opts.Normalize),
	}
	if cfg.VocabSize > 0 {
		props[MetaVocabSize] = strconv.Itoa(cfg.VocabSize)
	}
	if opts.DynamicSequence {
		props[MetaSeqLen] = strconv.Itoa(cfg.MaxPositionEmbeddings)
	} else {
		props[MetaSeqLen] = strconv.Itoa(opts.SeqLen)
	}
	for k, v := range opts.Metadata {
		props[k] = v
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]onnx.StringStringEntry, len(keys))
	for i, k := range keys {
		entries[i] = onnx.StringStringEntry{Key: k, Value: props[k]}
	}
	return entries
}
