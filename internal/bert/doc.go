// Package bert emits a BERT sentence-embedding forward pass as an ONNX graph.
//
// The graph is written node by node from checkpoint weights rather than
// traced, using only operators available in opset 14:
//
//	input_ids, token_type_ids -> embeddings (word + position + token type, LayerNorm)
//	attention_mask            -> additive mask [batch, 1, 1, seq]
//	N x BertLayer             -> self-attention, feed-forward, residual LayerNorms
//	pooling                   -> output [batch_size, hidden]
//
// LayerNorm and GELU are decomposed into primitive operators below opset 17.
//
// Example:
//
//	w, err := bert.LoadWeights(ckpt, cfg, bert.PoolingCLS)
//	if err != nil {
//	    return err
//	}
//	model, err := bert.Build(cfg, w, bert.DefaultOptions())
package bert
