// Package loader reads BERT checkpoints for export.
//
// This package implements readers for the weight formats found in model hub
// snapshots:
//   - SafeTensors: single file (model.safetensors) or sharded
//     (model.safetensors.index.json plus shards)
//   - PyTorch: pytorch_model.bin state dicts, via gopickle
//
// Every floating point tensor is returned as dense float32; F16, BF16 and
// F64 are converted on load. config.json is parsed into BertConfig with the
// same defaults transformers applies.
//
// Example:
//
//	cfg, err := loader.ReadBertConfig(dir)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ckpt, err := loader.OpenCheckpoint(dir)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ckpt.Close()
//
//	names, err := loader.ResolveNames(loader.NewBertMapper(), ckpt.TensorNames())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	emb, err := ckpt.Tensor(names["embeddings.word_embeddings.weight"])
package loader
