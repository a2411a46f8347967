// Package tokenizer exports the WordPiece vocabulary of a BERT snapshot.
//
// A snapshot ships its vocabulary either as vocab.txt (one token per line,
// the line number is the id) or inside tokenizer.json. ExportVocab copies
// vocab.txt when present and otherwise regenerates it from tokenizer.json,
// so downstream tokenizers always find a vocab.txt next to model.onnx.
//
// Supported sources:
//   - vocab.txt: copied byte for byte
//   - tokenizer.json with a WordPiece model: regenerated in id order
//
// BPE and Unigram tokenizer.json files have no vocab.txt equivalent and are
// rejected with ErrUnsupportedTokenizer.
//
// Example usage:
//
//	res, err := tokenizer.ExportVocab(ctx, snapshotDir, "export")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.Path, res.Size, res.Regenerated)
package tokenizer
