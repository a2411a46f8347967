package tokenizer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/sugarme/tokenizer/pretrained"
)

// Snapshot file names.
const (
	VocabFile           = "vocab.txt"
	TokenizerFile       = "tokenizer.json"
	TokenizerConfigFile = "tokenizer_config.json"
)

// Vocabulary errors.
var (
	ErrNoVocabulary         = errors.New("no vocabulary found")
	ErrUnsupportedTokenizer = errors.New("tokenizer has no WordPiece vocabulary")
	ErrDuplicateID          = errors.New("two tokens share an id")
)

// Special token spellings recognised in WordPiece vocabularies.
const (
	TokenCLS  = "[CLS]"
	TokenSEP  = "[SEP]"
	TokenPAD  = "[PAD]"
	TokenUNK  = "[UNK]"
	TokenMASK = "[MASK]"
)

// Vocabulary is a WordPiece token <-> id mapping.
type Vocabulary struct {
	vocab        map[string]int32 // token -> ID
	reverseVocab map[int32]string // ID -> token
}

// NewVocabulary builds a vocabulary from a token -> id map. Two tokens
// mapping to the same id is an error.
func NewVocabulary(vocab map[string]int) (*Vocabulary, error) {
	v := &Vocabulary{
		vocab:        make(map[string]int32, len(vocab)),
		reverseVocab: make(map[int32]string, len(vocab)),
	}
	for token, id := range vocab {
		id32 := int32(id) //nolint:gosec // G115: vocabulary ids fit in int32.
		if prev, dup := v.reverseVocab[id32]; dup {
			return nil, fmt.Errorf("%w: %q and %q are both %d", ErrDuplicateID, prev, token, id)
		}
		v.vocab[token] = id32
		v.reverseVocab[id32] = token
	}
	return v, nil
}

// LoadVocabFile reads vocab.txt: one token per line, the zero-based line
// number is the id. Later duplicates of a token win, as in BertTokenizer.
func LoadVocabFile(path string) (*Vocabulary, error) {
	//nolint:gosec // G304: Path is inside the model snapshot directory.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", VocabFile, err)
	}
	defer f.Close()

	v := &Vocabulary{
		vocab:        make(map[string]int32),
		reverseVocab: make(map[int32]string),
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var id int32
	for scanner.Scan() {
		token := strings.TrimRight(scanner.Text(), "\r")
		v.vocab[token] = id
		v.reverseVocab[id] = token
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", VocabFile, err)
	}
	return v, nil
}

// VocabularyFromTokenizerJSON extracts the WordPiece vocabulary from
// tokenizer.json. Added tokens outside the model vocabulary are not
// included, matching save_vocabulary.
func VocabularyFromTokenizerJSON(path string) (*Vocabulary, error) {
	meta, err := DetectHFTokenizerType(path)
	if err != nil {
		return nil, err
	}
	if meta.Type != HFTypeWordPiece {
		return nil, fmt.Errorf("%w: model type %q", ErrUnsupportedTokenizer, meta.TokenizerType)
	}

	vocab, err := sugarmeVocab(path)
	if err != nil {
		// Fall back to reading model.vocab directly; the pipeline loader
		// rejects some normalizer and decoder combinations.
		vocab, err = rawVocab(path)
		if err != nil {
			return nil, err
		}
	}
	return NewVocabulary(vocab)
}

func sugarmeVocab(path string) (vocab map[string]int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to load %s: %v", TokenizerFile, r)
		}
	}()
	tok, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", TokenizerFile, err)
	}
	vocab = tok.GetVocab(false)
	if len(vocab) == 0 {
		return nil, fmt.Errorf("%s has an empty vocabulary", TokenizerFile)
	}
	return vocab, nil
}

func rawVocab(path string) (map[string]int, error) {
	f, err := readTokenizerFile(path)
	if err != nil {
		return nil, err
	}
	var vocab map[string]int
	if err := json.Unmarshal(f.Model.Vocab, &vocab); err != nil {
		return nil, fmt.Errorf("failed to parse %s model.vocab: %w", TokenizerFile, err)
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("%s has an empty vocabulary", TokenizerFile)
	}
	return vocab, nil
}

// Size returns the number of distinct ids.
func (v *Vocabulary) Size() int {
	return len(v.reverseVocab)
}

// ID returns the id of token.
func (v *Vocabulary) ID(token string) (int32, bool) {
	id, ok := v.vocab[token]
	return id, ok
}

// Token returns the token with the given id.
func (v *Vocabulary) Token(id int32) (string, bool) {
	token, ok := v.reverseVocab[id]
	return token, ok
}

// SpecialTokens returns the ids of the BERT special tokens present.
func (v *Vocabulary) SpecialTokens() map[string]int32 {
	out := make(map[string]int32)
	for _, token := range []string{TokenCLS, TokenSEP, TokenPAD, TokenUNK, TokenMASK} {
		if id, ok := v.vocab[token]; ok {
			out[token] = id
		}
	}
	return out
}

// ids returns every id in ascending order.
func (v *Vocabulary) ids() []int32 {
	ids := make([]int32, 0, len(v.reverseVocab))
	for id := range v.reverseVocab {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Gaps returns the ids at which the sequence 0, 1, 2, ... breaks, i.e. the
// first id written after a hole.
func (v *Vocabulary) Gaps() []int32 {
	var gaps []int32
	var want int32
	for _, id := range v.ids() {
		if id != want {
			gaps = append(gaps, id)
		}
		want = id + 1
	}
	return gaps
}

// WriteTo writes one token per line in ascending id order.
func (v *Vocabulary) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	for _, id := range v.ids() {
		k, err := bw.WriteString(v.reverseVocab[id] + "\n")
		n += int64(k)
		if err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}

// WriteFile writes the vocabulary to path atomically.
func (v *Vocabulary) WriteFile(path string) error {
	return writeAtomic(path, func(w io.Writer) error {
		_, err := v.WriteTo(w)
		return err
	})
}

// writeAtomic writes through a temp file in the target directory and
// renames it into place.
func writeAtomic(path string, write func(w io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename into %s: %w", path, err)
	}
	return nil
}
