package backends

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/knights-analytics/pangoling/options"
	"github.com/knights-analytics/pangoling/util/fileutil"
)

// TokenizerRuntime is the contract a tokenizer implementation must satisfy.
type TokenizerRuntime interface {
	Encode(text string, addSpecialTokens bool) (TokenizedInput, error)
	Decode(ids []uint32, skipSpecialTokens bool) string
	TokenToID(token string) (uint32, bool)
	IDToToken(id uint32) (string, bool)
	VocabSize() int
	Close() error
}

type encodingKey struct {
	text             string
	addSpecialTokens bool
}

type Tokenizer struct {
	Impl             TokenizerRuntime
	TokenizerTimings *timings
	cache            *lru.Cache[encodingKey, TokenizedInput]
	Runtime          string
	MaskToken        string
	cacheHits        atomic.Uint64
	MaskTokenID      uint32
	HasMaskToken     bool
}

// NewTokenizer wraps impl with timings and an encoding cache of cacheSize entries (zero disables the cache).
func NewTokenizer(runtime string, impl TokenizerRuntime, cacheSize int) (*Tokenizer, error) {
	tk := &Tokenizer{
		Impl:             impl,
		Runtime:          runtime,
		TokenizerTimings: &timings{},
	}
	if cacheSize > 0 {
		cache, err := lru.New[encodingKey, TokenizedInput](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("error creating tokenizer cache: %w", err)
		}
		tk.cache = cache
	}
	return tk, nil
}

func LoadTokenizer(model *Model, s *options.Options) error {
	tokenizerPath := fileutil.PathJoinSafe(model.Path, "tokenizer.json")
	exists, err := fileutil.FileExists(tokenizerPath)
	if err != nil {
		return fmt.Errorf("error checking for existence of tokenizer.json: %w", err)
	}
	if !exists {
		return fmt.Errorf("no tokenizer.json found at %s", model.Path)
	}
	tokenizerBytes, err := fileutil.ReadFileBytes(tokenizerPath)
	if err != nil {
		return err
	}
	var impl TokenizerRuntime
	var runtime string
	switch s.Backend {
	case "ORT":
		impl, err = loadRustTokenizer(tokenizerBytes)
		runtime = "RUST"
	case "GO":
		impl, err = loadGoTokenizer(tokenizerBytes)
		runtime = "GO"
	default:
		return fmt.Errorf("runtime %s not recognized", s.Backend)
	}
	if err != nil {
		return err
	}
	tk, err := NewTokenizer(runtime, impl, s.TokenizerCacheSize)
	if err != nil {
		return errors.Join(err, impl.Close())
	}
	model.Tokenizer = tk
	if model.VocabSize == 0 {
		model.VocabSize = impl.VocabSize()
	}
	return nil
}

// Encode tokenizes text. The returned input is owned by the caller.
func (t *Tokenizer) Encode(text string, addSpecialTokens bool) (TokenizedInput, error) {
	key := encodingKey{text: text, addSpecialTokens: addSpecialTokens}
	if t.cache != nil {
		if cached, ok := t.cache.Get(key); ok {
			t.cacheHits.Add(1)
			return cached.Clone(), nil
		}
	}
	start := time.Now()
	encoded, err := t.Impl.Encode(text, addSpecialTokens)
	if err != nil {
		return TokenizedInput{}, fmt.Errorf("error tokenizing %q: %w", text, err)
	}
	t.TokenizerTimings.record(start)
	if t.cache != nil {
		t.cache.Add(key, encoded.Clone())
	}
	return encoded, nil
}

func (t *Tokenizer) Decode(ids []uint32, skipSpecialTokens bool) string {
	return t.Impl.Decode(ids, skipSpecialTokens)
}

func (t *Tokenizer) TokenToID(token string) (uint32, bool) {
	return t.Impl.TokenToID(token)
}

func (t *Tokenizer) IDToToken(id uint32) (string, bool) {
	return t.Impl.IDToToken(id)
}

func (t *Tokenizer) VocabSize() int {
	return t.Impl.VocabSize()
}

// SetMaskToken records the mask token of a masked model and resolves its id.
func (t *Tokenizer) SetMaskToken(token string) error {
	id, ok := t.Impl.TokenToID(token)
	if !ok {
		return fmt.Errorf("mask token %q is not in the vocabulary", token)
	}
	t.MaskToken = token
	t.MaskTokenID = id
	t.HasMaskToken = true
	return nil
}

func (t *Tokenizer) Destroy() error {
	if t.cache != nil {
		t.cache.Purge()
	}
	return t.Impl.Close()
}
