// Package backendtest provides a deterministic tokenizer and model backend for tests that must run
// without model files.
package backendtest

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/knights-analytics/pangoling/backends"
)

const (
	PadID uint32 = iota
	BosID
	MaskID
	EosID
	firstWordID
)

const (
	VocabSize  = 64
	MaskToken  = "[MASK]"
	pieceBytes = 3
)

var specialTokens = map[uint32]string{PadID: "<pad>", BosID: "<s>", MaskID: MaskToken, EosID: "</s>"}

// Tokenizer splits text at spaces and cuts every word into pieces of at most three bytes. The
// space in front of a word is carried by its first piece as "Ġ", gpt2 style, and the literal
// "[MASK]" is the mask token.
type Tokenizer struct {
	seen map[uint32]string
	mu   sync.Mutex
}

func NewTokenizer() *Tokenizer {
	return &Tokenizer{seen: map[uint32]string{}}
}

func (t *Tokenizer) pieceID(piece string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(piece))
	id := firstWordID + h.Sum32()%(VocabSize-firstWordID)
	t.mu.Lock()
	t.seen[id] = piece
	t.mu.Unlock()
	return id
}

func (t *Tokenizer) Encode(text string, addSpecialTokens bool) (backends.TokenizedInput, error) {
	out := backends.TokenizedInput{Raw: text}
	add := func(token string, id uint32, start, end int, special bool) {
		out.Tokens = append(out.Tokens, token)
		out.TokenIDs = append(out.TokenIDs, id)
		out.TypeIDs = append(out.TypeIDs, 0)
		out.AttentionMask = append(out.AttentionMask, 1)
		out.Offsets = append(out.Offsets, [2]uint{uint(start), uint(end)})
		if special {
			out.SpecialTokensMask = append(out.SpecialTokensMask, 1)
		} else {
			out.SpecialTokensMask = append(out.SpecialTokensMask, 0)
		}
	}
	if addSpecialTokens {
		add(specialTokens[BosID], BosID, 0, 0, true)
	}
	i := 0
	for i < len(text) {
		start := i
		for i < len(text) && text[i] == ' ' {
			i++
		}
		if i == len(text) {
			break
		}
		if strings.HasPrefix(text[i:], MaskToken) {
			add(MaskToken, MaskID, i, i+len(MaskToken), false)
			i += len(MaskToken)
			continue
		}
		wordEnd := i
		for wordEnd < len(text) && text[wordEnd] != ' ' && !strings.HasPrefix(text[wordEnd:], MaskToken) {
			wordEnd++
		}
		pieceStart := start
		for pieceStart < wordEnd {
			pieceEnd := min(max(pieceStart, i)+pieceBytes, wordEnd)
			piece := strings.ReplaceAll(text[pieceStart:pieceEnd], " ", "Ġ")
			add(piece, t.pieceID(piece), pieceStart, pieceEnd, false)
			pieceStart = pieceEnd
		}
		i = wordEnd
	}
	if addSpecialTokens {
		add(specialTokens[EosID], EosID, 0, 0, true)
	}
	out.MaxAttentionIndex = len(out.TokenIDs) - 1
	return out, nil
}

func (t *Tokenizer) Decode(ids []uint32, skipSpecialTokens bool) string {
	var sb strings.Builder
	for _, id := range ids {
		if _, special := specialTokens[id]; special && skipSpecialTokens {
			continue
		}
		token, _ := t.IDToToken(id)
		sb.WriteString(strings.ReplaceAll(token, "Ġ", " "))
	}
	return sb.String()
}

func (t *Tokenizer) TokenToID(token string) (uint32, bool) {
	for id, special := range specialTokens {
		if special == token {
			return id, true
		}
	}
	if token == "" {
		return 0, false
	}
	return t.pieceID(token), true
}

func (t *Tokenizer) IDToToken(id uint32) (string, bool) {
	if token, ok := specialTokens[id]; ok {
		return token, true
	}
	if id >= VocabSize {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if token, ok := t.seen[id]; ok {
		return token, true
	}
	return fmt.Sprintf("<%d>", id), true
}

func (t *Tokenizer) VocabSize() int {
	return VocabSize
}

func (t *Tokenizer) Close() error {
	return nil
}

// Backend computes logits from a hash of the row. Causal logits at position i depend only on the
// ids up to i; masked logits depend on every id of the row and the position. Padding never leaks
// into the result, so scores do not depend on how items are batched.
type Backend struct {
	// Err, when set, is returned by every Run.
	Err       error
	Kind      backends.ModelKind
	Runs      atomic.Int64
	Rows      atomic.Int64
	Destroyed atomic.Bool
}

type rows [][]uint32

func (b *Backend) CreateInputTensors(batch *backends.PipelineBatch, _ *backends.Model) error {
	inputs := make(rows, batch.Size)
	masks := make([][]bool, batch.Size)
	for i, input := range batch.Input {
		inputs[i] = append([]uint32(nil), input.TokenIDs...)
		masks[i] = make([]bool, batch.MaxSequenceLength)
		for pos := range input.TokenIDs {
			masks[i][pos] = true
		}
	}
	batch.InputValues = inputs
	batch.PaddingMask = masks
	return nil
}

func (b *Backend) Run(batch *backends.PipelineBatch, _ *backends.Model) error {
	if b.Destroyed.Load() {
		return errors.New("backend has been destroyed")
	}
	if b.Err != nil {
		return b.Err
	}
	inputs, ok := batch.InputValues.(rows)
	if !ok {
		return fmt.Errorf("unexpected input type %T", batch.InputValues)
	}
	b.Runs.Add(1)
	b.Rows.Add(int64(len(inputs)))
	logits := make([][][]float32, len(inputs))
	for r, ids := range inputs {
		logits[r] = make([][]float32, len(ids))
		for pos := range ids {
			var seed uint64
			if b.Kind == backends.MaskedModel {
				seed = hashIDs(ids, uint64(pos)+1)
			} else {
				seed = hashIDs(ids[:pos+1], 0)
			}
			logits[r][pos] = Logits(seed)
		}
	}
	batch.OutputValues = []any{logits}
	return nil
}

func (b *Backend) Destroy() error {
	b.Destroyed.Store(true)
	return nil
}

func hashIDs(ids []uint32, salt uint64) uint64 {
	h := fnv.New64a()
	buf := make([]byte, 4)
	for _, id := range ids {
		buf[0], buf[1], buf[2], buf[3] = byte(id), byte(id>>8), byte(id>>16), byte(id>>24)
		_, _ = h.Write(buf)
	}
	return h.Sum64() ^ (salt * 0x9E3779B97F4A7C15)
}

// Logits expands a seed into a deterministic logit vector over the vocabulary.
func Logits(seed uint64) []float32 {
	out := make([]float32, VocabSize)
	state := seed | 1
	for v := range out {
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		out[v] = float32(state%1000) / 100
	}
	return out
}

// NewModel returns a model of the given kind backed by the fake tokenizer and backend.
func NewModel(id string, kind backends.ModelKind) (*backends.Model, *Backend, error) {
	tk, err := backends.NewTokenizer("GO", NewTokenizer(), 128)
	if err != nil {
		return nil, nil, err
	}
	backend := &Backend{Kind: kind}
	model := &backends.Model{
		ID:        id,
		Path:      "memory://" + id,
		Kind:      kind,
		Backend:   backend,
		Tokenizer: tk,
		VocabSize: VocabSize,
		PadToken:  int64(PadID),
		MaskToken: MaskToken,
	}
	if kind == backends.MaskedModel {
		if err = tk.SetMaskToken(MaskToken); err != nil {
			return nil, nil, err
		}
	}
	return model, backend, nil
}
