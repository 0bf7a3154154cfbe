package backends

import (
	"bytes"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/knights-analytics/pangoling/util/safeconv"
)

type GoTokenizer struct {
	Tokenizer *tokenizer.Tokenizer
}

func loadGoTokenizer(tokenizerBytes []byte) (*GoTokenizer, error) {
	tk, tkErr := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if tkErr != nil {
		return nil, tkErr
	}
	return &GoTokenizer{Tokenizer: tk}, nil
}

func (g *GoTokenizer) Encode(text string, addSpecialTokens bool) (TokenizedInput, error) {
	output, err := g.Tokenizer.EncodeSingle(text, addSpecialTokens)
	if err != nil {
		return TokenizedInput{}, err
	}
	maxAttentionIndex := 0
	for j, attentionMaskValue := range output.AttentionMask {
		if attentionMaskValue != 0 {
			maxAttentionIndex = j
		}
	}
	return TokenizedInput{
		Raw:               text,
		Tokens:            output.Tokens,
		TokenIDs:          safeconv.IntSliceToUint32Slice(output.Ids),
		TypeIDs:           safeconv.IntSliceToUint32Slice(output.TypeIds),
		AttentionMask:     safeconv.IntSliceToUint32Slice(output.AttentionMask),
		MaxAttentionIndex: maxAttentionIndex,
		SpecialTokensMask: safeconv.IntSliceToUint32Slice(output.SpecialTokenMask),
		Offsets:           safeconv.IntOffsetsToUintPairs(output.Offsets),
	}, nil
}

func (g *GoTokenizer) Decode(ids []uint32, skipSpecialTokens bool) string {
	return g.Tokenizer.Decode(safeconv.Uint32SliceToIntSlice(ids), skipSpecialTokens)
}

func (g *GoTokenizer) TokenToID(token string) (uint32, bool) {
	id, ok := g.Tokenizer.TokenToId(token)
	if !ok || id < 0 {
		return 0, false
	}
	return safeconv.IntToUint32(id), true
}

func (g *GoTokenizer) IDToToken(id uint32) (string, bool) {
	return g.Tokenizer.IdToToken(int(id))
}

func (g *GoTokenizer) VocabSize() int {
	return g.Tokenizer.GetVocabSize(true)
}

func (g *GoTokenizer) Close() error {
	return nil
}
