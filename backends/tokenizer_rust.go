//go:build ORT || ALL

package backends

import (
	"github.com/daulet/tokenizers"
)

type RustTokenizer struct {
	Tokenizer *tokenizers.Tokenizer
	vocab     *vocabulary
	Options   []tokenizers.EncodeOption
}

func loadRustTokenizer(tokenizerBytes []byte) (*RustTokenizer, error) {
	vocab, err := parseVocabulary(tokenizerBytes)
	if err != nil {
		return nil, err
	}
	tk, tkErr := tokenizers.FromBytes(tokenizerBytes)
	if tkErr != nil {
		return nil, tkErr
	}
	return &RustTokenizer{
		Tokenizer: tk,
		vocab:     vocab,
		Options: []tokenizers.EncodeOption{
			tokenizers.WithReturnTokens(),
			tokenizers.WithReturnTypeIDs(),
			tokenizers.WithReturnAttentionMask(),
			tokenizers.WithReturnSpecialTokensMask(),
			tokenizers.WithReturnOffsets(),
		},
	}, nil
}

func (r *RustTokenizer) Encode(text string, addSpecialTokens bool) (TokenizedInput, error) {
	output := r.Tokenizer.EncodeWithOptions(text, addSpecialTokens, r.Options...)
	maxAttentionIndex := 0
	for j, attentionMaskValue := range output.AttentionMask {
		if attentionMaskValue != 0 {
			maxAttentionIndex = j
		}
	}
	return TokenizedInput{
		Raw:               text,
		Tokens:            output.Tokens,
		TokenIDs:          output.IDs,
		TypeIDs:           output.TypeIDs,
		AttentionMask:     output.AttentionMask,
		MaxAttentionIndex: maxAttentionIndex,
		SpecialTokensMask: output.SpecialTokensMask,
		Offsets:           convertRustOffsets(output.Offsets),
	}, nil
}

func (r *RustTokenizer) Decode(ids []uint32, skipSpecialTokens bool) string {
	return r.Tokenizer.Decode(ids, skipSpecialTokens)
}

func (r *RustTokenizer) TokenToID(token string) (uint32, bool) {
	id, ok := r.vocab.ids[token]
	return id, ok
}

// IDToToken returns the raw vocabulary piece, e.g. "Ġtree" rather than the decoded " tree".
func (r *RustTokenizer) IDToToken(id uint32) (string, bool) {
	token, ok := r.vocab.tokens[id]
	return token, ok
}

func (r *RustTokenizer) VocabSize() int {
	return int(r.Tokenizer.VocabSize())
}

func (r *RustTokenizer) Close() error {
	return r.Tokenizer.Close()
}

func convertRustOffsets(input []tokenizers.Offset) [][2]uint {
	output := make([][2]uint, len(input))
	for i, x := range input {
		output[i] = [2]uint{x[0], x[1]}
	}
	return output
}
