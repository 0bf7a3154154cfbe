package backends

import (
	"bytes"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/pangoling/util/safeconv"
)

// vocabulary maps token pieces to ids and back, as listed in a tokenizer.json.
type vocabulary struct {
	ids    map[string]uint32
	tokens map[uint32]string
}

type tokenizerFile struct {
	Model struct {
		Type  string              `json:"type"`
		Vocab jsoniter.RawMessage `json:"vocab"`
	} `json:"model"`
	AddedTokens []struct {
		Content string `json:"content"`
		ID      uint32 `json:"id"`
	} `json:"added_tokens"`
}

// parseVocabulary reads the model vocabulary and the added tokens of a tokenizer.json. The model
// vocabulary is a piece to id map (BPE, WordPiece, WordLevel) or a list of [piece, score] pairs
// indexed by id (Unigram).
func parseVocabulary(tokenizerBytes []byte) (*vocabulary, error) {
	var file tokenizerFile
	if err := jsoniter.Unmarshal(tokenizerBytes, &file); err != nil {
		return nil, fmt.Errorf("error parsing tokenizer.json: %w", err)
	}
	v := &vocabulary{ids: map[string]uint32{}, tokens: map[uint32]string{}}
	raw := bytes.TrimSpace(file.Model.Vocab)
	switch {
	case len(raw) == 0 || string(raw) == "null":
	case raw[0] == '{':
		var pieces map[string]uint32
		if err := jsoniter.Unmarshal(raw, &pieces); err != nil {
			return nil, fmt.Errorf("error parsing %s vocabulary: %w", file.Model.Type, err)
		}
		for piece, id := range pieces {
			v.add(piece, id)
		}
	case raw[0] == '[':
		var scored [][]any
		if err := jsoniter.Unmarshal(raw, &scored); err != nil {
			return nil, fmt.Errorf("error parsing %s vocabulary: %w", file.Model.Type, err)
		}
		for i, entry := range scored {
			if len(entry) == 0 {
				return nil, fmt.Errorf("%s vocabulary entry %d is empty", file.Model.Type, i)
			}
			piece, ok := entry[0].(string)
			if !ok {
				return nil, fmt.Errorf("%s vocabulary entry %d has no piece: %v", file.Model.Type, i, entry)
			}
			v.add(piece, safeconv.IntToUint32(i))
		}
	default:
		return nil, fmt.Errorf("%s vocabulary is neither a map nor a list", file.Model.Type)
	}
	for _, added := range file.AddedTokens {
		v.add(added.Content, added.ID)
	}
	return v, nil
}

func (v *vocabulary) add(piece string, id uint32) {
	v.ids[piece] = id
	v.tokens[id] = piece
}
