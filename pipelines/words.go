package pipelines

import (
	"strings"

	"github.com/knights-analytics/pangoling/backends"
)

// Token is one subword of an encoded text. Start and End are byte offsets into the text.
type Token struct {
	Text     string
	ID       uint32
	Position int
	Start    uint
	End      uint
	Special  bool
}

// Word is a caller supplied word together with the tokens that realise it in context.
type Word struct {
	Text   string
	Tokens []Token
}

// AlignedText is a sequence of words tokenized once as a whole and sliced back into words.
type AlignedText struct {
	// Context is the optional left context in front of the words. It is scored but never reported.
	Context  *Word
	Text     string
	Words    []Word
	Encoding backends.TokenizedInput
}

// Tokens returns the tokens of the context and of every word, in order.
func (a *AlignedText) Tokens() []Token {
	var tokens []Token
	if a.Context != nil {
		tokens = append(tokens, a.Context.Tokens...)
	}
	for _, w := range a.Words {
		tokens = append(tokens, w.Tokens...)
	}
	return tokens
}

// Reconstruct concatenates the source text covered by every word's tokens.
func (a *AlignedText) Reconstruct() string {
	var sb strings.Builder
	for _, t := range a.Tokens() {
		sb.WriteString(a.Text[t.Start:t.End])
	}
	return sb.String()
}

// JoinWords joins the words with the separator and returns the text with the byte offset where each word ends.
func JoinWords(words []string, separator string) (string, []uint) {
	var sb strings.Builder
	ends := make([]uint, len(words))
	for i, w := range words {
		if i > 0 {
			sb.WriteString(separator)
		}
		sb.WriteString(w)
		ends[i] = uint(sb.Len())
	}
	return sb.String(), ends
}

// AlignWords tokenizes the joined words once and assigns every token to a word. Word i owns the
// bytes after the end of word i-1 up to its own end, so a token carrying the separator in front of
// a word (as in "Ġword") belongs to that word. A token that ends inside one word but starts inside
// an earlier one cannot be assigned and fails with an AlignmentError. Special and zero-width tokens
// belong to no word.
func AlignWords(tk *backends.Tokenizer, words []string, separator string, context string, addSpecialTokens bool) (*AlignedText, error) {
	parts := words
	if context != "" {
		parts = append([]string{context}, words...)
	}
	text, ends := JoinWords(parts, separator)
	encoding, err := tk.Encode(text, addSpecialTokens)
	if err != nil {
		return nil, err
	}

	aligned := make([]Word, len(parts))
	for i, part := range parts {
		aligned[i] = Word{Text: part}
	}
	w := 0
	for pos, id := range encoding.TokenIDs {
		token := Token{ID: id, Position: pos}
		if pos < len(encoding.Tokens) {
			token.Text = encoding.Tokens[pos]
		}
		if pos < len(encoding.Offsets) {
			token.Start, token.End = encoding.Offsets[pos][0], encoding.Offsets[pos][1]
		}
		if pos < len(encoding.SpecialTokensMask) && encoding.SpecialTokensMask[pos] != 0 {
			token.Special = true
		}
		if token.Special || token.Start >= token.End {
			continue
		}
		for w < len(parts) && token.End > ends[w] {
			w++
		}
		if w == len(parts) {
			return nil, &AlignmentError{Text: text, Token: token.Text, Reason: "extends past the last word", WordIndex: w - 1, Word: parts[w-1]}
		}
		var wordStart uint
		if w > 0 {
			wordStart = ends[w-1]
		}
		if token.Start < wordStart {
			return nil, &AlignmentError{Text: text, Token: token.Text, Reason: "straddles a word boundary", WordIndex: w, Word: parts[w]}
		}
		aligned[w].Tokens = append(aligned[w].Tokens, token)
	}
	for i, word := range aligned {
		if len(word.Tokens) == 0 {
			return nil, &AlignmentError{Text: text, Reason: "has no tokens", WordIndex: i, Word: word.Text}
		}
	}

	result := &AlignedText{Text: text, Words: aligned, Encoding: encoding}
	if context != "" {
		result.Context = &aligned[0]
		result.Words = aligned[1:]
	}
	return result, nil
}
