//go:build !ORT && !ALL

package backends

import "errors"

type RustTokenizer struct{}

func loadRustTokenizer(_ []byte) (*RustTokenizer, error) {
	return nil, errors.New("rust Tokenizer is not enabled")
}

func (*RustTokenizer) Encode(_ string, _ bool) (TokenizedInput, error) {
	return TokenizedInput{}, errors.New("rust Tokenizer is not enabled")
}

func (*RustTokenizer) Decode(_ []uint32, _ bool) string {
	return ""
}

func (*RustTokenizer) TokenToID(_ string) (uint32, bool) {
	return 0, false
}

func (*RustTokenizer) IDToToken(_ uint32) (string, bool) {
	return "", false
}

func (*RustTokenizer) VocabSize() int {
	return 0
}

func (*RustTokenizer) Close() error {
	return nil
}
