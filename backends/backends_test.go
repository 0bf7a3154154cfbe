package backends

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingTokenizer maps every space separated word to its length.
type countingTokenizer struct {
	encodes int
	closed  bool
}

func (c *countingTokenizer) Encode(text string, addSpecialTokens bool) (TokenizedInput, error) {
	c.encodes++
	if text == "fail" {
		return TokenizedInput{}, errors.New("cannot encode")
	}
	out := TokenizedInput{Raw: text}
	if addSpecialTokens {
		out.TokenIDs = append(out.TokenIDs, 1)
		out.Tokens = append(out.Tokens, "<s>")
	}
	for _, word := range strings.Fields(text) {
		out.TokenIDs = append(out.TokenIDs, uint32(len(word)))
		out.Tokens = append(out.Tokens, word)
	}
	return out, nil
}

func (c *countingTokenizer) Decode(_ []uint32, _ bool) string { return "" }

func (c *countingTokenizer) TokenToID(token string) (uint32, bool) {
	if token == "[MASK]" {
		return 99, true
	}
	return 0, false
}

func (c *countingTokenizer) IDToToken(_ uint32) (string, bool) { return "", false }

func (c *countingTokenizer) VocabSize() int { return 100 }

func (c *countingTokenizer) Close() error {
	c.closed = true
	return nil
}

func TestTokenizerCache(t *testing.T) {
	impl := &countingTokenizer{}
	tk, err := NewTokenizer("GO", impl, 8)
	require.NoError(t, err)

	first, err := tk.Encode("the apple", false)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3, 5}, first.TokenIDs)
	first.TokenIDs[0] = 99

	second, err := tk.Encode("the apple", false)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3, 5}, second.TokenIDs)
	assert.Equal(t, 1, impl.encodes)

	withSpecial, err := tk.Encode("the apple", true)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 3, 5}, withSpecial.TokenIDs)
	assert.Equal(t, 2, impl.encodes)

	assert.Equal(t, uint64(1), tk.cacheHits.Load())
	assert.Equal(t, uint64(2), tk.TokenizerTimings.NumCalls.Load())

	_, err = tk.Encode("fail", false)
	assert.Error(t, err)

	require.NoError(t, tk.Destroy())
	assert.True(t, impl.closed)
}

func TestTokenizerWithoutCache(t *testing.T) {
	impl := &countingTokenizer{}
	tk, err := NewTokenizer("GO", impl, 0)
	require.NoError(t, err)
	for range 3 {
		_, err = tk.Encode("same text", false)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, impl.encodes)
	assert.Equal(t, uint64(0), tk.cacheHits.Load())
}

func TestSetMaskToken(t *testing.T) {
	tk, err := NewTokenizer("GO", &countingTokenizer{}, 0)
	require.NoError(t, err)
	assert.Error(t, tk.SetMaskToken("<mask>"))
	assert.False(t, tk.HasMaskToken)
	require.NoError(t, tk.SetMaskToken("[MASK]"))
	assert.True(t, tk.HasMaskToken)
	assert.Equal(t, uint32(99), tk.MaskTokenID)
}

func TestParseModelKind(t *testing.T) {
	kind, err := ParseModelKind("Causal")
	require.NoError(t, err)
	assert.Equal(t, CausalModel, kind)
	kind, err = ParseModelKind("masked")
	require.NoError(t, err)
	assert.Equal(t, MaskedModel, kind)
	kind, err = ParseModelKind("seq2seq")
	assert.Error(t, err)
	assert.Equal(t, UnknownModel, kind)
	assert.Equal(t, "unknown", kind.String())
}

func TestInputBacking(t *testing.T) {
	batch := NewBatch([]TokenizedInput{
		{TokenIDs: []uint32{5, 6, 7}, TypeIDs: []uint32{0, 0, 1}},
		{TokenIDs: []uint32{8}, TypeIDs: []uint32{0}},
	})
	model := &Model{PadToken: 9}
	assert.Equal(t, 3, batch.MaxSequenceLength)

	ids, err := inputBacking("input_ids", batch, model)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6, 7, 8, 9, 9}, ids)

	mask, err := inputBacking("attention_mask", batch, model)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 1, 1, 0, 0}, mask)

	types, err := inputBacking("token_type_ids", batch, model)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 0, 1, 0, 0, 0}, types)

	positions, err := inputBacking("position_ids", batch, model)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2, 0, 1, 2}, positions)

	_, err = inputBacking("pixel_values", batch, model)
	assert.Error(t, err)

	assert.Equal(t, [][]bool{{true, true, true}, {true, false, false}}, paddingMask(batch))
}

func TestReshapeLogits(t *testing.T) {
	// two sequences of length 2 over a vocabulary of 3, the second sequence padded
	flat := []float32{
		1, 2, 3, 4, 5, 6,
		7, 8, 9, 0, 0, 0,
	}
	logits, err := ReshapeLogits(flat, [][]bool{{true, true}, {true, false}}, 2)
	require.NoError(t, err)
	require.Len(t, logits, 2)
	assert.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, logits[0])
	assert.Equal(t, [][]float32{{7, 8, 9}}, logits[1])

	_, err = ReshapeLogits(flat[:11], [][]bool{{true, true}, {true, false}}, 2)
	assert.Error(t, err)
}

func TestLogitsOutputIndex(t *testing.T) {
	assert.Equal(t, 1, logitsOutputIndex([]InputOutputInfo{{Name: "past_key_values"}, {Name: "logits"}}))
	assert.Equal(t, 0, logitsOutputIndex([]InputOutputInfo{{Name: "output_0"}}))
}

func writeModelFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadModelConfig(t *testing.T) {
	dir := t.TempDir()
	writeModelFile(t, dir, "config.json", `{"n_positions": 1024, "vocab_size": 50257, "model_type": "gpt2"}`)
	writeModelFile(t, dir, "special_tokens_map.json", `{"bos_token": "<|endoftext|>", "mask_token": {"content": "[MASK]", "lstrip": false}}`)
	model := &Model{Path: dir}
	require.NoError(t, loadModelConfig(model))
	assert.Equal(t, 1024, model.MaxPositionEmbeddings)
	assert.Equal(t, 50257, model.VocabSize)
	assert.Equal(t, "[MASK]", model.MaskToken)
	assert.Equal(t, int64(0), model.PadToken)

	bert := t.TempDir()
	writeModelFile(t, bert, "config.json", `{"max_position_embeddings": 512, "pad_token_id": 0, "vocab_size": 30522}`)
	model = &Model{Path: bert}
	require.NoError(t, loadModelConfig(model))
	assert.Equal(t, 512, model.MaxPositionEmbeddings)
	assert.Equal(t, "", model.MaskToken)

	roberta := t.TempDir()
	writeModelFile(t, roberta, "tokenizer_config.json", `{"mask_token": "<mask>", "bos_token": null, "model_max_length": 512}`)
	model = &Model{Path: roberta}
	require.NoError(t, loadModelConfig(model))
	assert.Equal(t, "<mask>", model.MaskToken)

	// without metadata nothing is set
	model = &Model{Path: t.TempDir()}
	require.NoError(t, loadModelConfig(model))
	assert.Equal(t, 0, model.MaxPositionEmbeddings)

	broken := t.TempDir()
	writeModelFile(t, broken, "special_tokens_map.json", `{"mask_token": 3}`)
	assert.Error(t, loadModelConfig(&Model{Path: broken}))
}

func TestGetOnnxModelPath(t *testing.T) {
	dir := t.TempDir()
	model := &Model{Path: dir}
	assert.Error(t, GetOnnxModelPath(model))

	writeModelFile(t, dir, "model.onnx", "")
	require.NoError(t, GetOnnxModelPath(model))
	assert.Equal(t, "model.onnx", filepath.Base(model.OnnxPath))

	writeModelFile(t, dir, "decoder.onnx", "")
	assert.Error(t, GetOnnxModelPath(&Model{Path: dir}))
	named := &Model{Path: dir, OnnxFilename: "decoder.onnx"}
	require.NoError(t, GetOnnxModelPath(named))
	assert.Equal(t, "decoder.onnx", filepath.Base(named.OnnxPath))
}

func TestGetOnnxModelPathInSubfolder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "onnx"), os.ModePerm))
	writeModelFile(t, dir, "onnx/model.onnx", "")
	writeModelFile(t, dir, "onnx/model_quantized.onnx", "")
	assert.Error(t, GetOnnxModelPath(&Model{Path: dir}))

	quantized := &Model{Path: dir, OnnxFilename: "model_quantized.onnx"}
	require.NoError(t, GetOnnxModelPath(quantized))
	assert.Equal(t, "model_quantized.onnx", filepath.Base(quantized.OnnxPath))
	assert.Equal(t, "onnx", filepath.Base(filepath.Dir(quantized.OnnxPath)))

	// a root graph with the same base name needs the relative path
	writeModelFile(t, dir, "model.onnx", "")
	assert.Error(t, GetOnnxModelPath(&Model{Path: dir, OnnxFilename: "model.onnx"}))
	nested := &Model{Path: dir, OnnxFilename: "onnx/model.onnx"}
	require.NoError(t, GetOnnxModelPath(nested))
	assert.Equal(t, "model.onnx", filepath.Base(nested.OnnxPath))
	assert.Equal(t, "onnx", filepath.Base(filepath.Dir(nested.OnnxPath)))

	assert.Error(t, GetOnnxModelPath(&Model{Path: dir, OnnxFilename: "decoder_model.onnx"}))
}

// stubBackend returns a constant logit row per valid position.
type stubBackend struct {
	err       error
	destroyed bool
}

func (s *stubBackend) CreateInputTensors(batch *PipelineBatch, _ *Model) error {
	batch.PaddingMask = paddingMask(batch)
	return nil
}

func (s *stubBackend) Run(batch *PipelineBatch, _ *Model) error {
	if s.err != nil {
		return s.err
	}
	flat := make([]float32, batch.Size*batch.MaxSequenceLength*2)
	logits, err := ReshapeLogits(flat, batch.PaddingMask, batch.MaxSequenceLength)
	if err != nil {
		return err
	}
	batch.OutputValues = []any{logits}
	return nil
}

func (s *stubBackend) Destroy() error {
	s.destroyed = true
	return nil
}

func TestBasePipeline(t *testing.T) {
	tk, err := NewTokenizer("GO", &countingTokenizer{}, 4)
	require.NoError(t, err)
	backend := &stubBackend{}
	model := &Model{ID: "stub", Kind: CausalModel, Tokenizer: tk, Backend: backend}

	_, err = NewBasePipeline("masked:stub", "GO", MaskedModel, model)
	assert.Error(t, err)

	p, err := NewBasePipeline("causal:stub", "GO", CausalModel, model)
	require.NoError(t, err)
	require.NoError(t, p.Validate())

	first, err := tk.Encode("a bb ccc", false)
	require.NoError(t, err)
	second, err := tk.Encode("dd", false)
	require.NoError(t, err)
	batch := NewBatch([]TokenizedInput{first, second})
	require.NoError(t, p.Forward(batch))
	logits, err := batch.Logits()
	require.NoError(t, err)
	assert.Len(t, logits[0], 3)
	assert.Len(t, logits[1], 1)

	require.NoError(t, p.Forward(NewBatch(nil)))
	stats := p.GetStatistics()
	assert.Equal(t, uint64(2), stats.TotalItems)
	assert.Equal(t, uint64(1), stats.TotalBatches)
	assert.Equal(t, uint64(1), stats.ForwardExecutionCount)
	assert.Equal(t, 2.0, stats.AverageBatchSize)
	assert.Equal(t, uint64(2), stats.TokenizerExecutionCount)
	assert.Contains(t, stats.String(), "TotalItems")

	backend.err = errors.New("session closed")
	assert.Error(t, p.Forward(NewBatch([]TokenizedInput{first})))
	assert.Equal(t, uint64(1), p.GetStatistics().TotalBatches)

	require.NoError(t, model.Destroy())
	assert.True(t, backend.destroyed)
	assert.Nil(t, model.Tokenizer)
}

func TestValidateMaskedModel(t *testing.T) {
	tk, err := NewTokenizer("GO", &countingTokenizer{}, 0)
	require.NoError(t, err)
	model := &Model{ID: "stub", Kind: MaskedModel, Tokenizer: tk}
	p, err := NewBasePipeline("masked:stub", "GO", MaskedModel, model)
	require.NoError(t, err)
	err = p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no backend")
	assert.Contains(t, err.Error(), "no mask token")

	model.Backend = &stubBackend{}
	require.NoError(t, tk.SetMaskToken("[MASK]"))
	assert.NoError(t, p.Validate())
}

func TestValidateLogitsShape(t *testing.T) {
	tk, err := NewTokenizer("GO", &countingTokenizer{}, 0)
	require.NoError(t, err)
	model := &Model{
		ID:          "stub",
		Kind:        CausalModel,
		Tokenizer:   tk,
		Backend:     &stubBackend{},
		VocabSize:   50257,
		OutputsMeta: []InputOutputInfo{{Name: "past"}, {Name: "logits", Dimensions: Shape{-1, -1, 50257}}},
	}
	p, err := NewBasePipeline("causal:stub", "GO", CausalModel, model)
	require.NoError(t, err)
	assert.NoError(t, p.Validate())

	// a padded embedding matrix is fine
	model.OutputsMeta[1].Dimensions = Shape{-1, -1, 50304}
	assert.NoError(t, p.Validate())

	model.OutputsMeta[1].Dimensions = Shape{-1, -1, 30522}
	err = p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[-1 -1 30522]")

	// dynamic vocabulary dimensions are not checked
	model.OutputsMeta[1].Dimensions = Shape{-1, -1, -1}
	assert.NoError(t, p.Validate())
	model.OutputsMeta = nil
	assert.NoError(t, p.Validate())
}

func TestParseVocabulary(t *testing.T) {
	wordPiece := `{
		"added_tokens": [{"id": 0, "content": "[PAD]", "special": true}, {"id": 103, "content": "[MASK]", "special": true}],
		"model": {"type": "WordPiece", "vocab": {"[PAD]": 0, "the": 1996, "tree": 3392, "##s": 2015}}
	}`
	v, err := parseVocabulary([]byte(wordPiece))
	require.NoError(t, err)
	assert.Equal(t, uint32(3392), v.ids["tree"])
	assert.Equal(t, "##s", v.tokens[2015])
	assert.Equal(t, "[MASK]", v.tokens[103])
	assert.Equal(t, uint32(103), v.ids["[MASK]"])

	bpe := `{"added_tokens": [{"id": 50256, "content": "<|endoftext|>"}], "model": {"type": "BPE", "vocab": {"Ġtree": 5509}, "merges": []}}`
	v, err = parseVocabulary([]byte(bpe))
	require.NoError(t, err)
	assert.Equal(t, "Ġtree", v.tokens[5509])
	assert.Equal(t, "<|endoftext|>", v.tokens[50256])

	unigram := `{"model": {"type": "Unigram", "vocab": [["<pad>", 0.0], ["</s>", 0.0], ["▁tree", -9.5]]}}`
	v, err = parseVocabulary([]byte(unigram))
	require.NoError(t, err)
	assert.Equal(t, "▁tree", v.tokens[2])
	assert.Equal(t, uint32(1), v.ids["</s>"])

	v, err = parseVocabulary([]byte(`{"model": {}}`))
	require.NoError(t, err)
	assert.Empty(t, v.ids)

	_, err = parseVocabulary([]byte(`{"model": {"type": "Unigram", "vocab": [[1.5]]}}`))
	assert.Error(t, err)
	_, err = parseVocabulary([]byte(`{"model": {"vocab": "tree"}}`))
	assert.Error(t, err)
	_, err = parseVocabulary([]byte(`not json`))
	assert.Error(t, err)
}
