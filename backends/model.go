package backends

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/pangoling/options"
	"github.com/knights-analytics/pangoling/util/fileutil"
)

// ModelKind is the closed set of model families that can be scored.
type ModelKind int

const (
	UnknownModel ModelKind = iota
	CausalModel
	MaskedModel
)

func (k ModelKind) String() string {
	switch k {
	case CausalModel:
		return "causal"
	case MaskedModel:
		return "masked"
	default:
		return "unknown"
	}
}

func ParseModelKind(s string) (ModelKind, error) {
	switch strings.ToLower(s) {
	case "causal":
		return CausalModel, nil
	case "masked":
		return MaskedModel, nil
	}
	return UnknownModel, fmt.Errorf("model kind %q not recognized, expected causal or masked", s)
}

// ModelBackend runs the forward pass of a loaded model. CreateInputTensors fills
// batch.InputValues and batch.PaddingMask; Run fills batch.OutputValues with the
// [batch][valid position][vocab] logits.
type ModelBackend interface {
	CreateInputTensors(batch *PipelineBatch, model *Model) error
	Run(batch *PipelineBatch, model *Model) error
	Destroy() error
}

type Model struct {
	Backend               ModelBackend
	Tokenizer             *Tokenizer
	ID                    string
	Path                  string
	OnnxFilename          string
	OnnxPath              string
	MaskToken             string
	InputsMeta            []InputOutputInfo
	OutputsMeta           []InputOutputInfo
	Kind                  ModelKind
	MaxPositionEmbeddings int
	VocabSize             int
	PadToken              int64
}

// LoadModel loads the onnx graph, config and tokenizer found at path.
func LoadModel(id string, path string, onnxFilename string, kind ModelKind, s *options.Options) (*Model, error) {
	if kind != CausalModel && kind != MaskedModel {
		return nil, fmt.Errorf("cannot load model %s: kind %s", id, kind)
	}
	model := &Model{
		ID:           id,
		Path:         path,
		OnnxFilename: onnxFilename,
		Kind:         kind,
	}
	if err := loadModelConfig(model); err != nil {
		return nil, err
	}
	if err := GetOnnxModelPath(model); err != nil {
		return nil, err
	}
	if err := CreateModelBackend(model, s); err != nil {
		return nil, err
	}
	if err := LoadTokenizer(model, s); err != nil {
		return nil, errors.Join(err, model.Backend.Destroy())
	}
	if model.MaskToken != "" {
		if err := model.Tokenizer.SetMaskToken(model.MaskToken); err != nil && kind == MaskedModel {
			return nil, errors.Join(err, model.Destroy())
		}
	}
	return model, nil
}

func (m *Model) Destroy() error {
	var destroyErr error
	if m.Tokenizer != nil {
		destroyErr = m.Tokenizer.Destroy()
		m.Tokenizer = nil
	}
	if m.Backend != nil {
		destroyErr = errors.Join(destroyErr, m.Backend.Destroy())
		m.Backend = nil
	}
	return destroyErr
}

func CreateModelBackend(model *Model, s *options.Options) error {
	switch s.Backend {
	case "ORT":
		return createORTModelBackend(model, s)
	case "GO":
		return createGoModelBackend(model)
	}
	return fmt.Errorf("backend %q not recognized", s.Backend)
}

// GetOnnxModelPath finds the graph under the model folder. OnnxFilename, a base name or a path
// relative to the folder, is required when the folder holds several .onnx files.
func GetOnnxModelPath(model *Model) error {
	onnxFiles, err := fileutil.FindFiles(model.Path, ".onnx")
	if err != nil {
		return err
	}
	if len(onnxFiles) == 0 {
		return fmt.Errorf("no .onnx file detected at %s. There should be exactly .onnx file", model.Path)
	}
	if len(onnxFiles) > 1 {
		if model.OnnxFilename == "" {
			return fmt.Errorf("multiple .onnx file detected at %s and no OnnxFilename specified", model.Path)
		}
		var matches []string
		for _, onnxFile := range onnxFiles {
			if matchesOnnxFilename(onnxFile, model.OnnxFilename) {
				matches = append(matches, onnxFile)
			}
		}
		switch len(matches) {
		case 0:
			return fmt.Errorf("file %s not found at %s", model.OnnxFilename, model.Path)
		case 1:
			model.OnnxPath = matches[0]
			return nil
		default:
			return fmt.Errorf("%s matches several files at %s: %v", model.OnnxFilename, model.Path, matches)
		}
	}
	model.OnnxPath = onnxFiles[0]
	return nil
}

func matchesOnnxFilename(onnxFile string, name string) bool {
	name = filepath.ToSlash(name)
	if strings.Contains(name, "/") {
		return strings.HasSuffix(filepath.ToSlash(onnxFile), "/"+strings.TrimPrefix(name, "/"))
	}
	return filepath.Base(onnxFile) == name
}

type modelConfig struct {
	MaxPositionEmbeddings *int   `json:"max_position_embeddings"`
	NPositions            *int   `json:"n_positions"`
	PadTokenID            *int64 `json:"pad_token_id"`
	VocabSize             *int   `json:"vocab_size"`
}

func loadModelConfig(model *Model) error {
	// load config.json if it exists, to determine max_position_embeddings
	configPath := fileutil.PathJoinSafe(model.Path, "config.json")
	exists, err := fileutil.FileExists(configPath)
	if err != nil {
		return err
	}
	if exists {
		configBytes, readErr := fileutil.ReadFileBytes(configPath)
		if readErr != nil {
			return readErr
		}
		config := modelConfig{}
		if readErr = jsoniter.Unmarshal(configBytes, &config); readErr != nil {
			return fmt.Errorf("error parsing %s: %w", configPath, readErr)
		}
		switch {
		case config.MaxPositionEmbeddings != nil:
			model.MaxPositionEmbeddings = *config.MaxPositionEmbeddings
		case config.NPositions != nil:
			// gpt2 style configs
			model.MaxPositionEmbeddings = *config.NPositions
		}
		if config.PadTokenID != nil {
			model.PadToken = *config.PadTokenID
		}
		if config.VocabSize != nil {
			model.VocabSize = *config.VocabSize
		}
	}
	// special tokens are listed in special_tokens_map.json, newer exports only have them in tokenizer_config.json
	for _, name := range []string{"special_tokens_map.json", "tokenizer_config.json"} {
		if err = loadSpecialTokens(model, fileutil.PathJoinSafe(model.Path, name)); err != nil {
			return err
		}
	}
	return nil
}

func loadSpecialTokens(model *Model, path string) error {
	exists, err := fileutil.FileExists(path)
	if err != nil || !exists {
		return err
	}
	configBytes, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return err
	}
	var configMap map[string]any
	if err = jsoniter.Unmarshal(configBytes, &configMap); err != nil {
		return fmt.Errorf("error parsing %s: %w", path, err)
	}
	if model.MaskToken == "" {
		if model.MaskToken, err = specialToken(configMap, "mask_token"); err != nil {
			return err
		}
	}
	return nil
}

// specialToken reads an entry of special_tokens_map.json, which is either a string or a {"content": ...} map.
func specialToken(configMap map[string]any, name string) (string, error) {
	raw, exists := configMap[name]
	if !exists {
		return "", nil
	}
	switch v := raw.(type) {
	case map[string]any:
		t, contentOk := v["content"]
		if !contentOk {
			return "", fmt.Errorf("%s is map but no content field is available", name)
		}
		tString, stringOk := t.(string)
		if !stringOk {
			return "", fmt.Errorf("%s cannot be converted to string: %v", name, t)
		}
		return tString, nil
	case string:
		return v, nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("%s has unexpected type: %v", name, v)
	}
}

// inputBacking builds the flat int64 [batch * sequence] backing of one model input. Inputs are right padded.
func inputBacking(name string, batch *PipelineBatch, model *Model) ([]int64, error) {
	maxSequenceLength := batch.MaxSequenceLength
	backing := make([]int64, batch.Size*maxSequenceLength)
	idx := 0
	for _, inp := range batch.Input {
		seqLen := len(inp.TokenIDs)
		for pos := range maxSequenceLength {
			switch name {
			case "input_ids":
				if pos < seqLen {
					backing[idx] = int64(inp.TokenIDs[pos])
				} else {
					backing[idx] = model.PadToken
				}
			case "token_type_ids":
				if pos < len(inp.TypeIDs) {
					backing[idx] = int64(inp.TypeIDs[pos])
				}
			case "attention_mask":
				if pos < seqLen {
					backing[idx] = 1
				}
			case "position_ids":
				backing[idx] = int64(pos)
			default:
				return nil, fmt.Errorf("unrecognized input %q", name)
			}
			idx++
		}
	}
	return backing, nil
}

func paddingMask(batch *PipelineBatch) [][]bool {
	masks := make([][]bool, batch.Size)
	for i, inp := range batch.Input {
		maskRow := make([]bool, batch.MaxSequenceLength)
		for pos := range len(inp.TokenIDs) {
			maskRow[pos] = true
		}
		masks[i] = maskRow
	}
	return masks
}

// logitsOutputIndex returns the index of the "logits" output, or the first output when none is named so.
func logitsOutputIndex(outputs []InputOutputInfo) int {
	for i, output := range outputs {
		if output.Name == "logits" {
			return i
		}
	}
	return 0
}

// logitsVocabSize returns the static last dimension of the logits output, or -1 when it is dynamic or unknown.
func logitsVocabSize(outputs []InputOutputInfo) int64 {
	if len(outputs) == 0 {
		return -1
	}
	dims := outputs[logitsOutputIndex(outputs)].Dimensions
	if len(dims) == 0 {
		return -1
	}
	return dims[len(dims)-1]
}

// ReshapeLogits turns the flat [batch, sequence, vocab] logits into one [position][vocab] slice per input,
// dropping padded positions.
func ReshapeLogits(input []float32, paddingMask [][]bool, sequenceLength int) ([][][]float32, error) {
	batchSize := len(paddingMask)
	if batchSize == 0 || sequenceLength == 0 {
		return make([][][]float32, batchSize), nil
	}
	if len(input)%(batchSize*sequenceLength) != 0 {
		return nil, fmt.Errorf("logits of length %d cannot be split into %d sequences of length %d",
			len(input), batchSize, sequenceLength)
	}
	return flatDataTo3D(input, paddingMask, sequenceLength, len(input)/(batchSize*sequenceLength)), nil
}

func flatDataTo3D[T float32 | int64 | int32](input []T, paddingMask [][]bool, sequenceLength int, dimension int) [][][]T {
	// Input string, token, dimension
	output := make([][][]T, len(paddingMask))
	counter := 0
	for batchIndex, mask := range paddingMask {
		tokenEmbeddings := make([][]T, 0, sequenceLength)
		for _, isValid := range mask {
			if !isValid {
				// skip whole token
				counter = counter + dimension
				continue
			}
			tokenEmbeddings = append(tokenEmbeddings, input[counter:counter+dimension:counter+dimension])
			counter += dimension
		}
		output[batchIndex] = tokenEmbeddings
	}
	return output
}
