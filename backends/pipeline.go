package backends

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/pangoling/util/safeconv"
)

// BasePipeline can be embedded by a pipeline.
type BasePipeline struct {
	Model           *Model
	PipelineTimings *timings
	PipelineName    string
	Runtime         string
	Kind            ModelKind
	totalItems      atomic.Uint64
	totalBatches    atomic.Uint64
}

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions, if it's a tensor. This should be
	// ignored for non-tensor types.
	Dimensions Shape
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

// Pipeline is the interface that any scoring pipeline must implement.
type Pipeline interface {
	GetStatistics() PipelineStatistics // Get the pipeline running statistics
	Validate() error                   // Validate the pipeline for correctness
	GetModel() *Model                  // Return the model used by the pipeline
	GetKind() ModelKind                // Return the model family the pipeline scores with
}

type PipelineStatistics struct {
	TokenizerTotalTime      time.Duration
	TokenizerExecutionCount uint64
	TokenizerAvgQueryTime   time.Duration
	TokenizerCacheHits      uint64
	ForwardTotalTime        time.Duration
	ForwardExecutionCount   uint64
	ForwardAvgQueryTime     time.Duration
	TotalItems              uint64
	TotalBatches            uint64
	AverageBatchSize        float64
}

func (p *PipelineStatistics) ComputeTokenizerStatistics(timings *timings) {
	totalNS := timings.TotalNS.Load()
	numCalls := timings.NumCalls.Load()
	p.TokenizerTotalTime = safeconv.U64ToDuration(totalNS)
	p.TokenizerExecutionCount = numCalls
	p.TokenizerAvgQueryTime = time.Duration(float64(totalNS) / math.Max(1, float64(numCalls)))
}

func (p *PipelineStatistics) ComputeForwardStatistics(timings *timings) {
	totalNS := timings.TotalNS.Load()
	numCalls := timings.NumCalls.Load()
	p.ForwardTotalTime = safeconv.U64ToDuration(totalNS)
	p.ForwardExecutionCount = numCalls
	p.ForwardAvgQueryTime = time.Duration(float64(totalNS) / math.Max(1, float64(numCalls)))
}

func (p *PipelineStatistics) String() string {
	jsonData, err := jsoniter.MarshalIndent(p, "", "  ")
	if err != nil {
		return err.Error()
	}
	return string(jsonData)
}

type timings struct {
	NumCalls atomic.Uint64
	TotalNS  atomic.Uint64
}

func (t *timings) record(start time.Time) {
	t.NumCalls.Add(1)
	t.TotalNS.Add(safeconv.DurationToU64(time.Since(start)))
}

// TokenizedInput holds the result of running tokenizer on an input.
type TokenizedInput struct {
	Raw               string
	Tokens            []string
	TokenIDs          []uint32
	TypeIDs           []uint32
	AttentionMask     []uint32
	SpecialTokensMask []uint32
	Offsets           [][2]uint
	MaxAttentionIndex int
}

// Clone deep copies the input so that callers can rewrite token ids without touching cached encodings.
func (t TokenizedInput) Clone() TokenizedInput {
	out := t
	out.Tokens = append([]string(nil), t.Tokens...)
	out.TokenIDs = append([]uint32(nil), t.TokenIDs...)
	out.TypeIDs = append([]uint32(nil), t.TypeIDs...)
	out.AttentionMask = append([]uint32(nil), t.AttentionMask...)
	out.SpecialTokensMask = append([]uint32(nil), t.SpecialTokensMask...)
	out.Offsets = append([][2]uint(nil), t.Offsets...)
	return out
}

// PipelineBatch represents a batch of inputs that runs through the pipeline.
type PipelineBatch struct {
	InputValues       any
	DestroyInputs     func() error
	Input             []TokenizedInput
	PaddingMask       [][]bool
	OutputValues      []any
	Size              int
	MaxSequenceLength int
}

func (b *PipelineBatch) Destroy() error {
	return b.DestroyInputs()
}

// Logits returns the [batch][valid position][vocab] output of the forward pass.
func (b *PipelineBatch) Logits() ([][][]float32, error) {
	if len(b.OutputValues) == 0 {
		return nil, fmt.Errorf("batch has no output values")
	}
	logits, ok := b.OutputValues[0].([][][]float32)
	if !ok {
		return nil, fmt.Errorf("batch output has type %T, expected [][][]float32", b.OutputValues[0])
	}
	if len(logits) != b.Size {
		return nil, fmt.Errorf("batch output has %d rows, expected %d", len(logits), b.Size)
	}
	return logits, nil
}

// NewBatch initializes a new batch for inference.
func NewBatch(inputs []TokenizedInput) *PipelineBatch {
	maxSequenceLength := 0
	for _, input := range inputs {
		maxSequenceLength = max(maxSequenceLength, len(input.TokenIDs))
	}
	return &PipelineBatch{
		DestroyInputs: func() error {
			return nil
		},
		Input:             inputs,
		Size:              len(inputs),
		MaxSequenceLength: maxSequenceLength,
	}
}

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}

func NewBasePipeline(name string, runtime string, kind ModelKind, model *Model) (*BasePipeline, error) {
	if model == nil {
		return nil, fmt.Errorf("pipeline %s: model is nil", name)
	}
	if model.Kind != kind {
		return nil, fmt.Errorf("pipeline %s: model %s was loaded as %s, not %s", name, model.ID, model.Kind, kind)
	}
	return &BasePipeline{
		Model:           model,
		PipelineTimings: &timings{},
		PipelineName:    name,
		Runtime:         runtime,
		Kind:            kind,
	}, nil
}

func (p *BasePipeline) GetModel() *Model {
	return p.Model
}

func (p *BasePipeline) GetKind() ModelKind {
	return p.Kind
}

// Validate checks that the model behind the pipeline can be scored.
func (p *BasePipeline) Validate() error {
	var validationErrors []error
	if p.Model.Tokenizer == nil {
		validationErrors = append(validationErrors, fmt.Errorf("pipeline %s: model has no tokenizer", p.PipelineName))
	}
	if p.Model.Backend == nil {
		validationErrors = append(validationErrors, fmt.Errorf("pipeline %s: model has no backend", p.PipelineName))
	}
	if p.Kind == MaskedModel && p.Model.Tokenizer != nil && !p.Model.Tokenizer.HasMaskToken {
		validationErrors = append(validationErrors, fmt.Errorf("pipeline %s: masked model has no mask token", p.PipelineName))
	}
	if vocab := logitsVocabSize(p.Model.OutputsMeta); vocab > 0 && vocab < int64(p.Model.VocabSize) {
		validationErrors = append(validationErrors, fmt.Errorf("pipeline %s: logits output has shape %s but the vocabulary has %d entries",
			p.PipelineName, p.Model.OutputsMeta[logitsOutputIndex(p.Model.OutputsMeta)].Dimensions, p.Model.VocabSize))
	}
	return errors.Join(validationErrors...)
}

// GetStatistics returns the runtime statistics for the pipeline.
func (p *BasePipeline) GetStatistics() PipelineStatistics {
	statistics := PipelineStatistics{}
	if p.Model.Tokenizer != nil {
		statistics.ComputeTokenizerStatistics(p.Model.Tokenizer.TokenizerTimings)
		statistics.TokenizerCacheHits = p.Model.Tokenizer.cacheHits.Load()
	}
	statistics.ComputeForwardStatistics(p.PipelineTimings)
	statistics.TotalItems = p.totalItems.Load()
	statistics.TotalBatches = p.totalBatches.Load()
	statistics.AverageBatchSize = float64(statistics.TotalItems) / math.Max(1, float64(statistics.TotalBatches))
	return statistics
}

// Forward runs the model on the batch and records the call in the pipeline timings.
func (p *BasePipeline) Forward(batch *PipelineBatch) error {
	if batch.Size == 0 {
		return nil
	}
	start := time.Now()
	if err := p.Model.Backend.CreateInputTensors(batch, p.Model); err != nil {
		return err
	}
	if err := p.Model.Backend.Run(batch, p.Model); err != nil {
		return err
	}
	p.PipelineTimings.record(start)
	p.totalItems.Add(uint64(batch.Size))
	p.totalBatches.Add(1)
	return nil
}
