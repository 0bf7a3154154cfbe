package pipelines

import (
	"context"
	"errors"
	"fmt"

	"github.com/phuslu/log"

	"github.com/knights-analytics/pangoling/backends"
)

// scorer holds what causal and masked pipelines share.
type scorer struct {
	*backends.BasePipeline
	Logger *log.Logger
}

func newScorer(model *backends.Model, runtime string, kind backends.ModelKind, logger *log.Logger) (scorer, error) {
	if model == nil {
		return scorer{}, errors.New("cannot create a pipeline without a model")
	}
	base, err := backends.NewBasePipeline(kind.String()+":"+model.ID, runtime, kind, model)
	if err != nil {
		return scorer{}, err
	}
	if logger == nil {
		logger = &log.DefaultLogger
	}
	s := scorer{BasePipeline: base, Logger: logger}
	return s, s.Validate()
}

// itemFailed records a per-item error, or returns it in strict mode.
func (s scorer) itemFailed(item *TextItem, err error, cfg ScoreConfig) error {
	if cfg.Strict {
		return err
	}
	s.Logger.Warn().Str("pipeline", s.PipelineName).Int("item", item.ID).Err(err).Msg("item will be reported as missing")
	item.Err = err
	return nil
}

// forwardBatches runs the batches in order, handing every item its [position][vocab] logits.
func (s scorer) forwardBatches(ctx context.Context, batches []Batch, handle func(item *TextItem, logits [][]float32) error) error {
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.Logger.Debug().Str("pipeline", s.PipelineName).Int("batch", i).Int("items", len(batch.Items)).Int("tokens", batch.NumTokens).Msg("scoring batch")
		pipelineBatch := backends.NewBatch(batch.Inputs())
		logits, err := s.forward(pipelineBatch)
		if err != nil {
			return &BackendUnavailableError{ModelID: s.Model.ID, Err: err}
		}
		for j, item := range batch.Items {
			if len(logits[j]) != len(item.input.TokenIDs) {
				return fmt.Errorf("model returned %d positions for item %d of %d tokens", len(logits[j]), item.ID, len(item.input.TokenIDs))
			}
			if err = handle(item, logits[j]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s scorer) forward(batch *backends.PipelineBatch) (logits [][][]float32, err error) {
	defer func() {
		err = errors.Join(err, batch.Destroy())
	}()
	if err = s.Forward(batch); err != nil {
		return nil, err
	}
	return batch.Logits()
}

// scheduleItems validates every scorable item against the token limits and batches them.
func (s scorer) scheduleItems(items []*TextItem, cfg ScoreConfig) ([]Batch, error) {
	scorable := make([]*TextItem, 0, len(items))
	for _, item := range items {
		if item.Err == nil {
			scorable = append(scorable, item)
		}
	}
	if err := ValidateItemSizes(scorable, cfg.MaxTokens, s.Model.MaxPositionEmbeddings); err != nil {
		return nil, err
	}
	return Schedule(scorable, cfg.BatchSize, cfg.MaxTokens)
}
