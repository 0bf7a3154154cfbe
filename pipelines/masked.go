package pipelines

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/phuslu/log"

	"github.com/knights-analytics/pangoling/backends"
	"github.com/knights-analytics/pangoling/util/safeconv"
	"github.com/knights-analytics/pangoling/util/vectorutil"
)

// MaskedPipeline scores masked slots with a bidirectional language model. Inputs are always
// encoded with the model's special tokens.
type MaskedPipeline struct {
	scorer
}

func NewMaskedPipeline(model *backends.Model, runtime string, logger *log.Logger) (*MaskedPipeline, error) {
	s, err := newScorer(model, runtime, backends.MaskedModel, logger)
	if err != nil {
		return nil, err
	}
	return &MaskedPipeline{scorer: s}, nil
}

// FullDistribution returns, for every mask placeholder of every sentence, the vocabulary ranked by
// log-probability. All placeholders of a sentence are masked together in one pass.
func (p *MaskedPipeline) FullDistribution(ctx context.Context, sentences []string, cfg ScoreConfig) ([]MaskedPrediction, error) {
	items := make([]*TextItem, len(sentences))
	for i, sentence := range sentences {
		item := &TextItem{ID: i, WordOffset: i, Words: []string{sentence}}
		items[i] = item
		if err := p.maskPlaceholders(item, sentence, cfg); err != nil {
			if err = p.itemFailed(item, err, cfg); err != nil {
				return nil, err
			}
		}
	}
	batches, err := p.scheduleItems(items, cfg)
	if err != nil {
		return nil, err
	}
	perSentence := make([][]MaskedPrediction, len(items))
	err = p.forwardBatches(ctx, batches, func(item *TextItem, logits [][]float32) error {
		perSentence[item.ID] = p.distribution(item, logits, cfg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, item := range items {
		if item.Err != nil {
			perSentence[i] = []MaskedPrediction{{
				SentenceIndex:  i,
				MaskedSentence: sentences[i],
				LogBase:        cfg.LogBase,
				LogProb:        math.NaN(),
				Err:            item.Err,
			}}
		}
	}
	return assemblePredictions(perSentence)
}

func (p *MaskedPipeline) maskPlaceholders(item *TextItem, sentence string, cfg ScoreConfig) error {
	tk := p.Model.Tokenizer
	placeholders := strings.Count(sentence, cfg.MaskPlaceholder)
	encoding, err := tk.Encode(strings.ReplaceAll(sentence, cfg.MaskPlaceholder, tk.MaskToken), true)
	if err != nil {
		return err
	}
	var targets []maskTarget
	for pos, id := range encoding.TokenIDs {
		if id == tk.MaskTokenID {
			targets = append(targets, maskTarget{position: pos, slot: len(targets) + 1})
		}
	}
	if placeholders == 0 || len(targets) != placeholders {
		return &MaskCountMismatchError{ItemID: item.ID, Text: sentence, Masks: len(targets), Expected: max(placeholders, 1)}
	}
	item.input = encoding
	item.targets = targets
	item.NumTokens = len(encoding.TokenIDs)
	return nil
}

func (p *MaskedPipeline) distribution(item *TextItem, logits [][]float32, cfg ScoreConfig) []MaskedPrediction {
	tk := p.Model.Tokenizer
	var predictions []MaskedPrediction
	for _, target := range item.targets {
		logProbs := vectorutil.LogSoftMax(logits[target.position])
		order := vectorutil.ArgSortDesc(logProbs)
		if cfg.TopK > 0 && cfg.TopK < len(order) {
			order = order[:cfg.TopK]
		}
		for rank, id := range order {
			tokenID := safeconv.IntToUint32(id)
			token, _ := tk.IDToToken(tokenID)
			predictions = append(predictions, MaskedPrediction{
				SentenceIndex:  item.ID,
				MaskedSentence: item.Words[0],
				MaskIndex:      target.slot,
				Position:       target.position,
				Token:          token,
				TokenID:        tokenID,
				LogProb:        cfg.toBase(logProbs[id]),
				LogBase:        cfg.LogBase,
				Rank:           rank + 1,
			})
		}
	}
	return predictions
}

// TargetLogProb returns the log-probability of each target between its left and right context.
// The three strings are aligned as words so the target keeps its in-context tokenization.
func (p *MaskedPipeline) TargetLogProb(ctx context.Context, left []string, targets []string, right []string, cfg ScoreConfig) ([]TargetScore, error) {
	if err := errors.Join(
		checkLengths("left contexts", len(left), "targets", len(targets)),
		checkLengths("right contexts", len(right), "targets", len(targets)),
	); err != nil {
		return nil, err
	}
	rows := make([]*targetRow, len(targets))
	var items []*TextItem
	for i := range targets {
		row := &targetRow{index: i, left: left[i], target: targets[i], right: right[i]}
		rows[i] = row
		variants, err := p.maskedVariants(row, cfg)
		if err != nil {
			failed := &TextItem{ID: i, WordOffset: i, Words: []string{targets[i]}}
			if err = p.itemFailed(failed, err, cfg); err != nil {
				return nil, err
			}
			row.err = failed.Err
			continue
		}
		items = append(items, variants...)
	}
	batches, err := p.scheduleItems(items, cfg)
	if err != nil {
		return nil, err
	}
	err = p.forwardBatches(ctx, batches, func(item *TextItem, logits [][]float32) error {
		row := rows[item.WordOffset]
		for _, target := range item.targets {
			lp, lpErr := vectorutil.LogProbAt(logits[target.position], int(target.trueID))
			if lpErr != nil {
				return lpErr
			}
			row.lnProb += lp
			row.scored++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assembleTargetScores(rows, len(targets), cfg)
}

// maskedVariants builds the masked inputs of one row: one per target token under
// PseudoLogLikelihood, a single one with every target token masked under JointMask.
func (p *MaskedPipeline) maskedVariants(row *targetRow, cfg ScoreConfig) ([]*TextItem, error) {
	tk := p.Model.Tokenizer
	if strings.TrimSpace(row.target) == "" {
		return nil, &MaskCountMismatchError{ItemID: row.index, Text: row.target, Reason: "target has no tokens"}
	}
	var parts []string
	if row.left != "" {
		parts = append(parts, row.left)
	}
	targetIndex := len(parts)
	parts = append(parts, row.target)
	if row.right != "" {
		parts = append(parts, row.right)
	}
	aligned, err := AlignWords(tk, parts, cfg.Separator, "", true)
	if err != nil {
		return nil, err
	}
	targetTokens := aligned.Words[targetIndex].Tokens
	row.numTokens = len(targetTokens)

	var groups [][]Token
	switch cfg.MaskingStrategy {
	case JointMask:
		groups = [][]Token{targetTokens}
	default:
		for _, t := range targetTokens {
			groups = append(groups, []Token{t})
		}
	}
	variants := make([]*TextItem, 0, len(groups))
	for _, group := range groups {
		input := aligned.Encoding.Clone()
		targets := make([]maskTarget, len(group))
		for k, t := range group {
			input.TokenIDs[t.Position] = tk.MaskTokenID
			targets[k] = maskTarget{position: t.Position, trueID: t.ID, slot: k + 1}
		}
		masks := 0
		for _, id := range input.TokenIDs {
			if id == tk.MaskTokenID {
				masks++
			}
		}
		if masks != len(group) {
			return nil, &MaskCountMismatchError{ItemID: row.index, Text: aligned.Text, Masks: masks, Expected: len(group)}
		}
		variants = append(variants, &TextItem{
			ID:         row.index,
			WordOffset: row.index,
			Words:      parts,
			Aligned:    aligned,
			input:      input,
			targets:    targets,
			NumTokens:  len(input.TokenIDs),
		})
	}
	return variants, nil
}
