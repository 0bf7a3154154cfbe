package pipelines

import (
	"context"
	"math"

	"github.com/phuslu/log"

	"github.com/knights-analytics/pangoling/backends"
	"github.com/knights-analytics/pangoling/util/vectorutil"
)

// CausalPipeline scores words with a left-to-right language model.
type CausalPipeline struct {
	scorer
}

func NewCausalPipeline(model *backends.Model, runtime string, logger *log.Logger) (*CausalPipeline, error) {
	s, err := newScorer(model, runtime, backends.CausalModel, logger)
	if err != nil {
		return nil, err
	}
	return &CausalPipeline{scorer: s}, nil
}

// WordsPred returns the log-probability of every word given the words before it in its group.
// All words sharing a group key form one context, in input order, wherever they appear; groups may
// be nil for a single context. A group's first word is missing unless the group has a left context.
func (p *CausalPipeline) WordsPred(ctx context.Context, words []string, groups []string, cfg ScoreConfig) ([]WordScore, error) {
	if groups != nil {
		if err := checkLengths("groups", len(groups), "words", len(words)); err != nil {
			return nil, err
		}
	}
	items := groupItems(words, groups, cfg.LeftContexts)
	if err := p.alignItems(items, cfg); err != nil {
		return nil, err
	}
	tokenLogProbs, err := p.score(ctx, items, cfg)
	if err != nil {
		return nil, err
	}
	return AssembleWordScores(items, tokenLogProbs, len(words), cfg)
}

// TargetsPred returns the log-probability of each target given its own left context.
func (p *CausalPipeline) TargetsPred(ctx context.Context, contexts []string, targets []string, cfg ScoreConfig) ([]TargetScore, error) {
	if err := checkLengths("contexts", len(contexts), "targets", len(targets)); err != nil {
		return nil, err
	}
	items := make([]*TextItem, len(targets))
	for i, target := range targets {
		items[i] = &TextItem{ID: i, WordOffset: i, Prefix: contexts[i], Words: []string{target}}
	}
	if err := p.alignItems(items, cfg); err != nil {
		return nil, err
	}
	tokenLogProbs, err := p.score(ctx, items, cfg)
	if err != nil {
		return nil, err
	}
	rows := make([]*targetRow, len(items))
	for i, item := range items {
		row := &targetRow{index: i, left: contexts[i], target: targets[i], err: item.Err, lnProb: math.NaN()}
		if item.Err == nil {
			word := item.Aligned.Words[0]
			row.numTokens = len(word.Tokens)
			if lp, ok := wordLogProb(word, tokenLogProbs[item.ID]); ok {
				row.lnProb = lp
				row.scored = row.numTokens
			}
		}
		rows[i] = row
	}
	return assembleTargetScores(rows, len(targets), cfg)
}

// TokensPred returns the log-probability of every token of every text. The first token has no
// left context and is missing unless the tokenizer adds a special token in front of it.
func (p *CausalPipeline) TokensPred(ctx context.Context, texts []string, cfg ScoreConfig) ([][]TokenScore, error) {
	items := make([]*TextItem, len(texts))
	for i, text := range texts {
		items[i] = &TextItem{ID: i, WordOffset: i, Words: []string{text}}
	}
	if err := p.alignItems(items, cfg); err != nil {
		return nil, err
	}
	tokenLogProbs, err := p.score(ctx, items, cfg)
	if err != nil {
		return nil, err
	}
	out := make([][]TokenScore, len(items))
	for i, item := range items {
		if item.Err != nil {
			out[i] = []TokenScore{{TextIndex: i, Missing: true, Err: item.Err, LogBase: cfg.LogBase, LogProb: math.NaN()}}
			continue
		}
		lps := tokenLogProbs[item.ID]
		scores := make([]TokenScore, len(item.input.TokenIDs))
		for pos, id := range item.input.TokenIDs {
			score := TokenScore{TextIndex: i, Position: pos, TokenID: id, LogBase: cfg.LogBase, LogProb: math.NaN()}
			if pos < len(item.input.Tokens) {
				score.Token = item.input.Tokens[pos]
			}
			if math.IsNaN(lps[pos]) {
				score.Missing = true
			} else {
				score.LogProb = cfg.toBase(lps[pos])
			}
			scores[pos] = score
		}
		out[i] = scores
	}
	return out, nil
}

// groupItems collects the words of every group key into one item, in order of first appearance.
func groupItems(words []string, groups []string, leftContexts map[string]string) []*TextItem {
	var items []*TextItem
	byKey := map[string]*TextItem{}
	for i, word := range words {
		key := ""
		if groups != nil {
			key = groups[i]
		}
		item, ok := byKey[key]
		if !ok {
			item = &TextItem{ID: len(items), Group: key, Prefix: leftContexts[key], WordOffset: i}
			byKey[key] = item
			items = append(items, item)
		}
		item.Words = append(item.Words, word)
		item.WordIndices = append(item.WordIndices, i)
	}
	return items
}

func (p *CausalPipeline) alignItems(items []*TextItem, cfg ScoreConfig) error {
	for _, item := range items {
		aligned, err := AlignWords(p.Model.Tokenizer, item.Words, cfg.Separator, item.Prefix, cfg.SpecialTokens)
		if err != nil {
			if err = p.itemFailed(item, err, cfg); err != nil {
				return err
			}
			continue
		}
		item.Aligned = aligned
		item.input = aligned.Encoding
		item.NumTokens = len(aligned.Encoding.TokenIDs)
	}
	return nil
}

// score returns the natural-log probability of every token of every scorable item, keyed by item id.
func (p *CausalPipeline) score(ctx context.Context, items []*TextItem, cfg ScoreConfig) (map[int][]float64, error) {
	batches, err := p.scheduleItems(items, cfg)
	if err != nil {
		return nil, err
	}
	tokenLogProbs := make(map[int][]float64, len(items))
	err = p.forwardBatches(ctx, batches, func(item *TextItem, logits [][]float32) error {
		lps, lpErr := nextTokenLogProbs(item.input.TokenIDs, logits)
		if lpErr != nil {
			return lpErr
		}
		tokenLogProbs[item.ID] = lps
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tokenLogProbs, nil
}

// nextTokenLogProbs gives token i the log-probability the model assigned to it at position i-1.
// The first token has no prediction and is NaN.
func nextTokenLogProbs(ids []uint32, logits [][]float32) ([]float64, error) {
	out := make([]float64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	out[0] = math.NaN()
	for i := 1; i < len(ids); i++ {
		lp, err := vectorutil.LogProbAt(logits[i-1], int(ids[i]))
		if err != nil {
			return nil, err
		}
		out[i] = lp
	}
	return out, nil
}
