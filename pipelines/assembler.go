package pipelines

import (
	"fmt"
	"math"
)

// WordScore is the log-probability of one caller word given its left context.
type WordScore struct {
	Err       error
	Group     string
	Word      string
	Index     int
	NumTokens int
	LogProb   float64
	LogBase   float64
	Missing   bool
}

// Surprisal returns -log_b P(word | context).
func (w WordScore) Surprisal() float64 {
	return -w.LogProb
}

func (w WordScore) IsMissing() bool {
	return w.Missing
}

// TargetScore is the log-probability of a target word between a left and a right context.
type TargetScore struct {
	Err          error
	LeftContext  string
	Target       string
	RightContext string
	Index        int
	NumTokens    int
	LogProb      float64
	LogBase      float64
	Missing      bool
}

func (t TargetScore) Surprisal() float64 {
	return -t.LogProb
}

func (t TargetScore) IsMissing() bool {
	return t.Missing
}

// TokenScore is the log-probability of a single token given the tokens before it.
type TokenScore struct {
	Err       error
	Token     string
	TextIndex int
	Position  int
	LogProb   float64
	LogBase   float64
	TokenID   uint32
	Missing   bool
}

// MaskedPrediction is one vocabulary entry of the distribution at a mask slot.
type MaskedPrediction struct {
	Err            error
	MaskedSentence string
	Token          string
	SentenceIndex  int
	MaskIndex      int
	Position       int
	LogProb        float64
	LogBase        float64
	Rank           int
	TokenID        uint32
}

// wordLogProb sums the natural-log probabilities of the word's tokens. The word is missing when
// any of its tokens is.
func wordLogProb(word Word, tokenLogProbs []float64) (float64, bool) {
	sum := 0.0
	for _, t := range word.Tokens {
		if t.Position >= len(tokenLogProbs) || math.IsNaN(tokenLogProbs[t.Position]) {
			return math.NaN(), false
		}
		sum += tokenLogProbs[t.Position]
	}
	return sum, true
}

// AssembleWordScores emits one record per caller word, in input order.
func AssembleWordScores(items []*TextItem, tokenLogProbs map[int][]float64, numWords int, cfg ScoreConfig) ([]WordScore, error) {
	out := make([]WordScore, numWords)
	assembled := make([]bool, numWords)
	for _, item := range items {
		lps, scored := tokenLogProbs[item.ID]
		for j, word := range item.Words {
			index := item.wordIndex(j)
			if index < 0 || index >= numWords || assembled[index] {
				return nil, fmt.Errorf("item %d carries word index %d, already assembled or outside %d inputs", item.ID, index, numWords)
			}
			score := WordScore{
				Index:   index,
				Group:   item.Group,
				Word:    word,
				LogBase: cfg.LogBase,
				LogProb: math.NaN(),
			}
			switch {
			case item.Err != nil:
				score.Missing = true
				score.Err = item.Err
			case !scored:
				return nil, fmt.Errorf("item %d was never scored", item.ID)
			default:
				aligned := item.Aligned.Words[j]
				score.NumTokens = len(aligned.Tokens)
				if lp, ok := wordLogProb(aligned, lps); ok {
					score.LogProb = cfg.toBase(lp)
				} else {
					score.Missing = true
				}
			}
			out[index] = score
			assembled[index] = true
		}
	}
	for i, ok := range assembled {
		if !ok {
			return nil, fmt.Errorf("word %d was never assembled", i)
		}
	}
	return out, nil
}

// targetRow accumulates the natural-log score of one target row.
type targetRow struct {
	err       error
	left      string
	target    string
	right     string
	index     int
	numTokens int
	lnProb    float64
	scored    int
}

// assembleTargetScores emits one record per row. A row is missing when it failed or when not
// every one of its target tokens was scored.
func assembleTargetScores(rows []*targetRow, numRows int, cfg ScoreConfig) ([]TargetScore, error) {
	out := make([]TargetScore, len(rows))
	for i, row := range rows {
		score := TargetScore{
			Index:        row.index,
			LeftContext:  row.left,
			Target:       row.target,
			RightContext: row.right,
			NumTokens:    row.numTokens,
			LogBase:      cfg.LogBase,
			LogProb:      math.NaN(),
			Err:          row.err,
		}
		if row.err == nil && row.scored == row.numTokens && !math.IsNaN(row.lnProb) {
			score.LogProb = cfg.toBase(row.lnProb)
		} else {
			score.Missing = true
		}
		out[i] = score
	}
	if err := checkIndices(len(out), numRows, func(i int) int { return out[i].Index }); err != nil {
		return nil, err
	}
	return out, nil
}

// assemblePredictions concatenates the per-sentence predictions, in input order.
func assemblePredictions(perSentence [][]MaskedPrediction) ([]MaskedPrediction, error) {
	total := 0
	for i, predictions := range perSentence {
		if len(predictions) == 0 {
			return nil, fmt.Errorf("sentence %d produced no predictions", i)
		}
		total += len(predictions)
	}
	out := make([]MaskedPrediction, 0, total)
	for _, predictions := range perSentence {
		out = append(out, predictions...)
	}
	return out, nil
}

// checkIndices validates that record i carries index i for every one of the expected records.
func checkIndices(n int, expected int, index func(int) int) error {
	if n != expected {
		return fmt.Errorf("assembled %d records for %d inputs", n, expected)
	}
	for i := range n {
		if got := index(i); got != i {
			return fmt.Errorf("record %d carries index %d", i, got)
		}
	}
	return nil
}
