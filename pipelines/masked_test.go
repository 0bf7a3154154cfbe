package pipelines

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/pangoling/backends"
	"github.com/knights-analytics/pangoling/backends/backendtest"
)

func newMaskedPipeline(t *testing.T) (*MaskedPipeline, *backendtest.Backend) {
	t.Helper()
	model, backend, err := backendtest.NewModel("test/masked", backends.MaskedModel)
	require.NoError(t, err)
	p, err := NewMaskedPipeline(model, "GO", nil)
	require.NoError(t, err)
	return p, backend
}

func predictionsBySlot(predictions []MaskedPrediction) map[int][]MaskedPrediction {
	out := map[int][]MaskedPrediction{}
	for _, p := range predictions {
		out[p.MaskIndex] = append(out[p.MaskIndex], p)
	}
	return out
}

// logProbOf returns the log-probability given to id at the mask slot.
func logProbOf(t *testing.T, predictions []MaskedPrediction, slot int, id uint32) float64 {
	t.Helper()
	for _, p := range predictions {
		if p.MaskIndex == slot && p.TokenID == id {
			return p.LogProb
		}
	}
	require.Failf(t, "token not found", "token %d at slot %d", id, slot)
	return 0
}

func TestMaskedPipelineRequiresMaskToken(t *testing.T) {
	model, _, err := backendtest.NewModel("test/masked", backends.MaskedModel)
	require.NoError(t, err)
	model.Tokenizer.HasMaskToken = false
	_, err = NewMaskedPipeline(model, "GO", nil)
	assert.Error(t, err)
}

func TestMaskedFullDistributionTwoMasks(t *testing.T) {
	p, backend := newMaskedPipeline(t)
	sentence := "the [MASK] fell from the [MASK] ."
	predictions, err := p.FullDistribution(context.Background(), []string{sentence}, scoreConfig(t))
	require.NoError(t, err)
	assert.Equal(t, int64(1), backend.Runs.Load())

	slots := predictionsBySlot(predictions)
	require.Len(t, slots, 2)
	for _, slot := range []int{1, 2} {
		distribution := slots[slot]
		require.Len(t, distribution, backendtest.VocabSize)
		total := 0.0
		for rank, prediction := range distribution {
			total += math.Exp(prediction.LogProb)
			assert.Equal(t, rank+1, prediction.Rank)
			assert.Equal(t, sentence, prediction.MaskedSentence)
			assert.Equal(t, 0, prediction.SentenceIndex)
			if rank > 0 {
				assert.GreaterOrEqual(t, distribution[rank-1].LogProb, prediction.LogProb)
			}
		}
		assert.InDelta(t, 1.0, total, 1e-4)
	}
	assert.NotEqual(t, slots[1][0].Position, slots[2][0].Position)
}

func TestMaskedFullDistributionTopK(t *testing.T) {
	p, _ := newMaskedPipeline(t)
	full, err := p.FullDistribution(context.Background(), []string{"a [MASK] b"}, scoreConfig(t))
	require.NoError(t, err)
	top, err := p.FullDistribution(context.Background(), []string{"a [MASK] b"}, scoreConfig(t, WithTopK(5)))
	require.NoError(t, err)
	require.Len(t, top, 5)
	assert.Equal(t, full[:5], top)
}

func TestMaskedFullDistributionPlaceholder(t *testing.T) {
	p, _ := newMaskedPipeline(t)
	custom, err := p.FullDistribution(context.Background(), []string{"a <mask> b"}, scoreConfig(t, WithMaskPlaceholder("<mask>")))
	require.NoError(t, err)
	standard, err := p.FullDistribution(context.Background(), []string{"a [MASK] b"}, scoreConfig(t))
	require.NoError(t, err)
	require.Len(t, custom, len(standard))
	for i := range custom {
		assert.Equal(t, standard[i].TokenID, custom[i].TokenID)
		assert.Equal(t, standard[i].LogProb, custom[i].LogProb)
		assert.Equal(t, "a <mask> b", custom[i].MaskedSentence)
	}
}

func TestMaskedFullDistributionNoMask(t *testing.T) {
	p, _ := newMaskedPipeline(t)
	predictions, err := p.FullDistribution(context.Background(), []string{"no mask here", "one [MASK] here"}, scoreConfig(t, WithTopK(3)))
	require.NoError(t, err)
	require.Len(t, predictions, 4)
	assert.ErrorIs(t, predictions[0].Err, ErrMaskCountMismatch)
	assert.True(t, math.IsNaN(predictions[0].LogProb))
	assert.Equal(t, 0, predictions[0].MaskIndex)
	for _, prediction := range predictions[1:] {
		assert.NoError(t, prediction.Err)
		assert.Equal(t, 1, prediction.SentenceIndex)
		assert.Equal(t, 1, prediction.MaskIndex)
	}

	_, err = p.FullDistribution(context.Background(), []string{"no mask here"}, scoreConfig(t, WithStrict(true)))
	assert.ErrorIs(t, err, ErrMaskCountMismatch)
}

func TestMaskedFullDistributionBatchingInvariance(t *testing.T) {
	p, backend := newMaskedPipeline(t)
	sentences := []string{"a [MASK]", "the big [MASK] ran", "[MASK] [MASK] went home", "short [MASK]"}
	single, err := p.FullDistribution(context.Background(), sentences, scoreConfig(t, WithTopK(4)))
	require.NoError(t, err)
	before := backend.Runs.Load()
	batched, err := p.FullDistribution(context.Background(), sentences, scoreConfig(t, WithTopK(4), WithBatchSize(4)))
	require.NoError(t, err)
	assert.Equal(t, int64(1), backend.Runs.Load()-before)
	assert.Equal(t, single, batched)
}

func TestMaskedTargetLogProbPseudoLikelihood(t *testing.T) {
	p, _ := newMaskedPipeline(t)
	tk := p.Model.Tokenizer
	scores, err := p.TargetLogProb(context.Background(), []string{"the"}, []string{"apple"}, []string{"fell"}, scoreConfig(t))
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.False(t, scores[0].Missing)
	assert.Equal(t, 2, scores[0].NumTokens)
	assert.Equal(t, "the", scores[0].LeftContext)
	assert.Equal(t, "apple", scores[0].Target)
	assert.Equal(t, "fell", scores[0].RightContext)

	// "apple" is "Ġapp" + "le": each piece is scored with only itself masked
	appID, ok := tk.TokenToID("Ġapp")
	require.True(t, ok)
	leID, ok := tk.TokenToID("le")
	require.True(t, ok)
	first, err := p.FullDistribution(context.Background(), []string{"the [MASK]le fell"}, scoreConfig(t))
	require.NoError(t, err)
	second, err := p.FullDistribution(context.Background(), []string{"the app[MASK] fell"}, scoreConfig(t))
	require.NoError(t, err)
	expected := logProbOf(t, first, 1, appID) + logProbOf(t, second, 1, leID)
	assert.InDelta(t, expected, scores[0].LogProb, 1e-12)
}

func TestMaskedTargetLogProbJoint(t *testing.T) {
	p, backend := newMaskedPipeline(t)
	tk := p.Model.Tokenizer
	before := backend.Runs.Load()
	scores, err := p.TargetLogProb(context.Background(), []string{"the"}, []string{"apple"}, []string{"fell"},
		scoreConfig(t, WithMaskingStrategy(JointMask)))
	require.NoError(t, err)
	assert.Equal(t, int64(1), backend.Runs.Load()-before)

	appID, _ := tk.TokenToID("Ġapp")
	leID, _ := tk.TokenToID("le")
	both, err := p.FullDistribution(context.Background(), []string{"the [MASK][MASK] fell"}, scoreConfig(t))
	require.NoError(t, err)
	expected := logProbOf(t, both, 1, appID) + logProbOf(t, both, 2, leID)
	assert.InDelta(t, expected, scores[0].LogProb, 1e-12)
}

func TestMaskedTargetLogProbBatchingInvariance(t *testing.T) {
	p, backend := newMaskedPipeline(t)
	left := []string{"the", "a", "", "one big"}
	targets := []string{"apple", "pear", "banana", "fig"}
	right := []string{"fell.", "", "is yellow", "grew"}
	unbatched, err := p.TargetLogProb(context.Background(), left, targets, right, scoreConfig(t))
	require.NoError(t, err)
	before := backend.Runs.Load()
	batched, err := p.TargetLogProb(context.Background(), left, targets, right, scoreConfig(t, WithBatchSize(16)))
	require.NoError(t, err)
	assert.Equal(t, int64(1), backend.Runs.Load()-before)
	require.Len(t, batched, len(targets))
	for i := range targets {
		assert.Equal(t, i, batched[i].Index)
		assert.Equal(t, targets[i], batched[i].Target)
		assert.False(t, batched[i].Missing)
		assert.Equal(t, unbatched[i].LogProb, batched[i].LogProb)
	}
}

func TestMaskedTargetLogProbMismatch(t *testing.T) {
	p, _ := newMaskedPipeline(t)
	scores, err := p.TargetLogProb(context.Background(),
		[]string{"the", "the [MASK]", "the"},
		[]string{"", "cat", "cat"},
		[]string{"fell", "sat", "sat"},
		scoreConfig(t))
	require.NoError(t, err)
	require.Len(t, scores, 3)
	assert.True(t, scores[0].Missing)
	assert.ErrorIs(t, scores[0].Err, ErrMaskCountMismatch)
	assert.True(t, scores[1].Missing)
	assert.ErrorIs(t, scores[1].Err, ErrMaskCountMismatch)
	assert.False(t, scores[2].Missing)

	_, err = p.TargetLogProb(context.Background(), []string{"the"}, []string{""}, []string{"fell"}, scoreConfig(t, WithStrict(true)))
	assert.ErrorIs(t, err, ErrMaskCountMismatch)
}

func TestMaskedTargetLogProbLengthMismatch(t *testing.T) {
	p, backend := newMaskedPipeline(t)
	_, err := p.TargetLogProb(context.Background(), []string{"a", "b"}, []string{"c"}, []string{"d", "e", "f"}, scoreConfig(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGroupLengthMismatch)
	assert.Contains(t, err.Error(), "left contexts")
	assert.Contains(t, err.Error(), "right contexts")
	assert.Equal(t, int64(0), backend.Runs.Load())
}

func TestMaskedTargetLogProbLogBase(t *testing.T) {
	p, _ := newMaskedPipeline(t)
	natural, err := p.TargetLogProb(context.Background(), []string{"a"}, []string{"dog"}, []string{"barked"}, scoreConfig(t))
	require.NoError(t, err)
	decimal, err := p.TargetLogProb(context.Background(), []string{"a"}, []string{"dog"}, []string{"barked"}, scoreConfig(t, WithLogBase(10)))
	require.NoError(t, err)
	assert.InDelta(t, natural[0].LogProb/math.Ln10, decimal[0].LogProb, 1e-12)
}
