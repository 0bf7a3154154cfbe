package pipelines

import (
	"errors"
	"fmt"

	"github.com/knights-analytics/pangoling/backends"
)

// TextItem is one sequence scored in a single forward pass.
type TextItem struct {
	Err     error
	Aligned *AlignedText
	Group   string
	Prefix  string
	Words   []string
	// input is what the model sees, possibly with positions replaced by the mask token.
	input   backends.TokenizedInput
	targets []maskTarget
	ID      int
	// WordIndices holds the caller index of each of Words. When nil, the words are contiguous from WordOffset.
	WordIndices []int
	// WordOffset is the index of the item's first word in the caller's input.
	WordOffset int
	NumTokens  int
}

// wordIndex returns the caller index of the item's j-th word.
func (t *TextItem) wordIndex(j int) int {
	if t.WordIndices != nil {
		return t.WordIndices[j]
	}
	return t.WordOffset + j
}

type maskTarget struct {
	position int
	trueID   uint32
	slot     int
}

// Batch is a run of consecutive items scored together.
type Batch struct {
	Items     []*TextItem
	NumTokens int
}

// Inputs returns the encoded model inputs of the batch items.
func (b Batch) Inputs() []backends.TokenizedInput {
	inputs := make([]backends.TokenizedInput, len(b.Items))
	for i, item := range b.Items {
		inputs[i] = item.input
	}
	return inputs
}

// ValidateItemSizes fails with every item longer than maxTokens (when positive) or than the
// model's position limit (when known).
func ValidateItemSizes(items []*TextItem, maxTokens int, maxPositions int) error {
	var sizeErrors []error
	for _, item := range items {
		switch {
		case maxTokens > 0 && item.NumTokens > maxTokens:
			sizeErrors = append(sizeErrors, &ItemTooLargeError{ItemID: item.ID, NumTokens: item.NumTokens, MaxTokens: maxTokens, Limit: "max tokens"})
		case maxPositions > 0 && item.NumTokens > maxPositions:
			sizeErrors = append(sizeErrors, &ItemTooLargeError{ItemID: item.ID, NumTokens: item.NumTokens, MaxTokens: maxPositions, Limit: "max_position_embeddings"})
		}
	}
	return errors.Join(sizeErrors...)
}

// Schedule splits items into consecutive batches of at most maxItems items and, when maxTokens is
// positive, at most maxTokens tokens. Items are never reordered or split.
func Schedule(items []*TextItem, maxItems int, maxTokens int) ([]Batch, error) {
	if maxItems <= 0 {
		return nil, fmt.Errorf("max items must be positive, got %d", maxItems)
	}
	if err := ValidateItemSizes(items, maxTokens, 0); err != nil {
		return nil, err
	}
	var batches []Batch
	current := Batch{}
	for _, item := range items {
		fitsTokens := maxTokens <= 0 || current.NumTokens+item.NumTokens <= maxTokens
		if len(current.Items) > 0 && (len(current.Items) >= maxItems || !fitsTokens) {
			batches = append(batches, current)
			current = Batch{}
		}
		current.Items = append(current.Items, item)
		current.NumTokens += item.NumTokens
	}
	if len(current.Items) > 0 {
		batches = append(batches, current)
	}
	return batches, nil
}
