package pipelines

import (
	"errors"
	"fmt"
)

var (
	ErrBackendUnavailable  = errors.New("backend unavailable")
	ErrAlignment           = errors.New("alignment error")
	ErrItemTooLarge        = errors.New("item too large")
	ErrMaskCountMismatch   = errors.New("mask count mismatch")
	ErrGroupLengthMismatch = errors.New("group length mismatch")
)

// AlignmentError reports a token that cannot be assigned to exactly one word.
type AlignmentError struct {
	Text      string
	Word      string
	Token     string
	Reason    string
	WordIndex int
}

func (e *AlignmentError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("%s: token %q of %q %s (word %d %q)", ErrAlignment, e.Token, e.Text, e.Reason, e.WordIndex, e.Word)
	}
	return fmt.Sprintf("%s: word %d %q of %q %s", ErrAlignment, e.WordIndex, e.Word, e.Text, e.Reason)
}

func (e *AlignmentError) Is(target error) bool {
	return target == ErrAlignment
}

// ItemTooLargeError reports an item that cannot fit in any batch.
type ItemTooLargeError struct {
	Limit     string
	ItemID    int
	NumTokens int
	MaxTokens int
}

func (e *ItemTooLargeError) Error() string {
	return fmt.Sprintf("%s: item %d has %d tokens, %s is %d", ErrItemTooLarge, e.ItemID, e.NumTokens, e.Limit, e.MaxTokens)
}

func (e *ItemTooLargeError) Is(target error) bool {
	return target == ErrItemTooLarge
}

// MaskCountMismatchError reports an input whose mask positions do not match what is being scored.
type MaskCountMismatchError struct {
	Text     string
	Reason   string
	ItemID   int
	Masks    int
	Expected int
}

func (e *MaskCountMismatchError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: item %d %q %s", ErrMaskCountMismatch, e.ItemID, e.Text, e.Reason)
	}
	return fmt.Sprintf("%s: item %d %q has %d mask positions, expected %d", ErrMaskCountMismatch, e.ItemID, e.Text, e.Masks, e.Expected)
}

func (e *MaskCountMismatchError) Is(target error) bool {
	return target == ErrMaskCountMismatch
}

// GroupLengthMismatchError reports parallel inputs of unequal length.
type GroupLengthMismatchError struct {
	Name     string
	Other    string
	Length   int
	Expected int
}

func (e *GroupLengthMismatchError) Error() string {
	return fmt.Sprintf("%s: %s has length %d but %s has length %d", ErrGroupLengthMismatch, e.Name, e.Length, e.Other, e.Expected)
}

func (e *GroupLengthMismatchError) Is(target error) bool {
	return target == ErrGroupLengthMismatch
}

// BackendUnavailableError wraps a failure to load or run a model.
type BackendUnavailableError struct {
	Err     error
	ModelID string
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("%s: model %s: %v", ErrBackendUnavailable, e.ModelID, e.Err)
}

func (e *BackendUnavailableError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

func (e *BackendUnavailableError) Unwrap() error {
	return e.Err
}

func checkLengths(name string, length int, other string, expected int) error {
	if length != expected {
		return &GroupLengthMismatchError{Name: name, Length: length, Other: other, Expected: expected}
	}
	return nil
}
