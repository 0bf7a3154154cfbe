package pangoling

import (
	"github.com/knights-analytics/pangoling/pipelines"
)

// ScoreOption configures a single scoring call.
type ScoreOption = pipelines.ScoreOption

// MaskingStrategy selects how a multi-token target is masked.
type MaskingStrategy = pipelines.MaskingStrategy

const (
	PseudoLogLikelihood = pipelines.PseudoLogLikelihood
	JointMask           = pipelines.JointMask
)

var (
	WithBatchSize       = pipelines.WithBatchSize
	WithMaxTokens       = pipelines.WithMaxTokens
	WithLogBase         = pipelines.WithLogBase
	WithSeparator       = pipelines.WithSeparator
	WithStrict          = pipelines.WithStrict
	WithTopK            = pipelines.WithTopK
	WithSpecialTokens   = pipelines.WithSpecialTokens
	WithMaskPlaceholder = pipelines.WithMaskPlaceholder
	WithMaskingStrategy = pipelines.WithMaskingStrategy
	WithLeftContexts    = pipelines.WithLeftContexts
)

var (
	ErrBackendUnavailable  = pipelines.ErrBackendUnavailable
	ErrAlignment           = pipelines.ErrAlignment
	ErrItemTooLarge        = pipelines.ErrItemTooLarge
	ErrMaskCountMismatch   = pipelines.ErrMaskCountMismatch
	ErrGroupLengthMismatch = pipelines.ErrGroupLengthMismatch
)
