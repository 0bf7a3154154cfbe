package pipelines

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"strings"
)

// MaskingStrategy selects how multi-token targets are scored by a masked model.
type MaskingStrategy int

const (
	// PseudoLogLikelihood masks one target token at a time, holding the others at their true ids.
	PseudoLogLikelihood MaskingStrategy = iota
	// JointMask masks every target token in a single pass.
	JointMask
)

func (s MaskingStrategy) String() string {
	switch s {
	case PseudoLogLikelihood:
		return "pll"
	case JointMask:
		return "joint"
	default:
		return fmt.Sprintf("MaskingStrategy(%d)", int(s))
	}
}

func ParseMaskingStrategy(s string) (MaskingStrategy, error) {
	switch strings.ToLower(s) {
	case "", "pll", "pseudo-log-likelihood", "pseudologlikelihood":
		return PseudoLogLikelihood, nil
	case "joint", "jointmask", "joint-mask":
		return JointMask, nil
	}
	return PseudoLogLikelihood, fmt.Errorf("masking strategy %q not recognized, expected pll or joint", s)
}

const DefaultMaskPlaceholder = "[MASK]"

// ScoreConfig holds the per-call scoring settings.
type ScoreConfig struct {
	Separator       string
	MaskPlaceholder string
	// LeftContexts maps a group key to text placed before the group's first word.
	LeftContexts    map[string]string
	BatchSize       int
	MaxTokens       int
	TopK            int
	LogBase         float64
	MaskingStrategy MaskingStrategy
	Strict          bool
	SpecialTokens   bool
}

// ScoreOption is the interface for all per-call scoring options.
type ScoreOption func(c *ScoreConfig) error

func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		BatchSize:       1,
		LogBase:         math.E,
		Separator:       " ",
		MaskPlaceholder: DefaultMaskPlaceholder,
		MaskingStrategy: PseudoLogLikelihood,
	}
}

func NewScoreConfig(opts ...ScoreOption) (ScoreConfig, error) {
	config := DefaultScoreConfig()
	var optErrors []error
	for _, opt := range opts {
		optErrors = append(optErrors, opt(&config))
	}
	return config, errors.Join(optErrors...)
}

// WithBatchSize caps the number of items sent to the model in one forward pass.
func WithBatchSize(size int) ScoreOption {
	return func(c *ScoreConfig) error {
		if size <= 0 {
			return fmt.Errorf("batch size must be positive, got %d", size)
		}
		c.BatchSize = size
		return nil
	}
}

// WithMaxTokens caps the total number of tokens in one forward pass. Zero removes the cap.
func WithMaxTokens(maxTokens int) ScoreOption {
	return func(c *ScoreConfig) error {
		if maxTokens < 0 {
			return fmt.Errorf("max tokens must be non-negative, got %d", maxTokens)
		}
		c.MaxTokens = maxTokens
		return nil
	}
}

// WithLogBase reports log-probabilities in base b, e.g. 2 for bits.
func WithLogBase(b float64) ScoreOption {
	return func(c *ScoreConfig) error {
		if math.IsNaN(b) || math.IsInf(b, 0) || b <= 0 || b == 1 {
			return fmt.Errorf("log base must be a positive finite number other than 1, got %v", b)
		}
		c.LogBase = b
		return nil
	}
}

// WithSeparator sets the string placed between words before tokenization. Use "" for scripts without spaces.
func WithSeparator(separator string) ScoreOption {
	return func(c *ScoreConfig) error {
		c.Separator = separator
		return nil
	}
}

// WithStrict makes any per-item failure abort the whole call.
func WithStrict(strict bool) ScoreOption {
	return func(c *ScoreConfig) error {
		c.Strict = strict
		return nil
	}
}

// WithTopK truncates each full distribution to its k most probable tokens. Zero keeps the whole vocabulary.
func WithTopK(k int) ScoreOption {
	return func(c *ScoreConfig) error {
		if k < 0 {
			return fmt.Errorf("top k must be non-negative, got %d", k)
		}
		c.TopK = k
		return nil
	}
}

// WithSpecialTokens lets the tokenizer add its special tokens (e.g. a BOS token) to causal inputs,
// which gives the first word of every group a left context.
func WithSpecialTokens(add bool) ScoreOption {
	return func(c *ScoreConfig) error {
		c.SpecialTokens = add
		return nil
	}
}

// WithLeftContexts gives groups a left context that conditions their words but is never scored.
// Keys are group keys; use "" when words are passed without groups.
func WithLeftContexts(contexts map[string]string) ScoreOption {
	return func(c *ScoreConfig) error {
		c.LeftContexts = maps.Clone(contexts)
		return nil
	}
}

// WithMaskPlaceholder sets the placeholder replaced by the model's mask token in full-distribution mode.
func WithMaskPlaceholder(placeholder string) ScoreOption {
	return func(c *ScoreConfig) error {
		if placeholder == "" {
			return errors.New("mask placeholder cannot be empty")
		}
		c.MaskPlaceholder = placeholder
		return nil
	}
}

func WithMaskingStrategy(strategy MaskingStrategy) ScoreOption {
	return func(c *ScoreConfig) error {
		if strategy != PseudoLogLikelihood && strategy != JointMask {
			return fmt.Errorf("masking strategy %v not recognized", strategy)
		}
		c.MaskingStrategy = strategy
		return nil
	}
}

// toBase converts a natural-log value to the configured base.
func (c ScoreConfig) toBase(lnValue float64) float64 {
	if c.LogBase == math.E {
		return lnValue
	}
	return lnValue / math.Log(c.LogBase)
}
