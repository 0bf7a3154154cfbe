package pangoling

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/knights-analytics/pangoling/options"
	"github.com/knights-analytics/pangoling/pipelines"
	"github.com/knights-analytics/pangoling/util/fileutil"
)

// Config is a YAML file of session settings and scoring defaults.
// Scoring fields are pointers so an unset field keeps the built-in default.
type Config struct {
	ModelsDir          string `yaml:"models_dir"`
	OnnxFilename       string `yaml:"onnx_filename"`
	TokenizerCacheSize *int   `yaml:"tokenizer_cache_size"`

	BatchSize       *int     `yaml:"batch_size"`
	MaxTokens       *int     `yaml:"max_tokens"`
	LogBase         *float64 `yaml:"log_base"`
	Separator       *string  `yaml:"separator"`
	Strict          *bool    `yaml:"strict"`
	TopK            *int     `yaml:"top_k"`
	SpecialTokens   *bool    `yaml:"special_tokens"`
	MaskPlaceholder *string  `yaml:"mask_placeholder"`
	MaskingStrategy string   `yaml:"masking_strategy"`
}

// LoadConfig reads a YAML config from a local path or s3:// url.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err = decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.MaskingStrategy != "" {
		if _, err = pipelines.ParseMaskingStrategy(cfg.MaskingStrategy); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// SessionOptions returns the session options set in the config.
func (c Config) SessionOptions() []options.WithOption {
	var opts []options.WithOption
	if c.ModelsDir != "" {
		opts = append(opts, options.WithModelsDir(c.ModelsDir))
	}
	if c.OnnxFilename != "" {
		opts = append(opts, options.WithOnnxFilename(c.OnnxFilename))
	}
	if c.TokenizerCacheSize != nil {
		opts = append(opts, options.WithTokenizerCacheSize(*c.TokenizerCacheSize))
	}
	return opts
}

// WithConfig applies the scoring defaults of a config. Options passed after it take precedence.
func WithConfig(c Config) ScoreOption {
	return func(cfg *pipelines.ScoreConfig) error {
		var opts []ScoreOption
		if c.BatchSize != nil {
			opts = append(opts, WithBatchSize(*c.BatchSize))
		}
		if c.MaxTokens != nil {
			opts = append(opts, WithMaxTokens(*c.MaxTokens))
		}
		if c.LogBase != nil {
			opts = append(opts, WithLogBase(*c.LogBase))
		}
		if c.Separator != nil {
			opts = append(opts, WithSeparator(*c.Separator))
		}
		if c.Strict != nil {
			opts = append(opts, WithStrict(*c.Strict))
		}
		if c.TopK != nil {
			opts = append(opts, WithTopK(*c.TopK))
		}
		if c.SpecialTokens != nil {
			opts = append(opts, WithSpecialTokens(*c.SpecialTokens))
		}
		if c.MaskPlaceholder != nil {
			opts = append(opts, WithMaskPlaceholder(*c.MaskPlaceholder))
		}
		if c.MaskingStrategy != "" {
			strategy, err := pipelines.ParseMaskingStrategy(c.MaskingStrategy)
			if err != nil {
				return err
			}
			opts = append(opts, WithMaskingStrategy(strategy))
		}

		var errs []error
		for _, opt := range opts {
			errs = append(errs, opt(cfg))
		}
		return errors.Join(errs...)
	}
}
