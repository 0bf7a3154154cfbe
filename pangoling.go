package pangoling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/phuslu/log"

	"github.com/knights-analytics/pangoling/backends"
	"github.com/knights-analytics/pangoling/options"
	"github.com/knights-analytics/pangoling/pipelines"
	"github.com/knights-analytics/pangoling/util/fileutil"
)

// Session scores words with causal and masked language models. Models are loaded on first use and
// kept until they are evicted or the session is destroyed. A Session is safe for concurrent use.
type Session struct {
	options            *options.Options
	models             *modelRegistry
	logger             *log.Logger
	environmentDestroy func() error
}

func newSession(backend string, initialise func(*Session) error, opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	for _, option := range opts {
		if err := option(parsedOptions); err != nil {
			return nil, err
		}
	}

	session := &Session{
		options: parsedOptions,
		logger:  parsedOptions.Logger,
		environmentDestroy: func() error {
			return nil
		},
	}
	session.models = newModelRegistry(session.loadModel, backend, parsedOptions.Logger)

	if initialise != nil {
		if err := initialise(session); err != nil {
			return nil, err
		}
	}
	return session, nil
}

// loadModel resolves a model id to a folder and loads it with the session's backend.
func (s *Session) loadModel(id string, kind backends.ModelKind) (*backends.Model, error) {
	path, err := s.resolveModelPath(id)
	if err != nil {
		return nil, err
	}
	return backends.LoadModel(id, path, s.options.ModelOnnxFilename(id), kind, s.options)
}

// resolveModelPath uses the id as a path (local or s3://) when it exists, otherwise looks it up
// in the models dir with "/" replaced by "_".
func (s *Session) resolveModelPath(id string) (string, error) {
	if id == "" {
		return "", errors.New("model id cannot be empty")
	}
	exists, err := fileutil.FileExists(id)
	if err == nil && exists {
		return id, nil
	}
	if s.options.ModelsDir == "" {
		return "", fmt.Errorf("model %s does not exist and no models dir is set", id)
	}
	path := fileutil.PathJoinSafe(s.options.ModelsDir, strings.ReplaceAll(id, "/", "_"))
	exists, err = fileutil.FileExists(path)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("model %s not found at %s", id, path)
	}
	return path, nil
}

// causal returns the causal pipeline of the model; release must be called when the call is done.
func (s *Session) causal(modelID string) (p *pipelines.CausalPipeline, release func(), err error) {
	loaded, release, err := s.models.Acquire(modelID, backends.CausalModel)
	if err != nil {
		return nil, nil, err
	}
	return loaded.causal, release, nil
}

func (s *Session) masked(modelID string) (p *pipelines.MaskedPipeline, release func(), err error) {
	loaded, release, err := s.models.Acquire(modelID, backends.MaskedModel)
	if err != nil {
		return nil, nil, err
	}
	return loaded.masked, release, nil
}

// CausalWordsPred returns the log-probability of every word given the words before it in the same
// group. All words sharing a group key form one text, in input order. The first word of each text
// is reported as missing unless WithLeftContexts gives its group a context. A nil groups slice
// scores all words as one text.
func (s *Session) CausalWordsPred(ctx context.Context, modelID string, words []string, groups []string, opts ...ScoreOption) ([]pipelines.WordScore, error) {
	cfg, err := pipelines.NewScoreConfig(opts...)
	if err != nil {
		return nil, err
	}
	p, release, err := s.causal(modelID)
	if err != nil {
		return nil, err
	}
	defer release()
	return p.WordsPred(ctx, words, groups, cfg)
}

// CausalTargetsPred returns the log-probability of each target given its context.
func (s *Session) CausalTargetsPred(ctx context.Context, modelID string, contexts []string, targets []string, opts ...ScoreOption) ([]pipelines.TargetScore, error) {
	cfg, err := pipelines.NewScoreConfig(opts...)
	if err != nil {
		return nil, err
	}
	p, release, err := s.causal(modelID)
	if err != nil {
		return nil, err
	}
	defer release()
	return p.TargetsPred(ctx, contexts, targets, cfg)
}

// CausalTokensPred returns the per-token log-probabilities of each text.
func (s *Session) CausalTokensPred(ctx context.Context, modelID string, texts []string, opts ...ScoreOption) ([][]pipelines.TokenScore, error) {
	cfg, err := pipelines.NewScoreConfig(opts...)
	if err != nil {
		return nil, err
	}
	p, release, err := s.causal(modelID)
	if err != nil {
		return nil, err
	}
	defer release()
	return p.TokensPred(ctx, texts, cfg)
}

// MaskedFullDistribution returns, for every mask placeholder in every sentence, the ranked
// distribution over the vocabulary.
func (s *Session) MaskedFullDistribution(ctx context.Context, modelID string, sentences []string, opts ...ScoreOption) ([]pipelines.MaskedPrediction, error) {
	cfg, err := pipelines.NewScoreConfig(opts...)
	if err != nil {
		return nil, err
	}
	p, release, err := s.masked(modelID)
	if err != nil {
		return nil, err
	}
	defer release()
	return p.FullDistribution(ctx, sentences, cfg)
}

// MaskedTargetLogProb returns the log-probability of each target between its left and right contexts.
func (s *Session) MaskedTargetLogProb(ctx context.Context, modelID string, left []string, targets []string, right []string, opts ...ScoreOption) ([]pipelines.TargetScore, error) {
	cfg, err := pipelines.NewScoreConfig(opts...)
	if err != nil {
		return nil, err
	}
	p, release, err := s.masked(modelID)
	if err != nil {
		return nil, err
	}
	defer release()
	return p.TargetLogProb(ctx, left, targets, right, cfg)
}

// PreloadModel loads a model ahead of its first use. Preloading an already loaded model is a no-op.
func (s *Session) PreloadModel(modelID string, kind backends.ModelKind) error {
	_, err := s.models.GetOrLoad(modelID, kind)
	return err
}

// IsLoaded reports whether the model is currently held by the session.
func (s *Session) IsLoaded(modelID string) bool {
	_, ok := s.models.Get(modelID)
	return ok
}

// EvictModel destroys a loaded model once the calls running on it return. The next call naming it
// loads it again. Evicting a model that is not loaded is a no-op.
func (s *Session) EvictModel(modelID string) error {
	return s.models.Evict(modelID)
}

// Reset evicts every loaded model.
func (s *Session) Reset() error {
	return s.models.Reset()
}

// GetStatistics returns runtime statistics for each loaded model, keyed by model id.
func (s *Session) GetStatistics() map[string]backends.PipelineStatistics {
	stats := map[string]backends.PipelineStatistics{}
	for id, loaded := range s.models.Snapshot() {
		loaded.inUse.RLock()
		if !loaded.closed {
			stats[id] = loaded.pipeline().GetStatistics()
		}
		loaded.inUse.RUnlock()
	}
	return stats
}

// Destroy deletes the session, its loaded models and the runtime environment, freeing memory.
func (s *Session) Destroy() error {
	err := s.models.Reset()
	if s.options.Destroy != nil {
		err = errors.Join(err, s.options.Destroy())
	}
	return errors.Join(err, s.environmentDestroy())
}
