package pangoling

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/phuslu/log"

	"github.com/knights-analytics/pangoling/backends"
	"github.com/knights-analytics/pangoling/pipelines"
)

type modelLoader func(id string, kind backends.ModelKind) (*backends.Model, error)

type loadedModel struct {
	model  *backends.Model
	causal *pipelines.CausalPipeline
	masked *pipelines.MaskedPipeline
	kind   backends.ModelKind
	// inUse is read-locked by every call running on the model; destroying it takes the write lock.
	inUse  sync.RWMutex
	closed bool
}

func (m *loadedModel) pipeline() backends.Pipeline {
	if m.kind == backends.MaskedModel {
		return m.masked
	}
	return m.causal
}

// close waits for the calls running on the model and destroys it.
func (m *loadedModel) close() error {
	m.inUse.Lock()
	defer m.inUse.Unlock()
	m.closed = true
	return m.model.Destroy()
}

// modelRegistry holds the loaded models. Reads go through an immutable snapshot; writers copy it
// under mu, so a model is loaded at most once even when several callers ask for it together.
type modelRegistry struct {
	models  atomic.Pointer[map[string]*loadedModel]
	load    modelLoader
	logger  *log.Logger
	runtime string
	mu      sync.Mutex
}

func newModelRegistry(load modelLoader, runtime string, logger *log.Logger) *modelRegistry {
	r := &modelRegistry{
		load:    load,
		runtime: runtime,
		logger:  logger,
	}
	r.models.Store(&map[string]*loadedModel{})
	return r
}

func (r *modelRegistry) Get(id string) (*loadedModel, bool) {
	m, ok := (*r.models.Load())[id]
	return m, ok
}

func (r *modelRegistry) Snapshot() map[string]*loadedModel {
	return *r.models.Load()
}

// GetOrLoad returns the model loaded under id, loading it as kind on first use.
func (r *modelRegistry) GetOrLoad(id string, kind backends.ModelKind) (*loadedModel, error) {
	if m, ok := r.Get(id); ok {
		return checkKind(id, m, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.Get(id); ok {
		return checkKind(id, m, kind)
	}

	m, err := r.loadModel(id, kind)
	if err != nil {
		return nil, &pipelines.BackendUnavailableError{ModelID: id, Err: err}
	}
	next := maps.Clone(*r.models.Load())
	next[id] = m
	r.models.Store(&next)
	r.logger.Info().Str("model", id).Str("kind", kind.String()).Str("runtime", r.runtime).Msg("model loaded")
	return m, nil
}

// Acquire returns the model loaded under id and holds it open until release is called, so that it
// is not destroyed under a running call. A model evicted in between is loaded again.
func (r *modelRegistry) Acquire(id string, kind backends.ModelKind) (m *loadedModel, release func(), err error) {
	for {
		m, err = r.GetOrLoad(id, kind)
		if err != nil {
			return nil, nil, err
		}
		m.inUse.RLock()
		if !m.closed {
			return m, m.inUse.RUnlock, nil
		}
		m.inUse.RUnlock()
	}
}

func (r *modelRegistry) loadModel(id string, kind backends.ModelKind) (*loadedModel, error) {
	if kind != backends.CausalModel && kind != backends.MaskedModel {
		return nil, fmt.Errorf("cannot load model %s with kind %s", id, kind)
	}
	model, err := r.load(id, kind)
	if err != nil {
		return nil, err
	}

	m := &loadedModel{model: model, kind: kind}
	switch kind {
	case backends.CausalModel:
		m.causal, err = pipelines.NewCausalPipeline(model, r.runtime, r.logger)
	case backends.MaskedModel:
		m.masked, err = pipelines.NewMaskedPipeline(model, r.runtime, r.logger)
	}
	if err != nil {
		return nil, errors.Join(err, model.Destroy())
	}
	return m, nil
}

// Evict removes the model from the registry and destroys it once its running calls return.
func (r *modelRegistry) Evict(id string) error {
	r.mu.Lock()
	current := *r.models.Load()
	m, ok := current[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	next := maps.Clone(current)
	delete(next, id)
	r.models.Store(&next)
	r.mu.Unlock()

	r.logger.Info().Str("model", id).Msg("model evicted")
	return m.close()
}

// Reset evicts every model.
func (r *modelRegistry) Reset() error {
	r.mu.Lock()
	current := r.models.Swap(&map[string]*loadedModel{})
	r.mu.Unlock()

	var err error
	for id, m := range *current {
		r.logger.Info().Str("model", id).Msg("model evicted")
		err = errors.Join(err, m.close())
	}
	return err
}

func checkKind(id string, m *loadedModel, requested backends.ModelKind) (*loadedModel, error) {
	if m.kind != requested {
		return nil, fmt.Errorf("model %s is loaded as a %s model and cannot be used as a %s model", id, m.kind, requested)
	}
	return m, nil
}
