package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/oarkflow/errors"

	"github.com/oarkflow/conveyor/pkg/config"
	"github.com/oarkflow/conveyor/pkg/contracts"
)

// ErrUnknownType is returned by Build for stage types with no registered
// factory. Graph compilation treats it as a skip, not a hard failure, so
// partially-known graphs remain runnable.
var ErrUnknownType = errors.New("unknown stage type")

// Registry maps stage-type identifiers to constructors. Registration usually
// happens once at startup; Resolve and Build are safe for concurrent use.
type Registry struct {
	factories map[string]contracts.StageFactory
	mu        sync.RWMutex
}

func New() *Registry {
	return &Registry{
		factories: make(map[string]contracts.StageFactory),
	}
}

func (r *Registry) Register(stageType string, factory contracts.StageFactory) error {
	if stageType == "" {
		return fmt.Errorf("stage type cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("stage factory for %s cannot be nil", stageType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[stageType] = factory
	return nil
}

func (r *Registry) Resolve(stageType string) (contracts.StageFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[stageType]
	return factory, ok
}

// Build constructs a stage instance from its declarative config.
func (r *Registry) Build(cfg config.StageConfig) (contracts.Stage, error) {
	factory, ok := r.Resolve(cfg.Type)
	if !ok {
		return nil, fmt.Errorf("stage %s: %w: %s", cfg.ID, ErrUnknownType, cfg.Type)
	}
	stage, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", cfg.ID, err)
	}
	return stage, nil
}

// Types lists the registered stage types, sorted for deterministic output.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
