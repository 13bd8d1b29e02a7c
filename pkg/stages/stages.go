package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oarkflow/convert"
	"github.com/oarkflow/expr"
	"github.com/oarkflow/expr/vm"
	"github.com/oarkflow/xid"

	"github.com/oarkflow/conveyor/pkg/config"
	"github.com/oarkflow/conveyor/pkg/contracts"
	"github.com/oarkflow/conveyor/pkg/registry"
)

// Register installs the built-in stage types into the registry.
func Register(reg *registry.Registry) error {
	builtins := map[string]contracts.StageFactory{
		"interval_source": NewIntervalSource,
		"field_map":       NewFieldMap,
		"filter":          NewFilter,
		"annotate":        NewAnnotate,
		"lowercase_keys":  NewLowercaseKeys,
	}
	for stageType, factory := range builtins {
		if err := reg.Register(stageType, factory); err != nil {
			return err
		}
	}
	return nil
}

// settingStringMap reads a map-valued setting whose values are coerced to
// strings.
func settingStringMap(cfg config.StageConfig, key string) map[string]string {
	raw, ok := cfg.Settings[key]
	if !ok {
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := convert.ToString(v); ok {
			out[k] = s
		}
	}
	return out
}

// IntervalSource is a synthetic discovery stage. Each pass emits a configured
// number of batches of generated items stamped after the watermark, which
// makes it useful for demos and for exercising the scheduler end to end.
type IntervalSource struct {
	id        string
	batches   int
	batchSize int
	label     string
}

func NewIntervalSource(cfg config.StageConfig) (contracts.Stage, error) {
	return &IntervalSource{
		id:        cfg.ID,
		batches:   cfg.SettingInt("batches", 1),
		batchSize: cfg.SettingInt("batch_size", 10),
		label:     cfg.SettingString("label", "generated"),
	}, nil
}

func (s *IntervalSource) Name() string { return s.id }

func (s *IntervalSource) Discover(ctx context.Context, since time.Time) (<-chan contracts.Batch, error) {
	out := make(chan contracts.Batch, s.batches)
	go func() {
		defer close(out)
		now := time.Now().UTC()
		for b := 0; b < s.batches; b++ {
			items := make([]contracts.Item, 0, s.batchSize)
			for i := 0; i < s.batchSize; i++ {
				items = append(items, contracts.Item{
					"id":           xid.New().String(),
					"source":       s.label,
					"discoveredAt": now.Format(time.RFC3339Nano),
					"sequence":     b*s.batchSize + i,
				})
			}
			batch := contracts.Batch{
				Items: items,
				Meta:  map[string]any{"stage": s.id, "since": since.Format(time.RFC3339Nano)},
			}
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// FieldMap projects each item onto a new shape using the mapping setting:
// destination field to source field.
type FieldMap struct {
	id      string
	mapping map[string]string
}

func NewFieldMap(cfg config.StageConfig) (contracts.Stage, error) {
	mapping := settingStringMap(cfg, "mapping")
	if len(mapping) == 0 {
		return nil, fmt.Errorf("field_map requires a non-empty mapping setting")
	}
	return &FieldMap{id: cfg.ID, mapping: mapping}, nil
}

func (s *FieldMap) Name() string { return s.id }

func (s *FieldMap) Process(ctx context.Context, batch contracts.Batch) (contracts.Batch, error) {
	out := batch
	out.Items = make([]contracts.Item, 0, len(batch.Items))
	for _, item := range batch.Items {
		mapped := make(contracts.Item, len(s.mapping))
		for dest, src := range s.mapping {
			mapped[dest] = item[src]
		}
		out.Items = append(out.Items, mapped)
	}
	return out, nil
}

// Filter keeps the items for which the condition expression evaluates to
// true. Items the expression fails on are dropped.
type Filter struct {
	id      string
	program *vm.Program
}

func NewFilter(cfg config.StageConfig) (contracts.Stage, error) {
	condition := cfg.SettingString("condition", "")
	if condition == "" {
		return nil, fmt.Errorf("filter condition cannot be empty")
	}
	program, err := expr.Parse(condition)
	if err != nil {
		return nil, fmt.Errorf("filter parse error: %w", err)
	}
	return &Filter{id: cfg.ID, program: program}, nil
}

func (s *Filter) Name() string { return s.id }

func (s *Filter) Process(ctx context.Context, batch contracts.Batch) (contracts.Batch, error) {
	out := batch
	out.Items = make([]contracts.Item, 0, len(batch.Items))
	for _, item := range batch.Items {
		result, err := s.program.Eval(map[string]any(item))
		if err != nil {
			continue
		}
		if keep, ok := result.(bool); ok && keep {
			out.Items = append(out.Items, item)
		}
	}
	return out, nil
}

// Annotate merges static fields into every item. Existing fields of the same
// name are overwritten.
type Annotate struct {
	id     string
	fields map[string]any
}

func NewAnnotate(cfg config.StageConfig) (contracts.Stage, error) {
	raw, ok := cfg.Settings["fields"].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("annotate requires a non-empty fields setting")
	}
	return &Annotate{id: cfg.ID, fields: raw}, nil
}

func (s *Annotate) Name() string { return s.id }

func (s *Annotate) Process(ctx context.Context, batch contracts.Batch) (contracts.Batch, error) {
	out := batch
	out.Items = make([]contracts.Item, 0, len(batch.Items))
	for _, item := range batch.Items {
		annotated := make(contracts.Item, len(item)+len(s.fields))
		for k, v := range item {
			annotated[k] = v
		}
		for k, v := range s.fields {
			annotated[k] = v
		}
		out.Items = append(out.Items, annotated)
	}
	return out, nil
}

// LowercaseKeys normalizes item field names to lowercase.
type LowercaseKeys struct {
	id string
}

func NewLowercaseKeys(cfg config.StageConfig) (contracts.Stage, error) {
	return &LowercaseKeys{id: cfg.ID}, nil
}

func (s *LowercaseKeys) Name() string { return s.id }

func (s *LowercaseKeys) Process(ctx context.Context, batch contracts.Batch) (contracts.Batch, error) {
	out := batch
	out.Items = make([]contracts.Item, 0, len(batch.Items))
	for _, item := range batch.Items {
		lowered := make(contracts.Item, len(item))
		for k, v := range item {
			lowered[strings.ToLower(k)] = v
		}
		out.Items = append(out.Items, lowered)
	}
	return out, nil
}
