package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/oarkflow/convert"
	"github.com/oarkflow/json"
	"gopkg.in/yaml.v3"
)

type EdgeType string

const (
	EdgeSequential  EdgeType = "sequential"
	EdgeParallel    EdgeType = "parallel"
	EdgeJoin        EdgeType = "join"
	EdgeConditional EdgeType = "conditional"
)

// StageConfig declares one stage of a pipeline graph. Settings is an opaque
// map interpreted by the stage implementation. Enabled and FailOnError
// default to true when omitted.
type StageConfig struct {
	ID          string         `json:"id" yaml:"id"`
	Type        string         `json:"type" yaml:"type"`
	Settings    map[string]any `json:"settings,omitempty" yaml:"settings,omitempty"`
	Enabled     *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	FailOnError *bool          `json:"failOnError,omitempty" yaml:"failOnError,omitempty"`
}

func (s StageConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

func (s StageConfig) FailsOnError() bool {
	return s.FailOnError == nil || *s.FailOnError
}

// SettingString reads a string setting, falling back to def when missing or
// not coercible.
func (s StageConfig) SettingString(key, def string) string {
	val, ok := s.Settings[key]
	if !ok {
		return def
	}
	v, ok := convert.ToString(val)
	if !ok || v == "" {
		return def
	}
	return v
}

func (s StageConfig) SettingInt(key string, def int) int {
	val, ok := s.Settings[key]
	if !ok {
		return def
	}
	v, ok := convert.ToInt(val)
	if !ok {
		return def
	}
	return v
}

func (s StageConfig) SettingBool(key string, def bool) bool {
	val, ok := s.Settings[key]
	if !ok {
		return def
	}
	v, ok := convert.ToBool(val)
	if !ok {
		return def
	}
	return v
}

// SettingDuration reads a duration setting given as a string like "30s".
func (s StageConfig) SettingDuration(key string, def time.Duration) time.Duration {
	raw := s.SettingString(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

// EdgeTarget is one destination of a conditional edge. An empty Condition
// acts as the else branch.
type EdgeTarget struct {
	Target    string `json:"target" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// StringList accepts either a scalar or a list in config files.
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*s = StringList{value.Value}
		return nil
	}
	var many []string
	if err := value.Decode(&many); err != nil {
		return err
	}
	*s = many
	return nil
}

// TargetList accepts a scalar, a list of scalars, or a list of
// {target, condition} objects.
type TargetList []EdgeTarget

func (t *TargetList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = TargetList{{Target: single}}
		return nil
	}
	var names []string
	if err := json.Unmarshal(data, &names); err == nil {
		out := make(TargetList, 0, len(names))
		for _, n := range names {
			out = append(out, EdgeTarget{Target: n})
		}
		*t = out
		return nil
	}
	var targets []EdgeTarget
	if err := json.Unmarshal(data, &targets); err != nil {
		return err
	}
	*t = targets
	return nil
}

func (t *TargetList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*t = TargetList{{Target: value.Value}}
		return nil
	}
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("edge target must be a scalar or a sequence")
	}
	out := make(TargetList, 0, len(value.Content))
	for _, node := range value.Content {
		if node.Kind == yaml.ScalarNode {
			out = append(out, EdgeTarget{Target: node.Value})
			continue
		}
		var target EdgeTarget
		if err := node.Decode(&target); err != nil {
			return err
		}
		out = append(out, target)
	}
	*t = out
	return nil
}

// Edge connects stages in a pipeline graph. The interpretation of From and To
// depends on Type: sequential and conditional edges have a single source,
// parallel edges fan one source out to several targets, join edges gate a
// single target on several sources.
type Edge struct {
	Type         EdgeType   `json:"type" yaml:"type"`
	From         StringList `json:"from" yaml:"from"`
	To           TargetList `json:"to" yaml:"to"`
	WaitStrategy string     `json:"waitStrategy,omitempty" yaml:"waitStrategy,omitempty"`
}

// PipelineDefinition is the declarative description of one pipeline. It is
// created and edited externally and read-only to this subsystem.
type PipelineDefinition struct {
	ID                string        `json:"id" yaml:"id"`
	Name              string        `json:"name" yaml:"name"`
	Enabled           bool          `json:"enabled" yaml:"enabled"`
	Stages            []StageConfig `json:"stages" yaml:"stages"`
	ExecutionSequence []string      `json:"executionSequence,omitempty" yaml:"executionSequence,omitempty"`
	Edges             []Edge        `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// Stage returns the stage config with the given id.
func (p PipelineDefinition) Stage(id string) (StageConfig, bool) {
	for _, s := range p.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return StageConfig{}, false
}

// Validate checks structural invariants: unique stage ids and edge endpoints
// referring to declared stages.
func (p PipelineDefinition) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pipeline id is required")
	}
	seen := make(map[string]struct{}, len(p.Stages))
	for _, s := range p.Stages {
		if s.ID == "" {
			return fmt.Errorf("pipeline %s: stage id is required", p.ID)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("pipeline %s: duplicate stage id %s", p.ID, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	for _, id := range p.ExecutionSequence {
		if _, ok := seen[id]; !ok {
			return fmt.Errorf("pipeline %s: execution sequence refers to unknown stage %s", p.ID, id)
		}
	}
	for _, e := range p.Edges {
		for _, from := range e.From {
			if _, ok := seen[from]; !ok {
				return fmt.Errorf("pipeline %s: edge refers to unknown stage %s", p.ID, from)
			}
		}
		for _, to := range e.To {
			if _, ok := seen[to.Target]; !ok {
				return fmt.Errorf("pipeline %s: edge refers to unknown stage %s", p.ID, to.Target)
			}
		}
	}
	return nil
}

// Fingerprint hashes the definition so callers can detect changes, e.g. to
// invalidate compiled-graph caches.
func (p PipelineDefinition) Fingerprint() string {
	data, err := json.Marshal(p)
	if err != nil {
		return p.ID
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Definitions is a static, in-memory definition source backed by the loaded
// config file.
type Definitions struct {
	pipelines []PipelineDefinition
}

func NewDefinitions(pipelines []PipelineDefinition) *Definitions {
	return &Definitions{pipelines: pipelines}
}

func (d *Definitions) List(ctx context.Context) ([]PipelineDefinition, error) {
	out := make([]PipelineDefinition, len(d.pipelines))
	copy(out, d.pipelines)
	return out, nil
}

func (d *Definitions) Get(ctx context.Context, id string) (PipelineDefinition, error) {
	for _, p := range d.pipelines {
		if p.ID == id {
			return p, nil
		}
	}
	return PipelineDefinition{}, fmt.Errorf("pipeline %s not found", id)
}
