package docstore

import (
	"context"
	"fmt"

	"github.com/oarkflow/json"

	"github.com/oarkflow/conveyor/pkg/config"
	"github.com/oarkflow/conveyor/pkg/contracts"
)

const definitionCollection = "pipelines"

// Definitions reads pipeline definitions from a DocumentStore collection, for
// deployments where pipelines are managed externally rather than shipped in
// the config file.
type Definitions struct {
	store contracts.DocumentStore
}

func NewDefinitions(store contracts.DocumentStore) *Definitions {
	return &Definitions{store: store}
}

func (d *Definitions) List(ctx context.Context) ([]config.PipelineDefinition, error) {
	docs, err := d.store.Query(ctx, definitionCollection, contracts.Document{})
	if err != nil {
		return nil, err
	}
	out := make([]config.PipelineDefinition, 0, len(docs))
	for _, doc := range docs {
		def, err := decodeDefinition(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func (d *Definitions) Get(ctx context.Context, id string) (config.PipelineDefinition, error) {
	doc, err := d.store.Read(ctx, definitionCollection, id)
	if err != nil {
		return config.PipelineDefinition{}, fmt.Errorf("pipeline %s: %w", id, err)
	}
	return decodeDefinition(doc)
}

// Put stores a definition, keyed by its pipeline id.
func (d *Definitions) Put(ctx context.Context, def config.PipelineDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(def)
	if err != nil {
		return err
	}
	var doc contracts.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return d.store.Upsert(ctx, definitionCollection, def.ID, doc)
}

func decodeDefinition(doc contracts.Document) (config.PipelineDefinition, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return config.PipelineDefinition{}, err
	}
	var def config.PipelineDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return config.PipelineDefinition{}, err
	}
	return def, nil
}
