package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oarkflow/convert"
	"github.com/oarkflow/date"

	"github.com/oarkflow/conveyor/pkg/contracts"
)

const collection = "checkpoints"

// Store persists the per-(pipeline, stage) discovery watermark. Writes are
// serialized by the lease held for the duration of a discovery pass, so a
// plain upsert suffices; the checkpoint is not the concurrency-control
// mechanism, the lease is.
type Store struct {
	store contracts.DocumentStore
}

func New(store contracts.DocumentStore) *Store {
	return &Store{store: store}
}

func checkpointID(pipelineID, stageID string) string {
	return pipelineID + "_" + stageID
}

// Get returns the stored watermark, or the zero time when no pass has
// completed yet.
func (s *Store) Get(ctx context.Context, pipelineID, stageID string) (time.Time, error) {
	doc, err := s.store.Read(ctx, collection, checkpointID(pipelineID, stageID))
	if err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	raw, _ := convert.ToString(doc["watermark"])
	if raw == "" {
		return time.Time{}, nil
	}
	watermark, err := date.Parse(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("checkpoint %s_%s: bad watermark %q: %w", pipelineID, stageID, raw, err)
	}
	return watermark, nil
}

// Set upserts the watermark. Callers must only advance it after a discovery
// pass completes without error.
func (s *Store) Set(ctx context.Context, pipelineID, stageID string, watermark time.Time, writerID string) error {
	doc := contracts.Document{
		"pipelineId": pipelineID,
		"stageId":    stageID,
		"watermark":  watermark.UTC().Format(time.RFC3339Nano),
		"writerId":   writerID,
	}
	return s.store.Upsert(ctx, collection, checkpointID(pipelineID, stageID), doc)
}
