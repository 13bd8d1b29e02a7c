package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/json"

	"github.com/oarkflow/conveyor/pkg/contracts"
	"github.com/oarkflow/conveyor/pkg/events"
)

const collection = "executions"

// OutputElided replaces execution output that exceeds the store's per-item
// size limit.
const OutputElided = "[output elided: exceeds store item limit]"

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Event is one entry in a record's lifecycle log.
type Event struct {
	Type      string    `json:"type"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the externally observable source of truth for one pipeline run.
// StatusMessage carries a human-readable summary distinct from the raw Error.
type Record struct {
	ID              string           `json:"id"`
	PipelineID      string           `json:"pipelineId"`
	PipelineName    string           `json:"pipelineName"`
	Status          Status           `json:"status"`
	StatusMessage   string           `json:"statusMessage,omitempty"`
	TaskID          string           `json:"taskId,omitempty"`
	Content         []contracts.Item `json:"content,omitempty"`
	NumberOfItems   int              `json:"numberOfItems"`
	CreatedAt       time.Time        `json:"createdAt"`
	StartedAt       *time.Time       `json:"startedAt,omitempty"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
	Error           string           `json:"error,omitempty"`
	ExecutorOutputs map[string]any   `json:"executorOutputs,omitempty"`
	Events          []Event          `json:"events,omitempty"`
}

// Store persists execution records. Records are never deleted by this
// subsystem; retention is an external concern.
type Store struct {
	store       contracts.DocumentStore
	bus         *events.Bus
	outputLimit int
}

func NewStore(store contracts.DocumentStore, bus *events.Bus, outputLimit int) *Store {
	if outputLimit <= 0 {
		outputLimit = 256 * 1024
	}
	return &Store{store: store, bus: bus, outputLimit: outputLimit}
}

// Create persists a new record in its initial status and publishes the
// created event.
func (s *Store) Create(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.NumberOfItems = len(rec.Content)
	rec.Events = append(rec.Events, Event{Type: string(events.EventExecutionCreated), Timestamp: rec.CreatedAt})
	doc, err := toDocument(rec)
	if err != nil {
		return err
	}
	if err := s.store.Upsert(ctx, collection, rec.ID, doc); err != nil {
		return err
	}
	s.publish(ctx, events.EventExecutionCreated, rec)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	doc, err := s.store.Read(ctx, collection, id)
	if err != nil {
		return Record{}, err
	}
	return fromDocument(doc)
}

// MarkRunning transitions a record to running and stamps its start time.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	return s.update(ctx, id, func(rec *Record) {
		now := time.Now().UTC()
		rec.Status = StatusRunning
		rec.StartedAt = &now
		rec.Events = append(rec.Events, Event{Type: string(events.EventExecutionStarted), Timestamp: now})
	}, events.EventExecutionStarted)
}

// MarkCompleted transitions a record to its terminal completed status,
// degrading oversized output to a sentinel rather than failing.
func (s *Store) MarkCompleted(ctx context.Context, id, message string, outputs map[string]any) error {
	outputs = s.elideOversize(outputs)
	return s.update(ctx, id, func(rec *Record) {
		now := time.Now().UTC()
		rec.Status = StatusCompleted
		rec.StatusMessage = message
		rec.CompletedAt = &now
		rec.ExecutorOutputs = outputs
		rec.Events = append(rec.Events, Event{Type: string(events.EventExecutionCompleted), Message: message, Timestamp: now})
	}, events.EventExecutionCompleted)
}

// MarkFailed transitions a record to its terminal failed status.
func (s *Store) MarkFailed(ctx context.Context, id, message, errMsg string) error {
	return s.update(ctx, id, func(rec *Record) {
		now := time.Now().UTC()
		rec.Status = StatusFailed
		rec.StatusMessage = message
		rec.Error = errMsg
		rec.CompletedAt = &now
		rec.Events = append(rec.Events, Event{Type: string(events.EventExecutionFailed), Message: message, Timestamp: now})
	}, events.EventExecutionFailed)
}

// List returns the records matching the given status, or all records when
// status is empty.
func (s *Store) List(ctx context.Context, pipelineID string, status Status) ([]Record, error) {
	filter := contracts.Document{}
	if pipelineID != "" {
		filter["pipelineId"] = pipelineID
	}
	if status != "" {
		filter["status"] = string(status)
	}
	docs, err := s.store.Query(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(docs))
	for _, doc := range docs {
		rec, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) update(ctx context.Context, id string, mutate func(*Record), eventType events.EventType) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("execution %s: %w", id, err)
	}
	mutate(&rec)
	doc, err := toDocument(rec)
	if err != nil {
		return err
	}
	if err := s.store.Upsert(ctx, collection, id, doc); err != nil {
		return err
	}
	s.publish(ctx, eventType, rec)
	return nil
}

func (s *Store) elideOversize(outputs map[string]any) map[string]any {
	if outputs == nil {
		return nil
	}
	data, err := json.Marshal(outputs)
	if err != nil || len(data) <= s.outputLimit {
		return outputs
	}
	return map[string]any{"content": OutputElided}
}

func (s *Store) publish(ctx context.Context, eventType events.EventType, rec Record) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.Event{
		Type:   eventType,
		Source: "execution",
		Payload: map[string]any{
			"executionId": rec.ID,
			"pipelineId":  rec.PipelineID,
			"status":      string(rec.Status),
		},
	})
}

func toDocument(rec Record) (contracts.Document, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var doc contracts.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func fromDocument(doc contracts.Document) (Record, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}
