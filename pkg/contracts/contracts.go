package contracts

import (
	"context"
	"time"

	"github.com/oarkflow/errors"

	"github.com/oarkflow/conveyor/pkg/config"
)

// Document is a schemaless record persisted by a DocumentStore.
type Document = map[string]any

var (
	ErrNotFound = errors.New("document not found")
	ErrConflict = errors.New("document already exists")
)

// DocumentStore is the durable key/value interface shared by the lease lock,
// the checkpoint store and the execution record store. Implementations must be
// safe for concurrent use across independent ids.
type DocumentStore interface {
	CreateIfAbsent(ctx context.Context, collection, id string, doc Document) error
	Read(ctx context.Context, collection, id string) (Document, error)
	Upsert(ctx context.Context, collection, id string, doc Document) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, filter Document) ([]Document, error)
	Close() error
}

// Message is one delivery from a Queue. Receipt is the backend-specific
// handle needed to acknowledge it.
type Message struct {
	ID            string
	Body          []byte
	DeliveryCount int
	Receipt       any
}

// Queue is an at-least-once message channel with visibility-timeout
// semantics: a received message stays hidden from other consumers until it is
// acknowledged or the visibility window elapses. There is no explicit nack;
// letting the window expire returns the message to circulation.
type Queue interface {
	Send(ctx context.Context, body []byte) error
	Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error)
	Ack(ctx context.Context, msg Message) error
	Close() error
}

// Item is a single unit of content flowing through a pipeline.
type Item = map[string]any

// Batch is the unit of work handed between stages and queued for processing.
// Errors carries per-batch annotations from stages configured to continue on
// failure.
type Batch struct {
	Items  []Item         `json:"items"`
	Meta   map[string]any `json:"meta,omitempty"`
	Errors []string       `json:"errors,omitempty"`
}

// Stage is a runnable unit resolved from the stage registry. Capability
// interfaces below refine it; a stage may implement either or both.
type Stage interface {
	Name() string
}

// Discoverer produces batches of new content since a watermark. The returned
// channel is finite and closed by the stage; a pass is restartable only via
// the checkpoint, not mid-sequence.
type Discoverer interface {
	Stage
	Discover(ctx context.Context, since time.Time) (<-chan Batch, error)
}

// Processor consumes one batch and returns the transformed batch.
type Processor interface {
	Stage
	Process(ctx context.Context, batch Batch) (Batch, error)
}

// StageFactory builds a stage instance from its declarative config.
type StageFactory func(cfg config.StageConfig) (Stage, error)

// DefinitionSource is the source of truth for pipeline definitions. The
// scheduler re-reads it on every refresh cycle; definitions are read-only to
// this subsystem.
type DefinitionSource interface {
	List(ctx context.Context) ([]config.PipelineDefinition, error)
	Get(ctx context.Context, id string) (config.PipelineDefinition, error)
}

// TaskTypeProcessing discriminates processing tasks on the queue. Messages
// with other task types are ignored (and left unacknowledged) so future kinds
// do not break older consumers.
const TaskTypeProcessing = "content_processing"

// ProcessingTask is the queue payload created by the scheduler for each
// discovered batch and consumed by a processing worker.
type ProcessingTask struct {
	TaskType                 string `json:"taskType"`
	TaskID                   string `json:"taskId"`
	Priority                 int    `json:"priority"`
	PipelineID               string `json:"pipelineId"`
	PipelineName             string `json:"pipelineName"`
	ExecutionID              string `json:"executionId"`
	Content                  []Item `json:"content"`
	ExecutedDiscoveryStageID string `json:"executedDiscoveryStageId"`
	RetryCount               int    `json:"retryCount"`
	MaxRetries               int    `json:"maxRetries"`
}
