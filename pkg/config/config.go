package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oarkflow/bcl"
	"github.com/oarkflow/json"
	"gopkg.in/yaml.v3"
)

// StoreConfig selects and parameterizes a document store backend.
type StoreConfig struct {
	Type     string `json:"type" yaml:"type"` // memory, file, mongodb
	URI      string `json:"uri,omitempty" yaml:"uri,omitempty"`
	Database string `json:"database,omitempty" yaml:"database,omitempty"`
	Dir      string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// QueueConfig selects and parameterizes the task queue backend.
type QueueConfig struct {
	Type  string `json:"type" yaml:"type"` // memory, amqp
	URI   string `json:"uri,omitempty" yaml:"uri,omitempty"`
	Queue string `json:"queue,omitempty" yaml:"queue,omitempty"`
}

// SchedulerConfig tunes the scheduler control loop.
type SchedulerConfig struct {
	DefaultInterval Duration `json:"default_interval" yaml:"default_interval"`
	TickInterval    Duration `json:"tick_interval" yaml:"tick_interval"`
	LeaseTTL        Duration `json:"lease_ttl" yaml:"lease_ttl"`
	MaxRetries      int      `json:"max_retries" yaml:"max_retries"`
	TaskPriority    int      `json:"task_priority" yaml:"task_priority"`
}

// WorkerConfig tunes the processing worker control loop.
type WorkerConfig struct {
	MaxMessages       int      `json:"max_messages" yaml:"max_messages"`
	VisibilityTimeout Duration `json:"visibility_timeout" yaml:"visibility_timeout"`
	MaxParallel       int      `json:"max_parallel" yaml:"max_parallel"`
	OutputSizeLimit   int      `json:"output_size_limit" yaml:"output_size_limit"`
}

// Config is the runtime configuration for a conveyor process.
type Config struct {
	Store     StoreConfig          `json:"store" yaml:"store"`
	Queue     QueueConfig          `json:"queue" yaml:"queue"`
	Scheduler SchedulerConfig      `json:"scheduler" yaml:"scheduler"`
	Worker    WorkerConfig         `json:"worker" yaml:"worker"`
	Pipelines []PipelineDefinition `json:"pipelines" yaml:"pipelines"`
}

// Load reads a config file, dispatching on its extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	var cfg Config
	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".json":
		err = json.Unmarshal(data, &cfg)
	case ".bcl":
		_, err = bcl.Unmarshal(data, &cfg)
	default:
		return DetectConfigFormat(string(data))
	}
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// DetectConfigFormat parses raw config text by trying JSON, YAML and BCL in
// turn.
func DetectConfigFormat(input string) (*Config, error) {
	trimmed := strings.TrimSpace(input)
	var cfg Config
	if json.Unmarshal([]byte(trimmed), &cfg) == nil {
		cfg.applyDefaults()
		return &cfg, nil
	}
	if yaml.Unmarshal([]byte(trimmed), &cfg) == nil {
		cfg.applyDefaults()
		return &cfg, nil
	}
	if _, err := bcl.Unmarshal([]byte(trimmed), &cfg); err == nil {
		cfg.applyDefaults()
		return &cfg, nil
	}
	return nil, fmt.Errorf("unable to detect config format, please provide valid JSON, YAML, or BCL")
}

func (c *Config) applyDefaults() {
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	if c.Queue.Type == "" {
		c.Queue.Type = "memory"
	}
	if c.Queue.Queue == "" {
		c.Queue.Queue = "conveyor_tasks"
	}
	if c.Scheduler.DefaultInterval <= 0 {
		c.Scheduler.DefaultInterval = Duration(5 * time.Minute)
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = Duration(5 * time.Second)
	}
	if c.Scheduler.LeaseTTL <= 0 {
		c.Scheduler.LeaseTTL = Duration(10 * time.Minute)
	}
	if c.Scheduler.MaxRetries <= 0 {
		c.Scheduler.MaxRetries = 3
	}
	if c.Worker.MaxMessages <= 0 {
		c.Worker.MaxMessages = 10
	}
	if c.Worker.VisibilityTimeout <= 0 {
		c.Worker.VisibilityTimeout = Duration(2 * time.Minute)
	}
	if c.Worker.MaxParallel <= 0 {
		c.Worker.MaxParallel = 4
	}
	if c.Worker.OutputSizeLimit <= 0 {
		c.Worker.OutputSizeLimit = 256 * 1024
	}
}
