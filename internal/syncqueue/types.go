// Package syncqueue is the durable priority queue that ships classification
// results to the backend.
package syncqueue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/validation"
)

type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
	Background
)

var priorityNames = []string{"Critical", "High", "Normal", "Low", "Background"}

func (p Priority) String() string {
	if p < Critical {
		return priorityNames[Critical]
	}
	if p > Background {
		return priorityNames[Background]
	}
	return priorityNames[p]
}

// PriorityFromInt maps out-of-range values to Background.
func PriorityFromInt(v int) Priority {
	if v < 0 || v > int(Background) {
		return Background
	}
	return Priority(v)
}

func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(name, s) {
			return Priority(i), nil
		}
	}
	return Normal, fmt.Errorf("unknown priority %q", s)
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusScheduled  Status = "scheduled"
)

const DefaultMaxRetries = 5

type Item struct {
	ID                  string            `json:"id"`
	Priority            Priority          `json:"priority"`
	Payload             json.RawMessage   `json:"payload"`
	RetryCount          int               `json:"retry_count"`
	MaxRetries          int               `json:"max_retries"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	NextRetryAt         int64             `json:"next_retry_at,omitempty"`
	Status              Status            `json:"status"`
	Error               string            `json:"error,omitempty"`
	CorrelationID       string            `json:"correlation_id,omitempty"`
	PartitionKey        string            `json:"partition_key,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	ProcessingStartedAt *time.Time        `json:"processing_started_at,omitempty"`
	ProcessingDuration  time.Duration     `json:"processing_duration,omitempty"`
}

// NewItem builds a pending item with a random id.
func NewItem(p Priority, payload json.RawMessage) Item {
	now := time.Now().UTC()
	return Item{
		ID:         uuid.NewString(),
		Priority:   p,
		Payload:    payload,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
		Status:     StatusPending,
	}
}

func (it Item) CanRetry() bool {
	return it.RetryCount < it.MaxRetries && it.Status != StatusCancelled
}

func (it Item) terminal() bool {
	switch it.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return !it.CanRetry()
	}
	return false
}

type Config struct {
	MaxCapacity          int           `yaml:"max_capacity"`
	BatchSize            int           `yaml:"batch_size"`
	PersistencePath      string        `yaml:"persistence_path"`
	PersistenceInterval  time.Duration `yaml:"persistence_interval"`
	EnableDeduplication  bool          `yaml:"enable_deduplication"`
	EnableCompression    bool          `yaml:"enable_compression"`
	CompressionLevel     int           `yaml:"compression_level"`
	EnableEncryption     bool          `yaml:"enable_encryption"`
	EncryptionKey        []byte        `yaml:"-"`
	RetentionPeriod      time.Duration `yaml:"retention_period"`
	BaseRetryDelay       time.Duration `yaml:"base_retry_delay"`
	MaxRetryDelay        time.Duration `yaml:"max_retry_delay"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
	HeapCleanupThreshold int           `yaml:"heap_cleanup_threshold"`
	EnablePartitioning   bool          `yaml:"enable_partitioning"`
	PartitionCount       int           `yaml:"partition_count"`
}

func DefaultConfig() Config {
	return Config{
		MaxCapacity:          10000,
		BatchSize:            100,
		PersistenceInterval:  30 * time.Second,
		EnableDeduplication:  true,
		EnableCompression:    true,
		CompressionLevel:     6,
		RetentionPeriod:      7 * 24 * time.Hour,
		BaseRetryDelay:       time.Second,
		MaxRetryDelay:        time.Hour,
		CleanupInterval:      5 * time.Minute,
		HeapCleanupThreshold: 1000,
		PartitionCount:       4,
	}
}

func HighPerformanceConfig() Config {
	c := DefaultConfig()
	c.MaxCapacity = 100000
	c.BatchSize = 1000
	c.PersistenceInterval = 2 * time.Minute
	c.CompressionLevel = 1
	c.EnablePartitioning = true
	c.PartitionCount = 8
	c.HeapCleanupThreshold = 10000
	return c
}

func HighSecurityConfig(key []byte) Config {
	c := DefaultConfig()
	c.PersistenceInterval = 10 * time.Second
	c.CompressionLevel = 9
	c.EnableEncryption = true
	c.EncryptionKey = key
	c.RetentionPeriod = 24 * time.Hour
	return c
}

func (c Config) Validate() error {
	v := validation.NewCollector("queue config")
	if c.MaxCapacity <= 0 {
		v.Addf("max_capacity", "range_min", "must be > 0")
	}
	if c.BaseRetryDelay <= 0 {
		v.Addf("base_retry_delay", "range_min", "must be > 0")
	}
	if c.BatchSize > c.MaxCapacity {
		v.Addf("batch_size", "range_max", "must be <= max_capacity")
	}
	if c.EnableEncryption && len(c.EncryptionKey) != 32 {
		v.Addf("encryption_key", "length", "must be 32 bytes when encryption is enabled")
	}
	validation.Check[int](v, validation.Between(0, 9), "compression_level", c.CompressionLevel)
	if c.EnablePartitioning && c.PartitionCount <= 0 {
		v.Addf("partition_count", "range_min", "must be > 0 when partitioning is enabled")
	}
	if err := v.Err(); err != nil {
		return err.(*validation.Error).Common()
	}
	return nil
}
