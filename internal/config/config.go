package config

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/audit"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/blocks"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/pii"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/syncqueue"
)

const FileName = "pulsearc.yml"

// Config models pulsearc.yml.
type Config struct {
	Device struct {
		ID       string `yaml:"id" validate:"required"`
		Timezone string `yaml:"timezone"`
	} `yaml:"device"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Logging struct {
		Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`
	Blocks  blocks.Config `yaml:"blocks"`
	Audit   audit.Config  `yaml:"audit"`
	Queue   QueueConfig   `yaml:"queue"`
	PII     PIIConfig     `yaml:"pii"`
	MDM     MDMConfig     `yaml:"mdm"`
	Backend BackendConfig `yaml:"backend"`
	Server  ServerConfig  `yaml:"server"`
}

type QueueConfig struct {
	syncqueue.Config `yaml:",inline"`
	// EncryptionKeyEnv names the environment variable holding the base64
	// snapshot key. Keys never live in the config file.
	EncryptionKeyEnv string `yaml:"encryption_key_env"`
}

type PIIConfig struct {
	Enabled            bool `yaml:"enabled"`
	Caching            bool `yaml:"caching"`
	RateLimiting       bool `yaml:"rate_limiting"`
	RateLimitPerMinute int  `yaml:"rate_limit_per_minute" validate:"gte=0"`
}

type MDMConfig struct {
	File      string        `yaml:"file"`
	RemoteURL string        `yaml:"remote_url" validate:"omitempty,url"`
	CABundle  string        `yaml:"ca_bundle"`
	PublicKey string        `yaml:"public_key" validate:"omitempty,base64"`
	Timeout   time.Duration `yaml:"timeout"`
}

type BackendConfig struct {
	URL      string        `yaml:"url" validate:"omitempty,url"`
	TokenEnv string        `yaml:"token_env"`
	Timeout  time.Duration `yaml:"timeout"`
}

type ServerConfig struct {
	Addr         string `yaml:"addr" validate:"omitempty,hostname_port"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Config(fmt.Sprintf("config %s not found; create one with pulsearc init", path), "workspace")
		}
		return nil, err
	}
	return FromYAML(data)
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Device.ID) == "" {
		return errs.Config("config.device.id is required", "device.id")
	}
	if c.Device.Timezone != "" {
		if _, err := time.LoadLocation(c.Device.Timezone); err != nil {
			return errs.Config(fmt.Sprintf("config.device.timezone %q is not a known zone", c.Device.Timezone), "device.timezone")
		}
	}
	if c.Database.Path == "" {
		return errs.Config("config.database.path is required", "database.path")
	}
	if err := structValidator.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			field := strings.ToLower(strings.TrimPrefix(fe.Namespace(), "Config."))
			return errs.Config(fmt.Sprintf("config.%s failed %s", field, fe.Tag()), field)
		}
		return errs.Config(err.Error(), "")
	}
	if err := c.Blocks.Validate(); err != nil {
		return fmt.Errorf("config.blocks: %w", err)
	}
	if c.Audit.MaxMemoryEntries <= 0 {
		return errs.Config("config.audit.max_memory_entries must be > 0", "audit.max_memory_entries")
	}
	if c.Audit.StreamingEnabled && c.Audit.StreamingTimeout <= 0 {
		return errs.Config("config.audit.streaming_timeout must be > 0 when streaming is enabled", "audit.streaming_timeout")
	}
	if c.Queue.EnableEncryption && c.Queue.EncryptionKeyEnv == "" {
		return errs.Config("config.queue.encryption_key_env is required when encryption is enabled", "queue.encryption_key_env")
	}
	// The key is resolved at startup; validate the rest of the queue now.
	q := c.Queue.Config
	if q.EnableEncryption {
		q.EncryptionKey = make([]byte, 32)
	}
	if err := q.Validate(); err != nil {
		return fmt.Errorf("config.queue: %w", err)
	}
	return nil
}

// Location returns the device timezone, or UTC when none is set.
func (c *Config) Location() (*time.Location, error) {
	if c.Device.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Device.Timezone)
}

// DatabasePath resolves the database path against the workspace.
func (c *Config) DatabasePath(workspace string) string {
	return resolve(workspace, c.Database.Path)
}

// AuditSettings returns the audit config with the log file resolved.
func (c *Config) AuditSettings(workspace string) audit.Config {
	a := c.Audit
	a.FilePath = resolve(workspace, a.FilePath)
	return a
}

func resolve(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, p)
}

// QueueSettings returns the sync queue settings with the snapshot path
// resolved and the encryption key read through getenv.
func (c *Config) QueueSettings(workspace string, getenv func(string) string) (syncqueue.Config, error) {
	q := c.Queue.Config
	q.PersistencePath = resolve(workspace, q.PersistencePath)
	if q.EnableEncryption {
		raw := getenv(c.Queue.EncryptionKeyEnv)
		if raw == "" {
			return q, errs.Config(c.Queue.EncryptionKeyEnv+" is not set", "queue.encryption_key_env")
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return q, errs.Config(c.Queue.EncryptionKeyEnv+" is not valid base64", "queue.encryption_key_env")
		}
		q.EncryptionKey = key
	}
	return q, q.Validate()
}

// PIISettings overlays the file's switches on the default pattern catalogue.
func (c *Config) PIISettings() pii.Config {
	p := pii.DefaultConfig()
	p.Enabled = c.PII.Enabled
	p.EnableCaching = c.PII.Caching
	p.EnableRateLimiting = c.PII.RateLimiting
	if c.PII.RateLimitPerMinute > 0 {
		p.RateLimitPerMinute = c.PII.RateLimitPerMinute
	}
	return p
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(deviceID string) string {
	return fmt.Sprintf(defaultTemplate, deviceID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a device.
func Default(deviceID string) *Config {
	cfg := base()
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(deviceID))).Decode(cfg)
	return cfg
}

// base carries the component defaults so omitted keys keep them.
func base() *Config {
	cfg := &Config{
		Blocks: blocks.DefaultConfig(),
		Audit:  audit.DefaultConfig(),
	}
	cfg.Queue.Config = syncqueue.DefaultConfig()
	cfg.PII.Enabled = true
	cfg.PII.Caching = true
	cfg.MDM.Timeout = 10 * time.Second
	cfg.Backend.Timeout = 10 * time.Second
	cfg.Backend.TokenEnv = "PULSEARC_BACKEND_TOKEN"
	cfg.Server.JWTSecretEnv = "PULSEARC_JWT_SECRET"
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := base()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errs.Serialization(fmt.Sprintf("invalid config yaml: %v", err), "yaml").WithCause(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `device:
  id: %s
  timezone: UTC

database:
  path: .pulsearc/pulsearc.db

logging:
  level: info
  json: false

blocks:
  min_block_duration_secs: 1800
  max_gap_for_merge_secs: 180
  consolidation_window_secs: 3600
  min_billing_increment_secs: 360

audit:
  max_memory_entries: 10000
  min_severity: Info
  file_path: .pulsearc/audit.jsonl
  streaming_enabled: false
  streaming_timeout: 5s

queue:
  max_capacity: 10000
  batch_size: 100
  persistence_path: .pulsearc/queue.snapshot
  persistence_interval: 30s
  enable_deduplication: true
  enable_compression: true
  compression_level: 6
  enable_encryption: false
  retention_period: 168h
  base_retry_delay: 1s
  max_retry_delay: 1h
  cleanup_interval: 5m

pii:
  enabled: true
  caching: true
  rate_limiting: false
  rate_limit_per_minute: 1000

mdm:
  file: mdm.json
  timeout: 10s

backend:
  url: ""
  token_env: PULSEARC_BACKEND_TOKEN
  timeout: 10s

server:
  addr: 127.0.0.1:7420
  jwt_secret_env: PULSEARC_JWT_SECRET
`
