package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/audit"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
)

func TestDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("dev-1")))
	require.NoError(t, err)
	assert.Equal(t, "dev-1", cfg.Device.ID)
	assert.Equal(t, int64(1800), cfg.Blocks.MinBlockDurationSecs)
	assert.Equal(t, audit.SeverityInfo, cfg.Audit.MinSeverity)
	assert.Equal(t, 5*time.Second, cfg.Audit.StreamingTimeout)
	assert.Equal(t, 30*time.Second, cfg.Queue.PersistenceInterval)
	assert.Equal(t, 4, cfg.Queue.PartitionCount, "omitted keys keep component defaults")
	assert.Equal(t, "127.0.0.1:7420", cfg.Server.Addr)

	d := Default("dev-1")
	assert.Equal(t, cfg, d)
}

func TestValidateMessages(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing device", "database:\n  path: x.db\n", "config.device.id is required"},
		{"missing db", "device:\n  id: d\ndatabase:\n  path: \"\"\n", "config.database.path is required"},
		{"bad zone", "device:\n  id: d\n  timezone: Mars/Olympus\ndatabase:\n  path: x.db\n", "not a known zone"},
		{"bad level", "device:\n  id: d\ndatabase:\n  path: x.db\nlogging:\n  level: loud\n", "config.logging.level failed oneof"},
		{"bad backend url", "device:\n  id: d\ndatabase:\n  path: x.db\nbackend:\n  url: \"::nope\"\n", "config.backend.url failed url"},
		{"encryption without env", "device:\n  id: d\ndatabase:\n  path: x.db\nqueue:\n  enable_encryption: true\n", "encryption_key_env is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
			assert.True(t, errs.Is(err, errs.KindConfig))
		})
	}
}

func TestBlocksAndQueueValidation(t *testing.T) {
	_, err := FromYAML([]byte("device:\n  id: d\ndatabase:\n  path: x.db\nblocks:\n  min_billing_increment_secs: 0\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.blocks")

	_, err = FromYAML([]byte("device:\n  id: d\ndatabase:\n  path: x.db\nqueue:\n  max_capacity: 10\n  batch_size: 20\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.queue")
}

func TestInvalidYAML(t *testing.T) {
	_, err := FromYAML([]byte("device: ["))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindSerialization))
}

func TestLoadAndLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pulsearc init")

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault("dev-2")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".pulsearc", "pulsearc.db"), cfg.DatabasePath(dir))

	assert.Equal(t, filepath.Join(dir, ".pulsearc", "audit.jsonl"), cfg.AuditSettings(dir).FilePath)

	fromFile, err := FromFile(Path(dir))
	require.NoError(t, err)
	assert.Equal(t, cfg, fromFile)
}

func TestQueueSettingsResolvesKey(t *testing.T) {
	cfg := Default("dev")
	cfg.Queue.EnableEncryption = true
	cfg.Queue.EncryptionKeyEnv = "QKEY"
	require.NoError(t, cfg.Validate())

	env := map[string]string{}
	_, err := cfg.QueueSettings("/ws", func(k string) string { return env[k] })
	require.Error(t, err)

	key := make([]byte, 32)
	env["QKEY"] = base64.StdEncoding.EncodeToString(key)
	q, err := cfg.QueueSettings("/ws", func(k string) string { return env[k] })
	require.NoError(t, err)
	assert.Len(t, q.EncryptionKey, 32)
	assert.Equal(t, filepath.Join("/ws", ".pulsearc", "queue.snapshot"), q.PersistencePath)
}

func TestLocationAndPII(t *testing.T) {
	cfg := Default("dev")
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "UTC", loc.String())

	cfg.PII.RateLimiting = true
	cfg.PII.RateLimitPerMinute = 30
	p := cfg.PIISettings()
	assert.True(t, p.EnableRateLimiting)
	assert.Equal(t, 30, p.RateLimitPerMinute)
	assert.NotEmpty(t, p.Patterns)
}
