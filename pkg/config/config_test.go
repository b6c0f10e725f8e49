package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
runtime:
  flows_dir: /srv/flows
  scan_interval_ms: 250
historian:
  driver: sqlite
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "/srv/flows", cfg.Runtime.FlowsDir)
	assert.Equal(t, 250*time.Millisecond, cfg.Runtime.ScanInterval())
	assert.Equal(t, 10000, cfg.Runtime.MaxMessages)
	assert.Equal(t, "sqlite", cfg.Historian.Driver)
	assert.Equal(t, "memory", cfg.Variables.Driver)
	assert.Equal(t, 256, cfg.Scripting.CacheSize)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestLoadFileEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600))

	t.Setenv("PLANTFLOW_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("PLANTFLOW_SERVER_PORT", "7070")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestConverters(t *testing.T) {
	cfg := Config{
		Logger:    LoggerConfig{Level: "debug", Format: "console"},
		Historian: HistorianConfig{Driver: "sqlite", DSN: ":memory:", MaxOpenConns: 1},
		Kafka:     KafkaConfig{Brokers: []string{"b:9092"}, ConsumerGroup: "g"},
	}

	assert.Equal(t, "debug", cfg.Logger.ToLoggerConfig().Level)
	assert.Equal(t, ":memory:", cfg.Historian.ToDatabaseConfig().DSN)
	assert.Equal(t, "g", cfg.Kafka.ToKafkaConfig().ConsumerGroup)
	assert.Equal(t, "localhost:6379", (&RedisConfig{Host: "localhost", Port: 6379}).Addr())
}
