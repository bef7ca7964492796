package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFileMissingFallsBackToDefault(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().Server.ListenAddress, cfg.Server.ListenAddress)
}

func TestLoadFileParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "velocityd.yaml")
	yamlDoc := `
logger:
  level: DEBUG
server:
  listen_address: "0.0.0.0:9999"
  admin_address: "0.0.0.0:9998"
  idle_timeout: 60s
  request_deadline: 5s
  max_frame_bytes: 65536
auth:
  credentials_file: "./creds.yaml"
rate_limit:
  conn_ops_per_second: 500
  conn_burst: 100
engine:
  data_dir: "./data"
  max_memtable_size: 1048576
  cache_size: 5000
  bloom_false_positive_rate: 0.02
  compaction_threshold: 4
  wal_mode: adaptive
  flush_queue_soft_limit: 2
  flush_queue_depth_max: 4
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", cfg.Server.ListenAddress)
	require.Equal(t, "DEBUG", cfg.Logger.Level)
	require.InDelta(t, 0.02, cfg.Engine.BloomFalsePositiveRate, 0.0001)
}

func TestLoadFileRejectsSoftLimitNotBelowHardCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad-limits.yaml")
	yamlDoc := `
logger:
  level: INFO
server:
  listen_address: "0.0.0.0:9999"
  admin_address: "0.0.0.0:9998"
  idle_timeout: 60s
  request_deadline: 5s
  max_frame_bytes: 65536
auth:
  credentials_file: "./creds.yaml"
rate_limit:
  conn_ops_per_second: 500
  conn_burst: 100
engine:
  data_dir: "./data"
  max_memtable_size: 1048576
  cache_size: 5000
  bloom_false_positive_rate: 0.02
  compaction_threshold: 4
  wal_mode: adaptive
  flush_queue_soft_limit: 4
  flush_queue_depth_max: 4
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	_, err := LoadFile(path)
	require.Error(t, err, "the soft backpressure limit must stay strictly below the hard overload cap")
}

func TestLoadFileRejectsInvalidWALMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	yamlDoc := `
logger:
  level: INFO
server:
  listen_address: "0.0.0.0:9999"
  admin_address: "0.0.0.0:9998"
  idle_timeout: 60s
  request_deadline: 5s
  max_frame_bytes: 65536
auth:
  credentials_file: "./creds.yaml"
rate_limit:
  conn_ops_per_second: 500
  conn_burst: 100
engine:
  data_dir: "./data"
  max_memtable_size: 1048576
  cache_size: 5000
  bloom_false_positive_rate: 0.02
  compaction_threshold: 4
  wal_mode: bogus
  flush_queue_soft_limit: 2
  flush_queue_depth_max: 4
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestDefaultConfigPassesValidation(t *testing.T) {
	cfg := Default()
	require.NoError(t, validate.Struct(&cfg))
}
