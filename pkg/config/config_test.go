package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/engine"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:50051", cfg.Addr())
	assert.Equal(t, "./data", cfg.StoragePath)
	assert.Equal(t, uint64(50000), cfg.FlushThreshold)
	assert.Equal(t, engine.DefaultShards, cfg.Shards)
	assert.False(t, cfg.SecureMode)
	assert.Equal(t, 5*time.Second, cfg.TxTimeout)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, "info", cfg.LogLevel)

	ec := cfg.Engine()
	assert.Equal(t, core.MetricCosine, ec.Metric)
	assert.Equal(t, 0, ec.Dimension)
	assert.Equal(t, 30*time.Second, ec.Reconcile.Interval)

	sc := cfg.Server()
	assert.Nil(t, sc.Secret)
	assert.Zero(t, sc.RateLimitRPS)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("CONCEPTDB_PORT", "7000")
	t.Setenv("CONCEPTDB_SHARDS", "8")
	t.Setenv("CONCEPTDB_SECURE_MODE", "true")
	t.Setenv("CONCEPTDB_AUTH_SECRET", "s3cret")
	t.Setenv("CONCEPTDB_TX_TIMEOUT", "250ms")
	t.Setenv("CONCEPTDB_RATE_LIMIT_RPS", "100")
	t.Setenv("CONCEPTDB_RATE_LIMIT_BURST", "200")
	t.Setenv("CONCEPTDB_METRIC", "l2")
	t.Setenv("CONCEPTDB_FLUSH_THRESHOLD", "1000")

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, 8, cfg.Shards)
	assert.Equal(t, 250*time.Millisecond, cfg.TxTimeout)
	assert.Equal(t, uint64(1000), cfg.FlushThreshold)

	sc := cfg.Server()
	assert.True(t, sc.SecureMode)
	assert.Equal(t, []byte("s3cret"), sc.Secret)
	assert.Equal(t, 100.0, sc.RateLimitRPS)
	assert.Equal(t, 200, sc.RateLimitBurst)
	assert.Equal(t, core.MetricL2, cfg.Engine().Metric)
}

func TestFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conceptdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage_path: /var/lib/conceptdb
shards: 2
vector_dimension: 128
embedder: hash
log_format: json
`), 0o644))
	t.Setenv("CONCEPTDB_SHARDS", "6")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/conceptdb", cfg.StoragePath)
	assert.Equal(t, 6, cfg.Shards, "environment wins over file")
	assert.Equal(t, 128, cfg.VectorDimension)

	opts, err := cfg.EngineOptions(core.NopLogger())
	require.NoError(t, err)
	assert.Len(t, opts, 2)

	var buf bytes.Buffer
	cfg.Logger(&buf).Info("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"secure without secret", map[string]string{"CONCEPTDB_SECURE_MODE": "true"}, "auth_secret"},
		{"cert without key", map[string]string{"CONCEPTDB_TLS_CERT": "cert.pem"}, "tls_key"},
		{"zero shards", map[string]string{"CONCEPTDB_SHARDS": "0"}, "shards"},
		{"bad metric", map[string]string{"CONCEPTDB_METRIC": "manhattan"}, "metric"},
		{"hash embedder without dimension", map[string]string{"CONCEPTDB_EMBEDDER": "hash"}, "vector_dimension"},
		{"unknown embedder", map[string]string{"CONCEPTDB_EMBEDDER": "openai"}, "unknown embedder"},
		{"bad log format", map[string]string{"CONCEPTDB_LOG_FORMAT": "xml"}, "log_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(New(), "")
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrInvalidArgument)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
