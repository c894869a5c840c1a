// Package config loads conceptdb settings from defaults, an optional YAML file and
// CONCEPTDB_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/embedder"
	"github.com/liliang-cn/conceptdb/pkg/engine"
	"github.com/liliang-cn/conceptdb/pkg/server"
	"github.com/liliang-cn/conceptdb/pkg/shard"
	"github.com/liliang-cn/conceptdb/pkg/txn"
)

// EnvPrefix is prepended to every key when read from the environment.
const EnvPrefix = "CONCEPTDB"

// Keys understood by Load.
const (
	KeyHost              = "host"
	KeyPort              = "port"
	KeyStoragePath       = "storage_path"
	KeyFlushThreshold    = "flush_threshold"
	KeyShards            = "shards"
	KeySecureMode        = "secure_mode"
	KeyAuthSecret        = "auth_secret"
	KeyTLSCert           = "tls_cert"
	KeyTLSKey            = "tls_key"
	KeyRateLimitRPS      = "rate_limit_rps"
	KeyRateLimitBurst    = "rate_limit_burst"
	KeyVectorDimension   = "vector_dimension"
	KeyMetric            = "metric"
	KeyTxTimeout         = "tx_timeout"
	KeyReconcileInterval = "reconcile_interval"
	KeyLogLevel          = "log_level"
	KeyLogFormat         = "log_format"
	KeyEmbedder          = "embedder"
	KeyEmbedderCache     = "embedder_cache"
	KeyNoSync            = "no_sync"
)

// Config is the resolved configuration of a conceptdb process.
type Config struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	StoragePath       string        `mapstructure:"storage_path"`
	FlushThreshold    uint64        `mapstructure:"flush_threshold"`
	Shards            int           `mapstructure:"shards"`
	SecureMode        bool          `mapstructure:"secure_mode"`
	AuthSecret        string        `mapstructure:"auth_secret"`
	TLSCert           string        `mapstructure:"tls_cert"`
	TLSKey            string        `mapstructure:"tls_key"`
	RateLimitRPS      float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst    int           `mapstructure:"rate_limit_burst"`
	VectorDimension   int           `mapstructure:"vector_dimension"`
	Metric            string        `mapstructure:"metric"`
	TxTimeout         time.Duration `mapstructure:"tx_timeout"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	LogLevel          string        `mapstructure:"log_level"`
	LogFormat         string        `mapstructure:"log_format"`

	// Embedder names the built-in embedder used for generated embeddings and text search:
	// "" disables it, "hash" enables the feature-hashing embedder over VectorDimension.
	Embedder      string `mapstructure:"embedder"`
	EmbedderCache int    `mapstructure:"embedder_cache"`
	NoSync        bool   `mapstructure:"no_sync"`
}

// New returns a viper instance with every default set and environment lookup enabled.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyHost, "0.0.0.0")
	v.SetDefault(KeyPort, server.DefaultPort)
	v.SetDefault(KeyStoragePath, "./data")
	v.SetDefault(KeyFlushThreshold, shard.DefaultFlushThreshold)
	v.SetDefault(KeyShards, engine.DefaultShards)
	v.SetDefault(KeySecureMode, false)
	v.SetDefault(KeyAuthSecret, "")
	v.SetDefault(KeyTLSCert, "")
	v.SetDefault(KeyTLSKey, "")
	v.SetDefault(KeyRateLimitRPS, 0.0)
	v.SetDefault(KeyRateLimitBurst, 0)
	v.SetDefault(KeyVectorDimension, 0)
	v.SetDefault(KeyMetric, core.MetricCosine.String())
	v.SetDefault(KeyTxTimeout, txn.DefaultTimeout)
	v.SetDefault(KeyReconcileInterval, 30*time.Second)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyEmbedder, "")
	v.SetDefault(KeyEmbedderCache, embedder.DefaultCacheConfig().Size)
	v.SetDefault(KeyNoSync, false)
	return v
}

// Load reads file into v when file is non-empty, then decodes and validates the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	if v == nil {
		v = New()
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{core.ErrInvalidArgument}, args...)...))
	}

	if c.Port < 0 || c.Port > 65535 {
		bad("port %d out of range", c.Port)
	}
	if c.StoragePath == "" {
		bad("storage_path is empty")
	}
	if c.Shards <= 0 {
		bad("shards must be positive, got %d", c.Shards)
	}
	if c.VectorDimension < 0 {
		bad("vector_dimension must not be negative")
	}
	if _, err := core.ParseMetric(c.Metric); err != nil {
		bad("metric %q", c.Metric)
	}
	if c.SecureMode && c.AuthSecret == "" {
		bad("secure_mode requires auth_secret")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		bad("tls_cert and tls_key must be set together")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		bad("rate limits must not be negative")
	}
	if c.TxTimeout <= 0 {
		bad("tx_timeout must be positive")
	}
	if c.ReconcileInterval < 0 {
		bad("reconcile_interval must not be negative")
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json", "logfmt":
	default:
		bad("log_format %q", c.LogFormat)
	}
	switch c.Embedder {
	case "":
	case "hash":
		if c.VectorDimension <= 0 {
			bad("embedder %q requires vector_dimension", c.Embedder)
		}
	default:
		bad("unknown embedder %q", c.Embedder)
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Engine converts c into an engine configuration.
func (c *Config) Engine() engine.Config {
	cfg := engine.DefaultConfig(c.StoragePath)
	cfg.Shards = c.Shards
	cfg.Dimension = c.VectorDimension
	if m, err := core.ParseMetric(c.Metric); err == nil {
		cfg.Metric = m
	}
	cfg.FlushThreshold = c.FlushThreshold
	cfg.NoSync = c.NoSync
	cfg.TxTimeout = c.TxTimeout
	cfg.Reconcile.Interval = c.ReconcileInterval
	return cfg
}

// EngineOptions returns the engine options implied by c: the logger and, when configured,
// the built-in embedder behind its cache.
func (c *Config) EngineOptions(logger core.Logger) ([]engine.Option, error) {
	opts := []engine.Option{engine.WithLogger(logger)}
	if c.Embedder == "" {
		return opts, nil
	}
	cc := embedder.DefaultCacheConfig()
	cc.Name = c.Embedder
	cc.Size = c.EmbedderCache
	cc.Logger = logger
	emb, err := embedder.NewCached(embedder.NewHash(c.VectorDimension), cc)
	if err != nil {
		return nil, err
	}
	return append(opts, engine.WithEmbedder(c.Embedder, emb)), nil
}

// Server converts c into a server configuration.
func (c *Config) Server() server.Config {
	cfg := server.Config{
		Addr:           c.Addr(),
		SecureMode:     c.SecureMode,
		TLSCert:        c.TLSCert,
		TLSKey:         c.TLSKey,
		RateLimitRPS:   c.RateLimitRPS,
		RateLimitBurst: c.RateLimitBurst,
	}
	if c.AuthSecret != "" {
		cfg.Secret = []byte(c.AuthSecret)
	}
	return cfg
}

// Logger builds the process logger writing to w, stderr when nil.
func (c *Config) Logger(w io.Writer) core.Logger {
	if w == nil {
		w = os.Stderr
	}
	return core.NewLoggerWithOptions(w, core.LoggerOptions{
		Level:  core.ParseLogLevel(c.LogLevel),
		Format: c.LogFormat,
	})
}
