// Command conceptdb runs the concept store server and talks to it.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/liliang-cn/conceptdb/pkg/config"
)

// Client-only keys; they live next to the server keys in the same viper instance.
const (
	keyAddr          = "addr"
	keyToken         = "token"
	keyTLS           = "tls"
	keyTLSSkipVerify = "tls_skip_verify"
)

// cli carries the state shared by every command of one invocation.
type cli struct {
	v       *viper.Viper
	cfgFile string
	asJSON  bool
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.New()}

	root := &cobra.Command{
		Use:           "conceptdb",
		Short:         "Sharded concept graph with vector search",
		Long:          "conceptdb stores concepts and weighted associations across hash-routed shards, with HNSW search, a write-ahead log and two-phase commit for cross-shard edges.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "config file (YAML); CONCEPTDB_* variables override it")
	pf.BoolVar(&c.asJSON, "json", false, "print results as JSON")
	pf.String("data", "./data", "storage directory")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("addr", "127.0.0.1:50051", "server address for client commands")
	pf.String("secret", "", "HMAC secret for signing requests and minting tokens")
	pf.String("token", "", "JWT sent with client requests")
	pf.Bool("tls", false, "connect with TLS")
	pf.Bool("tls-skip-verify", false, "skip server certificate verification")

	for name, key := range map[string]string{
		"data":            config.KeyStoragePath,
		"log-level":       config.KeyLogLevel,
		"addr":            keyAddr,
		"secret":          config.KeyAuthSecret,
		"token":           keyToken,
		"tls":             keyTLS,
		"tls-skip-verify": keyTLSSkipVerify,
	} {
		if err := c.v.BindPFlag(key, pf.Lookup(name)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(
		c.serveCmd(),
		c.pingCmd(),
		c.learnCmd(),
		c.associateCmd(),
		c.getCmd(),
		c.searchCmd(),
		c.neighborsCmd(),
		c.deleteCmd(),
		c.recentCmd(),
		c.statsCmd(),
		c.flushCmd(),
		c.exportCmd(),
		c.exploreCmd(),
		c.tokenCmd(),
	)
	return root
}

// load resolves the configuration from defaults, file, environment and flags.
func (c *cli) load() (*config.Config, error) {
	return config.Load(c.v, c.cfgFile)
}

func (c *cli) print(w io.Writer, v any, text func(io.Writer)) error {
	if c.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

// parseVector reads comma-separated floats.
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", part, err)
		}
		out = append(out, float32(f))
	}
	return out, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
