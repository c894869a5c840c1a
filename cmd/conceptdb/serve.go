package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/conceptdb/pkg/config"
	"github.com/liliang-cn/conceptdb/pkg/engine"
	"github.com/liliang-cn/conceptdb/pkg/server"
)

const shutdownTimeout = 30 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the store and serve the binary protocol",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.String("host", "0.0.0.0", "listen host")
	f.Int("port", server.DefaultPort, "listen port")
	f.Int("shards", engine.DefaultShards, "shard count, fixed after the first start")
	f.Int("dimension", 0, "vector dimension (0 adopts the first vector seen)")
	f.String("embedder", "", `built-in embedder for generated embeddings and text search ("hash")`)
	f.Bool("secure", false, "require signed requests and tokens")
	for name, key := range map[string]string{
		"host":      config.KeyHost,
		"port":      config.KeyPort,
		"shards":    config.KeyShards,
		"dimension": config.KeyVectorDimension,
		"embedder":  config.KeyEmbedder,
		"secure":    config.KeySecureMode,
	} {
		if err := c.v.BindPFlag(key, f.Lookup(name)); err != nil {
			panic(err)
		}
	}
	return cmd
}

// serve runs until ctx is done, then drains the server and flushes the engine.
func serve(ctx context.Context, cfg *config.Config) error {
	logger := cfg.Logger(nil)

	opts, err := cfg.EngineOptions(logger)
	if err != nil {
		return err
	}
	eng, err := engine.Open(cfg.Engine(), opts...)
	if err != nil {
		return err
	}

	srv, err := server.New(eng, cfg.Server(), server.WithLogger(logger))
	if err != nil {
		eng.Close()
		return err
	}
	ln, err := srv.Listen()
	if err != nil {
		eng.Close()
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down", "reason", context.Cause(ctx))
	case serveErr = <-errc:
		logger.Error("server failed", "err", serveErr)
	}

	srv.Close()
	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := eng.Flush(flushCtx); err != nil {
		logger.Warn("final flush failed", "err", err)
	}
	return errors.Join(serveErr, eng.Close())
}
