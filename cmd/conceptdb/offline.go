package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/conceptdb/pkg/config"
	"github.com/liliang-cn/conceptdb/pkg/engine"
	"github.com/liliang-cn/conceptdb/pkg/export"
	"github.com/liliang-cn/conceptdb/pkg/protocol"
)

// openOffline opens the data directory directly, without background maintenance. The
// server must not be running on the same directory.
func openOffline(cfg *config.Config) (*engine.Engine, error) {
	logger := cfg.Logger(nil)
	opts, err := cfg.EngineOptions(logger)
	if err != nil {
		return nil, err
	}
	return engine.Open(cfg.Engine(), append(opts, engine.WithoutReconcilers())...)
}

func (c *cli) exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <file.db>",
		Short: "Write the whole graph to a SQLite database (server must be stopped)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			eng, err := openOffline(cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			overwrite, _ := cmd.Flags().GetBool("overwrite")
			skip, _ := cmd.Flags().GetBool("skip-embeddings")
			res, err := export.ToSQLite(cmd.Context(), eng, args[0], export.Options{
				Overwrite:      overwrite,
				SkipEmbeddings: skip,
				Logger:         cfg.Logger(nil),
			})
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "exported %d concepts and %d associations to %s in %s\n",
					res.Concepts, res.Associations, args[0], res.Took.Round(time.Millisecond))
			})
		},
	}
	cmd.Flags().Bool("overwrite", false, "replace an existing file")
	cmd.Flags().Bool("skip-embeddings", false, "leave embeddings out of the export")
	return cmd
}

func (c *cli) exploreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explore <id>",
		Short: "Walk the association graph from a concept (server must be stopped)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			eng, err := openOffline(cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			depth, _ := cmd.Flags().GetInt("depth")
			limit, _ := cmd.Flags().GetInt("limit")
			reached, err := eng.Explore(cmd.Context(), args[0], depth, limit)
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), reached, func(w io.Writer) {
				for _, r := range reached {
					fmt.Fprintf(w, "%s%s (score %.3f) %s\n",
						strings.Repeat("  ", r.Depth-1), r.ConceptID, r.Score, preview(r.Content, 60))
				}
			})
		},
	}
	cmd.Flags().Int("depth", 2, "maximum hops")
	cmd.Flags().Int("limit", 50, "maximum concepts reached")
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint an access token signed with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := c.v.GetString(config.KeyAuthSecret)
			if secret == "" {
				return fmt.Errorf("a secret is required (--secret or CONCEPTDB_AUTH_SECRET)")
			}
			levelStr, _ := cmd.Flags().GetString("level")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			level, err := protocol.ParseLevel(levelStr)
			if err != nil {
				return err
			}
			tok, err := protocol.IssueToken([]byte(secret), args[0], level, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("level", protocol.LevelRead.String(), "read, write or delete")
	cmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	return cmd
}
