package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/conceptdb/pkg/client"
	"github.com/liliang-cn/conceptdb/pkg/core"
	"github.com/liliang-cn/conceptdb/pkg/protocol"
)

// dial connects to the configured server with the configured credentials.
func (c *cli) dial(ctx context.Context) (*client.Client, error) {
	addr := c.v.GetString(keyAddr)
	opts := []client.Option{client.WithTimeout(30 * time.Second)}
	if secret := c.v.GetString("auth_secret"); secret != "" {
		opts = append(opts, client.WithSecret([]byte(secret)))
	}
	if token := c.v.GetString(keyToken); token != "" {
		opts = append(opts, client.WithToken(token))
	}
	if c.v.GetBool(keyTLS) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", addr, err)
		}
		opts = append(opts, client.WithTLS(&tls.Config{
			ServerName:         host,
			MinVersion:         tls.VersionTLS13,
			InsecureSkipVerify: c.v.GetBool(keyTLSSkipVerify),
		}))
	}
	return client.Dial(ctx, addr, opts...)
}

// remote wraps fn with a connected client.
func (c *cli) remote(fn func(ctx context.Context, cl *client.Client, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cl, err := c.dial(ctx)
		if err != nil {
			return err
		}
		defer cl.Close()
		return fn(ctx, cl, cmd, args)
	}
}

func (c *cli) pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the server answers",
		Args:  cobra.NoArgs,
		RunE: c.remote(func(ctx context.Context, cl *client.Client, cmd *cobra.Command, _ []string) error {
			start := time.Now()
			if err := cl.Ping(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pong from %s in %s\n", c.v.GetString(keyAddr), time.Since(start).Round(time.Microsecond))
			return nil
		}),
	}
}

func (c *cli) learnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "learn <content>",
		Short: "Store a concept",
		Args:  cobra.MaximumNArgs(1),
		RunE: c.remote(func(ctx context.Context, cl *client.Client, cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			vecStr, _ := f.GetString("vector")
			vec, err := parseVector(vecStr)
			if err != nil {
				return err
			}
			content := ""
			if len(args) == 1 {
				content = args[0]
			}
			ns, _ := f.GetString("namespace")
			attrs, _ := f.GetStringToString("attr")
			generate, _ := f.GetBool("generate")
			extract, _ := f.GetBool("extract")
			model, _ := f.GetString("model")
			minConf, _ := f.GetFloat64("min-confidence")
			maxAssoc, _ := f.GetInt("max-associations")

			id, err := cl.LearnV2(ctx, &protocol.LearnConceptV2{
				Content:    content,
				Embedding:  vec,
				Namespace:  ns,
				Attributes: attrs,
				Options: &protocol.LearnOptions{
					GenerateEmbedding:         generate,
					EmbeddingModel:            model,
					ExtractAssociations:       extract,
					MinAssociationConfidence:  minConf,
					MaxAssociationsPerConcept: maxAssoc,
				},
			})
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), map[string]string{"concept_id": id}, func(w io.Writer) {
				fmt.Fprintln(w, id)
			})
		}),
	}
	f := cmd.Flags()
	f.String("vector", "", "embedding (comma-separated)")
	f.String("namespace", "", "namespace (default \"default\")")
	f.StringToString("attr", nil, "attribute key=value, repeatable")
	f.Bool("generate", false, "generate the embedding on the server")
	f.String("model", "", "embedding model name")
	f.Bool("extract", false, "associate with similar existing concepts")
	f.Float64("min-confidence", 0, "minimum similarity for extracted associations")
	f.Int("max-associations", 0, "maximum extracted associations")
	return cmd
}

func (c *cli) associateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "associate <source> <target>",
		Short: "Create or reinforce an association",
		Args:  cobra.ExactArgs(2),
		RunE: c.remote(func(ctx context.Context, cl *client.Client, cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			typ, _ := f.GetString("type")
			conf, _ := f.GetFloat64("confidence")
			weight, _ := f.GetFloat64("weight")
			txID, err := cl.Associate(ctx, &protocol.CreateAssociation{
				Source:     args[0],
				Target:     args[1],
				AssocType:  typ,
				Confidence: conf,
				Weight:     weight,
			})
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), map[string]string{"transaction_id": txID}, func(w io.Writer) {
				if txID == "" {
					fmt.Fprintln(w, "associated (single shard)")
					return
				}
				fmt.Fprintf(w, "associated in transaction %s\n", txID)
			})
		}),
	}
	f := cmd.Flags()
	f.String("type", "semantic", "semantic, causal, temporal, hierarchical or compositional")
	f.Float64("confidence", 1, "confidence in [0, 1]")
	f.Float64("weight", core.DefaultEdgeWeight, "edge weight")
	return cmd
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a concept",
		Args:  cobra.ExactArgs(1),
		RunE: c.remote(func(ctx context.Context, cl *client.Client, cmd *cobra.Command, args []string) error {
			concept, err := cl.GetConcept(ctx, args[0])
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), concept, func(w io.Writer) {
				fmt.Fprintf(w, "ID:         %s\n", concept.ID)
				fmt.Fprintf(w, "Content:    %s\n", concept.Content)
				fmt.Fprintf(w, "Namespace:  %s\n", concept.Namespace)
				fmt.Fprintf(w, "Strength:   %.2f\n", concept.Strength)
				fmt.Fprintf(w, "Confidence: %.2f\n", concept.Confidence)
				fmt.Fprintf(w, "Accessed:   %d times, last %s\n", concept.AccessCount, concept.LastAccessed.Format(time.DateTime))
				if len(concept.Embedding) > 0 {
					fmt.Fprintf(w, "Embedding:  %d dimensions\n", len(concept.Embedding))
				}
				for k, v := range concept.Attributes {
					fmt.Fprintf(w, "  %s = %s\n", k, v)
				}
			})
		}),
	}
}

func (c *cli) searchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search by text, or by vector with --vector",
		Args:  cobra.MaximumNArgs(1),
		RunE: c.remote(func(ctx context.Context, cl *client.Client, cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			limit, _ := f.GetInt("limit")
			ef, _ := f.GetInt("ef")
			vecStr, _ := f.GetString("vector")

			var (
				results []core.SearchResult
				err     error
			)
			switch {
			case vecStr != "":
				vec, perr := parseVector(vecStr)
				if perr != nil {
					return perr
				}
				results, err = cl.VectorSearch(ctx, vec, limit, ef)
			case len(args) == 1:
				results, err = cl.TextSearch(ctx, args[0], limit)
			default:
				return fmt.Errorf("either a query or --vector is required")
			}
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), results, func(w io.Writer) {
				fmt.Fprintf(w, "Found %d results:\n", len(results))
				for i, r := range results {
					fmt.Fprintf(w, "%d. %s (score: %.4f)\n", i+1, r.ConceptID, r.Score)
				}
			})
		}),
	}
	f := cmd.Flags()
	f.String("vector", "", "query vector (comma-separated)")
	f.Int("limit", 10, "number of results")
	f.Int("ef", 0, "HNSW search breadth (0 for the server default)")
	return cmd
}

func (c *cli) neighborsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "neighbors <id>",
		Short: "List the outgoing associations of a concept",
		Args:  cobra.ExactArgs(1),
		RunE: c.remote(func(ctx context.Context, cl *client.Client, cmd *cobra.Command, args []string) error {
			ns, err := cl.Neighbors(ctx, args[0])
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), ns, func(w io.Writer) {
				for _, n := range ns {
					fmt.Fprintf(w, "%s  %-13s conf=%.2f weight=%.2f  %s\n",
						n.ConceptID, n.AssocType, n.Confidence, n.Weight, preview(n.Content, 60))
				}
			})
		}),
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a concept and its associations",
		Args:  cobra.ExactArgs(1),
		RunE: c.remote(func(ctx context.Context, cl *client.Client, cmd *cobra.Command, args []string) error {
			if err := cl.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		}),
	}
}

func (c *cli) recentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List the newest concepts of a namespace",
		Args:  cobra.NoArgs,
		RunE: c.remote(func(ctx context.Context, cl *client.Client, cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			limit, _ := cmd.Flags().GetInt("limit")
			items, err := cl.ListRecent(ctx, ns, limit)
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), items, func(w io.Writer) {
				for _, it := range items {
					fmt.Fprintf(w, "%s  %s  %s\n", it.CreatedAt.Format(time.DateTime), it.ID, it.ContentPreview)
				}
			})
		}),
	}
	cmd.Flags().String("namespace", core.DefaultNamespace, "namespace")
	cmd.Flags().Int("limit", 20, "number of items")
	return cmd
}

func (c *cli) statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show server statistics",
		Args:  cobra.NoArgs,
		RunE: c.remote(func(ctx context.Context, cl *client.Client, cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			st, err := cl.Stats(ctx, ns)
			if err != nil {
				return err
			}
			return c.print(cmd.OutOrStdout(), st, func(w io.Writer) {
				fmt.Fprintf(w, "Concepts:            %d\n", st.ConceptCount)
				fmt.Fprintf(w, "Associations:        %d\n", st.EdgeCount)
				fmt.Fprintf(w, "Vectors:             %d\n", st.VectorCount)
				fmt.Fprintf(w, "Pending writes:      %d\n", st.PendingWrites)
				fmt.Fprintf(w, "Active transactions: %d\n", st.ActiveTransactions)
				fmt.Fprintf(w, "Shards:              %d\n", st.ShardCount)
				fmt.Fprintf(w, "Uptime:              %s\n", time.Duration(st.UptimeSeconds)*time.Second)
			})
		}),
	}
	cmd.Flags().String("namespace", "", "restrict the concept count to a namespace")
	return cmd
}

func (c *cli) flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Snapshot every shard and truncate the logs",
		Args:  cobra.NoArgs,
		RunE: c.remote(func(ctx context.Context, cl *client.Client, cmd *cobra.Command, _ []string) error {
			if err := cl.Flush(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "flushed")
			return nil
		}),
	}
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
