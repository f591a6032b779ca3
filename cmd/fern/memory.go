package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fernlabs/fern/internal/config"
	"github.com/fernlabs/fern/internal/embeddings"
	"github.com/fernlabs/fern/internal/memstore"
	"github.com/fernlabs/fern/internal/search"
	"github.com/fernlabs/fern/internal/storage"
)

func buildMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Manage the persistent memory store",
		Long: `Operate on the memory store directly against the configured database.
The serving process picks up changes on its next recall.`,
	}
	cmd.AddCommand(
		buildMemoryListCmd(),
		buildMemoryAddCmd(),
		buildMemoryDeleteCmd(),
		buildMemorySearchCmd(),
	)
	return cmd
}

// openMaintenanceStore opens the configured database and the memory layer
// for a one-shot CLI command.
func openMaintenanceStore(ctx context.Context) (*config.Config, *storage.Store, *memstore.Service, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	store, err := storage.Open(ctx, storage.Config{Path: cfg.DatabasePath()})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open storage: %w", err)
	}
	var embedder embeddings.Client
	if cfg.Model.OpenAIAPIKey != "" {
		emb, err := embeddings.NewOpenAI(embeddings.Config{
			APIKey: cfg.Model.OpenAIAPIKey,
			Model:  cfg.Archival.EmbeddingModel,
		})
		if err != nil {
			store.Close()
			return nil, nil, nil, fmt.Errorf("build embeddings client: %w", err)
		}
		embedder = emb
	}
	return cfg, store, memstore.New(memstore.Config{Store: store, Embedder: embedder}), nil
}

func buildMemoryListCmd() *cobra.Command {
	var (
		memType string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored memories, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, store, mem, err := openMaintenanceStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			t := memstore.Type(memType)
			if memType != "" && !memstore.ValidType(t) {
				return fmt.Errorf("unknown memory type %q", memType)
			}
			memories, err := mem.List(ctx, t, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(memories) == 0 {
				fmt.Fprintln(out, "no memories stored")
				return nil
			}
			for _, m := range memories {
				fmt.Fprintf(out, "%s  [%s]  %s", m.ID, m.Type, m.Content)
				if len(m.Tags) > 0 {
					fmt.Fprintf(out, "  (%s)", strings.Join(m.Tags, ", "))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&memType, "type", "", "Filter by type (fact, preference, learning)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum entries (0 = store default)")
	return cmd
}

func buildMemoryAddCmd() *cobra.Command {
	var (
		memType string
		tags    []string
	)
	cmd := &cobra.Command{
		Use:   "add [content]",
		Short: "Store a new memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, store, mem, err := openMaintenanceStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			m, err := mem.Add(ctx, memstore.Type(memType), args[0], tags)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", m.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&memType, "type", "fact", "Memory type (fact, preference, learning)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tag (repeatable)")
	return cmd
}

func buildMemoryDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a memory by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, store, mem, err := openMaintenanceStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := mem.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func buildMemorySearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memories and archived conversations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, store, _, err := openMaintenanceStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			var embedder embeddings.Client
			if cfg.Model.OpenAIAPIKey != "" {
				embedder, err = embeddings.NewOpenAI(embeddings.Config{
					APIKey: cfg.Model.OpenAIAPIKey,
					Model:  cfg.Archival.EmbeddingModel,
				})
				if err != nil {
					return fmt.Errorf("build embeddings client: %w", err)
				}
			}
			engine := search.New(search.Config{Store: store, Embedder: embedder})
			results, err := engine.Search(ctx, args[0], search.Options{Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(results) == 0 {
				fmt.Fprintln(out, "no results")
				return nil
			}
			for _, r := range results {
				fmt.Fprintf(out, "%.3f  [%s]  %s\n", r.Score, r.Source, firstLine(r.Text))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum results")
	return cmd
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
