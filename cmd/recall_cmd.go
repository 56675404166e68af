package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ngrant/bob/internal/config"
	"github.com/ngrant/bob/internal/memory"
	"github.com/ngrant/bob/internal/store"
)

func recallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recall",
		Short: "Inspect and refresh the markdown recall index",
	}
	cmd.AddCommand(recallIndexCmd())
	cmd.AddCommand(recallSearchCmd())
	return cmd
}

func openMemoryManager() *memory.Manager {
	root := store.Root{Dir: userRoot()}
	cfg := memory.DefaultManagerConfig(root.MemoryDir())
	cfg.DBPath = root.RecallDBPath()

	if c, err := config.Load(resolveConfigPath()); err == nil && c.Embedding.BaseURL != "" {
		cfg.Provider = memory.NewHTTPEmbeddingProvider(c.Embedding.BaseURL, c.Embedding.APIKey, c.Embedding.Model)
	}

	mgr, err := memory.NewManager(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening recall index: %s\n", err)
		os.Exit(1)
	}
	return mgr
}

func recallIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Reindex the memory directory incrementally",
		Run: func(cmd *cobra.Command, args []string) {
			mgr := openMemoryManager()
			defer mgr.Close()
			if err := mgr.IndexAll(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "Error indexing: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Indexed. %d chunks total.\n", mgr.ChunkCount())
		},
	}
}

func recallSearchCmd() *cobra.Command {
	var maxResults int
	var source string
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Run a hybrid lexical+vector search over the memory index",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			mgr := openMemoryManager()
			defer mgr.Close()
			results, err := mgr.Search(context.Background(), args[0], memory.SearchOptions{
				MaxResults: maxResults,
				Source:     source,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error searching: %s\n", err)
				os.Exit(1)
			}
			for _, r := range results {
				fmt.Printf("%.3f [%s] %s:%d-%d\n    %s\n", r.Score, r.MatchType, r.Path, r.LineStart, r.LineEnd, r.Snippet)
			}
		},
	}
	cmd.Flags().IntVar(&maxResults, "limit", 10, "max results")
	cmd.Flags().StringVar(&source, "source", "", "filter by source tag")
	return cmd
}
