package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show engine statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = eng.Close() }()

		stats, err := eng.Stats(cmd.Context())
		if err != nil {
			return err
		}

		if statsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}

		fmt.Printf("chunks:          %d\n", stats.ChunkCount)
		fmt.Printf("tracked files:   %d\n", stats.TrackedFiles)
		fmt.Printf("dimension:       %d\n", stats.Dimension)
		fmt.Printf("embedding model: %s\n", stats.EmbeddingModel)
		if stats.LLMModel != "" {
			fmt.Printf("llm model:       %s\n", stats.LLMModel)
		} else {
			fmt.Printf("llm model:       (unavailable, template synthesis)\n")
		}
		fmt.Printf("store:           %s\n", stats.StoreProvider)
		fmt.Printf("hybrid=%v rerank=%v cache=%v intelligent=%v\n",
			stats.HybridEnabled, stats.RerankEnabled, stats.CacheEnabled, stats.IntelEnabled)
		if stats.LastIndexed != "" {
			fmt.Printf("last indexed:    %s\n", stats.LastIndexed)
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "output as JSON")
}
