package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vection-dev/vection/internal/engine"
	"github.com/vection-dev/vection/internal/vectorstore"
)

var (
	queryTopK        int
	queryTemperature float64
	queryNoSources   bool
)

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Ask a question over the indexed content",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = eng.Close() }()

		resp, err := eng.Query(cmd.Context(), strings.Join(args, " "), engine.QueryOptions{
			TopK:           queryTopK,
			Temperature:    queryTemperature,
			IncludeSources: !queryNoSources,
		})
		if err != nil {
			return err
		}

		fmt.Println(resp.Answer)
		if resp.Cached && !quiet {
			fmt.Println("\n(cached)")
		}
		if len(resp.Sources) > 0 && !quiet {
			fmt.Println("\nSources:")
			for _, src := range resp.Sources {
				path := ""
				if v, ok := src.Metadata[vectorstore.KeyPath]; ok {
					path, _ = v.AsString()
				}
				fmt.Printf("  %d. %s (distance %.3f)\n", src.Index+1, path, src.Distance)
			}
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "number of chunks to retrieve")
	queryCmd.Flags().Float64VarP(&queryTemperature, "temperature", "t", 0.7, "generation temperature")
	queryCmd.Flags().BoolVar(&queryNoSources, "no-sources", false, "omit source listing")
}
