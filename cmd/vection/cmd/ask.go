package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vection-dev/vection/internal/intel"
)

var (
	askTopK      int
	askReasoning bool
	askMetrics   bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question through the intelligence pipeline",
	Long:  "Runs query understanding, multi-stage retrieval, evidence extraction, chain-of-thought reasoning, and response synthesis.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = eng.Close() }()

		resp, err := eng.IntelligentQuery(cmd.Context(), strings.Join(args, " "), intel.Options{
			TopK:             askTopK,
			IncludeReasoning: askReasoning,
			IncludeMetrics:   askMetrics,
		})
		if err != nil {
			return err
		}

		fmt.Println(resp.Answer)
		fmt.Printf("\nconfidence: %.0f%%\n", resp.Confidence*100)

		if len(resp.Citations) > 0 {
			fmt.Println("\nSources:")
			for _, c := range resp.Citations {
				fmt.Println("  -", c)
			}
		}

		if askReasoning && resp.Reasoning != nil {
			fmt.Println("\nReasoning:")
			for _, step := range resp.Reasoning.Steps {
				fmt.Printf("  %d. [%s] %s\n", step.StepNumber, step.StepType, step.Content)
			}
		}

		if askMetrics && resp.Metrics != nil {
			m := resp.Metrics
			fmt.Printf("\nPipeline: understanding=%s retrieval=%s extraction=%s reasoning=%s synthesis=%s total=%s\n",
				m.UnderstandingTime, m.RetrievalTime, m.ExtractionTime, m.ReasoningTime, m.SynthesisTime, m.TotalTime)
			fmt.Printf("Retrieved %d chunks, %d evidence (%d strong), %d reasoning steps\n",
				m.ChunksRetrieved, m.EvidenceExtracted, m.StrongEvidence, m.ReasoningSteps)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().IntVarP(&askTopK, "top-k", "k", 0, "number of chunks to retrieve")
	askCmd.Flags().BoolVarP(&askReasoning, "reasoning", "r", false, "show the reasoning chain")
	askCmd.Flags().BoolVarP(&askMetrics, "metrics", "m", false, "show pipeline metrics")
}
