package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vection-dev/vection/internal/engine"
	"github.com/vection-dev/vection/internal/watcher"
)

var (
	indexRebuild bool
	indexExclude []string
	indexInclude []string
	indexFiles   []string
	indexQuality float64
	indexWatch   bool
)

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Index a repository into the vector store",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := "."
		if len(args) > 0 {
			root = args[0]
		}

		eng, _, err := newEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = eng.Close() }()

		opts := engine.IndexOptions{
			Root:             root,
			Rebuild:          indexRebuild,
			Exclude:          indexExclude,
			Include:          indexInclude,
			Files:            indexFiles,
			QualityThreshold: indexQuality,
		}

		report, err := eng.Index(cmd.Context(), opts)
		if err != nil {
			return err
		}
		printReport(report.FilesProcessed, report.FilesSkipped, report.ChunksCreated,
			report.ChunksFailed, report.Duration, report.SkipReasons)

		if !indexWatch {
			return nil
		}

		fmt.Println("watching for changes (ctrl-c to stop)")
		w, err := watcher.New(watcher.Config{
			Root: root,
			OnChange: func(ctx context.Context) error {
				report, err := eng.Index(ctx, engine.IndexOptions{Root: root})
				if err != nil {
					return err
				}
				if report.FilesProcessed > 0 || report.FilesDeleted > 0 {
					printReport(report.FilesProcessed, report.FilesSkipped, report.ChunksCreated,
						report.ChunksFailed, report.Duration, nil)
				}
				return nil
			},
		})
		if err != nil {
			return err
		}
		return w.Run(cmd.Context())
	},
}

func init() {
	indexCmd.Flags().BoolVar(&indexRebuild, "rebuild", false, "reset the store and rebuild from scratch")
	indexCmd.Flags().StringSliceVar(&indexExclude, "exclude", nil, "additional directory names to exclude")
	indexCmd.Flags().StringSliceVar(&indexInclude, "include", nil, "restrict to these file extensions")
	indexCmd.Flags().StringSliceVar(&indexFiles, "files", nil, "restrict to these repo-relative files")
	indexCmd.Flags().Float64Var(&indexQuality, "quality-threshold", 0, "skip files scoring below this quality [0,1]")
	indexCmd.Flags().BoolVarP(&indexWatch, "watch", "w", false, "keep running and reindex on file changes")
}

func printReport(processed, skipped, created, failed int, took time.Duration, skipReasons map[string]int) {
	if quiet {
		return
	}
	fmt.Printf("indexed %d files (%d skipped) into %d chunks in %s\n",
		processed, skipped, created, took.Round(time.Millisecond))
	if failed > 0 {
		fmt.Printf("warning: %d chunks failed to embed\n", failed)
	}
	for reason, count := range skipReasons {
		fmt.Printf("  skipped %d: %s\n", count, reason)
	}
}
