// Package cmd implements the vection CLI. Commands are thin wrappers
// around the engine façade; no retrieval or indexing logic lives here.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vection-dev/vection/internal/config"
	"github.com/vection-dev/vection/internal/engine"
	verrors "github.com/vection-dev/vection/internal/errors"
	"github.com/vection-dev/vection/internal/logging"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitConfig      = 2
	ExitInterrupted = 130
)

var (
	configPath string
	storePath  string
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:           "vection",
	Short:         "Local-first document retrieval and question answering",
	Long:          "Vection indexes a repository into a local vector store and answers natural-language questions with hybrid retrieval and reasoned synthesis.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "vector store directory (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress output")

	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI and maps errors onto exit codes.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleanup, err := logging.SetupDefault()
	if err == nil {
		defer cleanup()
	}

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return ExitInterrupted
		}

		fmt.Fprintln(os.Stderr, "error:", err)

		var ve *verrors.Error
		if errors.As(err, &ve) {
			switch ve.Category {
			case verrors.CategoryConfig, verrors.CategoryProvider:
				return ExitConfig
			}
		}
		return ExitFailure
	}
	return ExitOK
}

// loadConfig builds the engine configuration from flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}
	return cfg, nil
}

// newEngine constructs the engine for a command invocation.
func newEngine(ctx context.Context) (*engine.Engine, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return eng, cfg, nil
}
