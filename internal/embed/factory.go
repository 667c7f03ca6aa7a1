package embed

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// FactoryConfig selects and configures an embedding provider.
type FactoryConfig struct {
	Provider  string // "ollama", "static", "" = auto
	Model     string
	Host      string
	Dimension int
	BatchSize int
	Timeout   time.Duration
	CacheSize int
}

// NewEmbedder creates an embedder for the given provider, wrapped in an
// LRU cache. An empty provider auto-detects: Ollama if reachable, else
// the static fallback.
func NewEmbedder(ctx context.Context, cfg FactoryConfig) (Embedder, error) {
	var inner Embedder
	var err error

	switch cfg.Provider {
	case "ollama":
		inner, err = NewOllamaEmbedder(ctx, OllamaConfig{
			Host:       cfg.Host,
			Model:      cfg.Model,
			Dimensions: cfg.Dimension,
			BatchSize:  cfg.BatchSize,
			Timeout:    cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}

	case "static":
		inner = NewStaticEmbedder(cfg.Dimension)

	case "":
		inner, err = NewOllamaEmbedder(ctx, OllamaConfig{
			Host:       cfg.Host,
			Model:      cfg.Model,
			Dimensions: cfg.Dimension,
			BatchSize:  cfg.BatchSize,
			Timeout:    cfg.Timeout,
		})
		if err != nil {
			slog.Warn("embedder_fallback",
				slog.String("reason", err.Error()),
				slog.String("provider", "static"))
			inner = NewStaticEmbedder(cfg.Dimension)
		}

	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}

	return NewCachedEmbedder(inner, cfg.CacheSize), nil
}
