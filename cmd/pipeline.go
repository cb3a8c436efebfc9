package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/florinutz/iceingest"
	"github.com/florinutz/iceingest/batch"
	"github.com/florinutz/iceingest/health"
	"github.com/florinutz/iceingest/iceberg"
	"github.com/florinutz/iceingest/internal/circuitbreaker"
	"github.com/florinutz/iceingest/internal/config"
)

// buildStorage routes local paths to the filesystem and s3:// paths to S3.
// The S3 client is only built when something can reach it.
func buildStorage(ctx context.Context, cfg config.Config) (iceberg.Storage, error) {
	var s3 iceberg.Storage
	if cfg.UsesS3() || cfg.S3.Endpoint != "" || cfg.Catalog.Type == "rest" {
		st, err := iceberg.NewS3Storage(ctx, iceberg.S3Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 storage: %w", err)
		}
		s3 = st
	}
	return iceberg.NewSchemeStorage(&iceberg.LocalStorage{}, s3), nil
}

func buildCatalog(ctx context.Context, cfg config.Config, storage iceberg.Storage, logger *slog.Logger) (iceberg.Catalog, error) {
	switch cfg.Catalog.Type {
	case "hadoop":
		return iceberg.NewHadoopCatalog(cfg.Warehouse, storage), nil
	case "rest":
		cat := iceberg.NewRESTCatalog(iceberg.RESTConfig{
			URI:        cfg.Catalog.URI,
			Warehouse:  cfg.Catalog.Warehouse,
			Token:      cfg.Catalog.Token,
			Timeout:    cfg.Catalog.Timeout,
			MaxRetries: cfg.Catalog.MaxRetries,
			Breaker:    circuitbreaker.New("catalog", cfg.Catalog.BreakerFailures, cfg.Catalog.BreakerReset, logger),
			Logger:     logger,
		})
		// A catalog that is down at startup is reported through health
		// rather than refusing to start; defaults and prefix are re-read on
		// the next restart.
		if err := cat.LoadConfig(ctx); err != nil {
			logger.Warn("load catalog config", "uri", cfg.Catalog.URI, "error", err)
		}
		return cat, nil
	default:
		return nil, fmt.Errorf("unknown catalog type %q", cfg.Catalog.Type)
	}
}

// buildPipeline wires storage, catalog and the ingest pipeline from cfg.
func buildPipeline(ctx context.Context, cfg config.Config, checker *health.Checker, tp trace.TracerProvider, logger *slog.Logger) (*iceingest.Pipeline, error) {
	storage, err := buildStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cat, err := buildCatalog(ctx, cfg, storage, logger)
	if err != nil {
		return nil, err
	}

	opts := []iceingest.Option{
		iceingest.WithLogger(logger),
		iceingest.WithWarehouse(cfg.Warehouse),
		iceingest.WithSchemaPolicy(iceberg.SchemaPolicy(cfg.Ingest.SchemaPolicy)),
		iceingest.WithCommitTimeout(cfg.Ingest.CommitTimeout),
		iceingest.WithCommitConfig(iceberg.CommitConfig{
			MaxAttempts: cfg.Ingest.MaxAttempts,
			BackoffBase: cfg.Ingest.BackoffBase,
			BackoffMax:  cfg.Ingest.BackoffCap,
		}),
		iceingest.WithDecodeOptions(batch.Options{AllocFactor: cfg.Ingest.AllocFactor}),
	}
	if checker != nil {
		opts = append(opts, iceingest.WithHealthChecker(checker))
	}
	if tp != nil {
		opts = append(opts, iceingest.WithTracerProvider(tp))
	}
	return iceingest.NewPipeline(cat, storage, opts...), nil
}
