package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/florinutz/iceingest"
	"github.com/florinutz/iceingest/flightserver"
	"github.com/florinutz/iceingest/health"
	"github.com/florinutz/iceingest/internal/config"
	"github.com/florinutz/iceingest/internal/ratelimit"
	"github.com/florinutz/iceingest/internal/safegoroutine"
	httpserver "github.com/florinutz/iceingest/internal/server"
	"github.com/florinutz/iceingest/server"
	"github.com/florinutz/iceingest/tracing"
)

// readinessInterval is how often an unreachable catalog is re-probed
// before the service reports ready.
const readinessInterval = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the ingest API over HTTP and, optionally, Arrow Flight",
	Long: `Starts the ingest service. Arrow IPC streams POSTed to /ingest (or
base64-wrapped in JSON to /ingest/json) are appended to the named Iceberg
table, creating the namespace and table on first use. With --flight the same
ingestion is offered as an Arrow Flight DoPut service.

Example:

  iceingest serve --catalog-type hadoop --warehouse /var/lib/iceberg
  iceingest serve --catalog-uri http://polaris:8181 --warehouse s3://lake --flight`,
	RunE: runServe,
}

func init() {
	def := config.Default()
	f := serveCmd.Flags()

	f.String("addr", def.HTTP.Addr, "HTTP listen address")
	f.String("tls-cert", "", "path to TLS certificate file")
	f.String("tls-key", "", "path to TLS private key file")
	f.String("metrics-addr", "", "separate listen address for /metrics, /healthz and /readyz")
	f.Int64("max-body-bytes", def.HTTP.MaxBodyBytes, "largest accepted request body")
	f.Bool("flight", false, "also serve Arrow Flight DoPut")
	f.String("flight-addr", def.Flight.Addr, "Arrow Flight listen address")
	f.String("warehouse", def.Warehouse, "root location for new tables (local path or s3://bucket/prefix)")
	f.String("catalog-type", def.Catalog.Type, "catalog type: rest, hadoop")
	f.String("catalog-uri", def.Catalog.URI, "REST catalog base URI")
	f.String("schema-policy", def.Ingest.SchemaPolicy, "schema policy for existing tables: permissive, strict")
	f.Float64("rate-limit", 0, "max ingest requests per second (0 = unlimited)")
	f.String("otel-exporter", def.OTel.Exporter, "trace exporter: none, stdout, otlp")

	mustBindPFlag("http.addr", f.Lookup("addr"))
	mustBindPFlag("http.tls_cert_file", f.Lookup("tls-cert"))
	mustBindPFlag("http.tls_key_file", f.Lookup("tls-key"))
	mustBindPFlag("metrics_addr", f.Lookup("metrics-addr"))
	mustBindPFlag("http.max_body_bytes", f.Lookup("max-body-bytes"))
	mustBindPFlag("flight.enabled", f.Lookup("flight"))
	mustBindPFlag("flight.addr", f.Lookup("flight-addr"))
	mustBindPFlag("warehouse", f.Lookup("warehouse"))
	mustBindPFlag("catalog.type", f.Lookup("catalog-type"))
	mustBindPFlag("catalog.uri", f.Lookup("catalog-uri"))
	mustBindPFlag("ingest.schema_policy", f.Lookup("schema-policy"))
	mustBindPFlag("rate_limit.requests_per_second", f.Lookup("rate-limit"))
	mustBindPFlag("otel.exporter", f.Lookup("otel-exporter"))
}

// loadConfig merges defaults, config file, env and flags, then validates.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default().With("component", "serve")

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tp, shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Exporter:       cfg.OTel.Exporter,
		Endpoint:       cfg.OTel.Endpoint,
		SampleRatio:    cfg.OTel.SampleRatio,
		ServiceVersion: Version,
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer shutdownTracing()

	checker := health.NewChecker("iceingest")
	readiness := health.NewReadinessChecker()

	pipeline, err := buildPipeline(ctx, cfg, checker, tp, slog.Default())
	if err != nil {
		return err
	}

	limiter := ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, "http", slog.Default())
	api := server.NewAPI(pipeline, cfg.HTTP.MaxBodyBytes, slog.Default())

	srvOpts := httpserver.Options{
		API:          api.Handler(),
		Limiter:      limiter,
		CORSOrigins:  cfg.HTTP.CORSOrigins,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	// Probes move to the metrics listener when one is configured.
	if cfg.MetricsAddr == "" {
		srvOpts.Checker = checker
		srvOpts.Readiness = readiness
	}
	httpServer := httpserver.New(srvOpts)

	g, gCtx := errgroup.WithContext(ctx)

	safegoroutine.Go(g, logger, "http", func() error {
		ln, lnErr := net.Listen("tcp", cfg.HTTP.Addr)
		if lnErr != nil {
			return fmt.Errorf("http listen: %w", lnErr)
		}
		if cfg.HTTP.TLSCertFile != "" && cfg.HTTP.TLSKeyFile != "" {
			cert, certErr := tls.LoadX509KeyPair(cfg.HTTP.TLSCertFile, cfg.HTTP.TLSKeyFile)
			if certErr != nil {
				ln.Close()
				return fmt.Errorf("load TLS cert: %w", certErr)
			}
			ln = tls.NewListener(ln, &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			})
			logger.Info("HTTPS server started", "addr", cfg.HTTP.Addr)
		} else {
			logger.Info("HTTP server started", "addr", cfg.HTTP.Addr)
		}
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = httpserver.NewMetricsServer(checker, readiness)
		metricsServer.Addr = cfg.MetricsAddr
		safegoroutine.Go(g, logger, "metrics", func() error {
			logger.Info("metrics server started", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if cfg.Flight.Enabled {
		fs := flightserver.New(pipeline, flightserver.Config{
			Addr:            cfg.Flight.Addr,
			MaxMessageBytes: cfg.Flight.MaxMessageBytes,
			AllocFactor:     cfg.Ingest.AllocFactor,
			Limiter:         ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, "flight", slog.Default()),
			Logger:          slog.Default(),
		})
		safegoroutine.Go(g, logger, "flight", func() error {
			return fs.Start(gCtx)
		})
	}

	safegoroutine.Go(g, logger, "readiness", func() error {
		waitReady(gCtx, pipeline, readiness, logger)
		return nil
	})

	// Wait for shutdown signal.
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down...")
		readiness.SetReady(false)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		err := httpServer.Shutdown(shutdownCtx)
		if metricsServer != nil {
			err = errors.Join(err, metricsServer.Shutdown(shutdownCtx))
		}
		return err
	})

	return g.Wait()
}

// waitReady marks the service ready once the catalog answers.
func waitReady(ctx context.Context, p *iceingest.Pipeline, readiness *health.ReadinessChecker, logger *slog.Logger) {
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()
	for {
		err := p.Ping(ctx)
		if err == nil {
			readiness.SetReady(true)
			logger.Info("catalog reachable, service ready")
			return
		}
		logger.Warn("catalog not reachable yet", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
