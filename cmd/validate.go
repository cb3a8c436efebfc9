package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/florinutz/iceingest/internal/config"
)

const probeTimeout = 5 * time.Second

type validationResult struct {
	component string
	status    string
	message   string
	duration  time.Duration
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration without starting the service",
	Long:  `Checks the configuration, catalog connectivity and warehouse storage access, and reports pass/fail status for each component.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().Bool("offline", false, "only check the configuration, skip catalog and storage probes")
}

func runValidate(cmd *cobra.Command, args []string) error {
	offline, _ := cmd.Flags().GetBool("offline")

	cfg, err := loadConfig()
	var results []validationResult
	if err != nil {
		results = append(results, validationResult{component: "config", status: "FAIL", message: err.Error()})
	} else {
		results = append(results, validationResult{component: "config", status: "OK", message: "structural validation passed"})
		if offline {
			results = append(results,
				validationResult{component: "catalog", status: "SKIP", message: "--offline"},
				validationResult{component: "storage", status: "SKIP", message: "--offline"},
			)
		} else {
			results = append(results, probe(cmd.Context(), cfg, slog.Default())...)
		}
	}

	if printResults(cmd.OutOrStdout(), results) {
		return fmt.Errorf("validation failed")
	}
	return nil
}

// probe checks that the warehouse storage and the catalog answer.
func probe(ctx context.Context, cfg config.Config, logger *slog.Logger) []validationResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	storage, err := buildStorage(ctx, cfg)
	if err != nil {
		return []validationResult{{component: "storage", status: "FAIL", message: err.Error(), duration: time.Since(start)}}
	}
	var results []validationResult
	if _, err := storage.ListDirs(ctx, cfg.Warehouse); err != nil {
		results = append(results, validationResult{component: "storage", status: "FAIL", message: fmt.Sprintf("list %s: %s", cfg.Warehouse, err), duration: time.Since(start)})
	} else {
		results = append(results, validationResult{component: "storage", status: "OK", message: cfg.Warehouse, duration: time.Since(start)})
	}

	start = time.Now()
	cat, err := buildCatalog(ctx, cfg, storage, logger)
	if err != nil {
		return append(results, validationResult{component: "catalog", status: "FAIL", message: err.Error(), duration: time.Since(start)})
	}
	namespaces, err := cat.ListNamespaces(ctx, nil)
	if err != nil {
		return append(results, validationResult{component: "catalog", status: "FAIL", message: err.Error(), duration: time.Since(start)})
	}
	return append(results, validationResult{
		component: "catalog",
		status:    "OK",
		message:   fmt.Sprintf("type=%s namespaces=%d", cfg.Catalog.Type, len(namespaces)),
		duration:  time.Since(start),
	})
}

// printResults writes the results table and reports whether anything failed.
func printResults(out io.Writer, results []validationResult) bool {
	failed := false
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "COMPONENT\tSTATUS\tDURATION\tMESSAGE")
	_, _ = fmt.Fprintln(w, "---------\t------\t--------\t-------")
	for _, r := range results {
		if r.status == "FAIL" {
			failed = true
		}
		dur := "-"
		if r.duration > 0 {
			dur = r.duration.Truncate(time.Millisecond).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.component, r.status, dur, r.message)
	}
	_ = w.Flush()
	return failed
}
