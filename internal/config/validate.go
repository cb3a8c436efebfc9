package config

import (
	"fmt"
	"strings"
	"time"
)

var (
	knownCatalogs      = map[string]bool{"rest": true, "hadoop": true}
	knownPolicies      = map[string]bool{"permissive": true, "strict": true}
	knownOTelExporters = map[string]bool{"none": true, "stdout": true, "otlp": true}
)

// Validate performs structural validation on the config. It reports every
// problem at once.
func (c Config) Validate() error {
	var errs []string

	checkDur := func(path string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be > 0", path))
		}
	}

	// --- Top-level ---
	checkDur("shutdown_timeout", c.ShutdownTimeout)
	if c.Warehouse == "" {
		errs = append(errs, "warehouse is required")
	}

	// --- Transports ---
	if c.HTTP.Addr == "" {
		errs = append(errs, "http.addr is required")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Sprintf("http.max_body_bytes must be > 0, got %d", c.HTTP.MaxBodyBytes))
	}
	if (c.HTTP.TLSCertFile == "") != (c.HTTP.TLSKeyFile == "") {
		errs = append(errs, "http.tls_cert_file and http.tls_key_file must be set together")
	}
	if c.Flight.Enabled {
		if c.Flight.Addr == "" {
			errs = append(errs, "flight.addr is required when flight is enabled")
		}
		if c.Flight.Addr == c.HTTP.Addr {
			errs = append(errs, fmt.Sprintf("flight.addr and http.addr must differ, both are %q", c.Flight.Addr))
		}
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, "rate_limit.burst must be >= 1 when rate limiting is enabled")
	}

	// --- Catalog ---
	if !knownCatalogs[c.Catalog.Type] {
		errs = append(errs, fmt.Sprintf("unknown catalog.type %q (expected rest or hadoop)", c.Catalog.Type))
	}
	if c.Catalog.Type == "rest" {
		if c.Catalog.URI == "" {
			errs = append(errs, "catalog.uri is required for the rest catalog")
		} else if !strings.HasPrefix(c.Catalog.URI, "http://") && !strings.HasPrefix(c.Catalog.URI, "https://") {
			errs = append(errs, fmt.Sprintf("catalog.uri must be an http(s) URL, got %q", c.Catalog.URI))
		}
		checkDur("catalog.timeout", c.Catalog.Timeout)
	}
	if c.Catalog.MaxRetries < 0 {
		errs = append(errs, "catalog.max_retries must be >= 0")
	}
	if c.Catalog.BreakerFailures < 0 {
		errs = append(errs, "catalog.breaker_failures must be >= 0")
	} else if c.Catalog.BreakerFailures > 0 {
		checkDur("catalog.breaker_reset", c.Catalog.BreakerReset)
	}

	// --- Ingest ---
	if !knownPolicies[c.Ingest.SchemaPolicy] {
		errs = append(errs, fmt.Sprintf("unknown ingest.schema_policy %q (expected permissive or strict)", c.Ingest.SchemaPolicy))
	}
	checkDur("ingest.commit_timeout", c.Ingest.CommitTimeout)
	checkDur("ingest.backoff_base", c.Ingest.BackoffBase)
	checkDur("ingest.backoff_cap", c.Ingest.BackoffCap)
	if c.Ingest.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("ingest.max_attempts must be >= 1, got %d", c.Ingest.MaxAttempts))
	}
	if c.Ingest.BackoffBase > 0 && c.Ingest.BackoffCap > 0 && c.Ingest.BackoffCap < c.Ingest.BackoffBase {
		errs = append(errs, "ingest.backoff_cap must be >= ingest.backoff_base")
	}
	if c.Ingest.AllocFactor < 1 {
		errs = append(errs, "ingest.alloc_factor must be >= 1")
	}

	// --- OTel ---
	if !knownOTelExporters[c.OTel.Exporter] {
		errs = append(errs, fmt.Sprintf("unknown otel.exporter %q (expected none, stdout, or otlp)", c.OTel.Exporter))
	}
	if c.OTel.SampleRatio < 0 || c.OTel.SampleRatio > 1 {
		errs = append(errs, fmt.Sprintf("otel.sample_ratio must be within [0, 1], got %g", c.OTel.SampleRatio))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation: %s", strings.Join(errs, "; "))
	}
	return nil
}

// UsesS3 reports whether the warehouse lives on S3.
func (c Config) UsesS3() bool {
	return strings.HasPrefix(c.Warehouse, "s3://") || strings.HasPrefix(c.Warehouse, "s3a://")
}
