package cmd

import (
	"fmt"
	"io"
	"os"
	"text/template"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/florinutz/iceingest/internal/config"
)

const redacted = "<redacted>"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration file helpers",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented iceingest.yaml",
	Long:  `Writes an iceingest.yaml with every setting at its default, tailored to the chosen catalog type.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long:  `Merges defaults, the config file, ICEINGEST_* env vars and flags, validates the result and prints it. Credentials are redacted.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return writeConfigYAML(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)

	f := configInitCmd.Flags()
	f.String("catalog-type", "rest", "catalog the template is written for: rest, hadoop")
	f.String("warehouse", "", "warehouse root (default depends on the catalog type)")
	f.StringP("output", "o", "iceingest.yaml", "output file path (- for stdout)")
}

type configTemplateData struct {
	config.Config
	REST bool
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	catalogType, _ := cmd.Flags().GetString("catalog-type")
	warehouse, _ := cmd.Flags().GetString("warehouse")
	output, _ := cmd.Flags().GetString("output")

	cfg := config.Default()
	cfg.Catalog.Type = catalogType
	switch {
	case warehouse != "":
		cfg.Warehouse = warehouse
	case catalogType == "hadoop":
		cfg.Warehouse = "/var/lib/iceberg"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if output != "-" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create %s: %w", output, err)
		}
		defer func() { _ = f.Close() }()
		w = f
	}
	if err := writeConfigTemplate(w, cfg); err != nil {
		return err
	}
	if output != "-" {
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (catalog: %s, warehouse: %s)\n", output, catalogType, cfg.Warehouse)
	}
	return nil
}

func writeConfigTemplate(w io.Writer, cfg config.Config) error {
	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}
	if err := tmpl.Execute(w, configTemplateData{Config: cfg, REST: cfg.Catalog.Type == "rest"}); err != nil {
		return fmt.Errorf("execute template: %w", err)
	}
	return nil
}

// writeConfigYAML prints cfg with credentials replaced.
func writeConfigYAML(w io.Writer, cfg config.Config) error {
	for _, secret := range []*string{&cfg.Catalog.Token, &cfg.S3.AccessKeyID, &cfg.S3.SecretAccessKey} {
		if *secret != "" {
			*secret = redacted
		}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

const configTemplate = `# iceingest configuration. Every key can also be set through an env var:
# catalog.uri -> ICEINGEST_CATALOG_URI.

log_level: {{.LogLevel}}   # debug, info, warn, error
log_format: {{.LogFormat}}  # text, json
shutdown_timeout: {{.ShutdownTimeout}}
# metrics_addr: ":9090"   # serve /metrics and probes on a separate listener

# Root for new tables: a local path or s3://bucket/prefix.
warehouse: {{.Warehouse}}

http:
  addr: "{{.HTTP.Addr}}"
  max_body_bytes: {{.HTTP.MaxBodyBytes}}
  read_timeout: {{.HTTP.ReadTimeout}}
  write_timeout: {{.HTTP.WriteTimeout}}
  idle_timeout: {{.HTTP.IdleTimeout}}
  cors_origins: [{{range $i, $o := .HTTP.CORSOrigins}}{{if $i}}, {{end}}"{{$o}}"{{end}}]
  # tls_cert_file: /etc/iceingest/tls.crt
  # tls_key_file: /etc/iceingest/tls.key

flight:
  enabled: false
  addr: "{{.Flight.Addr}}"
  max_message_bytes: {{.Flight.MaxMessageBytes}}

rate_limit:
  requests_per_second: 0   # 0 disables limiting
  burst: {{.RateLimit.Burst}}

catalog:
  type: {{.Catalog.Type}}
{{- if .REST}}
  uri: {{.Catalog.URI}}
  # warehouse: my-warehouse   # sent to GET /v1/config
  # token: ""                 # bearer token
  timeout: {{.Catalog.Timeout}}
  max_retries: {{.Catalog.MaxRetries}}
  breaker_failures: {{.Catalog.BreakerFailures}}   # 0 disables the circuit breaker
  breaker_reset: {{.Catalog.BreakerReset}}
{{- end}}

s3:
  region: {{.S3.Region}}
  # endpoint: http://localhost:9000   # MinIO and other S3-compatible stores
  # access_key_id: ""
  # secret_access_key: ""

ingest:
  schema_policy: {{.Ingest.SchemaPolicy}}   # permissive, strict
  commit_timeout: {{.Ingest.CommitTimeout}}
  max_attempts: {{.Ingest.MaxAttempts}}
  backoff_base: {{.Ingest.BackoffBase}}
  backoff_cap: {{.Ingest.BackoffCap}}
  alloc_factor: {{.Ingest.AllocFactor}}

otel:
  exporter: {{.OTel.Exporter}}   # none, stdout, otlp
  # endpoint: localhost:4317
  sample_ratio: {{.OTel.SampleRatio}}
`
