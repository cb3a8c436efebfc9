package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/florinutz/iceingest/iceberg"
	"github.com/florinutz/iceingest/internal/config"
	"github.com/florinutz/iceingest/server"
	"github.com/florinutz/iceingest/testutil"
)

func hadoopConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Warehouse = t.TempDir()
	cfg.Catalog = config.CatalogConfig{Type: "hadoop"}
	return cfg
}

func TestNewLogHandler(t *testing.T) {
	tests := []struct {
		level, format string
		wantErr       bool
	}{
		{"info", "text", false},
		{"DEBUG", "json", false},
		{"warn", "text", false},
		{"verbose", "text", true},
		{"info", "xml", true},
	}
	for _, tt := range tests {
		_, err := newLogHandler(&bytes.Buffer{}, tt.level, tt.format)
		if (err != nil) != tt.wantErr {
			t.Errorf("newLogHandler(%q, %q) error = %v, wantErr %v", tt.level, tt.format, err, tt.wantErr)
		}
	}
}

func TestBuildCatalog(t *testing.T) {
	cfg := hadoopConfig(t)
	cat, err := buildCatalog(context.Background(), cfg, &iceberg.LocalStorage{}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cat.(*iceberg.HadoopCatalog); !ok {
		t.Errorf("catalog = %T, want *iceberg.HadoopCatalog", cat)
	}

	cfg.Catalog.Type = "glue"
	if _, err := buildCatalog(context.Background(), cfg, &iceberg.LocalStorage{}, slog.Default()); err == nil {
		t.Error("expected error for unknown catalog type")
	}
}

func TestPushHTTP_EndToEnd(t *testing.T) {
	cfg := hadoopConfig(t)
	p, err := buildPipeline(context.Background(), cfg, nil, nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(server.NewAPI(p, cfg.HTTP.MaxBodyBytes, slog.Default()).Handler())
	defer ts.Close()

	resp, err := pushHTTP(context.Background(), newPushClient(0, slog.Default()), ts.URL+"/", "raw", "events", testutil.SimpleStream(t))
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.RecordsIngested == nil || *resp.RecordsIngested != 5 {
		t.Errorf("response = %+v", resp)
	}
	if resp.Namespace != "raw" || resp.Table != "events" {
		t.Errorf("target = %s.%s", resp.Namespace, resp.Table)
	}
}

func TestPushHTTP_ClientFault(t *testing.T) {
	cfg := hadoopConfig(t)
	p, err := buildPipeline(context.Background(), cfg, nil, nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(server.NewAPI(p, cfg.HTTP.MaxBodyBytes, slog.Default()).Handler())
	defer ts.Close()

	resp, err := pushHTTP(context.Background(), newPushClient(0, slog.Default()), ts.URL, "", "events", []byte("not arrow"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "status 400") {
		t.Errorf("error = %v", err)
	}
	if resp.Success || resp.ErrorKind != "decode_malformed" {
		t.Errorf("response = %+v", resp)
	}
}

func TestPushHTTP_RetriesRateLimited(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"success":false,"message":"rate limit exceeded","records_ingested":null,"error_kind":"rate_limited"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"message":"Successfully ingested 5 records","records_ingested":5}`))
	}))
	defer ts.Close()

	client := newPushClient(2, slog.Default())
	client.RetryWaitMin = time.Millisecond
	client.RetryWaitMax = 5 * time.Millisecond

	resp, err := pushHTTP(context.Background(), client, ts.URL, "", "events", testutil.SimpleStream(t))
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 || !resp.Success {
		t.Errorf("calls = %d, response = %+v", calls.Load(), resp)
	}
}

func TestPushHTTP_NoRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"success":false,"message":"catalog unavailable","records_ingested":null,"error_kind":"catalog_unavailable"}`))
	}))
	defer ts.Close()

	client := newPushClient(3, slog.Default())
	client.RetryWaitMin = time.Millisecond
	client.RetryWaitMax = 5 * time.Millisecond

	if _, err := pushHTTP(context.Background(), client, ts.URL, "", "events", testutil.SimpleStream(t)); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestPrintResults(t *testing.T) {
	var buf bytes.Buffer
	failed := printResults(&buf, []validationResult{
		{component: "config", status: "OK", message: "structural validation passed"},
		{component: "catalog", status: "FAIL", message: "connection refused", duration: 1500 * time.Microsecond},
	})
	if !failed {
		t.Error("expected failure to be reported")
	}
	out := buf.String()
	for _, want := range []string{"COMPONENT", "config", "catalog", "FAIL", "1ms", "connection refused"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestProbe_Hadoop(t *testing.T) {
	results := probe(context.Background(), hadoopConfig(t), slog.Default())
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	for _, r := range results {
		if r.status != "OK" {
			t.Errorf("%s: %s %s", r.component, r.status, r.message)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(buf.String()); got != "iceingest "+Version {
		t.Errorf("version output = %q", got)
	}
}

func TestVersionCommand_Verbose(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version", "--verbose"})
	defer func() {
		rootCmd.SetArgs(nil)
		_ = versionCmd.Flags().Set("verbose", "false")
	}()
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) < 2 || lines[0] != "iceingest "+Version || !strings.Contains(lines[1], "go") {
		t.Errorf("verbose version output = %q", buf.String())
	}
}

func TestConfigTemplate_ParsesToDefaults(t *testing.T) {
	var buf bytes.Buffer
	if err := writeConfigTemplate(&buf, config.Default()); err != nil {
		t.Fatal(err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(&buf); err != nil {
		t.Fatalf("template is not valid yaml: %v\n%s", err, buf.String())
	}
	var got config.Config
	if err := v.Unmarshal(&got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(config.Default(), got); diff != "" {
		t.Errorf("template round trip (-want +got):\n%s", diff)
	}
}

func TestConfigTemplate_Hadoop(t *testing.T) {
	cfg := config.Default()
	cfg.Catalog.Type = "hadoop"
	cfg.Warehouse = "/var/lib/iceberg"
	var buf bytes.Buffer
	if err := writeConfigTemplate(&buf, cfg); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "breaker_failures") {
		t.Error("hadoop template carries REST catalog settings")
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(&buf); err != nil {
		t.Fatal(err)
	}
	got := config.Default()
	if err := v.Unmarshal(&got); err != nil {
		t.Fatal(err)
	}
	if got.Catalog.Type != "hadoop" || got.Warehouse != "/var/lib/iceberg" {
		t.Errorf("catalog %q warehouse %q", got.Catalog.Type, got.Warehouse)
	}
	if err := got.Validate(); err != nil {
		t.Error(err)
	}
}

func TestWriteConfigYAML_RedactsCredentials(t *testing.T) {
	cfg := config.Default()
	cfg.Catalog.Token = "t0ken"
	cfg.S3.SecretAccessKey = "s3cret"

	var buf bytes.Buffer
	if err := writeConfigYAML(&buf, cfg); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "t0ken") || strings.Contains(buf.String(), "s3cret") {
		t.Fatalf("credentials leaked:\n%s", buf.String())
	}

	var got config.Config
	if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	want := config.Default()
	want.Catalog.Token = redacted
	want.S3.SecretAccessKey = redacted
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("yaml round trip (-want +got):\n%s", diff)
	}
}
