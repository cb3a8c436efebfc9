package config

import "time"

type Config struct {
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat       string        `mapstructure:"log_format" yaml:"log_format"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MetricsAddr     string        `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	// Warehouse is the root under which new tables are placed, and for the
	// hadoop catalog also where table metadata lives.
	Warehouse string          `mapstructure:"warehouse" yaml:"warehouse"`
	HTTP      HTTPConfig      `mapstructure:"http" yaml:"http"`
	Flight    FlightConfig    `mapstructure:"flight" yaml:"flight"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Catalog   CatalogConfig   `mapstructure:"catalog" yaml:"catalog"`
	S3        S3Config        `mapstructure:"s3" yaml:"s3"`
	Ingest    IngestConfig    `mapstructure:"ingest" yaml:"ingest"`
	OTel      OTelConfig      `mapstructure:"otel" yaml:"otel"`
}

type HTTPConfig struct {
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	CORSOrigins  []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	TLSCertFile  string        `mapstructure:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile   string        `mapstructure:"tls_key_file" yaml:"tls_key_file"`
}

type FlightConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr            string `mapstructure:"addr" yaml:"addr"`
	MaxMessageBytes int    `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
}

// RateLimitConfig caps ingest requests per second across the process.
// RequestsPerSecond <= 0 disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

type CatalogConfig struct {
	Type string `mapstructure:"type" yaml:"type"` // "rest" or "hadoop"
	URI  string `mapstructure:"uri" yaml:"uri"`
	// Warehouse is the REST catalog warehouse identifier sent to /v1/config.
	Warehouse  string        `mapstructure:"warehouse" yaml:"warehouse"`
	Token      string        `mapstructure:"token" yaml:"token"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	// BreakerFailures consecutive catalog failures make further calls fail
	// fast for BreakerReset. Zero disables the breaker.
	BreakerFailures int           `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerReset    time.Duration `mapstructure:"breaker_reset" yaml:"breaker_reset"`
}

type S3Config struct {
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	Region          string `mapstructure:"region" yaml:"region"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
}

type IngestConfig struct {
	SchemaPolicy  string        `mapstructure:"schema_policy" yaml:"schema_policy"` // "permissive" or "strict"
	CommitTimeout time.Duration `mapstructure:"commit_timeout" yaml:"commit_timeout"`
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffCap    time.Duration `mapstructure:"backoff_cap" yaml:"backoff_cap"`
	// AllocFactor bounds decode memory at AllocFactor times the body size.
	AllocFactor int `mapstructure:"alloc_factor" yaml:"alloc_factor"`
}

type OTelConfig struct {
	Exporter    string  `mapstructure:"exporter" yaml:"exporter"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
}

func Default() Config {
	return Config{
		LogLevel:        "info",
		LogFormat:       "text",
		ShutdownTimeout: 10 * time.Second,
		Warehouse:       "s3://iceberg-data",
		HTTP: HTTPConfig{
			Addr:         ":3000",
			CORSOrigins:  []string{"*"},
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  120 * time.Second,
			MaxBodyBytes: 256 * 1024 * 1024, // 256 MB
		},
		Flight: FlightConfig{
			Addr:            ":8815",
			MaxMessageBytes: 256 * 1024 * 1024,
		},
		RateLimit: RateLimitConfig{
			Burst: 10,
		},
		Catalog: CatalogConfig{
			Type:            "rest",
			URI:             "http://localhost:8181",
			Timeout:         30 * time.Second,
			MaxRetries:      3,
			BreakerFailures: 5,
			BreakerReset:    30 * time.Second,
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		Ingest: IngestConfig{
			SchemaPolicy:  "permissive",
			CommitTimeout: 2 * time.Minute,
			MaxAttempts:   4,
			BackoffBase:   50 * time.Millisecond,
			BackoffCap:    2 * time.Second,
			AllocFactor:   64,
		},
		OTel: OTelConfig{
			Exporter:    "none",
			SampleRatio: 1.0,
		},
	}
}
