package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/florinutz/iceingest/internal/config"
	"github.com/florinutz/iceingest/tracing"
)

// envPrefix namespaces every env override, e.g. ICEINGEST_CATALOG_URI.
const envPrefix = "ICEINGEST"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "iceingest",
	Short: "Ingest Arrow record batches into Apache Iceberg tables",
	Long: `iceingest accepts Arrow IPC streams over HTTP or Arrow Flight, creates the
target namespace and table in an Iceberg catalog (REST or filesystem) when
they are missing, writes the rows as a Parquet data file, and commits a new
table snapshot.

Settings come from flags, ICEINGEST_* env vars and iceingest.yaml, in that
order of precedence.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		h, err := newLogHandler(cmd.ErrOrStderr(), viper.GetString("log_level"), viper.GetString("log_format"))
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(tracing.NewLogHandler(h)))
		return nil
	},
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./iceingest.yaml)")
	pf.String("log-level", config.Default().LogLevel, "log level: debug, info, warn, error")
	pf.String("log-format", config.Default().LogFormat, "log format: text, json")
	mustBindPFlag("log_level", pf.Lookup("log-level"))
	mustBindPFlag("log_format", pf.Lookup("log-format"))

	rootCmd.AddCommand(serveCmd, pushCmd, validateCmd, versionCmd)
}

func initConfig() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	// AutomaticEnv only answers keys viper already knows; binding them
	// makes env-only nested values visible to Unmarshal.
	for _, key := range config.Keys() {
		_ = viper.BindEnv(key)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("iceingest")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			fmt.Fprintf(os.Stderr, "warning: config file not read: %v\n", err)
		}
	}
}

// newLogHandler builds the base handler for level and format, writing to w.
func newLogHandler(w io.Writer, level, format string) (slog.Handler, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: want debug, info, warn or error", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("log format %q: want text or json", format)
	}
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("viper.BindPFlag(%q): %v", key, err))
	}
}
