package cmd

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Version is stamped by the release build:
//
//	go build -ldflags "-X github.com/florinutz/iceingest/cmd.Version=v1.0.0" ./cmd/iceingest
var Version = "dev"

// versionedDeps are the modules whose versions decide wire and table
// format compatibility.
var versionedDeps = map[string]string{
	"github.com/apache/arrow-go/v18":   "arrow",
	"github.com/parquet-go/parquet-go": "parquet",
	"github.com/hamba/avro/v2":         "avro",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the iceingest version",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "iceingest %s\n", Version)
		if verbose, _ := cmd.Flags().GetBool("verbose"); !verbose {
			return nil
		}
		fmt.Fprintf(out, "  go      %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return nil
		}
		for _, dep := range info.Deps {
			if label, ok := versionedDeps[dep.Path]; ok {
				fmt.Fprintf(out, "  %-7s %s\n", label, dep.Version)
			}
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolP("verbose", "v", false, "also print Go and format library versions")
}
