package commands

import (
	"context"
	"os"

	"ingestkit/lib/config"
	"ingestkit/lib/restyutil"
	"ingestkit/lib/telemetry"
	"ingestkit/lib/util/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ingest",
	Short: "ingest scrapes websites, pages through APIs, validates and converts data.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		telemetry.InitSlog(*verbose)
	},
	SilenceUsage: true,
}

var (
	configPath *string
	verbose    *bool
	dumpHttp   *string
)

func init() {
	configPath = rootCmd.PersistentFlags().String("config", config.DefaultFile, "The pipeline config to read jobs from.")
	verbose = rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log at debug level.")
	dumpHttp = rootCmd.PersistentFlags().String("dump-http", "", "Write every raw HTTP exchange to this directory.")
}

func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}

// dumpOutput is the --dump-http output, nil when the flag is unset.
func dumpOutput() restyutil.Output {
	if *dumpHttp == "" {
		return nil
	}
	out, err := restyutil.NewFilesystemOutput(*dumpHttp)
	if err != nil {
		serviceutil.Fatal("failed to create http dump directory", err)
	}
	return out
}

func loadConfig() config.Pipeline {
	cfg, err := config.Load(*configPath)
	if err != nil {
		serviceutil.Fatal("failed to load config", err)
	}
	return cfg
}
