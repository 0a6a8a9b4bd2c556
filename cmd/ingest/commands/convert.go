package commands

import (
	"fmt"
	"unicode/utf8"

	"ingestkit/lib/etl/convert"
	"ingestkit/lib/util/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	convertDelimiter  *string
	convertSchemaName *string
)

func init() {
	convertDelimiter = convertCmd.Flags().String("delimiter", ",", "Field delimiter of the csv file.")
	convertSchemaName = convertCmd.Flags().String("schema-name", "", "Name of the parquet schema.")
	rootCmd.AddCommand(convertCmd)
}

var convertCmd = &cobra.Command{
	Use:   "convert <in.csv> <out.parquet>",
	Short: "Converts a csv file to snappy compressed parquet, inferring column types.",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		delimiter, size := utf8.DecodeRuneInString(*convertDelimiter)
		if size == 0 || size != len(*convertDelimiter) {
			serviceutil.Fatal("invalid delimiter", fmt.Errorf("expected a single character, got %q", *convertDelimiter))
		}

		stats, err := convert.ConvertFile(cmd.Context(), args[0], args[1], convert.Options{
			Delimiter:  delimiter,
			SchemaName: *convertSchemaName,
		})
		if err != nil {
			serviceutil.Fatal("failed to convert", err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"Column", "Type"})
		for _, column := range stats.Columns {
			t.AppendRow(table.Row{column.Name, column.Kind})
		}
		t.AppendFooter(table.Row{"Rows", stats.Rows})
		t.Render()
	},
}
