package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"ingestkit/lib/util/serviceutil"
	"ingestkit/lib/validation"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var validateJson *bool

func init() {
	validateJson = validateCmd.Flags().Bool("json", false, "Print the summary as json.")
	rootCmd.AddCommand(validateCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate <records.json>",
	Short: "Validates a json array of product records, exits with 1 when data quality is low.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		contents, err := os.ReadFile(args[0])
		if err != nil {
			serviceutil.Fatal("failed to read records", err)
		}
		var records []map[string]any
		err = json.Unmarshal(contents, &records)
		if err != nil {
			serviceutil.Fatal("records must be a json array of objects", err)
		}

		result := validation.ValidateBatch(cmd.Context(), records, validation.DecodeProduct)
		summary := result.Summary()

		if *validateJson {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			err = enc.Encode(summary)
			if err != nil {
				serviceutil.Fatal("failed to print summary", err)
			}
		} else {
			if len(result.Invalid) > 0 {
				invalid := newTable()
				invalid.AppendHeader(table.Row{"Id", "Error"})
				for _, record := range result.Invalid {
					id := ""
					if value, ok := record.Record["id"]; ok {
						id = fmt.Sprint(value)
					}
					invalid.AppendRow(table.Row{id, record.Message})
				}
				invalid.Render()
			}

			t := newTable()
			t.AppendRows([]table.Row{
				{"Valid", summary.ValidCount},
				{"Invalid", summary.InvalidCount},
				{"Success rate", summary.SuccessRate},
				{"Quality", summary.Quality},
			})
			t.Render()
		}

		if summary.Quality == validation.QualityLow {
			os.Exit(1)
		}
	},
}
