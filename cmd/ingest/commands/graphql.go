package commands

import (
	"encoding/json"
	"os"

	"ingestkit/lib/apis/rest"
	"ingestkit/lib/util/serviceutil"

	"github.com/spf13/cobra"
)

var (
	graphqlPath      *string
	graphqlOperation *string
	graphqlVars      *string
	graphqlApiKey    *string
)

func init() {
	graphqlPath = graphqlCmd.Flags().String("path", "graphql", "Path of the graphql endpoint relative to the base url.")
	graphqlOperation = graphqlCmd.Flags().String("operation", "", "Operation name sent with the query.")
	graphqlVars = graphqlCmd.Flags().String("vars", "{}", "Query variables as a json object.")
	graphqlApiKey = graphqlCmd.Flags().String("api-key", "", "Bearer token, env:NAME reads it from the environment.")
	rootCmd.AddCommand(graphqlCmd)
}

var graphqlCmd = &cobra.Command{
	Use:   "graphql <base-url> <query-file>",
	Short: "Runs a graphql query and prints the data as json.",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		query, err := os.ReadFile(args[1])
		if err != nil {
			serviceutil.Fatal("failed to read query", err)
		}
		var variables map[string]any
		err = json.Unmarshal([]byte(*graphqlVars), &variables)
		if err != nil {
			serviceutil.Fatal("failed to parse --vars", err)
		}

		client := newRestClient(args[0], *graphqlApiKey, 0, 1)
		data, err := rest.GraphQL[map[string]any, json.RawMessage](
			cmd.Context(), client, *graphqlPath, *graphqlOperation, string(query), variables,
		)
		if err != nil {
			serviceutil.Fatal("graphql query failed", err)
		}

		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		var pretty any
		err = json.Unmarshal(data, &pretty)
		if err != nil {
			serviceutil.Fatal("failed to decode response", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(pretty)
		if err != nil {
			serviceutil.Fatal("failed to print response", err)
		}
	},
}
