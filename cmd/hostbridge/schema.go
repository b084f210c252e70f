package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/hostbridge/message"
)

var schemaCmd = &cobra.Command{
	Use:   "schema [method]",
	Short: "Print the JSON schema of the wire messages",
	Long: `Print the JSON schema of every message exchanged between service and
worker, keyed by method, or of a single method.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSchema,
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}

func runSchema(cmd *cobra.Command, args []string) error {
	schemas := message.Schema()

	var out any = schemas
	if len(args) == 1 {
		s, ok := schemas[message.Method(args[0])]
		if !ok {
			return fmt.Errorf("%w: %q", message.ErrUnknownMethod, args[0])
		}
		out = s
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
