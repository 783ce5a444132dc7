package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show extractor server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		health, err := newClient().Health(cmd.Context())
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(health)
		}

		keys := make([]string, 0, len(health))
		for k := range health {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")
		for _, k := range keys {
			table.Append(k, fmt.Sprintf("%v", health[k]))
		}
		table.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
