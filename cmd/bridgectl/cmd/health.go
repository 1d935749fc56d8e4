package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the starbridge daemon",
	Long:  `Check the daemon's /healthz endpoint, which pings the browser tab and any configured database or nsqd.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var resp struct {
			OK      bool            `json:"ok"`
			Message string          `json:"message"`
			Checks  map[string]bool `json:"checks"`
		}
		err := callAPI(ctx, http.MethodGet, "/healthz", nil, &resp)
		if err != nil {
			fmt.Printf("✗ Daemon is unhealthy: %v\n", err)
			return nil
		}
		if outputJSON {
			printOutput(resp)
			return nil
		}
		fmt.Println("✓ Daemon is healthy")
		for name, ok := range resp.Checks {
			mark := "✓"
			if !ok {
				mark = "✗"
			}
			fmt.Printf("  %s %s\n", mark, name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
