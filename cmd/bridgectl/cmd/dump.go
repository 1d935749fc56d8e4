package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var dumpCmd = &cobra.Command{
	Use:   "dump [file]",
	Short: "Write a diagnostic dump of the target page",
	Long: `Ask the daemon to snapshot the target page's buttons, inputs, dialogs and
notebook links into a JSON file for selector maintenance. Only the file
name is used: dumps always land in the directory of the daemon's
CONTROL_DUMP_PATH.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{}
		if len(args) == 1 {
			body["path"] = args[0]
		}

		ctx, cancel := requestContext()
		defer cancel()

		var resp struct {
			Path string `json:"path"`
		}
		if err := callAPI(ctx, http.MethodPost, "/debug/dump", body, &resp); err != nil {
			return fmt.Errorf("dump failed: %w", err)
		}
		fmt.Printf("✓ Dump written to %s\n", resp.Path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dumpCmd)
}
