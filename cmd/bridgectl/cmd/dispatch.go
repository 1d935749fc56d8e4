package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/starbridge/internal/dispatch"
)

// dispatchCmd represents the dispatch command
var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Deliver queued notes into the open notebook",
	Long: `Deliver the next pending note, or every pending note with --all. The
browser must be inside a notebook.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		ctx, cancel := requestContext()
		defer cancel()

		if all {
			var sum dispatch.Summary
			if err := callAPI(ctx, http.MethodPost, "/dispatch/all", nil, &sum); err != nil {
				return fmt.Errorf("dispatch failed: %w", err)
			}
			if outputJSON {
				printOutput(sum)
				return nil
			}
			for _, r := range sum.Results {
				printResult(r)
			}
			fmt.Printf("\n%d sent, %d failed\n", sum.Sent, sum.Failed)
			return nil
		}

		var res dispatch.Result
		if err := callAPI(ctx, http.MethodPost, "/dispatch", nil, &res); err != nil {
			return fmt.Errorf("dispatch failed: %w", err)
		}
		if outputJSON {
			printOutput(res)
			return nil
		}
		printResult(res)
		return nil
	},
}

func printResult(r dispatch.Result) {
	switch r.Status {
	case dispatch.StatusEmpty:
		fmt.Println("Nothing pending")
		return
	case dispatch.StatusSent:
		fmt.Printf("✓ %s %q via %s (%s)\n", r.EntryID, r.Title, r.Strategy, r.Outcome.String())
	default:
		fmt.Printf("✗ %s %q failed", r.EntryID, r.Title)
		if r.Clipboard {
			fmt.Print(", copied to clipboard")
		}
		fmt.Println()
	}
	for _, a := range r.Attempts {
		fmt.Printf("    %-4s %-28s %s\n", a.Strategy, a.Outcome.String(), a.Duration)
	}
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
	dispatchCmd.Flags().Bool("all", false, "deliver every pending entry in order")
}
