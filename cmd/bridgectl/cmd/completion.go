package cmd

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate a shell completion script",
	Long: `Generate a shell completion script for bridgectl.

Entry-scoped commands (queue complete, fail, retry, remove) complete entry
IDs by asking the running bridged for its queue, so completion only offers
IDs while the daemon is reachable at --server.

  $ source <(bridgectl completion bash)
  $ bridgectl completion zsh > "${fpath[1]}/_bridgectl"
  $ bridgectl completion fish > ~/.config/fish/completions/bridgectl.fish
  PS> bridgectl completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletionV2(out, true)
		case "zsh":
			return cmd.Root().GenZshCompletion(out)
		case "fish":
			return cmd.Root().GenFishCompletion(out, true)
		default:
			return cmd.Root().GenPowerShellCompletionWithDesc(out)
		}
	},
}

// completeEntryIDs offers queued entry IDs, described by status and title.
// Errors yield no suggestions so a stopped daemon never breaks the shell.
func completeEntryIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var resp queueList
	if err := callAPI(ctx, http.MethodGet, "/queue", nil, &resp); err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var ids []string
	for _, e := range resp.Entries {
		if strings.HasPrefix(e.ID, toComplete) {
			ids = append(ids, e.ID+"\t"+string(e.Status)+" "+e.Record.Title)
		}
	}
	return ids, cobra.ShellCompDirectiveNoFileComp
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
