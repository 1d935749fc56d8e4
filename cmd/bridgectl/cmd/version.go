package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/starbridge/internal/config"
)

var (
	// These will be set by ldflags during build
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// strategyOrder lists delivery strategies in the order bridged tries them.
func strategyOrder(preferred string) []string {
	order := []string{"rpc", "ui"}
	if preferred == "ui" {
		order[0], order[1] = order[1], order[0]
	}
	return order
}

// versionInfo describes the build plus the target and strategy order a
// daemon started from the same environment would use.
func versionInfo(cfg config.Config) map[string]string {
	return map[string]string{
		"version":       Version,
		"gitCommit":     GitCommit,
		"buildTime":     BuildTime,
		"goVersion":     runtime.Version(),
		"goos":          runtime.GOOS,
		"goarch":        runtime.GOARCH,
		"target":        cfg.Target.BaseURL,
		"strategyOrder": strings.Join(strategyOrder(cfg.Dispatch.Preferred), ","),
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build, target and strategy order",
	Long: `Print the bridgectl build along with the target site and the order in
which delivery strategies are tried. Target and order are resolved from
TARGET_BASE_URL and DISPATCH_PREFERRED, the same variables bridged reads.`,
	Run: func(cmd *cobra.Command, args []string) {
		info := versionInfo(config.FromEnv())
		if outputJSON {
			printOutput(info)
			return
		}
		fmt.Printf("bridgectl %s (%s, built %s)\n", info["version"], info["gitCommit"], info["buildTime"])
		fmt.Printf("Target: %s\n", info["target"])
		fmt.Printf("Strategy order: %s\n", strings.ReplaceAll(info["strategyOrder"], ",", " -> "))
		fmt.Printf("Go: %s %s/%s\n", info["goVersion"], info["goos"], info["goarch"])
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
