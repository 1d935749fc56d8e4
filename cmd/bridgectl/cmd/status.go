package cmd

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/starbridge/internal/dispatch"
	"github.com/austindbirch/starbridge/internal/journal"
	"github.com/austindbirch/starbridge/internal/session"
)

type statusResponse struct {
	OK           bool           `json:"ok"`
	QueueSize    int            `json:"queueSize"`
	Failed       int            `json:"failed"`
	InFlight     int            `json:"inFlight"`
	Dispatching  bool           `json:"dispatching"`
	Session      *session.State `json:"session,omitempty"`
	SessionError string         `json:"sessionError,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var st statusResponse
		if err := callAPI(ctx, http.MethodGet, "/status", nil, &st); err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}
		if outputJSON {
			printOutput(st)
			return nil
		}
		fmt.Printf("Pending: %d  Failed: %d  In flight: %d\n", st.QueueSize, st.Failed, st.InFlight)
		switch {
		case st.Dispatching:
			fmt.Println("Session: busy (delivery running)")
		case st.SessionError != "":
			fmt.Printf("Session: unavailable (%s)\n", st.SessionError)
		case st.Session != nil:
			printSession(*st.Session)
		}
		return nil
	},
}

func printSession(s session.State) {
	switch s.Kind {
	case session.KindInsideContainer:
		fmt.Printf("Session: inside notebook %s\n", s.ContainerID)
	case session.KindList:
		fmt.Println("Session: notebook list")
	default:
		fmt.Printf("Session: %s\n", s.Kind)
	}
	if s.Title != "" {
		fmt.Printf("  Title: %s\n", s.Title)
	}
	fmt.Printf("  URL: %s\n", s.URL)
	fmt.Printf("  Token: %s\n", orNone(s.AuthToken))
	for _, nb := range s.Notebooks {
		fmt.Printf("  - %s  %s\n", nb.ID, nb.Title)
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect the target page the browser has open",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var st session.State
		if err := callAPI(ctx, http.MethodGet, "/session", nil, &st); err != nil {
			return fmt.Errorf("failed to read session: %w", err)
		}
		if outputJSON {
			printOutput(st)
			return nil
		}
		printSession(st)
		return nil
	},
}

var noticesCmd = &cobra.Command{
	Use:   "notices",
	Short: "Show recent delivery notices",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var resp struct {
			Notices []dispatch.Notice `json:"notices"`
		}
		if err := callAPI(ctx, http.MethodGet, "/notices", nil, &resp); err != nil {
			return fmt.Errorf("failed to read notices: %w", err)
		}
		if outputJSON {
			printOutput(resp)
			return nil
		}
		if len(resp.Notices) == 0 {
			fmt.Println("No notices")
		}
		for _, n := range resp.Notices {
			fmt.Printf("%s  %-7s %s\n", n.At.Format("15:04:05"), n.Level, n.Message)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show journaled deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := requestContext()
		defer cancel()

		var resp struct {
			Deliveries []journal.Delivery `json:"deliveries"`
		}
		if err := callAPI(ctx, http.MethodGet, "/history?limit="+strconv.Itoa(limit), nil, &resp); err != nil {
			return fmt.Errorf("failed to read history: %w", err)
		}
		if outputJSON {
			printOutput(resp)
			return nil
		}
		for _, d := range resp.Deliveries {
			fmt.Printf("%s  %-6s %-4s %-28s %s\n", d.CreatedAt.Format("2006-01-02 15:04:05"), d.Status, d.Strategy, d.Outcome, d.Title)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(noticesCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().Int("limit", 20, "number of deliveries to show")
}
