package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/starbridge/internal/content"
	"github.com/austindbirch/starbridge/internal/intake"
	"github.com/austindbirch/starbridge/internal/queue"
)

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the delivery queue",
	Long:  `List, add, retry and remove queued notes.`,
}

type queueList struct {
	Entries   []queue.Entry `json:"entries"`
	QueueSize int           `json:"queueSize"`
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var resp queueList
		if err := callAPI(ctx, http.MethodGet, "/queue", nil, &resp); err != nil {
			return fmt.Errorf("failed to list queue: %w", err)
		}

		if outputJSON {
			printOutput(resp)
			return nil
		}
		fmt.Printf("%d pending\n", resp.QueueSize)
		for _, e := range resp.Entries {
			printEntry(e)
		}
		return nil
	},
}

func printEntry(e queue.Entry) {
	kind := "text"
	if e.Record.IsLink() {
		kind = "link"
	}
	fmt.Printf("\n  %s  [%s] %s (%s)\n", e.ID, e.Status, e.Record.Title, kind)
	fmt.Printf("    Enqueued: %s\n", e.EnqueuedAt.Format("2006-01-02 15:04:05"))
	if e.Attempts > 0 {
		fmt.Printf("    Attempts: %d\n", e.Attempts)
	}
	if e.LastError != "" {
		fmt.Printf("    Error: %s\n", e.LastError)
	}
	if e.InFlight {
		fmt.Println("    Delivery in progress")
	}
}

var queueAddCmd = &cobra.Command{
	Use:   "add [note.md]",
	Short: "Queue a note file or a text selection",
	Long: `Queue a note for delivery. Pass a markdown file, or --title with --body
or --link. A body of "-" is read from stdin.

Examples:
  bridgectl queue add ~/vault/Meeting.md
  bridgectl queue add --title "Meeting Notes" --body "Discussed roadmap"
  pbpaste | bridgectl queue add --title "Selection" --body -
  bridgectl queue add --title "Paper" --link https://example.com/paper.pdf
  bridgectl queue add notes.md --nsqd localhost:4150`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := recordFromFlags(cmd, args, os.Stdin)
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()

		if nsqd, _ := cmd.Flags().GetString("nsqd"); nsqd != "" {
			topic, _ := cmd.Flags().GetString("topic")
			return submitNSQ(ctx, nsqd, topic, rec)
		}

		var resp struct {
			ID        string `json:"id"`
			QueueSize int    `json:"queueSize"`
		}
		if err := callAPI(ctx, http.MethodPost, "/queue", rec, &resp); err != nil {
			return fmt.Errorf("failed to queue note: %w", err)
		}
		if outputJSON {
			printOutput(resp)
			return nil
		}
		fmt.Printf("✓ Queued %q as %s (%d pending)\n", rec.Title, resp.ID, resp.QueueSize)
		return nil
	},
}

func addRecordFlags(c *cobra.Command) {
	c.Flags().String("title", "", "source title (defaults to the file name)")
	c.Flags().String("body", "", "text to send; \"-\" reads stdin")
	c.Flags().String("link", "", "external link to add as a link source")
	c.Flags().Bool("frontmatter", false, "keep the note's frontmatter in the body")
}

// recordFromFlags builds the record from a note file or the selection flags.
func recordFromFlags(cmd *cobra.Command, args []string, stdin io.Reader) (content.Record, error) {
	title, _ := cmd.Flags().GetString("title")
	body, _ := cmd.Flags().GetString("body")
	link, _ := cmd.Flags().GetString("link")
	frontmatter, _ := cmd.Flags().GetBool("frontmatter")

	if len(args) == 1 {
		path := args[0]
		data, err := os.ReadFile(path)
		if err != nil {
			return content.Record{}, fmt.Errorf("read note: %w", err)
		}
		info, err := os.Stat(path)
		if err != nil {
			return content.Record{}, fmt.Errorf("stat note: %w", err)
		}
		rec, err := content.ParseNote(path, data, info.ModTime(), content.Options{IncludeFrontmatter: frontmatter, IncludeMetadata: true})
		if err != nil {
			return content.Record{}, err
		}
		if title != "" {
			rec.Title = title
		}
		return rec, nil
	}

	if body == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return content.Record{}, fmt.Errorf("read stdin: %w", err)
		}
		body = string(b)
	}
	rec := content.Record{Title: title, Body: strings.TrimSpace(body), ExternalLink: link}
	if err := rec.Validate(); err != nil {
		return content.Record{}, err
	}
	return rec, nil
}

func submitNSQ(ctx context.Context, nsqd, topic string, rec content.Record) error {
	pub, err := intake.NewPublisher(nsqd, topic, "")
	if err != nil {
		return err
	}
	defer pub.Stop()

	if err := pub.Submit(ctx, rec, "bridgectl"); err != nil {
		return fmt.Errorf("failed to submit note: %w", err)
	}
	fmt.Printf("✓ Submitted %q to topic %s\n", rec.Title, topic)
	return nil
}

var queuePopCmd = &cobra.Command{
	Use:   "pop",
	Short: "Take the next pending entry out of the queue",
	Long: `Take the oldest pending entry and print it. The entry leaves the queue;
the caller is responsible for delivering it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		var resp struct {
			ID   string         `json:"id"`
			Note content.Record `json:"note"`
		}
		if err := callAPI(ctx, http.MethodPost, "/queue/pop", nil, &resp); err != nil {
			if isNotFound(err) {
				fmt.Println("Queue is empty")
				return nil
			}
			return fmt.Errorf("failed to pop: %w", err)
		}
		if outputJSON {
			printOutput(resp)
			return nil
		}
		fmt.Printf("%s  %s\n\n%s\n", resp.ID, resp.Note.Title, resp.Note.Handoff())
		return nil
	},
}

// entryAction builds a command that posts to an entry-scoped route.
func entryAction(use, short, method, route, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [entry-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),

		ValidArgsFunction: completeEntryIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext()
			defer cancel()

			var body any
			if reason, err := cmd.Flags().GetString("reason"); err == nil && reason != "" {
				body = map[string]string{"reason": reason}
			}
			if err := callAPI(ctx, method, route+args[0], body, nil); err != nil {
				if isNotFound(err) {
					fmt.Printf("Entry %s not found\n", args[0])
					return nil
				}
				return fmt.Errorf("failed to %s %s: %w", use, args[0], err)
			}
			fmt.Printf("✓ %s %s\n", done, args[0])
			return nil
		},
	}
}

var (
	queueCompleteCmd = entryAction("complete", "Mark an entry as delivered", http.MethodPost, "/queue/complete/", "Completed")
	queueFailCmd     = entryAction("fail", "Mark an entry as failed", http.MethodPost, "/queue/fail/", "Marked failed")
	queueRetryCmd    = entryAction("retry", "Return a failed entry to pending", http.MethodPost, "/queue/retry/", "Requeued")
	queueRemoveCmd   = entryAction("remove", "Delete an entry", http.MethodDelete, "/queue/", "Removed")
)

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		if err := callAPI(ctx, http.MethodPost, "/queue/clear", nil, nil); err != nil {
			return fmt.Errorf("failed to clear queue: %w", err)
		}
		fmt.Println("✓ Queue cleared")
		return nil
	},
}

var queueCurrentCmd = &cobra.Command{
	Use:   "current",
	Short: "Queue the note currently open in the vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var resp struct {
			ID string `json:"id"`
		}
		if err := callAPI(ctx, http.MethodPost, "/current-note/enqueue", nil, &resp); err != nil {
			if isNotFound(err) {
				fmt.Println("No open note")
				return nil
			}
			return fmt.Errorf("failed to queue current note: %w", err)
		}
		fmt.Printf("✓ Queued current note as %s\n", resp.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queuePopCmd)
	queueCmd.AddCommand(queueCompleteCmd)
	queueCmd.AddCommand(queueFailCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueRemoveCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queueCurrentCmd)

	addRecordFlags(queueAddCmd)
	queueAddCmd.Flags().String("nsqd", "", "submit through this nsqd (host:port) instead of the control plane")
	queueAddCmd.Flags().String("topic", "sources", "NSQ topic for --nsqd")

	queueFailCmd.Flags().String("reason", "", "failure reason to record")
}
