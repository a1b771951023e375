package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_post/internal/newsletter"
)

var (
	publishTitle    string
	publishText     string
	publishHTML     string
	publishHTMLFile string
	publishKey      string
)

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a newsletter issue",
	Long: `Publish a newsletter issue to every confirmed subscriber.

Re-running with the same --key replays the original answer instead of
publishing twice.

Examples:
  postctl publish --title "Issue #1" --text "Hello" --key issue-1
  postctl publish --title "Issue #2" --html-file issue2.html --text "Hello"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := newsletter.PublishRequest{
			Title:          publishTitle,
			TextContent:    publishText,
			HTMLContent:    publishHTML,
			IdempotencyKey: publishKey,
		}
		if publishHTMLFile != "" {
			b, err := os.ReadFile(publishHTMLFile)
			if err != nil {
				return fmt.Errorf("read html file: %w", err)
			}
			req.HTMLContent = string(b)
		}
		if req.IdempotencyKey == "" {
			req.IdempotencyKey = uuid.NewString()
		}
		if err := req.Validate(); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		resp, err := makeHTTPRequest(ctx, http.MethodPost, "/admin/newsletters", req)
		if err != nil {
			return fmt.Errorf("publish request failed: %w", err)
		}
		if resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("publish failed (HTTP %d): %s", resp.StatusCode, string(resp.Body))
		}

		var body newsletter.PublishedBody
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			return fmt.Errorf("decode publish response: %w", err)
		}
		return printOutput(cmd.OutOrStdout(), body, func(w io.Writer) {
			fmt.Fprintf(w, "Published issue %s\n", body.IssueID)
			fmt.Fprintf(w, "  Idempotency key: %s\n", req.IdempotencyKey)
			fmt.Fprintf(w, "  Published at: %s\n", body.PublishedAt.Format("2006-01-02 15:04:05 MST"))
			fmt.Fprintf(w, "  Recipients enqueued: %d\n", body.RecipientsEnqueued)
			fmt.Fprintf(w, "  Location: %s\n", resp.Header.Get("Location"))
		})
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().StringVar(&publishTitle, "title", "", "issue title (required)")
	publishCmd.Flags().StringVar(&publishText, "text", "", "plain text body")
	publishCmd.Flags().StringVar(&publishHTML, "html", "", "HTML body")
	publishCmd.Flags().StringVar(&publishHTMLFile, "html-file", "", "read the HTML body from a file")
	publishCmd.Flags().StringVar(&publishKey, "key", "", "idempotency key (random when empty)")
	_ = publishCmd.MarkFlagRequired("title")
}
