package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/harbor_post/internal/delivery"
	"github.com/austindbirch/harbor_post/internal/emailclient"
	"github.com/austindbirch/harbor_post/internal/logging"
)

var drainWorkers int

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drain the delivery queue",
}

var queueDepthCmd = &cobra.Command{
	Use:   "depth",
	Short: "Show how many deliveries are waiting",
	Long:  `Show the delivery backlog. Reads the database with --dsn, otherwise asks the API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		depth, err := queueDepth(ctx)
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), map[string]int64{"depth": depth}, func(w io.Writer) {
			fmt.Fprintf(w, "%d deliveries waiting\n", depth)
		})
	},
}

func queueDepth(ctx context.Context) (int64, error) {
	if dsn != "" {
		pool, err := openPool(ctx)
		if err != nil {
			return 0, err
		}
		defer pool.Close()
		return delivery.NewPostgresQueue(pool).Depth(ctx)
	}

	resp, err := makeHTTPRequest(ctx, http.MethodGet, "/admin/newsletters/queue", nil)
	if err != nil {
		return 0, fmt.Errorf("queue depth request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("queue depth failed (HTTP %d): %s", resp.StatusCode, string(resp.Body))
	}
	var body struct {
		Depth int64 `json:"depth"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return 0, fmt.Errorf("decode queue depth: %w", err)
	}
	return body.Depth, nil
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Deliver every queued email now and exit",
	Long: `Run delivery workers against the database until the queue is empty.

Failed sends are logged and dropped, exactly as the long-running worker does.

Examples:
  postctl queue drain --dsn postgres://... --email-url http://localhost:8081 --workers 4`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, err := openPool(cmd.Context())
		if err != nil {
			return err
		}
		defer pool.Close()

		sender, err := emailclient.New(emailclient.Config{
			BaseURL:   viper.GetString("email-url"),
			Sender:    viper.GetString("email-sender"),
			AuthToken: viper.GetString("email-token"),
			Timeout:   10 * time.Second,
		})
		if err != nil {
			return err
		}

		logger := logging.NewWithWriter("postctl", cmd.ErrOrStderr())
		queue := delivery.NewPostgresQueue(pool)
		start := time.Now()
		total, err := drainQueue(cmd.Context(), drainWorkers, func() *delivery.Worker {
			return delivery.NewWorker(queue, sender, delivery.Options{Logger: logger})
		})
		if err != nil {
			return fmt.Errorf("drain stopped after %d deliveries: %w", total, err)
		}
		return printOutput(cmd.OutOrStdout(), map[string]any{"processed": total, "elapsed": time.Since(start).String()}, func(w io.Writer) {
			fmt.Fprintf(w, "Processed %d deliveries in %s\n", total, time.Since(start).Round(time.Millisecond))
		})
	},
}

// drainQueue runs n workers until each sees an empty queue
func drainQueue(ctx context.Context, n int, newWorker func() *delivery.Worker) (int64, error) {
	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for range max(n, 1) {
		w := newWorker()
		g.Go(func() error {
			done, err := w.DrainAll(gctx)
			total.Add(int64(done))
			return err
		})
	}
	err := g.Wait()
	return total.Load(), err
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueDepthCmd, queueDrainCmd)

	queueDrainCmd.Flags().IntVar(&drainWorkers, "workers", 1, "concurrent delivery workers")
	queueDrainCmd.Flags().String("email-url", "http://localhost:8081", "email API base url")
	queueDrainCmd.Flags().String("email-sender", "newsletter@harborpost.dev", "From address")
	queueDrainCmd.Flags().String("email-token", "", "email API server token")
	_ = viper.BindPFlag("email-url", queueDrainCmd.Flags().Lookup("email-url"))
	_ = viper.BindPFlag("email-sender", queueDrainCmd.Flags().Lookup("email-sender"))
	_ = viper.BindPFlag("email-token", queueDrainCmd.Flags().Lookup("email-token"))
}
