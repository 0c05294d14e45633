package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/matt-primrose/video-ingest-service/internal/backend"
	"github.com/matt-primrose/video-ingest-service/internal/backoff"
	"github.com/matt-primrose/video-ingest-service/internal/config"
	"github.com/matt-primrose/video-ingest-service/internal/status"
	"github.com/matt-primrose/video-ingest-service/pkg/models"
)

type statusFlags struct {
	mode   string
	retry  bool
	follow bool
	json   bool
}

func newStatusCmd() *cobra.Command {
	var f statusFlags

	cmd := &cobra.Command{
		Use:   "status VIDEO",
		Short: "Show or follow the processing status of a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runStatus(ctx, cmd.OutOrStdout(), cfg, args[0], f)
		},
	}

	cmd.Flags().StringVar(&f.mode, "mode", "", "status channel mode (push or poll); defaults to the configured mode")
	cmd.Flags().BoolVar(&f.retry, "retry", false, "ask the backend to retry failed processing first")
	cmd.Flags().BoolVarP(&f.follow, "follow", "f", false, "follow status changes until processing finishes")
	cmd.Flags().BoolVar(&f.json, "json", false, "print the status as JSON")
	return cmd
}

func runStatus(ctx context.Context, out io.Writer, cfg *config.Config, videoID string, f statusFlags) error {
	client := backend.New(cfg.Backend)

	if f.retry {
		jobID, err := client.RetryProcessing(ctx, videoID)
		if err != nil {
			return reportError(out, err)
		}
		fmt.Fprintf(out, "retry queued: processing job %s\n", jobID)
	}

	if f.follow {
		mode := f.mode
		if mode == "" {
			mode = cfg.Status.Mode
		}
		return watchStatus(ctx, out, cfg, client, videoID, mode)
	}

	ev, err := client.ProcessingStatus(ctx, videoID)
	if err != nil {
		return reportError(out, err)
	}
	if f.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(ev)
	}
	printEvent(out, *ev)
	printResult(out, ev.Result)
	return nil
}

// watchStatus prints status events for videoID until the job finishes, the
// channel gives up or ctx is cancelled
func watchStatus(ctx context.Context, out io.Writer, cfg *config.Config, client *backend.Client, videoID, mode string) error {
	statusCfg := cfg.Status
	statusCfg.Mode = mode
	src, err := status.NewSource(statusCfg, cfg.Backend, backoff.FromConfig(cfg.Backoff), client)
	if err != nil {
		return err
	}

	hub := status.NewHub(src)
	defer hub.Close()

	final := make(chan models.StatusEvent, 1)
	handle := hub.Subscribe(videoID, func(ev models.StatusEvent) {
		printEvent(out, ev)
		if ev.Status.Terminal() {
			select {
			case final <- ev:
			default:
			}
		}
	})

	select {
	case <-ctx.Done():
		hub.Unsubscribe(handle)
		return nil
	case <-handle.Done():
		if err := handle.Err(); err != nil {
			return reportError(out, err)
		}
		return nil
	case ev := <-final:
		hub.Unsubscribe(handle)
		if ev.Status == models.JobStatusFailed {
			return fmt.Errorf("processing failed: %s", ev.Error)
		}
		printResult(out, ev.Result)
		return nil
	}
}

func printEvent(out io.Writer, ev models.StatusEvent) {
	line := fmt.Sprintf("%s %3d%%", ev.Status, ev.Progress)
	if ev.Message != "" {
		line += " " + ev.Message
	}
	if ev.Error != "" {
		line += " (" + ev.Error + ")"
	}
	fmt.Fprintln(out, line)
}
