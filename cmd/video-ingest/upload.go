package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/matt-primrose/video-ingest-service/internal/backend"
	"github.com/matt-primrose/video-ingest-service/internal/backoff"
	"github.com/matt-primrose/video-ingest-service/internal/config"
	"github.com/matt-primrose/video-ingest-service/internal/events"
	"github.com/matt-primrose/video-ingest-service/internal/ingesterr"
	"github.com/matt-primrose/video-ingest-service/internal/pipeline"
	"github.com/matt-primrose/video-ingest-service/internal/storage"
	"github.com/matt-primrose/video-ingest-service/internal/transport"
	"github.com/matt-primrose/video-ingest-service/internal/upload"
	"github.com/matt-primrose/video-ingest-service/internal/worker"
	"github.com/matt-primrose/video-ingest-service/pkg/models"
)

type uploadFlags struct {
	resume   string
	priority string
	metadata map[string]string
	process  bool
	watch    bool
}

func newUploadCmd() *cobra.Command {
	var f uploadFlags

	cmd := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a video in resumable chunks",
		Long: `Upload a local path, file:// URI, http(s) URL, s3:// URI or Azure blob URL.
Interrupting the upload keeps the session; pass its id to --resume to continue.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runUpload(ctx, cmd.OutOrStdout(), cfg, args[0], f)
		},
	}

	cmd.Flags().StringVar(&f.resume, "resume", "", "resume the given upload session")
	cmd.Flags().StringVar(&f.priority, "priority", "normal", "processing priority (high, normal, low)")
	cmd.Flags().StringToStringVar(&f.metadata, "meta", nil, "metadata attached to the video (key=value)")
	cmd.Flags().BoolVar(&f.process, "process", false, "run the processing pipeline in this process after the upload")
	cmd.Flags().BoolVar(&f.watch, "watch", false, "follow the processing status after the upload")
	return cmd
}

func runUpload(ctx context.Context, out io.Writer, cfg *config.Config, uri string, f uploadFlags) error {
	priority, err := models.ParsePriority(f.priority)
	if err != nil {
		return err
	}

	src, err := storage.NewSourceForURI(ctx, uri, cfg.Source)
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}
	file, err := src.Open(ctx, uri)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", uri, err)
	}
	defer file.Close()

	client := backend.New(cfg.Backend)
	policy := backoff.FromConfig(cfg.Backoff)
	tr := transport.New(client, policy, cfg.Upload.MaxRetries)

	var opts []upload.Option
	var w *worker.Worker
	broker := events.NewBroker()
	if f.process {
		pipe := pipeline.New(client, cfg.Processing, policy, pipeline.WithStageAttempts(cfg.Processing.StageAttempts))
		w = worker.New(cfg.Processing, pipe,
			worker.WithPublisher(broker),
			worker.WithRegisterer(prometheus.NewRegistry()),
		)
		opts = append(opts, upload.WithJobSink(w))
	}
	mgr := upload.NewManager(cfg.Upload, client, tr, opts...)

	onProgress := func(p upload.Progress) {
		fmt.Fprintf(out, "chunk %d/%d accepted (%.0f%%)\n", p.Accepted, p.Total, p.Percent)
	}

	uploadOpts := upload.Options{Priority: priority, Metadata: f.metadata}

	var sessionID, videoID, jobID string
	if f.resume != "" {
		sessionID = f.resume
		remote, gerr := client.GetUpload(ctx, sessionID)
		if gerr != nil {
			return reportError(out, gerr)
		}
		videoID = remote.VideoID
		fmt.Fprintf(out, "resuming session %s for video %s: %d of %d chunks accepted\n",
			sessionID, videoID, len(remote.AcceptedChunks), remote.TotalChunks)
		jobID, err = mgr.Resume(ctx, sessionID, file, uploadOpts, onProgress)
	} else {
		session, ierr := mgr.Initiate(ctx, upload.DescriptorFor(file.Info()), uploadOpts)
		if ierr != nil {
			return reportError(out, ierr)
		}
		sessionID, videoID = session.SessionID, session.VideoID
		fmt.Fprintf(out, "session %s for video %s: %d chunks of %d bytes\n",
			session.SessionID, session.VideoID, session.TotalChunks, session.ChunkSize)
		jobID, err = mgr.Upload(ctx, session, file, onProgress)
	}
	if err != nil {
		if errors.Is(err, ingesterr.ErrCancelled) || errors.Is(err, ingesterr.ErrTransport) {
			fmt.Fprintf(out, "upload stopped; resume with: video-ingest upload %s --resume %s\n", uri, sessionID)
		}
		return reportError(out, err)
	}

	fmt.Fprintf(out, "upload complete: video %s, processing job %s\n", videoID, jobID)

	switch {
	case w != nil:
		return processLocally(ctx, out, w, broker, videoID)
	case f.watch:
		return watchStatus(ctx, out, cfg, client, videoID, cfg.Status.Mode)
	}
	return nil
}

// processLocally runs the worker until the handed-off job finishes
func processLocally(ctx context.Context, out io.Writer, w *worker.Worker, broker *events.Broker, videoID string) error {
	job, ok := w.Job(videoID)
	if !ok {
		return fmt.Errorf("no job queued for video %s", videoID)
	}
	fmt.Fprintf(out, "processing locally at %s priority\n", job.Priority)
	updates, unsubscribe := broker.Subscribe(videoID)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Local processing interrupted", "videoId", videoID)
			return ingesterr.Cancelled("process", ctx.Err())
		case ev := <-updates:
			printEvent(out, ev)
			if !ev.Status.Terminal() {
				continue
			}
			if ev.Status == models.JobStatusFailed {
				return fmt.Errorf("processing failed: %s", ev.Error)
			}
			printResult(out, ev.Result)
			return nil
		}
	}
}

func reportError(out io.Writer, err error) error {
	fmt.Fprintln(out, ingesterr.UserMessage(err))
	return err
}

func printResult(out io.Writer, res *models.ProcessingResult) {
	if res == nil {
		return
	}
	for _, f := range res.Formats {
		fmt.Fprintf(out, "  %-5s %-6s %s\n", f.Format, f.Quality, f.URL)
	}
	if res.Thumbnails.Default != "" {
		fmt.Fprintf(out, "  thumbnail    %s\n", res.Thumbnails.Default)
	}
}
