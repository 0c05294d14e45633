package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/matt-primrose/video-ingest-service/internal/config"
	"github.com/matt-primrose/video-ingest-service/internal/ingesterr"
	"github.com/matt-primrose/video-ingest-service/internal/pipeline"
	"github.com/matt-primrose/video-ingest-service/internal/queue"
	"github.com/matt-primrose/video-ingest-service/pkg/models"
)

const cancelledMessage = "Processing was cancelled"

// Runner executes the processing stages for one video
type Runner interface {
	Run(ctx context.Context, videoID string, report pipeline.ReportFunc) (*models.ProcessingResult, error)
}

// Publisher receives every status change of every job
type Publisher interface {
	Publish(ev models.StatusEvent)
}

// Stats summarizes the jobs the worker has seen. Over JSON the average
// duration is reported in seconds.
type Stats struct {
	TotalJobs       int           `json:"totalJobs"`
	CompletedJobs   int           `json:"completedJobs"`
	FailedJobs      int           `json:"failedJobs"`
	AverageDuration time.Duration `json:"-"`
	AverageSeconds  float64       `json:"averageDurationSeconds"`
	QueueLength     int           `json:"queueLength"`
	Processing      string        `json:"processing,omitempty"`
}

// Worker drains the processing queue one job at a time
type Worker struct {
	config    config.ProcessingConfig
	runner    Runner
	publisher Publisher
	metrics   *metrics
	now       func() time.Time

	mu        sync.Mutex
	queue     *queue.Queue
	jobs      *ttlcache.Cache[string, *models.ProcessingJob]
	current   *models.ProcessingJob
	cancelRun context.CancelFunc
	stats     Stats
	totalDur  time.Duration
	running   bool

	wake   chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Worker
type Option func(*Worker)

// WithPublisher sends job status events to p
func WithPublisher(p Publisher) Option {
	return func(w *Worker) {
		w.publisher = p
	}
}

// WithRegisterer registers the worker's metrics with reg instead of the
// default registry
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(w *Worker) {
		w.metrics = newMetrics(reg, w.QueueLength)
	}
}

// New creates a new worker instance
func New(cfg config.ProcessingConfig, runner Runner, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		config: cfg,
		runner: runner,
		now:    time.Now,
		queue:  queue.New(),
		jobs: ttlcache.New[string, *models.ProcessingJob](
			ttlcache.WithDisableTouchOnHit[string, *models.ProcessingJob](),
		),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = newMetrics(prometheus.DefaultRegisterer, w.QueueLength)
	}

	w.jobs.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *models.ProcessingJob]) {
		if reason == ttlcache.EvictionReasonExpired {
			slog.Debug("Expired retained job", "videoId", item.Key(), "jobId", item.Value().JobID)
		}
	})
	return w
}

// Start runs the worker loop until ctx is cancelled or Stop is called. It may
// be called again once it has returned; queued jobs are kept.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("Starting worker",
		"fairnessMode", w.config.FairnessMode,
		"jobRetention", w.config.JobRetention,
	)

	w.mu.Lock()
	if w.ctx.Err() != nil {
		w.ctx, w.cancel = context.WithCancel(context.Background())
	}
	runCtx, cancel := w.ctx, w.cancel
	w.running = true
	w.mu.Unlock()

	go w.jobs.Start()

	w.wg.Add(1)
	go w.workerLoop(runCtx)

	select {
	case <-ctx.Done():
	case <-runCtx.Done():
	}
	slog.Info("Stopping worker...")

	cancel()
	w.wg.Wait()
	w.jobs.Stop()

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	slog.Info("Worker stopped")
}

// Stop ends the worker loop. A job in progress is cancelled.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	cancel()
}

// Running reports whether the worker loop is active
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Submit creates and queues a job for videoID
func (w *Worker) Submit(videoID string, priority models.Priority, metadata map[string]string) (models.ProcessingJob, error) {
	job := &models.ProcessingJob{
		VideoID:  videoID,
		Priority: priority,
		Metadata: metadata,
	}
	if err := w.Enqueue(job); err != nil {
		return models.ProcessingJob{}, err
	}
	return w.snapshot(job), nil
}

// Enqueue queues job. A video may only have one active job; a finished job is
// replaced.
func (w *Worker) Enqueue(job *models.ProcessingJob) error {
	if job.VideoID == "" {
		return ingesterr.Validation("enqueue", "video id is required")
	}

	w.mu.Lock()
	if item := w.jobs.Get(job.VideoID); item != nil {
		prev := item.Value()
		if !prev.Status.Terminal() {
			w.mu.Unlock()
			return ingesterr.Validation("enqueue", "video %s already has an active job", job.VideoID)
		}
		// observers of the video keep seeing increasing revisions across jobs
		if job.Revision < prev.Revision {
			job.Revision = prev.Revision
		}
	}

	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = w.now()
	}
	job.Status = models.JobStatusQueued
	job.Progress = 0
	job.Message = "Job queued for processing"
	job.Error = ""
	job.Result = nil

	w.jobs.Set(job.VideoID, job, ttlcache.NoTTL)
	w.queue.Enqueue(job)
	w.stats.TotalJobs++
	ev := changedLocked(job)
	w.mu.Unlock()

	w.metrics.jobsTotal.Inc()
	w.publish(ev)
	w.signal()

	slog.Info("Job queued",
		"jobId", job.JobID,
		"videoId", job.VideoID,
		"priority", job.Priority.String(),
	)
	return nil
}

// Retry re-queues a failed job. The next run starts at the first stage.
func (w *Worker) Retry(videoID string) (models.ProcessingJob, error) {
	w.mu.Lock()
	item := w.jobs.Get(videoID)
	if item == nil {
		w.mu.Unlock()
		return models.ProcessingJob{}, ingesterr.Validation("retry", "no job for video %s", videoID)
	}
	job := item.Value()
	if job.Status != models.JobStatusFailed {
		w.mu.Unlock()
		return models.ProcessingJob{}, ingesterr.Validation("retry", "job for video %s is %s, only failed jobs can be retried", videoID, job.Status)
	}

	job.Status = models.JobStatusQueued
	job.Progress = 0
	job.Error = ""
	job.Result = nil
	job.Message = "Job queued for retry"
	job.CreatedAt = w.now()
	job.StartedAt = time.Time{}
	job.CompletedAt = time.Time{}

	w.jobs.Set(videoID, job, ttlcache.NoTTL)
	w.queue.Enqueue(job)
	snap := job.Snapshot()
	ev := changedLocked(job)
	w.mu.Unlock()

	w.metrics.retries.Inc()
	w.publish(ev)
	w.signal()

	slog.Info("Job queued for retry", "jobId", snap.JobID, "videoId", videoID, "attempts", snap.Attempts)
	return snap, nil
}

// Cancel removes a queued job and marks it failed. A job that is processing
// has its stage context cancelled and is marked failed once the stage returns.
func (w *Worker) Cancel(videoID string) error {
	w.mu.Lock()

	if w.current != nil && w.current.VideoID == videoID {
		cancel := w.cancelRun
		w.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		slog.Info("Cancellation requested for processing job", "videoId", videoID)
		return nil
	}

	job, ok := w.queue.Remove(videoID)
	if !ok {
		item := w.jobs.Get(videoID)
		w.mu.Unlock()
		if item == nil {
			return ingesterr.Validation("cancel", "no job for video %s", videoID)
		}
		return ingesterr.Validation("cancel", "job for video %s is already %s", videoID, item.Value().Status)
	}

	w.failLocked(job, ingesterr.Cancelled("cancel", context.Canceled))
	ev := changedLocked(job)
	w.mu.Unlock()

	w.publish(ev)
	slog.Info("Queued job cancelled", "jobId", job.JobID, "videoId", videoID)
	return nil
}

// Job returns a copy of the job for videoID
func (w *Worker) Job(videoID string) (models.ProcessingJob, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	item := w.jobs.Get(videoID)
	if item == nil {
		return models.ProcessingJob{}, false
	}
	return item.Value().Snapshot(), true
}

// Jobs returns copies of every retained job, newest first
func (w *Worker) Jobs() []models.ProcessingJob {
	w.mu.Lock()
	out := make([]models.ProcessingJob, 0, w.jobs.Len())
	for _, item := range w.jobs.Items() {
		if item.IsExpired() {
			continue
		}
		out = append(out, item.Value().Snapshot())
	}
	w.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Stats returns the job counters
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.stats
	s.QueueLength = w.queue.Len()
	if s.CompletedJobs > 0 {
		s.AverageDuration = w.totalDur / time.Duration(s.CompletedJobs)
		s.AverageSeconds = s.AverageDuration.Seconds()
	}
	if w.current != nil {
		s.Processing = w.current.VideoID
	}
	return s
}

// QueueLength returns the number of queued jobs
func (w *Worker) QueueLength() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue.Len()
}

// workerLoop is the main processing loop
func (w *Worker) workerLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		job, jobCtx := w.next(ctx)
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-w.wake:
			}
			continue
		}

		w.processJob(jobCtx, job)

		if ctx.Err() != nil {
			return
		}
	}
}

// next dequeues the next job and marks it processing
func (w *Worker) next(ctx context.Context) (*models.ProcessingJob, context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ctx.Err() != nil {
		return nil, nil
	}
	job := w.queue.DequeueNext()
	if job == nil {
		return nil, nil
	}

	jobCtx, cancel := context.WithCancel(ctx)
	w.current = job
	w.cancelRun = cancel

	job.Status = models.JobStatusProcessing
	job.StartedAt = w.now()
	job.Message = "Processing started"
	job.Attempts++
	return job, jobCtx
}

// processJob runs the pipeline for a single job and records the outcome
func (w *Worker) processJob(ctx context.Context, job *models.ProcessingJob) {
	w.mu.Lock()
	snap := job.Snapshot()
	ev := changedLocked(job)
	w.mu.Unlock()

	slog.Info("Processing job",
		"jobId", snap.JobID,
		"videoId", snap.VideoID,
		"priority", snap.Priority.String(),
		"attempt", snap.Attempts,
	)
	w.metrics.active.Set(1)
	w.publish(ev)

	result, err := w.runner.Run(ctx, snap.VideoID, func(progress int, message string) {
		w.report(job, progress, message)
	})
	if err == nil && ctx.Err() != nil {
		err = ingesterr.Cancelled("process", ctx.Err())
	}

	w.mu.Lock()
	if err != nil {
		w.failLocked(job, err)
	} else {
		w.completeLocked(job, result)
	}
	w.cancelRun()
	w.current = nil
	w.cancelRun = nil
	ev = changedLocked(job)
	snap = job.Snapshot()
	w.mu.Unlock()

	w.metrics.active.Set(0)
	w.publish(ev)

	if err != nil {
		slog.Error("Job failed",
			"jobId", snap.JobID,
			"videoId", snap.VideoID,
			"error", err,
		)
		return
	}
	slog.Info("Job completed",
		"jobId", snap.JobID,
		"videoId", snap.VideoID,
		"duration", formatDuration(snap.Duration()),
		"formats", len(snap.Result.Formats),
	)
}

// report applies a progress update from the pipeline. Progress never moves
// backwards while the job is processing.
func (w *Worker) report(job *models.ProcessingJob, progress int, message string) {
	w.mu.Lock()
	if job.Status != models.JobStatusProcessing {
		w.mu.Unlock()
		return
	}
	if progress > 100 {
		progress = 100
	}
	// 100 is reserved for completion
	if progress > job.Progress && progress < 100 {
		job.Progress = progress
	}
	job.Message = message
	ev := changedLocked(job)
	w.mu.Unlock()

	w.publish(ev)
}

func (w *Worker) completeLocked(job *models.ProcessingJob, result *models.ProcessingResult) {
	job.Status = models.JobStatusCompleted
	job.Progress = 100
	job.Result = result
	job.Error = ""
	job.Message = "Processing completed successfully"
	job.CompletedAt = w.now()

	w.jobs.Set(job.VideoID, job, w.config.JobRetention)
	w.stats.CompletedJobs++
	w.totalDur += job.Duration()
	w.metrics.completed.Inc()
	w.metrics.duration.Observe(job.Duration().Seconds())
}

func (w *Worker) failLocked(job *models.ProcessingJob, err error) {
	job.Status = models.JobStatusFailed
	job.Result = nil
	job.Error = err.Error()
	job.CompletedAt = w.now()
	if errors.Is(err, ingesterr.ErrCancelled) {
		job.Message = cancelledMessage
	} else {
		job.Message = ingesterr.UserMessage(err)
	}

	w.jobs.Set(job.VideoID, job, w.config.JobRetention)
	w.stats.FailedJobs++
	w.metrics.failed.WithLabelValues(ingesterr.KindOf(err).String()).Inc()
}

// changedLocked records a state change of job and returns the event describing it
func changedLocked(job *models.ProcessingJob) models.StatusEvent {
	job.Revision++
	return models.EventFromJob(job)
}

func (w *Worker) snapshot(job *models.ProcessingJob) models.ProcessingJob {
	w.mu.Lock()
	defer w.mu.Unlock()
	return job.Snapshot()
}

func (w *Worker) publish(ev models.StatusEvent) {
	if w.publisher != nil {
		w.publisher.Publish(ev)
	}
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// formatDuration formats a time.Duration into a human-readable string
// showing hours, minutes, and seconds as appropriate
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%.0fms", float64(d)/float64(time.Millisecond))
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	} else {
		return fmt.Sprintf("%ds", seconds)
	}
}
