// Package pipeline runs the ordered processing stages for one job against the
// remote processing backend.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"

	"github.com/matt-primrose/video-ingest-service/internal/backend"
	"github.com/matt-primrose/video-ingest-service/internal/backoff"
	"github.com/matt-primrose/video-ingest-service/internal/config"
	"github.com/matt-primrose/video-ingest-service/internal/ingesterr"
	"github.com/matt-primrose/video-ingest-service/pkg/models"
)

// Processor performs the remote work behind each stage
type Processor interface {
	ExtractMetadata(ctx context.Context, videoID string) (*models.VideoMetadata, error)
	GenerateThumbnails(ctx context.Context, videoID string) (*models.ThumbnailSet, error)
	Transcode(ctx context.Context, videoID string, req backend.TranscodeRequest) ([]models.OutputFormat, error)
	GenerateTranscript(ctx context.Context, videoID string) (*models.Transcript, error)
}

// Stage names, in execution order
const (
	StageMetadata   = "metadata"
	StageThumbnails = "thumbnails"
	StageTranscode  = "transcode"
	StageTranscript = "transcript"
	StageFinalize   = "finalize"
)

// errNoResult is returned when a stage succeeds without producing anything
var errNoResult = errors.New("stage returned no result")

// ReportFunc receives the job's progress and stage message. Progress values are
// non-decreasing within one run.
type ReportFunc func(progress int, message string)

type stage struct {
	name     string
	message  string
	progress int
	run      func(ctx context.Context, videoID string, res *models.ProcessingResult) error
}

// Pipeline executes the fixed stage sequence
type Pipeline struct {
	proc          Processor
	formats       []string
	qualities     []string
	stageTimeout  time.Duration
	policy        backoff.Policy
	stageAttempts int
	timer         cbackoff.Timer
	stages        []stage
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithTimer replaces the timer used between stage retries
func WithTimer(t cbackoff.Timer) Option {
	return func(p *Pipeline) {
		p.timer = t
	}
}

// WithStageAttempts sets how many times a stage is tried when the backend
// reports a transient failure
func WithStageAttempts(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.stageAttempts = n
		}
	}
}

// New creates a pipeline
func New(proc Processor, cfg config.ProcessingConfig, policy backoff.Policy, opts ...Option) *Pipeline {
	p := &Pipeline{
		proc:          proc,
		formats:       cfg.Formats,
		qualities:     cfg.Qualities,
		stageTimeout:  cfg.StageTimeout,
		policy:        policy,
		stageAttempts: 1,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.stages = []stage{
		{name: StageMetadata, message: "Extracting metadata", progress: 10, run: p.extractMetadata},
		{name: StageThumbnails, message: "Generating thumbnails", progress: 30, run: p.generateThumbnails},
		{name: StageTranscode, message: "Transcoding", progress: 50, run: p.transcode},
		{name: StageTranscript, message: "Generating transcript", progress: 80, run: p.generateTranscript},
	}
	return p
}

// Stages returns the stage names in execution order
func (p *Pipeline) Stages() []string {
	names := make([]string, 0, len(p.stages)+1)
	for _, s := range p.stages {
		names = append(names, s.name)
	}
	return append(names, StageFinalize)
}

// Run executes every stage for videoID in order and returns the assembled
// result. The first failing stage ends the run with a PipelineStage error;
// cancellation of ctx ends it with a Cancelled error.
func (p *Pipeline) Run(ctx context.Context, videoID string, report ReportFunc) (*models.ProcessingResult, error) {
	if report == nil {
		report = func(int, string) {}
	}

	res := &models.ProcessingResult{}
	progress := 0

	for _, s := range p.stages {
		if err := ctx.Err(); err != nil {
			return nil, ingesterr.Cancelled(s.name, err)
		}

		report(progress, s.message)
		start := time.Now()

		if err := p.runStage(ctx, s, videoID, res); err != nil {
			slog.Error("Pipeline stage failed",
				"videoId", videoID,
				"stage", s.name,
				"error", err,
			)
			return nil, err
		}

		progress = s.progress
		report(progress, s.message+" completed")
		slog.Debug("Pipeline stage completed",
			"videoId", videoID,
			"stage", s.name,
			"progress", progress,
			"duration", time.Since(start),
		)
	}

	if len(res.Formats) == 0 {
		return nil, ingesterr.PipelineStage(StageFinalize, errors.New("transcode produced no output formats"))
	}
	report(100, "Processing completed")
	return res, nil
}

func (p *Pipeline) runStage(ctx context.Context, s stage, videoID string, res *models.ProcessingResult) error {
	operation := func() error {
		stageCtx := ctx
		if p.stageTimeout > 0 {
			var cancel context.CancelFunc
			stageCtx, cancel = context.WithTimeout(ctx, p.stageTimeout)
			defer cancel()
		}

		err := s.run(stageCtx, videoID, res)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return cbackoff.Permanent(ingesterr.Cancelled(s.name, ctx.Err()))
		case stageCtx.Err() != nil:
			return cbackoff.Permanent(ingesterr.PipelineStage(s.name,
				fmt.Errorf("timed out after %s: %w", p.stageTimeout, err)))
		case ingesterr.KindOf(err) != ingesterr.KindTransport:
			return cbackoff.Permanent(err)
		default:
			return err
		}
	}

	notify := func(err error, wait time.Duration) {
		slog.Warn("Pipeline stage failed, retrying",
			"videoId", videoID,
			"stage", s.name,
			"wait", wait,
			"error", err,
		)
	}

	b := cbackoff.WithContext(p.policy.WithMaxAttempts(p.stageAttempts), ctx)
	err := cbackoff.RetryNotifyWithTimer(operation, b, notify, p.timer)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ingesterr.ErrCancelled), errors.Is(err, ingesterr.ErrPipelineStage):
		return err
	case ctx.Err() != nil:
		return ingesterr.Cancelled(s.name, ctx.Err())
	default:
		return ingesterr.PipelineStage(s.name, err)
	}
}

func (p *Pipeline) extractMetadata(ctx context.Context, videoID string, res *models.ProcessingResult) error {
	md, err := p.proc.ExtractMetadata(ctx, videoID)
	if err != nil {
		return err
	}
	if md == nil {
		return errNoResult
	}
	res.Metadata = *md
	return nil
}

func (p *Pipeline) generateThumbnails(ctx context.Context, videoID string, res *models.ProcessingResult) error {
	thumbs, err := p.proc.GenerateThumbnails(ctx, videoID)
	if err != nil {
		return err
	}
	if thumbs == nil {
		return errNoResult
	}
	res.Thumbnails = *thumbs
	return nil
}

func (p *Pipeline) transcode(ctx context.Context, videoID string, res *models.ProcessingResult) error {
	formats, err := p.proc.Transcode(ctx, videoID, backend.TranscodeRequest{
		Formats:   p.formats,
		Qualities: p.qualities,
	})
	if err != nil {
		return err
	}
	res.Formats = formats
	return nil
}

func (p *Pipeline) generateTranscript(ctx context.Context, videoID string, res *models.ProcessingResult) error {
	tr, err := p.proc.GenerateTranscript(ctx, videoID)
	if err != nil {
		return err
	}
	if tr == nil {
		return errNoResult
	}
	res.Transcript = *tr
	return nil
}
