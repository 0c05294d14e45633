package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-primrose/video-ingest-service/internal/backend"
	"github.com/matt-primrose/video-ingest-service/internal/backend/backendtest"
	"github.com/matt-primrose/video-ingest-service/internal/backoff"
	"github.com/matt-primrose/video-ingest-service/internal/config"
	"github.com/matt-primrose/video-ingest-service/internal/ingesterr"
	"github.com/matt-primrose/video-ingest-service/pkg/models"
)

type report struct {
	progress int
	message  string
}

func newTestPipeline(srv *backendtest.Server, attempts int) *Pipeline {
	cfg := config.Default().Processing
	return New(srv.Client(), cfg, backoff.DefaultPolicy(),
		WithStageAttempts(attempts),
		WithTimer(backoff.NewInstantTimer()),
	)
}

func TestRun_AllStagesInOrder(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	p := newTestPipeline(srv, 1)

	var reports []report
	res, err := p.Run(context.Background(), "v1", func(progress int, message string) {
		reports = append(reports, report{progress, message})
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, []string{"metadata:v1", "thumbnails:v1", "transcode:v1", "transcript:v1"}, srv.StageCalls())
	assert.Equal(t, []string{StageMetadata, StageThumbnails, StageTranscode, StageTranscript, StageFinalize}, p.Stages())

	// 2 formats x 3 qualities from the default config
	assert.Len(t, res.Formats, 6)
	assert.Equal(t, 1920, res.Metadata.Width)
	assert.NotEmpty(t, res.Thumbnails.Default)
	assert.Equal(t, "hello from v1", res.Transcript.Text)

	var milestones []int
	last := 0
	for _, r := range reports {
		assert.GreaterOrEqual(t, r.progress, last, "progress must not decrease")
		if r.progress != last {
			milestones = append(milestones, r.progress)
		}
		last = r.progress
	}
	assert.Equal(t, []int{10, 30, 50, 80, 100}, milestones)
}

func TestRun_StageFailure(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.StageStatus = func(stage, videoID string) int {
		if stage == "transcode" {
			return http.StatusInternalServerError
		}
		return 0
	}
	p := newTestPipeline(srv, 3)

	var lastProgress int
	res, err := p.Run(context.Background(), "v1", func(progress int, _ string) {
		lastProgress = progress
	})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, ingesterr.ErrPipelineStage), "got %v", err)
	assert.Contains(t, err.Error(), StageTranscode)
	assert.Equal(t, 30, lastProgress)

	// transient failures are retried, later stages never run
	assert.Equal(t, []string{
		"metadata:v1", "thumbnails:v1",
		"transcode:v1", "transcode:v1", "transcode:v1",
	}, srv.StageCalls())
}

func TestRun_TerminalStageErrorNotRetried(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.StageStatus = func(stage, videoID string) int {
		if stage == "metadata" {
			return http.StatusUnprocessableEntity
		}
		return 0
	}
	p := newTestPipeline(srv, 3)

	_, err := p.Run(context.Background(), "v1", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ingesterr.ErrPipelineStage))
	assert.Equal(t, []string{"metadata:v1"}, srv.StageCalls())
}

func TestRun_TransientFailureRecovers(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	var calls atomic.Int32
	srv.StageStatus = func(stage, videoID string) int {
		if stage == "thumbnails" {
			if calls.Add(1) == 1 {
				return http.StatusBadGateway
			}
		}
		return 0
	}
	p := newTestPipeline(srv, 3)

	res, err := p.Run(context.Background(), "v1", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Formats)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun_Cancelled(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	p := newTestPipeline(srv, 1)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := p.Run(ctx, "v1", func(progress int, _ string) {
		if progress == 10 {
			cancel()
		}
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ingesterr.ErrCancelled), "got %v", err)
	assert.Equal(t, []string{"metadata:v1"}, srv.StageCalls())
}

// emptyProcessor succeeds at every stage without returning a result
type emptyProcessor struct {
	calls int
}

func (p *emptyProcessor) ExtractMetadata(context.Context, string) (*models.VideoMetadata, error) {
	p.calls++
	return nil, nil
}

func (p *emptyProcessor) GenerateThumbnails(context.Context, string) (*models.ThumbnailSet, error) {
	p.calls++
	return nil, nil
}

func (p *emptyProcessor) Transcode(context.Context, string, backend.TranscodeRequest) ([]models.OutputFormat, error) {
	p.calls++
	return nil, nil
}

func (p *emptyProcessor) GenerateTranscript(context.Context, string) (*models.Transcript, error) {
	p.calls++
	return nil, nil
}

func TestRun_StageWithoutResultFails(t *testing.T) {
	proc := &emptyProcessor{}
	p := New(proc, config.Default().Processing, backoff.DefaultPolicy(),
		WithStageAttempts(3),
		WithTimer(backoff.NewInstantTimer()),
	)

	res, err := p.Run(context.Background(), "v1", nil)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, ingesterr.ErrPipelineStage), "got %v", err)
	assert.Contains(t, err.Error(), StageMetadata)
	assert.Equal(t, 1, proc.calls, "a missing result is not retried")
}
