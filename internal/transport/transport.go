// Package transport sends single upload chunks to the backend with retries.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"

	"github.com/matt-primrose/video-ingest-service/internal/backend"
	"github.com/matt-primrose/video-ingest-service/internal/backoff"
	"github.com/matt-primrose/video-ingest-service/internal/ingesterr"
)

// DefaultMaxRetries is the number of attempts made for one chunk
const DefaultMaxRetries = 3

// ChunkUploader is the backend call the transport retries
type ChunkUploader interface {
	UploadChunk(ctx context.Context, sessionID string, index, totalChunks int, data []byte) (*backend.ChunkAck, error)
}

// Ack confirms the backend accepted a chunk
type Ack struct {
	Index    int
	Attempts int
}

// Transport sends chunks, retrying transport failures per the backoff policy
type Transport struct {
	uploader   ChunkUploader
	policy     backoff.Policy
	maxRetries int
	timer      cbackoff.Timer
}

// Option configures a Transport
type Option func(*Transport)

// WithTimer replaces the timer used between attempts
func WithTimer(t cbackoff.Timer) Option {
	return func(tr *Transport) {
		tr.timer = t
	}
}

// New creates a transport. maxRetries <= 0 selects DefaultMaxRetries.
func New(uploader ChunkUploader, policy backoff.Policy, maxRetries int, opts ...Option) *Transport {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	t := &Transport{
		uploader:   uploader,
		policy:     policy,
		maxRetries: maxRetries,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send uploads one chunk. It makes at most maxRetries attempts and returns the
// last error once they are exhausted. Cancellation of ctx before or during an
// attempt returns a Cancelled error without further attempts.
func (t *Transport) Send(ctx context.Context, sessionID string, index, totalChunks int, data []byte) (Ack, error) {
	attempts := 0

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return cbackoff.Permanent(ingesterr.Cancelled("upload-chunk", err))
		}
		attempts++

		ack, err := t.uploader.UploadChunk(ctx, sessionID, index, totalChunks, data)
		if err == nil && !ack.Accepted {
			err = ingesterr.Transport("upload-chunk", errors.New("chunk was not accepted"))
		}
		if err == nil {
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return cbackoff.Permanent(ingesterr.Cancelled("upload-chunk", ctxErr))
		}
		if terminal(err) {
			return cbackoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		slog.Warn("Chunk upload failed, retrying",
			"sessionId", sessionID,
			"chunkIndex", index,
			"attempt", attempts,
			"wait", wait,
			"error", err,
		)
	}

	b := cbackoff.WithContext(t.policy.WithMaxAttempts(t.maxRetries), ctx)
	err := cbackoff.RetryNotifyWithTimer(operation, b, notify, t.timer)
	if err != nil {
		switch {
		case errors.Is(err, ingesterr.ErrCancelled):
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			err = ingesterr.Cancelled("upload-chunk", err)
		case ingesterr.KindOf(err) == ingesterr.KindUnknown:
			err = ingesterr.Transport("upload-chunk", err)
		}
		return Ack{Index: index, Attempts: attempts}, err
	}

	slog.Debug("Chunk accepted",
		"sessionId", sessionID,
		"chunkIndex", index,
		"attempts", attempts,
	)
	return Ack{Index: index, Attempts: attempts}, nil
}

// terminal reports errors that no amount of retrying fixes
func terminal(err error) bool {
	switch ingesterr.KindOf(err) {
	case ingesterr.KindValidation, ingesterr.KindPermission, ingesterr.KindExpired, ingesterr.KindCancelled:
		return true
	default:
		return false
	}
}
