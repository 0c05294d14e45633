// Package status follows the processing status of a video over a push
// connection or by polling. Both deliver the same StatusEvent values.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/matt-primrose/video-ingest-service/internal/backoff"
	"github.com/matt-primrose/video-ingest-service/internal/config"
	"github.com/matt-primrose/video-ingest-service/internal/ingesterr"
	"github.com/matt-primrose/video-ingest-service/pkg/models"
)

// Source delivers status events for one video to emit until ctx is cancelled.
// It returns nil when ctx ends and a Channel error when the source gives up.
type Source interface {
	Watch(ctx context.Context, videoID string, emit func(models.StatusEvent)) error
	Mode() string
}

// StatusFetcher reads the current status of a video
type StatusFetcher interface {
	ProcessingStatus(ctx context.Context, videoID string) (*models.StatusEvent, error)
}

// NewSource picks the push or poll source named by cfg.Mode
func NewSource(cfg config.StatusConfig, backendCfg config.BackendConfig, policy backoff.Policy, fetcher StatusFetcher) (Source, error) {
	switch cfg.Mode {
	case config.StatusModePush:
		pushURL := backendCfg.PushURL
		if pushURL == "" {
			var err error
			if pushURL, err = PushURLFromBase(backendCfg.BaseURL); err != nil {
				return nil, err
			}
		}
		return NewPushSource(pushURL, policy, cfg.MaxReconnectAttempts), nil
	case config.StatusModePoll:
		return NewPollSource(fetcher, cfg.PollInterval, cfg.MaxReconnectAttempts), nil
	default:
		return nil, fmt.Errorf("unsupported status mode: %s", cfg.Mode)
	}
}

// PushURLFromBase derives the websocket events endpoint from an HTTP base URL
func PushURLFromBase(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base url scheme: %s", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"
	return u.String(), nil
}

// PushSource holds a websocket open to the events endpoint and reconnects
// with backoff when it drops
type PushSource struct {
	url         string
	policy      backoff.Policy
	maxAttempts int
	timer       cbackoff.Timer
	header      http.Header
}

// PushOption configures a PushSource
type PushOption func(*PushSource)

// WithPushTimer replaces the timer used between reconnect attempts
func WithPushTimer(t cbackoff.Timer) PushOption {
	return func(p *PushSource) {
		p.timer = t
	}
}

// WithHeader sends h with every connection request
func WithHeader(h http.Header) PushOption {
	return func(p *PushSource) {
		p.header = h
	}
}

// NewPushSource creates a push source. maxAttempts bounds the consecutive
// connection attempts that fail or close before delivering an event; a
// connection that delivers resets the count.
func NewPushSource(eventsURL string, policy backoff.Policy, maxAttempts int, opts ...PushOption) *PushSource {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	p := &PushSource{
		url:         eventsURL,
		policy:      policy,
		maxAttempts: maxAttempts,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PushSource) Mode() string { return config.StatusModePush }

// Watch implements Source
func (p *PushSource) Watch(ctx context.Context, videoID string, emit func(models.StatusEvent)) error {
	u, err := url.Parse(p.url)
	if err != nil {
		return ingesterr.Channel("push", fmt.Errorf("failed to parse events url: %w", err))
	}
	q := u.Query()
	q.Set("videoId", videoID)
	u.RawQuery = q.Encode()
	target := u.String()

	failures := 0
	for {
		conn, err := p.dial(ctx, target)
		switch {
		case ctx.Err() != nil:
			if conn != nil {
				conn.CloseNow()
			}
			return nil
		case err != nil:
			if errors.Is(err, errRejected) {
				return ingesterr.Channel("push", err)
			}
			failures++
		default:
			slog.Debug("Status channel connected", "videoId", videoID)
			delivered, readErr := p.read(ctx, conn, videoID, emit)
			conn.CloseNow()
			if ctx.Err() != nil {
				return nil
			}
			err = fmt.Errorf("connection lost: %w", readErr)
			if delivered > 0 {
				failures = 0
			} else {
				failures++
			}
		}

		if failures >= p.maxAttempts {
			return ingesterr.Channel("push", fmt.Errorf("gave up after %d connection attempts: %w", failures, err))
		}

		wait := p.policy.Delay(uint(failures))
		slog.Warn("Status channel unavailable, reconnecting",
			"videoId", videoID,
			"failures", failures,
			"wait", wait,
			"error", err,
		)
		if !p.sleep(ctx, wait) {
			return nil
		}
	}
}

var errRejected = errors.New("events endpoint rejected connection")

func (p *PushSource) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: p.header})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %s", errRejected, resp.Status)
		}
		return nil, err
	}
	return conn, nil
}

// sleep waits d on the configured timer. It returns false if ctx ends first.
func (p *PushSource) sleep(ctx context.Context, d time.Duration) bool {
	timer := p.timer
	if timer == nil {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

	timer.Start(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C():
		return true
	}
}

// read emits events until the connection fails and returns how many it emitted
func (p *PushSource) read(ctx context.Context, conn *websocket.Conn, videoID string, emit func(models.StatusEvent)) (int, error) {
	delivered := 0
	for {
		var ev models.StatusEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return delivered, err
		}
		if ev.VideoID == "" {
			ev.VideoID = videoID
		}
		if ev.VideoID != videoID {
			continue
		}
		delivered++
		emit(ev)
	}
}

// PollSource asks for the current status on a fixed interval and emits each
// state change
type PollSource struct {
	fetcher     StatusFetcher
	interval    time.Duration
	maxFailures int
}

// NewPollSource creates a poll source. maxFailures consecutive failed polls
// end the watch with a Channel error.
func NewPollSource(fetcher StatusFetcher, interval time.Duration, maxFailures int) *PollSource {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &PollSource{
		fetcher:     fetcher,
		interval:    interval,
		maxFailures: maxFailures,
	}
}

func (p *PollSource) Mode() string { return config.StatusModePoll }

// Watch implements Source
func (p *PollSource) Watch(ctx context.Context, videoID string, emit func(models.StatusEvent)) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var last *models.StatusEvent
	failures := 0

	for {
		ev, err := p.fetcher.ProcessingStatus(ctx, videoID)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			failures++
			slog.Warn("Failed to poll status",
				"videoId", videoID,
				"failures", failures,
				"error", err,
			)
			if failures >= p.maxFailures || ingesterr.KindOf(err) == ingesterr.KindPermission {
				return ingesterr.Channel("poll", fmt.Errorf("failed to poll status %d times: %w", failures, err))
			}
		default:
			failures = 0
			if changed(last, ev) {
				emit(*ev)
				last = ev
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func changed(prev, next *models.StatusEvent) bool {
	if prev == nil {
		return true
	}
	return prev.Status != next.Status ||
		prev.Progress != next.Progress ||
		prev.Message != next.Message ||
		prev.Error != next.Error ||
		(prev.Result == nil) != (next.Result == nil)
}
