package status

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-primrose/video-ingest-service/internal/backend"
	"github.com/matt-primrose/video-ingest-service/internal/backend/backendtest"
	"github.com/matt-primrose/video-ingest-service/internal/backoff"
	"github.com/matt-primrose/video-ingest-service/internal/config"
	"github.com/matt-primrose/video-ingest-service/internal/events"
	"github.com/matt-primrose/video-ingest-service/internal/ingesterr"
	"github.com/matt-primrose/video-ingest-service/internal/pipeline"
	"github.com/matt-primrose/video-ingest-service/internal/worker"
	"github.com/matt-primrose/video-ingest-service/pkg/models"
)

type collector struct {
	mu     sync.Mutex
	events []models.StatusEvent
}

func (c *collector) add(ev models.StatusEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) all() []models.StatusEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.StatusEvent(nil), c.events...)
}

func (c *collector) last() (models.StatusEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return models.StatusEvent{}, false
	}
	return c.events[len(c.events)-1], true
}

type fetchFunc func(ctx context.Context, videoID string) (*models.StatusEvent, error)

func (f fetchFunc) ProcessingStatus(ctx context.Context, videoID string) (*models.StatusEvent, error) {
	return f(ctx, videoID)
}

type runFunc func(ctx context.Context, videoID string, report pipeline.ReportFunc) (*models.ProcessingResult, error)

func (f runFunc) Run(ctx context.Context, videoID string, report pipeline.ReportFunc) (*models.ProcessingResult, error) {
	return f(ctx, videoID, report)
}

// newStatusServer runs a worker behind the status API
func newStatusServer(t *testing.T) (*worker.Worker, *events.Broker, *httptest.Server) {
	t.Helper()
	broker := events.NewBroker()
	w := worker.New(config.Default().Processing, runFunc(func(_ context.Context, _ string, report pipeline.ReportFunc) (*models.ProcessingResult, error) {
		report(10, "Extracting metadata completed")
		report(80, "Generating transcript completed")
		return &models.ProcessingResult{Formats: []models.OutputFormat{{Format: "hls", Quality: "1080p"}}}, nil
	}), worker.WithPublisher(broker), worker.WithRegisterer(prometheus.NewRegistry()))

	srv := httptest.NewServer(events.NewRouter(w, broker).Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	require.Eventually(t, w.Running, time.Second, time.Millisecond)
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, broker, srv
}

func eventsURL(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := PushURLFromBase(srv.URL)
	require.NoError(t, err)
	return u
}

func TestPushURLFromBase(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "http://localhost:8080", want: "ws://localhost:8080/events"},
		{base: "https://api.example.com/v1/", want: "wss://api.example.com/v1/events"},
		{base: "ws://host", want: "ws://host/events"},
		{base: "ftp://host", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := PushURLFromBase(tt.base)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewSource_Modes(t *testing.T) {
	cfg := config.Default()
	src, err := NewSource(cfg.Status, cfg.Backend, backoff.DefaultPolicy(), nil)
	require.NoError(t, err)
	assert.Equal(t, config.StatusModePush, src.Mode())

	cfg.Status.Mode = config.StatusModePoll
	src, err = NewSource(cfg.Status, cfg.Backend, backoff.DefaultPolicy(), nil)
	require.NoError(t, err)
	assert.Equal(t, config.StatusModePoll, src.Mode())

	cfg.Status.Mode = "carrier-pigeon"
	_, err = NewSource(cfg.Status, cfg.Backend, backoff.DefaultPolicy(), nil)
	assert.Error(t, err)
}

func TestPoll_EmitsStateChanges(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	srv.SetStatus(models.StatusEvent{VideoID: "v1", Status: models.JobStatusQueued})

	hub := NewHub(NewPollSource(srv.Client(), 5*time.Millisecond, 3))
	defer hub.Close()

	c := &collector{}
	hub.Subscribe("v1", c.add)

	require.Eventually(t, func() bool { return len(c.all()) == 1 }, time.Second, time.Millisecond)
	srv.SetStatus(models.StatusEvent{VideoID: "v1", Status: models.JobStatusProcessing, Progress: 50, Message: "Transcoding"})
	srv.SetStatus(models.StatusEvent{VideoID: "v1", Status: models.JobStatusProcessing, Progress: 50, Message: "Transcoding"})
	require.Eventually(t, func() bool {
		ev, _ := c.last()
		return ev.Progress == 50
	}, time.Second, time.Millisecond)

	srv.SetStatus(models.StatusEvent{VideoID: "v1", Status: models.JobStatusCompleted, Progress: 100,
		Result: &models.ProcessingResult{Formats: []models.OutputFormat{{Format: "mp4"}}}})
	require.Eventually(t, func() bool {
		ev, _ := c.last()
		return ev.Status == models.JobStatusCompleted
	}, time.Second, time.Millisecond)

	// unchanged polls are not re-emitted
	time.Sleep(30 * time.Millisecond)
	got := c.all()
	require.Len(t, got, 3)
	assert.Equal(t, []models.JobStatus{models.JobStatusQueued, models.JobStatusProcessing, models.JobStatusCompleted},
		[]models.JobStatus{got[0].Status, got[1].Status, got[2].Status})
}

func TestPoll_GivesUpWithChannelError(t *testing.T) {
	var calls atomic.Int32
	fetch := fetchFunc(func(context.Context, string) (*models.StatusEvent, error) {
		calls.Add(1)
		return nil, ingesterr.Transport("processing-status", errors.New("connection refused"))
	})

	hub := NewHub(NewPollSource(fetch, time.Millisecond, 3))
	handle := hub.Subscribe("v1", func(models.StatusEvent) { t.Error("no events expected") })

	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end")
	}
	assert.True(t, errors.Is(handle.Err(), ingesterr.ErrChannel), "got %v", handle.Err())
	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, hub.Subscriptions())
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	var progress atomic.Int32
	fetch := fetchFunc(func(_ context.Context, videoID string) (*models.StatusEvent, error) {
		return &models.StatusEvent{VideoID: videoID, Status: models.JobStatusProcessing, Progress: int(progress.Add(1))}, nil
	})

	hub := NewHub(NewPollSource(fetch, time.Millisecond, 1))
	c := &collector{}
	handle := hub.Subscribe("v1", c.add)
	assert.Equal(t, 1, hub.Subscriptions())

	require.Eventually(t, func() bool { return len(c.all()) >= 3 }, time.Second, time.Millisecond)
	hub.Unsubscribe(handle)
	hub.Unsubscribe(handle)

	<-handle.Done()
	assert.NoError(t, handle.Err())
	assert.Zero(t, hub.Subscriptions())

	seen := len(c.all())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, seen, len(c.all()))
}

// floodSource emits as fast as the callback accepts until ctx ends
type floodSource struct{}

func (floodSource) Mode() string { return "flood" }

func (floodSource) Watch(ctx context.Context, videoID string, emit func(models.StatusEvent)) error {
	for n := 0; ctx.Err() == nil; n++ {
		emit(models.StatusEvent{VideoID: videoID, Status: models.JobStatusProcessing, Progress: n % 100})
	}
	return nil
}

func TestUnsubscribe_NoDeliveryAfterReturn(t *testing.T) {
	hub := NewHub(floodSource{})
	defer hub.Close()

	for i := 0; i < 50; i++ {
		var calls atomic.Int64
		handle := hub.Subscribe("v1", func(models.StatusEvent) { calls.Add(1) })
		require.Eventually(t, func() bool { return calls.Load() > 10 }, time.Second, time.Microsecond)

		hub.Unsubscribe(handle)
		after := calls.Load()
		<-handle.Done()

		// only a call that was already running may still land
		assert.LessOrEqual(t, calls.Load(), after+1, "run %d", i)
	}
}

func TestUnsubscribe_FromCallback(t *testing.T) {
	fetch := fetchFunc(func(_ context.Context, videoID string) (*models.StatusEvent, error) {
		return &models.StatusEvent{VideoID: videoID, Status: models.JobStatusCompleted, Progress: 100}, nil
	})
	hub := NewHub(NewPollSource(fetch, time.Millisecond, 1))

	var handle *Handle
	var mu sync.Mutex
	received := 0
	mu.Lock()
	handle = hub.Subscribe("v1", func(ev models.StatusEvent) {
		mu.Lock()
		defer mu.Unlock()
		received++
		if ev.Status.Terminal() {
			hub.Unsubscribe(handle)
		}
	})
	mu.Unlock()

	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, received)
}

func TestPush_DeliversJobEvents(t *testing.T) {
	w, _, srv := newStatusServer(t)

	hub := NewHub(NewPushSource(eventsURL(t, srv), backoff.DefaultPolicy(), 5))
	defer hub.Close()

	c := &collector{}
	hub.Subscribe("v1", c.add)

	// a connection made after the job finished still receives its current state
	_, err := w.Submit("v1", models.PriorityNormal, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ev, ok := c.last()
		return ok && ev.Status == models.JobStatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	last := 0
	for _, ev := range c.all() {
		assert.Equal(t, "v1", ev.VideoID)
		if ev.Status == models.JobStatusProcessing {
			assert.GreaterOrEqual(t, ev.Progress, last)
			last = ev.Progress
		}
	}
}

func TestPush_AndPollAgree(t *testing.T) {
	w, _, srv := newStatusServer(t)
	_, err := w.Submit("v1", models.PriorityHigh, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, ok := w.Job("v1")
		return ok && job.Status == models.JobStatusCompleted
	}, 5*time.Second, time.Millisecond)

	watchOne := func(src Source) models.StatusEvent {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var got models.StatusEvent
		_ = src.Watch(ctx, "v1", func(ev models.StatusEvent) {
			got = ev
			cancel()
		})
		return got
	}

	pushed := watchOne(NewPushSource(eventsURL(t, srv), backoff.DefaultPolicy(), 1))
	polled := watchOne(NewPollSource(backend.NewWithHTTPClient(srv.URL, srv.Client()), time.Millisecond, 1))

	pushed.Timestamp, polled.Timestamp = time.Time{}, time.Time{}
	assert.Equal(t, polled, pushed)
	assert.Equal(t, models.JobStatusCompleted, pushed.Status)
	assert.Equal(t, 100, pushed.Progress)
}

func TestPush_ReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		n := conns.Add(1)
		ev := models.StatusEvent{VideoID: r.URL.Query().Get("videoId"), Status: models.JobStatusProcessing, Progress: int(n) * 10}
		if err := wsjson.Write(r.Context(), conn, ev); err != nil {
			return
		}
		if n == 1 {
			// drop the first connection
			return
		}
		<-conn.CloseRead(r.Context()).Done()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	hub := NewHub(NewPushSource(url, backoff.DefaultPolicy(), 3, WithPushTimer(backoff.NewInstantTimer())))
	defer hub.Close()

	c := &collector{}
	handle := hub.Subscribe("v1", c.add)

	require.Eventually(t, func() bool { return len(c.all()) == 2 }, 5*time.Second, time.Millisecond)
	got := c.all()
	assert.Equal(t, 10, got[0].Progress)
	assert.Equal(t, 20, got[1].Progress)
	assert.Equal(t, int32(2), conns.Load())
	assert.NoError(t, handle.Err())
}

func TestPush_DroppedWithoutEventsCountsAsFailure(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		conn.Close(websocket.StatusGoingAway, "")
	}))
	defer srv.Close()

	timer := backoff.NewInstantTimer()
	src := NewPushSource("ws"+strings.TrimPrefix(srv.URL, "http"), backoff.DefaultPolicy(), 5, WithPushTimer(timer))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := src.Watch(ctx, "v1", func(models.StatusEvent) { t.Error("no events expected") })

	require.Error(t, err)
	assert.True(t, errors.Is(err, ingesterr.ErrChannel), "got %v", err)
	assert.Equal(t, int32(5), conns.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, timer.Waits)
}

func TestPush_WaitsBeforeReconnecting(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if conns.Add(1) > 2 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		// every connection delivers once, then drops
		_ = wsjson.Write(r.Context(), conn, models.StatusEvent{VideoID: "v1", Status: models.JobStatusProcessing, Progress: 10})
	}))
	defer srv.Close()

	timer := backoff.NewInstantTimer()
	src := NewPushSource("ws"+strings.TrimPrefix(srv.URL, "http"), backoff.DefaultPolicy(), 2, WithPushTimer(timer))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	delivered := 0
	err := src.Watch(ctx, "v1", func(models.StatusEvent) { delivered++ })

	assert.True(t, errors.Is(err, ingesterr.ErrChannel), "got %v", err)
	assert.Equal(t, 2, delivered)
	// each drop after delivering starts over at the initial delay
	require.GreaterOrEqual(t, len(timer.Waits), 2)
	assert.Equal(t, time.Second, timer.Waits[0])
	assert.Equal(t, time.Second, timer.Waits[1])
}

func TestPush_GivesUpAfterMaxAttempts(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	hub := NewHub(NewPushSource(url, backoff.DefaultPolicy(), 5, WithPushTimer(backoff.NewInstantTimer())))
	handle := hub.Subscribe("v1", func(models.StatusEvent) { t.Error("no events expected") })

	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not end")
	}
	assert.True(t, errors.Is(handle.Err(), ingesterr.ErrChannel), "got %v", handle.Err())
	assert.Equal(t, int32(5), attempts.Load())
	assert.Zero(t, hub.Subscriptions())
}

func TestPush_RejectedConnectionIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	src := NewPushSource("ws"+strings.TrimPrefix(srv.URL, "http"), backoff.DefaultPolicy(), 5, WithPushTimer(backoff.NewInstantTimer()))
	err := src.Watch(context.Background(), "v1", func(models.StatusEvent) {})
	assert.True(t, errors.Is(err, ingesterr.ErrChannel))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestHub_SelectsSourcePerSubscription(t *testing.T) {
	var polls atomic.Int32
	poll := NewPollSource(fetchFunc(func(_ context.Context, videoID string) (*models.StatusEvent, error) {
		polls.Add(1)
		return &models.StatusEvent{VideoID: videoID, Status: models.JobStatusQueued}, nil
	}), time.Millisecond, 1)

	// the default push source points nowhere and would never deliver
	push := NewPushSource("ws://127.0.0.1:1/events", backoff.DefaultPolicy(), 1, WithPushTimer(backoff.NewInstantTimer()))
	hub := NewHub(push, poll)
	defer hub.Close()

	c := &collector{}
	hub.Subscribe("v1", c.add, WithMode(config.StatusModePoll))
	require.Eventually(t, func() bool { return len(c.all()) == 1 }, time.Second, time.Millisecond)
	assert.Positive(t, polls.Load())
}

func TestPush_UnsubscribeWhileJobContinues(t *testing.T) {
	release := make(chan struct{})
	broker := events.NewBroker()
	w := worker.New(config.Default().Processing, runFunc(func(_ context.Context, _ string, report pipeline.ReportFunc) (*models.ProcessingResult, error) {
		report(10, "Extracting metadata completed")
		<-release
		report(50, "Transcoding completed")
		return &models.ProcessingResult{Formats: []models.OutputFormat{{Format: "mp4"}}}, nil
	}), worker.WithPublisher(broker), worker.WithRegisterer(prometheus.NewRegistry()))
	srv := httptest.NewServer(events.NewRouter(w, broker).Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	hub := NewHub(NewPushSource(eventsURL(t, srv), backoff.DefaultPolicy(), 5))
	c := &collector{}
	handle := hub.Subscribe("v1", c.add)
	require.Eventually(t, func() bool { return broker.Subscribers("v1") == 1 }, 2*time.Second, time.Millisecond)

	_, err := w.Submit("v1", models.PriorityNormal, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ev, ok := c.last()
		return ok && ev.Progress == 10
	}, 2*time.Second, time.Millisecond)

	hub.Unsubscribe(handle)
	<-handle.Done()
	seen := len(c.all())

	close(release)
	require.Eventually(t, func() bool {
		job, _ := w.Job("v1")
		return job.Status == models.JobStatusCompleted
	}, 2*time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, seen, len(c.all()))
	for _, ev := range c.all() {
		assert.NotEqual(t, models.JobStatusCompleted, ev.Status)
	}
}
