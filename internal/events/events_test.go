package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-primrose/video-ingest-service/internal/backoff"
	"github.com/matt-primrose/video-ingest-service/internal/config"
	"github.com/matt-primrose/video-ingest-service/internal/pipeline"
	"github.com/matt-primrose/video-ingest-service/internal/worker"
	"github.com/matt-primrose/video-ingest-service/pkg/models"
)

type runFunc func(ctx context.Context, videoID string, report pipeline.ReportFunc) (*models.ProcessingResult, error)

func (f runFunc) Run(ctx context.Context, videoID string, report pipeline.ReportFunc) (*models.ProcessingResult, error) {
	return f(ctx, videoID, report)
}

func completeRun(_ context.Context, _ string, report pipeline.ReportFunc) (*models.ProcessingResult, error) {
	report(10, "Extracting metadata completed")
	report(50, "Transcoding completed")
	return &models.ProcessingResult{Formats: []models.OutputFormat{{Format: "mp4", Quality: "720p"}}}, nil
}

func newTestService(t *testing.T, run runFunc) (*worker.Worker, *Broker, *httptest.Server) {
	t.Helper()
	broker := NewBroker()
	w := worker.New(config.Default().Processing, run,
		worker.WithPublisher(broker),
		worker.WithRegisterer(prometheus.NewRegistry()),
	)
	srv := httptest.NewServer(NewRouter(w, broker).Handler())
	t.Cleanup(srv.Close)
	return w, broker, srv
}

func startWorker(t *testing.T, w *worker.Worker) {
	t.Helper()
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
}

func postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func do(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestBroker_SubscribeAndUnsubscribe(t *testing.T) {
	b := NewBroker()
	ch, unsubscribe := b.Subscribe("v1")
	other, unsubscribeOther := b.Subscribe("v2")
	defer unsubscribeOther()

	b.Publish(models.StatusEvent{VideoID: "v1", Status: models.JobStatusQueued})
	ev := <-ch
	assert.Equal(t, models.JobStatusQueued, ev.Status)
	assert.Empty(t, other, "events are routed by video id")

	unsubscribe()
	unsubscribe()
	assert.Zero(t, b.Subscribers("v1"))
	_, open := <-ch
	assert.False(t, open)

	// publishing with no subscribers is fine
	b.Publish(models.StatusEvent{VideoID: "v1"})
}

func TestBroker_SlowSubscriberKeepsNewest(t *testing.T) {
	b := NewBroker()
	ch, unsubscribe := b.Subscribe("v1")
	defer unsubscribe()

	for i := 0; i <= subscriberBuffer; i++ {
		b.Publish(models.StatusEvent{VideoID: "v1", Progress: i})
	}

	var last models.StatusEvent
	for len(ch) > 0 {
		last = <-ch
	}
	assert.Equal(t, subscriberBuffer, last.Progress)
}

func TestRouter_SubmitStatusCancelRetry(t *testing.T) {
	_, _, srv := newTestService(t, completeRun)

	resp := do(t, http.MethodGet, srv.URL+"/videos/v1/status")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/jobs", JobRequest{VideoID: "v1", Priority: models.PriorityHigh})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created jobResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEmpty(t, created.ProcessingJobID)

	resp = postJSON(t, srv.URL+"/jobs", JobRequest{VideoID: "v1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "video already queued")

	resp = do(t, http.MethodGet, srv.URL+"/videos/v1/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ev models.StatusEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ev))
	assert.Equal(t, models.JobStatusQueued, ev.Status)

	resp = do(t, http.MethodPost, srv.URL+"/videos/v1/retry")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "only failed jobs can be retried")

	resp = do(t, http.MethodDelete, srv.URL+"/jobs/v1")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp = do(t, http.MethodDelete, srv.URL+"/jobs/v1")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = do(t, http.MethodDelete, srv.URL+"/jobs/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/videos/v1/status")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ev))
	assert.Equal(t, models.JobStatusFailed, ev.Status)
	assert.NotEmpty(t, ev.Error)

	resp = do(t, http.MethodPost, srv.URL+"/videos/v1/retry")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp = do(t, http.MethodPost, srv.URL+"/videos/missing/retry")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/stats")
	var stats worker.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.TotalJobs)
	assert.Equal(t, 1, stats.FailedJobs)
	assert.Equal(t, 1, stats.QueueLength)
}

func TestRouter_SubmitRejectsBadRequests(t *testing.T) {
	_, _, srv := newTestService(t, completeRun)

	resp := postJSON(t, srv.URL+"/jobs", JobRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	r, err := http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(`{"videoId":"v1","priority":"urgent"}`))
	require.NoError(t, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestRouter_PushEvents(t *testing.T) {
	w, broker, srv := newTestService(t, completeRun)
	startWorker(t, w)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?videoId=v1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return broker.Subscribers("v1") == 1 }, time.Second, time.Millisecond)

	_, err = w.Submit("v1", models.PriorityNormal, nil)
	require.NoError(t, err)

	var got []models.StatusEvent
	for {
		var ev models.StatusEvent
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
		got = append(got, ev)
		if ev.Status.Terminal() {
			break
		}
	}
	final := got[len(got)-1]
	assert.Equal(t, models.JobStatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	require.NotNil(t, final.Result)

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return broker.Subscribers("v1") == 0 }, time.Second, time.Millisecond)
}

func TestRouter_PushSendsCurrentStateFirst(t *testing.T) {
	w, _, srv := newTestService(t, completeRun)
	_, err := w.Submit("v1", models.PriorityLow, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/events?videoId=v1", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var ev models.StatusEvent
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, "v1", ev.VideoID)
	assert.Equal(t, models.JobStatusQueued, ev.Status)
}

func TestRouter_EventGridWebhook(t *testing.T) {
	w, _, srv := newTestService(t, completeRun)

	resp := postJSON(t, srv.URL+"/eventgrid", []map[string]any{{
		"eventType": "Microsoft.EventGrid.SubscriptionValidationEvent",
		"data":      map[string]string{"validationCode": "abc123"},
	}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var validation map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&validation))
	assert.Equal(t, "abc123", validation["validationResponse"])

	resp = postJSON(t, srv.URL+"/eventgrid", []map[string]any{
		{
			"eventType": "Microsoft.Storage.BlobCreated",
			"data":      map[string]string{"url": "https://acct.blob.core.windows.net/uploads/clip-42.mp4?sv=1"},
		},
		{"eventType": "Microsoft.Storage.BlobDeleted"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	job, ok := w.Job("clip-42")
	require.True(t, ok)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, "https://acct.blob.core.windows.net/uploads/clip-42.mp4?sv=1", job.Metadata["sourceUrl"])
}

type fakeAck struct {
	acked   int
	nacked  int
	requeue bool
}

func (a *fakeAck) Ack(uint64, bool) error { a.acked++; return nil }

func (a *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked++
	a.requeue = requeue
	return nil
}

func (a *fakeAck) Reject(_ uint64, requeue bool) error { return a.Nack(0, false, requeue) }

type failingJobs struct {
	JobService
}

func (failingJobs) Submit(string, models.Priority, map[string]string) (models.ProcessingJob, error) {
	return models.ProcessingJob{}, errors.New("worker unavailable")
}

func TestIntake_HandleDelivery(t *testing.T) {
	w, _, _ := newTestService(t, completeRun)
	intake := NewIntake(config.Default().Intake.AMQP, w)

	tests := []struct {
		name        string
		body        string
		wantAck     bool
		wantRequeue bool
	}{
		{name: "valid", body: `{"videoId":"v1","priority":"high"}`, wantAck: true},
		{name: "duplicate is dropped", body: `{"videoId":"v1"}`},
		{name: "malformed", body: `{not json`},
		{name: "missing video id", body: `{"priority":"low"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAck{}
			intake.handleDelivery(amqp.Delivery{Acknowledger: ack, Body: []byte(tt.body)})
			if tt.wantAck {
				assert.Equal(t, 1, ack.acked)
				assert.Zero(t, ack.nacked)
				return
			}
			assert.Zero(t, ack.acked)
			assert.Equal(t, 1, ack.nacked)
			assert.Equal(t, tt.wantRequeue, ack.requeue)
		})
	}

	job, ok := w.Job("v1")
	require.True(t, ok)
	assert.Equal(t, models.PriorityHigh, job.Priority)

	ack := &fakeAck{}
	NewIntake(config.Default().Intake.AMQP, failingJobs{}).handleDelivery(amqp.Delivery{Acknowledger: ack, Body: []byte(`{"videoId":"v2"}`)})
	assert.Equal(t, 1, ack.nacked)
	assert.True(t, ack.requeue, "transient failures are requeued")
}

func TestRouter_SubmitWithoutPriorityIsNormal(t *testing.T) {
	w, _, srv := newTestService(t, completeRun)

	resp := postJSON(t, srv.URL+"/jobs", map[string]string{"videoId": "v1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	job, ok := w.Job("v1")
	require.True(t, ok)
	assert.Equal(t, models.PriorityNormal, job.Priority)
}

func TestIntake_RequestWithoutPriorityIsNormal(t *testing.T) {
	w, _, _ := newTestService(t, completeRun)
	ack := &fakeAck{}
	NewIntake(config.Default().Intake.AMQP, w).handleDelivery(amqp.Delivery{Acknowledger: ack, Body: []byte(`{"videoId":"v3"}`)})
	require.Equal(t, 1, ack.acked)

	job, ok := w.Job("v3")
	require.True(t, ok)
	assert.Equal(t, models.PriorityNormal, job.Priority)
}

func TestIntake_DialRetriesWithPolicy(t *testing.T) {
	policy := backoff.Policy{InitialDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 2}

	t.Run("gives up", func(t *testing.T) {
		timer := backoff.NewInstantTimer()
		intake := NewIntake(config.Default().Intake.AMQP, nil, WithDialPolicy(policy), WithDialTimer(timer))
		calls := 0
		intake.dialer = func(string) (*amqp.Connection, error) {
			calls++
			return nil, errors.New("connection refused")
		}

		_, err := intake.dial(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
		assert.Equal(t, dialAttempts, calls)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}, timer.Waits)
	})

	t.Run("recovers", func(t *testing.T) {
		intake := NewIntake(config.Default().Intake.AMQP, nil, WithDialPolicy(policy), WithDialTimer(backoff.NewInstantTimer()))
		calls := 0
		intake.dialer = func(string) (*amqp.Connection, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("connection refused")
			}
			return nil, nil
		}

		_, err := intake.dial(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("cancelled", func(t *testing.T) {
		intake := NewIntake(config.Default().Intake.AMQP, nil, WithDialTimer(backoff.NewInstantTimer()))
		intake.dialer = func(string) (*amqp.Connection, error) {
			return nil, errors.New("connection refused")
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := intake.dial(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// staleJobs publishes progress the snapshot already covers while the push
// handler reads the snapshot
type staleJobs struct {
	JobService
	broker *Broker
}

func (s staleJobs) Job(videoID string) (models.ProcessingJob, bool) {
	s.broker.Publish(models.StatusEvent{VideoID: videoID, Status: models.JobStatusProcessing, Progress: 10, Revision: 2})
	s.broker.Publish(models.StatusEvent{VideoID: videoID, Status: models.JobStatusProcessing, Progress: 30, Revision: 3})
	return models.ProcessingJob{VideoID: videoID, Status: models.JobStatusProcessing, Progress: 30, Revision: 3}, true
}

func TestRouter_PushDropsEventsCoveredBySnapshot(t *testing.T) {
	broker := NewBroker()
	srv := httptest.NewServer(NewRouter(staleJobs{broker: broker}, broker).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/events?videoId=v1", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var ev models.StatusEvent
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, 30, ev.Progress)

	broker.Publish(models.StatusEvent{VideoID: "v1", Status: models.JobStatusProcessing, Progress: 50, Revision: 4})
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, 50, ev.Progress, "buffered events older than the snapshot are skipped")
	assert.Equal(t, uint64(4), ev.Revision)
}
