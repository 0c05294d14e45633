package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/matt-primrose/video-ingest-service/internal/ingesterr"
	"github.com/matt-primrose/video-ingest-service/internal/worker"
	"github.com/matt-primrose/video-ingest-service/pkg/models"
)

const writeTimeout = 10 * time.Second

// JobService is the part of the worker the router drives
type JobService interface {
	Submit(videoID string, priority models.Priority, metadata map[string]string) (models.ProcessingJob, error)
	Retry(videoID string) (models.ProcessingJob, error)
	Cancel(videoID string) error
	Job(videoID string) (models.ProcessingJob, bool)
	Jobs() []models.ProcessingJob
	Stats() worker.Stats
}

// JobRequest asks for a video to be processed without an upload
type JobRequest struct {
	VideoID  string            `json:"videoId"`
	Priority models.Priority   `json:"priority"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type jobResponse struct {
	ProcessingJobID string `json:"processingJobId"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Router serves job status and control over HTTP and websocket
type Router struct {
	jobs   JobService
	broker *Broker
	origin []string
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithOriginPatterns allows websocket connections from the given origins
func WithOriginPatterns(patterns ...string) RouterOption {
	return func(r *Router) {
		r.origin = patterns
	}
}

// NewRouter creates a new event router
func NewRouter(jobs JobService, broker *Broker, opts ...RouterOption) *Router {
	r := &Router{
		jobs:   jobs,
		broker: broker,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds the router's routes to mux
func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /videos/{videoId}/status", r.handleStatus)
	mux.HandleFunc("POST /videos/{videoId}/retry", r.handleRetry)
	mux.HandleFunc("GET /events", r.handleEvents)
	mux.HandleFunc("GET /jobs", r.handleListJobs)
	mux.HandleFunc("POST /jobs", r.handleSubmit)
	mux.HandleFunc("DELETE /jobs/{videoId}", r.handleCancel)
	mux.HandleFunc("GET /stats", r.handleStats)
	mux.HandleFunc("POST /eventgrid", r.handleEventGridWebhook)
}

// Handler returns a mux serving only the router's routes
func (r *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	r.Register(mux)
	return mux
}

// handleStatus serves the poll side of the status channel
func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	videoID := req.PathValue("videoId")
	job, ok := r.jobs.Job(videoID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown video", fmt.Sprintf("no job for video %s", videoID))
		return
	}
	writeJSON(w, http.StatusOK, models.EventFromJob(&job))
}

func (r *Router) handleRetry(w http.ResponseWriter, req *http.Request) {
	videoID := req.PathValue("videoId")
	if _, ok := r.jobs.Job(videoID); !ok {
		writeError(w, http.StatusNotFound, "unknown video", fmt.Sprintf("no job for video %s", videoID))
		return
	}

	job, err := r.jobs.Retry(videoID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{ProcessingJobID: job.JobID})
}

func (r *Router) handleSubmit(w http.ResponseWriter, req *http.Request) {
	body := JobRequest{Priority: models.PriorityNormal}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	if body.VideoID == "" {
		writeError(w, http.StatusBadRequest, "invalid request", "videoId is required")
		return
	}

	job, err := r.jobs.Submit(body.VideoID, body.Priority, body.Metadata)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{ProcessingJobID: job.JobID})
}

func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) {
	videoID := req.PathValue("videoId")
	if _, ok := r.jobs.Job(videoID); !ok {
		writeError(w, http.StatusNotFound, "unknown video", fmt.Sprintf("no job for video %s", videoID))
		return
	}
	if err := r.jobs.Cancel(videoID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Router) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.jobs.Jobs())
}

func (r *Router) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.jobs.Stats())
}

// handleEvents serves the push side of the status channel. The current state
// is sent first, then every change until the client goes away.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	videoID := req.URL.Query().Get("videoId")
	if videoID == "" {
		writeError(w, http.StatusBadRequest, "invalid request", "videoId is required")
		return
	}

	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{OriginPatterns: r.origin})
	if err != nil {
		slog.Error("Failed to accept websocket", "videoId", videoID, "error", err)
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := r.broker.Subscribe(videoID)
	defer unsubscribe()

	// the client never sends; CloseRead handles control frames and reports disconnects
	ctx := conn.CloseRead(req.Context())
	slog.Debug("Status subscriber connected", "videoId", videoID)

	// events published before the snapshot was read may still be buffered
	var sent uint64
	if job, ok := r.jobs.Job(videoID); ok {
		if err := writeEvent(ctx, conn, models.EventFromJob(&job)); err != nil {
			return
		}
		sent = job.Revision
	}

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Status subscriber disconnected", "videoId", videoID)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !newerThan(ev, sent) {
				continue
			}
			sent = ev.Revision
			if err := writeEvent(ctx, conn, ev); err != nil {
				slog.Debug("Failed to write status event", "videoId", videoID, "error", err)
				return
			}
		}
	}
}

// newerThan reports whether ev describes a later state than revision. Events
// without a revision are always delivered.
func newerThan(ev models.StatusEvent, revision uint64) bool {
	return ev.Revision == 0 || ev.Revision > revision
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev models.StatusEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

// handleEventGridWebhook queues a job for every blob created in a watched
// container. Subscription validation is answered inline.
func (r *Router) handleEventGridWebhook(w http.ResponseWriter, req *http.Request) {
	slog.Debug("Received Event Grid webhook", "method", req.Method)

	var events []gridEvent
	if err := json.NewDecoder(req.Body).Decode(&events); err != nil {
		slog.Error("Failed to decode Event Grid payload", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}

	for _, event := range events {
		if event.EventType == "Microsoft.EventGrid.SubscriptionValidationEvent" && event.Data.ValidationCode != "" {
			writeJSON(w, http.StatusOK, map[string]string{"validationResponse": event.Data.ValidationCode})
			return
		}

		if err := r.processEventGridEvent(event); err != nil {
			slog.Error("Failed to process Event Grid event", "eventType", event.EventType, "error", err)
		}
	}

	w.WriteHeader(http.StatusOK)
}

type gridEvent struct {
	EventType string `json:"eventType"`
	Subject   string `json:"subject"`
	Data      struct {
		URL            string `json:"url"`
		ValidationCode string `json:"validationCode"`
	} `json:"data"`
}

// processEventGridEvent handles a single Event Grid event
func (r *Router) processEventGridEvent(event gridEvent) error {
	if event.EventType != "Microsoft.Storage.BlobCreated" {
		slog.Debug("Ignoring unsupported event type", "eventType", event.EventType)
		return nil
	}
	if event.Data.URL == "" {
		return fmt.Errorf("missing blob URL")
	}

	videoID := videoIDFromBlobURL(event.Data.URL)
	job, err := r.jobs.Submit(videoID, models.PriorityNormal, map[string]string{"sourceUrl": event.Data.URL})
	if err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}

	slog.Info("Submitted processing job from blob event",
		"jobId", job.JobID,
		"videoId", videoID,
		"sourceUrl", event.Data.URL,
	)
	return nil
}

// videoIDFromBlobURL uses the blob's base name without extension
func videoIDFromBlobURL(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	base := path.Base(u)
	return strings.TrimSuffix(base, path.Ext(base))
}

func writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch ingesterr.KindOf(err) {
	case ingesterr.KindValidation:
		code = http.StatusConflict
	case ingesterr.KindPermission:
		code = http.StatusForbidden
	}
	writeError(w, code, err.Error(), ingesterr.UserMessage(err))
}

func writeError(w http.ResponseWriter, code int, errMsg, message string) {
	writeJSON(w, code, errorResponse{Error: errMsg, Message: message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
