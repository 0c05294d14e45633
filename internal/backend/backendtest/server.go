// Package backendtest provides an in-memory fake of the remote backend for tests.
package backendtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/matt-primrose/video-ingest-service/internal/backend"
	"github.com/matt-primrose/video-ingest-service/pkg/models"
)

// ChunkCall records one chunk upload request
type ChunkCall struct {
	SessionID string
	Index     int
	Size      int
}

// Session is the fake's view of an upload session
type Session struct {
	ID          string
	VideoID     string
	ChunkSize   int64
	TotalChunks int
	Accepted    map[int]bool
	ExpiresAt   time.Time
}

// Server is a fake backend. Hooks may be set before requests are made.
type Server struct {
	*httptest.Server

	// ChunkStatus returns an HTTP status for the given chunk attempt (1-based).
	// Zero means accept the chunk.
	ChunkStatus func(index, attempt int) int
	// StageStatus returns an HTTP status for a stage call. Zero means success.
	StageStatus func(stage, videoID string) int
	// SessionTTL sets the expiry handed out by initiate.
	SessionTTL time.Duration

	mu        sync.Mutex
	nextID    int
	sessions  map[string]*Session
	chunks    []ChunkCall
	attempts  map[int]int
	completed []string
	statuses  map[string]models.StatusEvent
	stages    []string
	retries   []string
}

// New starts a fake backend
func New() *Server {
	s := &Server{
		SessionTTL: time.Hour,
		sessions:   make(map[string]*Session),
		attempts:   make(map[int]int),
		statuses:   make(map[string]models.StatusEvent),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /uploads", s.handleInitiate)
	mux.HandleFunc("GET /uploads/{sessionId}", s.handleGetSession)
	mux.HandleFunc("POST /uploads/{sessionId}/chunks/{index}", s.handleChunk)
	mux.HandleFunc("POST /uploads/{sessionId}/complete", s.handleComplete)
	mux.HandleFunc("GET /videos/{videoId}/status", s.handleStatus)
	mux.HandleFunc("POST /videos/{videoId}/retry", s.handleRetry)
	mux.HandleFunc("POST /videos/{videoId}/{stage}", s.handleStage)

	s.Server = httptest.NewServer(mux)
	return s
}

// Client returns a backend client pointed at the fake
func (s *Server) Client() *backend.Client {
	return backend.NewWithHTTPClient(s.URL, s.Server.Client())
}

// AddSession registers a session with some chunks already accepted
func (s *Server) AddSession(id, videoID string, chunkSize int64, totalChunks int, accepted ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &Session{
		ID:          id,
		VideoID:     videoID,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		Accepted:    make(map[int]bool),
		ExpiresAt:   time.Now().Add(s.SessionTTL),
	}
	for _, idx := range accepted {
		sess.Accepted[idx] = true
	}
	s.sessions[id] = sess
}

// SetStatus sets what the status endpoint returns for a video
func (s *Server) SetStatus(ev models.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[ev.VideoID] = ev
}

// ChunkCalls returns every chunk request received, in arrival order
func (s *Server) ChunkCalls() []ChunkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChunkCall(nil), s.chunks...)
}

// ChunkIndices returns the indices of every chunk request received
func (s *Server) ChunkIndices() []int {
	var out []int
	for _, c := range s.ChunkCalls() {
		out = append(out, c.Index)
	}
	return out
}

// Completed returns the sessions finalized so far
func (s *Server) Completed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.completed...)
}

// StageCalls returns "stage:videoId" for every stage request received
func (s *Server) StageCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stages...)
}

// Retries returns the videos retry was requested for
func (s *Server) Retries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.retries...)
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req backend.InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("session-%d", s.nextID)
	sess := &Session{
		ID:          id,
		VideoID:     fmt.Sprintf("video-%d", s.nextID),
		ChunkSize:   req.ChunkSize,
		TotalChunks: models.ChunkCount(req.FileSize, req.ChunkSize),
		Accepted:    make(map[int]bool),
		ExpiresAt:   time.Now().Add(s.SessionTTL),
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	writeJSON(w, backend.InitiateResponse{
		SessionID:      sess.ID,
		VideoID:        sess.VideoID,
		ChunkSize:      sess.ChunkSize,
		TotalChunks:    sess.TotalChunks,
		AcceptedChunks: []int{},
		ExpiresAt:      sess.ExpiresAt,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")

	s.mu.Lock()
	sess, ok := s.sessions[id]
	var resp backend.InitiateResponse
	if ok {
		resp = backend.InitiateResponse{
			SessionID:      sess.ID,
			VideoID:        sess.VideoID,
			ChunkSize:      sess.ChunkSize,
			TotalChunks:    sess.TotalChunks,
			AcceptedChunks: []int{},
			ExpiresAt:      sess.ExpiresAt,
		}
		for idx := range sess.Accepted {
			resp.AcceptedChunks = append(resp.AcceptedChunks, idx)
		}
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, `{"error":"unknown session"}`, http.StatusNotFound)
		return
	}
	if time.Now().After(resp.ExpiresAt) {
		http.Error(w, `{"error":"upload session expired"}`, http.StatusGone)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		http.Error(w, `{"error":"bad chunk index"}`, http.StatusBadRequest)
		return
	}
	data, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.chunks = append(s.chunks, ChunkCall{SessionID: id, Index: index, Size: len(data)})
	s.attempts[index]++
	attempt := s.attempts[index]
	sess, ok := s.sessions[id]
	hook := s.ChunkStatus
	s.mu.Unlock()

	if !ok {
		http.Error(w, `{"error":"unknown session"}`, http.StatusNotFound)
		return
	}
	if hook != nil {
		if code := hook(index, attempt); code != 0 {
			http.Error(w, `{"error":"injected failure"}`, code)
			return
		}
	}

	s.mu.Lock()
	sess.Accepted[index] = true
	s.mu.Unlock()
	writeJSON(w, backend.ChunkAck{Accepted: true})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		http.Error(w, `{"error":"unknown session"}`, http.StatusNotFound)
		return
	}
	if len(sess.Accepted) != sess.TotalChunks {
		http.Error(w, `{"error":"upload incomplete"}`, http.StatusConflict)
		return
	}
	s.completed = append(s.completed, id)
	writeJSON(w, map[string]string{"processingJobId": "job-" + sess.VideoID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("videoId")

	s.mu.Lock()
	ev, ok := s.statuses[videoID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"unknown video"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, ev)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("videoId")
	s.mu.Lock()
	s.retries = append(s.retries, videoID)
	s.mu.Unlock()
	writeJSON(w, map[string]string{"processingJobId": "job-" + videoID + "-retry"})
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("videoId")
	stage := r.PathValue("stage")

	s.mu.Lock()
	s.stages = append(s.stages, stage+":"+videoID)
	hook := s.StageStatus
	s.mu.Unlock()

	if hook != nil {
		if code := hook(stage, videoID); code != 0 {
			http.Error(w, `{"error":"injected stage failure"}`, code)
			return
		}
	}

	switch stage {
	case "metadata":
		writeJSON(w, models.VideoMetadata{Duration: 90 * time.Second, Width: 1920, Height: 1080, FrameRate: 30, Codec: "h264", Format: "mp4"})
	case "thumbnails":
		writeJSON(w, models.ThumbnailSet{Default: "https://cdn.example.com/" + videoID + "/thumb-0.jpg",
			URLs: []string{"https://cdn.example.com/" + videoID + "/thumb-0.jpg"}})
	case "transcode":
		var req backend.TranscodeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		var out []models.OutputFormat
		for _, f := range req.Formats {
			for _, q := range req.Qualities {
				out = append(out, models.OutputFormat{Format: f, Quality: q,
					URL: fmt.Sprintf("https://cdn.example.com/%s/%s/%s", videoID, q, f)})
			}
		}
		writeJSON(w, out)
	case "transcript":
		writeJSON(w, models.Transcript{Language: "en", Text: "hello from " + videoID})
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
