// Package upload owns resumable chunked upload sessions: pre-flight validation,
// the chunk plan, sending only missing chunks in order and finalizing the
// session into a processing job.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/matt-primrose/video-ingest-service/internal/backend"
	"github.com/matt-primrose/video-ingest-service/internal/config"
	"github.com/matt-primrose/video-ingest-service/internal/ingesterr"
	"github.com/matt-primrose/video-ingest-service/internal/storage"
	"github.com/matt-primrose/video-ingest-service/internal/transport"
	"github.com/matt-primrose/video-ingest-service/pkg/models"
)

// Backend is the remote session API the manager drives
type Backend interface {
	transport.ChunkUploader
	InitiateUpload(ctx context.Context, req backend.InitiateRequest) (*backend.InitiateResponse, error)
	GetUpload(ctx context.Context, sessionID string) (*backend.InitiateResponse, error)
	CompleteUpload(ctx context.Context, sessionID, videoID string) (string, error)
}

// JobSink receives the processing job created when a session is finalized
type JobSink interface {
	Enqueue(job *models.ProcessingJob) error
}

// FileDescriptor describes the file an upload is initiated for
type FileDescriptor struct {
	Name        string
	Size        int64
	ContentType string
}

// DescriptorFor builds a descriptor from an opened source file
func DescriptorFor(info storage.FileInfo) FileDescriptor {
	return FileDescriptor{Name: info.Name, Size: info.Size, ContentType: info.ContentType}
}

// Progress is reported after every accepted chunk
type Progress struct {
	SessionID  string
	VideoID    string
	ChunkIndex int
	Accepted   int
	Total      int
	Percent    float64
}

// ProgressFunc receives upload progress. It is called from the uploading goroutine.
type ProgressFunc func(Progress)

// Options tune an initiated session
type Options struct {
	Priority models.Priority
	Metadata map[string]string
}

type entry struct {
	session *models.UploadSession
	cancel  context.CancelFunc
	running bool
}

// Manager tracks upload sessions for the lifetime of the process
type Manager struct {
	cfg       config.UploadConfig
	backend   Backend
	transport *transport.Transport
	sink      JobSink
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

// Option configures a Manager
type Option func(*Manager)

// WithJobSink hands finalized jobs to sink
func WithJobSink(sink JobSink) Option {
	return func(m *Manager) {
		m.sink = sink
	}
}

// WithClock replaces the clock used for expiry checks
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates an upload manager
func NewManager(cfg config.UploadConfig, be Backend, tr *transport.Transport, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		backend:   be,
		transport: tr,
		now:       time.Now,
		sessions:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Validate runs the pre-flight checks on a file descriptor
func (m *Manager) Validate(desc FileDescriptor) error {
	if desc.Size <= 0 {
		return ingesterr.Validation("initiate-upload", "file %q is empty", desc.Name)
	}
	if m.cfg.MaxFileSize > 0 && desc.Size > m.cfg.MaxFileSize {
		return ingesterr.Validation("initiate-upload", "file size %d exceeds the maximum of %d bytes", desc.Size, m.cfg.MaxFileSize)
	}

	ext := strings.ToLower(filepath.Ext(desc.Name))
	if len(m.cfg.AllowedExtensions) > 0 {
		allowed := false
		for _, a := range m.cfg.AllowedExtensions {
			if strings.EqualFold(a, ext) {
				allowed = true
				break
			}
		}
		if !allowed {
			return ingesterr.Validation("initiate-upload", "file type %q is not supported", ext)
		}
	}
	return nil
}

// Initiate validates the file and opens a remote session for it. Validation
// failures are returned before any network call is made.
func (m *Manager) Initiate(ctx context.Context, desc FileDescriptor, opts Options) (*models.UploadSession, error) {
	if err := m.Validate(desc); err != nil {
		return nil, err
	}

	resp, err := m.backend.InitiateUpload(ctx, backend.InitiateRequest{
		FileName:    desc.Name,
		FileSize:    desc.Size,
		ContentType: desc.ContentType,
		ChunkSize:   m.cfg.ChunkSize,
		Metadata:    opts.Metadata,
	})
	if err != nil {
		return nil, err
	}

	chunkSize := resp.ChunkSize
	if chunkSize <= 0 {
		chunkSize = m.cfg.ChunkSize
	}
	session := models.NewUploadSession(resp.SessionID, resp.VideoID, desc.Size, chunkSize, resp.ExpiresAt, resp.AcceptedChunks)
	session.FileName = desc.Name
	session.Priority = opts.Priority
	session.Metadata = opts.Metadata

	if resp.TotalChunks != 0 && resp.TotalChunks != session.TotalChunks {
		return nil, ingesterr.Validation("initiate-upload", "backend planned %d chunks, expected %d", resp.TotalChunks, session.TotalChunks)
	}

	m.track(session)

	slog.Info("Upload session initiated",
		"sessionId", session.SessionID,
		"videoId", session.VideoID,
		"fileName", desc.Name,
		"totalSize", desc.Size,
		"chunkSize", chunkSize,
		"totalChunks", session.TotalChunks,
	)
	return session, nil
}

// Upload sends every chunk of file the session is still missing, in ascending
// index order, then finalizes the session and returns the processing job id.
// A session whose chunks are all accepted is finalized without sending bytes.
func (m *Manager) Upload(ctx context.Context, session *models.UploadSession, file storage.File, onProgress ProgressFunc) (string, error) {
	if size := file.Info().Size; size != session.TotalSize {
		return "", ingesterr.Validation("upload", "file is %d bytes but the session expects %d", size, session.TotalSize)
	}

	runCtx, release, err := m.begin(ctx, session)
	if err != nil {
		return "", err
	}
	defer release()

	missing := session.Missing()
	slog.Info("Uploading missing chunks",
		"sessionId", session.SessionID,
		"videoId", session.VideoID,
		"missing", len(missing),
		"accepted", session.AcceptedCount(),
		"totalChunks", session.TotalChunks,
	)

	for _, idx := range missing {
		if err := runCtx.Err(); err != nil {
			return "", ingesterr.Cancelled("upload", err)
		}
		if session.Expired(m.now()) {
			return "", ingesterr.Expired("upload", session.SessionID)
		}

		offset, length := session.ChunkRange(idx)
		data, err := file.ReadChunk(runCtx, offset, length)
		if err != nil {
			return "", fmt.Errorf("failed to read chunk %d: %w", idx, err)
		}

		if _, err := m.transport.Send(runCtx, session.SessionID, idx, session.TotalChunks, data); err != nil {
			slog.Error("Chunk upload failed",
				"sessionId", session.SessionID,
				"chunkIndex", idx,
				"accepted", session.AcceptedCount(),
				"error", err,
			)
			return "", err
		}

		session.MarkAccepted(idx)
		if onProgress != nil {
			onProgress(Progress{
				SessionID:  session.SessionID,
				VideoID:    session.VideoID,
				ChunkIndex: idx,
				Accepted:   session.AcceptedCount(),
				Total:      session.TotalChunks,
				Percent:    session.Progress(),
			})
		}
	}

	return m.finalize(runCtx, session)
}

// Resume continues a session from the last known accepted set. Sessions not
// tracked by this process are fetched from the backend and take opts; a
// tracked session keeps the options it was initiated with. An expired session
// fails with an Expired error without sending anything.
func (m *Manager) Resume(ctx context.Context, sessionID string, file storage.File, opts Options, onProgress ProgressFunc) (string, error) {
	session, ok := m.Session(sessionID)
	if !ok {
		var err error
		session, err = m.fetch(ctx, sessionID, file.Info(), opts)
		if err != nil {
			return "", err
		}
	}

	if session.Expired(m.now()) {
		return "", ingesterr.Expired("resume", sessionID)
	}
	return m.Upload(ctx, session, file, onProgress)
}

// Cancel signals the in-flight upload of a session to stop. The session stays
// tracked and can be resumed.
func (m *Manager) Cancel(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		return ingesterr.Validation("cancel-upload", "unknown upload session %s", sessionID)
	}
	if e.cancel != nil {
		e.cancel()
	}
	slog.Info("Upload cancelled", "sessionId", sessionID, "running", e.running)
	return nil
}

// Discard cancels any in-flight upload and forgets the session
func (m *Manager) Discard(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.sessions[sessionID]; ok {
		if e.cancel != nil {
			e.cancel()
		}
		delete(m.sessions, sessionID)
	}
}

// Session returns a tracked session
func (m *Manager) Session(sessionID string) (*models.UploadSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Sessions returns every tracked session, oldest first
func (m *Manager) Sessions() []*models.UploadSession {
	m.mu.Lock()
	out := make([]*models.UploadSession, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.session)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Prune forgets expired sessions that are not uploading and returns how many
// were dropped
func (m *Manager) Prune() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for id, e := range m.sessions {
		if !e.running && e.session.Expired(now) {
			delete(m.sessions, id)
			dropped++
		}
	}
	if dropped > 0 {
		slog.Debug("Pruned expired upload sessions", "count", dropped)
	}
	return dropped
}

func (m *Manager) track(session *models.UploadSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.SessionID]; !ok {
		m.sessions[session.SessionID] = &entry{session: session}
	}
}

// begin marks the session as uploading and installs its cancel function
func (m *Manager) begin(ctx context.Context, session *models.UploadSession) (context.Context, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[session.SessionID]
	if !ok {
		e = &entry{session: session}
		m.sessions[session.SessionID] = e
	}
	if e.running {
		return nil, nil, ingesterr.Validation("upload", "upload session %s is already uploading", session.SessionID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel

	release := func() {
		cancel()
		m.mu.Lock()
		defer m.mu.Unlock()
		e.running = false
		e.cancel = nil
	}
	return runCtx, release, nil
}

func (m *Manager) finalize(ctx context.Context, session *models.UploadSession) (string, error) {
	jobID, err := m.backend.CompleteUpload(ctx, session.SessionID, session.VideoID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	delete(m.sessions, session.SessionID)
	m.mu.Unlock()

	slog.Info("Upload finalized",
		"sessionId", session.SessionID,
		"videoId", session.VideoID,
		"jobId", jobID,
	)

	if m.sink != nil {
		job := &models.ProcessingJob{
			JobID:     jobID,
			VideoID:   session.VideoID,
			Status:    models.JobStatusQueued,
			Priority:  session.Priority,
			Message:   "Queued for processing",
			Metadata:  session.Metadata,
			CreatedAt: m.now(),
		}
		if err := m.sink.Enqueue(job); err != nil {
			return jobID, fmt.Errorf("failed to hand off job %s: %w", jobID, err)
		}
	}
	return jobID, nil
}

func (m *Manager) fetch(ctx context.Context, sessionID string, info storage.FileInfo, opts Options) (*models.UploadSession, error) {
	resp, err := m.backend.GetUpload(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	chunkSize := resp.ChunkSize
	if chunkSize <= 0 {
		chunkSize = m.cfg.ChunkSize
	}
	session := models.NewUploadSession(resp.SessionID, resp.VideoID, info.Size, chunkSize, resp.ExpiresAt, resp.AcceptedChunks)
	session.FileName = info.Name
	session.Priority = opts.Priority
	session.Metadata = opts.Metadata
	if resp.TotalChunks != 0 && resp.TotalChunks != session.TotalChunks {
		return nil, ingesterr.Validation("resume", "file does not match session %s: %d chunks planned, %d expected",
			sessionID, resp.TotalChunks, session.TotalChunks)
	}

	m.track(session)
	return session, nil
}
