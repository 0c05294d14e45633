package models

import (
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// UploadSession tracks one resumable chunked transfer
type UploadSession struct {
	SessionID   string            `json:"sessionId"`
	VideoID     string            `json:"videoId"`
	FileName    string            `json:"fileName"`
	TotalSize   int64             `json:"totalSize"`
	ChunkSize   int64             `json:"chunkSize"`
	TotalChunks int               `json:"totalChunks"`
	Priority    Priority          `json:"priority"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ExpiresAt   time.Time         `json:"expiresAt"`
	CreatedAt   time.Time         `json:"createdAt"`

	accepted mapset.Set[int]
}

// NewUploadSession creates a session and records the chunk indices the remote end
// already holds. Indices outside [0, totalChunks) are ignored.
func NewUploadSession(sessionID, videoID string, totalSize, chunkSize int64, expiresAt time.Time, accepted []int) *UploadSession {
	s := &UploadSession{
		SessionID:   sessionID,
		VideoID:     videoID,
		TotalSize:   totalSize,
		ChunkSize:   chunkSize,
		TotalChunks: ChunkCount(totalSize, chunkSize),
		ExpiresAt:   expiresAt,
		CreatedAt:   time.Now(),
		accepted:    mapset.NewSet[int](),
	}
	for _, idx := range accepted {
		s.MarkAccepted(idx)
	}
	return s
}

// ChunkCount returns the number of chunkSize pieces needed to cover totalSize
func ChunkCount(totalSize, chunkSize int64) int {
	if totalSize <= 0 || chunkSize <= 0 {
		return 0
	}
	n := totalSize / chunkSize
	if totalSize%chunkSize != 0 {
		n++
	}
	return int(n)
}

// MarkAccepted records that the remote end holds chunk idx
func (s *UploadSession) MarkAccepted(idx int) bool {
	if idx < 0 || idx >= s.TotalChunks {
		return false
	}
	s.ensureSet()
	return s.accepted.Add(idx)
}

// IsAccepted reports whether chunk idx has been accepted
func (s *UploadSession) IsAccepted(idx int) bool {
	s.ensureSet()
	return s.accepted.Contains(idx)
}

// AcceptedCount returns the number of accepted chunks
func (s *UploadSession) AcceptedCount() int {
	s.ensureSet()
	return s.accepted.Cardinality()
}

// Accepted returns the accepted chunk indices in ascending order
func (s *UploadSession) Accepted() []int {
	s.ensureSet()
	idx := s.accepted.ToSlice()
	sort.Ints(idx)
	return idx
}

// Missing returns [0, TotalChunks) minus the accepted set, ascending
func (s *UploadSession) Missing() []int {
	s.ensureSet()
	missing := make([]int, 0, s.TotalChunks-s.accepted.Cardinality())
	for i := 0; i < s.TotalChunks; i++ {
		if !s.accepted.Contains(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// Complete reports whether every chunk has been accepted
func (s *UploadSession) Complete() bool {
	return s.AcceptedCount() == s.TotalChunks
}

// Progress returns accepted/total as a percentage
func (s *UploadSession) Progress() float64 {
	if s.TotalChunks == 0 {
		return 100
	}
	return float64(s.AcceptedCount()) / float64(s.TotalChunks) * 100
}

// Expired reports whether the session can no longer be resumed at time now
func (s *UploadSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// ChunkRange returns the byte offset and length of chunk idx
func (s *UploadSession) ChunkRange(idx int) (offset, length int64) {
	offset = int64(idx) * s.ChunkSize
	length = s.ChunkSize
	if offset+length > s.TotalSize {
		length = s.TotalSize - offset
	}
	return offset, length
}

func (s *UploadSession) ensureSet() {
	if s.accepted == nil {
		s.accepted = mapset.NewSet[int]()
	}
}
