package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProcessingJob represents one execution of the processing pipeline for a video
type ProcessingJob struct {
	JobID       string            `json:"jobId"`
	VideoID     string            `json:"videoId"`
	Status      JobStatus         `json:"status"`
	Priority    Priority          `json:"priority"`
	Progress    int               `json:"progress"` // 0 to 100
	Message     string            `json:"message,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	StartedAt   time.Time         `json:"startedAt,omitempty"`
	CompletedAt time.Time         `json:"completedAt,omitempty"`
	Error       string            `json:"error,omitempty"`
	Result      *ProcessingResult `json:"result,omitempty"`
	Attempts    int               `json:"attempts"`
	// Revision increases with every state change of the video's job
	Revision    uint64            `json:"revision"`
}

// Snapshot returns a copy of the job that is safe to hand to other goroutines
func (j *ProcessingJob) Snapshot() ProcessingJob {
	cp := *j
	if j.Metadata != nil {
		cp.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// Duration returns the wall-clock time the last attempt took, or zero if unfinished
func (j *ProcessingJob) Duration() time.Duration {
	if j.StartedAt.IsZero() || j.CompletedAt.IsZero() {
		return 0
	}
	return j.CompletedAt.Sub(j.StartedAt)
}

// JobStatus represents the lifecycle state of a processing job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions happen without an explicit retry
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Priority orders jobs in the processing queue. The zero value is normal, so a
// job that never names a priority waits behind high ones.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
)

// Rank orders priorities for dequeueing; lower ranks go first
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority converts a priority name; an empty name means normal
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("invalid priority: %s", s)
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ProcessingResult is the output of a completed pipeline run
type ProcessingResult struct {
	Formats    []OutputFormat `json:"formats"`
	Thumbnails ThumbnailSet   `json:"thumbnails"`
	Transcript Transcript     `json:"transcript"`
	Metadata   VideoMetadata  `json:"metadata"`
}

// OutputFormat describes one rendition produced by the transcode stage
type OutputFormat struct {
	Format  string `json:"format"`  // mp4, hls, webm
	Quality string `json:"quality"` // 1080p, 720p
	URL     string `json:"url"`
	Size    int64  `json:"size,omitempty"`
	Bitrate int    `json:"bitrate,omitempty"`
}

// ThumbnailSet holds references to generated thumbnails
type ThumbnailSet struct {
	Default string   `json:"default"`
	URLs    []string `json:"urls"`
}

// Transcript holds generated transcript text
type Transcript struct {
	Language string `json:"language,omitempty"`
	Text     string `json:"text"`
}

// VideoMetadata is the technical metadata returned by the extraction stage
type VideoMetadata struct {
	Duration  time.Duration `json:"duration"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	FrameRate float64       `json:"frameRate"`
	Codec     string        `json:"codec,omitempty"`
	Format    string        `json:"format,omitempty"`
}

// StatusEvent is broadcast to observers of a video. It looks the same whether it
// arrived over the push connection or from a poll.
type StatusEvent struct {
	VideoID   string            `json:"videoId"`
	Status    JobStatus         `json:"status"`
	Progress  int               `json:"progress"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Result    *ProcessingResult `json:"result,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Revision  uint64            `json:"revision,omitempty"`
}

// EventFromJob builds the status event describing the job's current state
func EventFromJob(job *ProcessingJob) StatusEvent {
	return StatusEvent{
		VideoID:   job.VideoID,
		Status:    job.Status,
		Progress:  job.Progress,
		Message:   job.Message,
		Error:     job.Error,
		Result:    job.Result,
		Timestamp: time.Now(),
		Revision:  job.Revision,
	}
}
