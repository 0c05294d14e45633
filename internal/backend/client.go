// Package backend talks to the remote storage/processing service over HTTP.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matt-primrose/video-ingest-service/internal/config"
	"github.com/matt-primrose/video-ingest-service/internal/ingesterr"
	"github.com/matt-primrose/video-ingest-service/pkg/models"
)

// InitiateRequest describes the file an upload session is opened for
type InitiateRequest struct {
	FileName    string            `json:"fileName"`
	FileSize    int64             `json:"fileSize"`
	ContentType string            `json:"contentType,omitempty"`
	ChunkSize   int64             `json:"chunkSize"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// InitiateResponse is the remote view of a new or existing session
type InitiateResponse struct {
	SessionID      string    `json:"sessionId"`
	VideoID        string    `json:"videoId"`
	ChunkSize      int64     `json:"chunkSize"`
	TotalChunks    int       `json:"totalChunks"`
	AcceptedChunks []int     `json:"acceptedChunks"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// ChunkAck is the reply to one chunk upload
type ChunkAck struct {
	Accepted bool `json:"accepted"`
}

// TranscodeRequest selects the renditions the transcode stage produces
type TranscodeRequest struct {
	Formats   []string `json:"formats"`
	Qualities []string `json:"qualities"`
}

type jobResponse struct {
	ProcessingJobID string `json:"processingJobId"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Client is an HTTP client for the backend API
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates a backend client
func New(cfg config.BackendConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// NewWithHTTPClient creates a backend client that sends through hc
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  hc,
	}
}

// InitiateUpload opens an upload session
func (c *Client) InitiateUpload(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	var resp InitiateResponse
	if err := c.doJSON(ctx, "initiate-upload", http.MethodPost, "/uploads", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetUpload fetches the remote view of an existing session, including the
// chunks it has already accepted
func (c *Client) GetUpload(ctx context.Context, sessionID string) (*InitiateResponse, error) {
	var resp InitiateResponse
	path := fmt.Sprintf("/uploads/%s", url.PathEscape(sessionID))
	if err := c.doJSON(ctx, "get-upload", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadChunk sends chunk index of the session
func (c *Client) UploadChunk(ctx context.Context, sessionID string, index, totalChunks int, data []byte) (*ChunkAck, error) {
	path := fmt.Sprintf("/uploads/%s/chunks/%d?totalChunks=%d", url.PathEscape(sessionID), index, totalChunks)

	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	var ack ChunkAck
	if err := c.do("upload-chunk", req, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// CompleteUpload finalizes the session into a processing job
func (c *Client) CompleteUpload(ctx context.Context, sessionID, videoID string) (string, error) {
	var resp jobResponse
	body := map[string]string{"videoId": videoID}
	path := fmt.Sprintf("/uploads/%s/complete", url.PathEscape(sessionID))
	if err := c.doJSON(ctx, "complete-upload", http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	return resp.ProcessingJobID, nil
}

// ProcessingStatus fetches the current status of a video
func (c *Client) ProcessingStatus(ctx context.Context, videoID string) (*models.StatusEvent, error) {
	var ev models.StatusEvent
	path := fmt.Sprintf("/videos/%s/status", url.PathEscape(videoID))
	if err := c.doJSON(ctx, "processing-status", http.MethodGet, path, nil, &ev); err != nil {
		return nil, err
	}
	if ev.VideoID == "" {
		ev.VideoID = videoID
	}
	return &ev, nil
}

// RetryProcessing asks the backend to run processing for videoID again
func (c *Client) RetryProcessing(ctx context.Context, videoID string) (string, error) {
	var resp jobResponse
	path := fmt.Sprintf("/videos/%s/retry", url.PathEscape(videoID))
	if err := c.doJSON(ctx, "retry-processing", http.MethodPost, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.ProcessingJobID, nil
}

// ExtractMetadata runs metadata extraction for videoID
func (c *Client) ExtractMetadata(ctx context.Context, videoID string) (*models.VideoMetadata, error) {
	var md models.VideoMetadata
	path := fmt.Sprintf("/videos/%s/metadata", url.PathEscape(videoID))
	if err := c.doJSON(ctx, "extract-metadata", http.MethodPost, path, nil, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// GenerateThumbnails renders thumbnails for videoID
func (c *Client) GenerateThumbnails(ctx context.Context, videoID string) (*models.ThumbnailSet, error) {
	var thumbs models.ThumbnailSet
	path := fmt.Sprintf("/videos/%s/thumbnails", url.PathEscape(videoID))
	if err := c.doJSON(ctx, "generate-thumbnails", http.MethodPost, path, nil, &thumbs); err != nil {
		return nil, err
	}
	return &thumbs, nil
}

// Transcode produces the requested renditions of videoID
func (c *Client) Transcode(ctx context.Context, videoID string, req TranscodeRequest) ([]models.OutputFormat, error) {
	var formats []models.OutputFormat
	path := fmt.Sprintf("/videos/%s/transcode", url.PathEscape(videoID))
	if err := c.doJSON(ctx, "transcode", http.MethodPost, path, req, &formats); err != nil {
		return nil, err
	}
	return formats, nil
}

// GenerateTranscript produces a transcript of videoID
func (c *Client) GenerateTranscript(ctx context.Context, videoID string) (*models.Transcript, error) {
	var tr models.Transcript
	path := fmt.Sprintf("/videos/%s/transcript", url.PathEscape(videoID))
	if err := c.doJSON(ctx, "generate-transcript", http.MethodPost, path, nil, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(op, req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "video-ingest-service/1.0")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(op string, req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ingesterr.Cancelled(op, ctxErr)
		}
		return ingesterr.Transport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return ingesterr.Transport(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// statusError maps a non-2xx response onto the error taxonomy. Client errors
// other than throttling are terminal; everything else may be retried.
func statusError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var er errorResponse
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &er) == nil {
		if er.Message != "" {
			msg = er.Message
		} else if er.Error != "" {
			msg = er.Error
		}
	}
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ingesterr.New(ingesterr.KindPermission, op, msg, nil)
	case resp.StatusCode == http.StatusGone:
		return ingesterr.New(ingesterr.KindExpired, op, msg, nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return ingesterr.Transport(op, fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg))
	default:
		return ingesterr.New(ingesterr.KindValidation, op, msg, nil)
	}
}
