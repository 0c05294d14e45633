package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"

	"github.com/matt-primrose/video-ingest-service/internal/ingesterr"
)

// HTTPSource implements Source for files served over HTTP/HTTPS.
// Chunks are fetched with Range requests.
type HTTPSource struct {
	client *http.Client
}

// NewHTTPSource creates an HTTP source. A nil client selects http.DefaultClient.
func NewHTTPSource(client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{client: client}
}

// Open issues a HEAD request to learn the size and content type of uri
func (hs *HTTPSource) Open(ctx context.Context, uri string) (File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("User-Agent", "video-ingest-service/1.0")

	resp, err := hs.client.Do(req)
	if err != nil {
		return nil, requestError(ctx, "open-source", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError("open-source", uri, resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return nil, ingesterr.Validation("open-source", "server did not report a size for %s", uri)
	}

	name := uri
	if u, err := url.Parse(uri); err == nil {
		name = path.Base(u.Path)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = contentTypeFor(name)
	}

	slog.Debug("Opened HTTP source file",
		"sourceUrl", uri,
		"size", resp.ContentLength,
		"contentType", contentType,
	)

	return &httpFile{
		source: hs,
		info: FileInfo{
			Path:        uri,
			Name:        name,
			Size:        resp.ContentLength,
			ContentType: contentType,
			ETag:        resp.Header.Get("ETag"),
		},
	}, nil
}

// GetType returns the source type
func (hs *HTTPSource) GetType() string {
	return "http"
}

type httpFile struct {
	source *HTTPSource
	info   FileInfo
}

func (hf *httpFile) Info() FileInfo {
	return hf.info
}

func (hf *httpFile) ReadChunk(ctx context.Context, offset, length int64) ([]byte, error) {
	if err := checkRange("read-chunk", hf.info.Size, offset, length); err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hf.info.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("User-Agent", "video-ingest-service/1.0")
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := hf.source.client.Do(req)
	if err != nil {
		return nil, requestError(ctx, "read-chunk", err)
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// server ignored the range header
		if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
			return nil, ingesterr.Transport("read-chunk", err)
		}
	default:
		return nil, httpStatusError("read-chunk", hf.info.Path, resp.StatusCode)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(body, buf); err != nil {
		return nil, requestError(ctx, "read-chunk", fmt.Errorf("failed to read chunk body: %w", err))
	}
	return buf, nil
}

func (hf *httpFile) Close() error {
	return nil
}

func requestError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ingesterr.Cancelled(op, ctxErr)
	}
	return ingesterr.Transport(op, err)
}
