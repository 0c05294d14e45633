package storage

import (
	"context"
	"path/filepath"
	"strings"
)

// Source opens video files for chunked reading from a storage backend
type Source interface {
	// Open resolves uri and returns a handle that reads byte ranges of the file.
	// The caller must Close the returned File.
	Open(ctx context.Context, uri string) (File, error)

	// GetType returns the source type name
	GetType() string
}

// File is an opened source file
type File interface {
	// Info returns the file's metadata as seen when it was opened
	Info() FileInfo

	// ReadChunk returns exactly length bytes starting at offset
	ReadChunk(ctx context.Context, offset, length int64) ([]byte, error)

	Close() error
}

// FileInfo represents metadata about a file in storage
type FileInfo struct {
	Path        string
	Name        string
	Size        int64
	ContentType string
	ETag        string
}

// Extension returns the lower-cased extension of the file name, including the dot
func (fi FileInfo) Extension() string {
	return strings.ToLower(filepath.Ext(fi.Name))
}

// contentTypeFor maps a file extension to a video MIME type
func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".avi":
		return "video/x-msvideo"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}

// checkRange validates a chunk read against the file size
func checkRange(op string, size, offset, length int64) error {
	if offset < 0 || length < 0 || offset+length > size {
		return rangeError(op, size, offset, length)
	}
	return nil
}
