package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/matt-primrose/video-ingest-service/internal/ingesterr"
)

// LocalSource implements Source for the local filesystem
type LocalSource struct {
	basePath string
}

// NewLocalSource creates a local source. Relative paths are resolved against
// basePath when it is set.
func NewLocalSource(basePath string) *LocalSource {
	return &LocalSource{basePath: basePath}
}

// Open opens a local file. The file:// prefix is optional.
func (ls *LocalSource) Open(ctx context.Context, uri string) (File, error) {
	localPath := strings.TrimPrefix(uri, "file://")
	if ls.basePath != "" && !filepath.IsAbs(localPath) {
		localPath = filepath.Join(ls.basePath, localPath)
	}

	f, err := os.Open(localPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound("open-source", localPath)
		}
		if errors.Is(err, fs.ErrPermission) {
			return nil, ingesterr.New(ingesterr.KindPermission, "open-source", "cannot read "+localPath, err)
		}
		return nil, fmt.Errorf("failed to open source file: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat source file: %w", err)
	}
	if stat.IsDir() {
		_ = f.Close()
		return nil, ingesterr.Validation("open-source", "%s is a directory", localPath)
	}

	slog.Debug("Opened local source file", "path", localPath, "size", stat.Size())

	return &localFile{
		f: f,
		info: FileInfo{
			Path:        localPath,
			Name:        stat.Name(),
			Size:        stat.Size(),
			ContentType: contentTypeFor(stat.Name()),
		},
	}, nil
}

// GetType returns the source type
func (ls *LocalSource) GetType() string {
	return "local"
}

type localFile struct {
	f    *os.File
	info FileInfo
}

func (lf *localFile) Info() FileInfo {
	return lf.info
}

func (lf *localFile) ReadChunk(ctx context.Context, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, ingesterr.Cancelled("read-chunk", err)
	}
	if err := checkRange("read-chunk", lf.info.Size, offset, length); err != nil {
		return nil, err
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(io.NewSectionReader(lf.f, offset, length), buf); err != nil {
		return nil, fmt.Errorf("failed to read %d bytes at offset %d: %w", length, offset, err)
	}
	return buf, nil
}

func (lf *localFile) Close() error {
	return lf.f.Close()
}
