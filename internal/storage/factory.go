package storage

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/matt-primrose/video-ingest-service/internal/config"
)

// NewSource creates the source configured in cfg.Type
func NewSource(ctx context.Context, cfg config.SourceConfig) (Source, error) {
	return newSourceOfType(ctx, cfg.Type, cfg)
}

// NewSourceForURI picks a source by the shape of uri, falling back to the
// configured type for bare paths. This lets the CLI upload from anywhere
// regardless of the configured default.
func NewSourceForURI(ctx context.Context, uri string, cfg config.SourceConfig) (Source, error) {
	sourceType := SourceTypeFor(uri)
	if sourceType == "" {
		sourceType = cfg.Type
	}
	return newSourceOfType(ctx, sourceType, cfg)
}

// SourceTypeFor infers the source type from a URI. Bare paths return "".
func SourceTypeFor(uri string) string {
	switch {
	case strings.HasPrefix(uri, "file://"):
		return "local"
	case strings.HasPrefix(uri, "s3://"):
		return "s3"
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		if strings.Contains(uri, ".blob.core.") {
			return "azure-blob"
		}
		if strings.Contains(uri, ".amazonaws.com/") {
			return "s3"
		}
		return "http"
	default:
		return ""
	}
}

func newSourceOfType(ctx context.Context, sourceType string, cfg config.SourceConfig) (Source, error) {
	switch sourceType {
	case "local", "":
		return NewLocalSource(""), nil

	case "http", "https":
		return NewHTTPSource(&http.Client{}), nil

	case "azure-blob":
		return NewAzureSource(cfg.AzureBlob)

	case "s3":
		return NewS3Source(ctx, cfg.S3)

	default:
		return nil, fmt.Errorf("unsupported source type: %s", sourceType)
	}
}
