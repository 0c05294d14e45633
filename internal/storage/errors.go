package storage

import (
	"fmt"
	"net/http"

	"github.com/matt-primrose/video-ingest-service/internal/ingesterr"
)

func rangeError(op string, size, offset, length int64) error {
	return ingesterr.Validation(op, "range [%d, %d) outside file of %d bytes", offset, offset+length, size)
}

func notFound(op, uri string) error {
	return ingesterr.Validation(op, "source file not found: %s", uri)
}

// httpStatusError maps a failed HTTP response from a remote source
func httpStatusError(op, uri string, code int) error {
	switch {
	case code == http.StatusNotFound:
		return notFound(op, uri)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ingesterr.New(ingesterr.KindPermission, op, fmt.Sprintf("access denied to %s", uri), nil)
	case code == http.StatusTooManyRequests || code >= 500:
		return ingesterr.Transport(op, fmt.Errorf("HTTP request failed with status: %d", code))
	default:
		return ingesterr.Validation(op, "HTTP request for %s failed with status: %d", uri, code)
	}
}
