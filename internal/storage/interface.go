package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrObjectNotFound is returned by Download when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage defines the interface for object storage operations
type ObjectStorage interface {
	// Upload uploads an object to storage
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download downloads an object from storage
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns the URL for accessing an object
	GetURL(key string) string

	// Delete deletes an object from storage
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)

	// EnsureBucket creates the bucket if it is missing
	EnsureBucket(ctx context.Context) error
}

// PhotoKey returns the object key for a record's photo:
// photos/<yyyy>/<mm>/<record-id>.jpg, dated by capture time in UTC.
func PhotoKey(recordID string, capturedAt time.Time) string {
	t := capturedAt.UTC()
	return fmt.Sprintf("photos/%04d/%02d/%s.jpg", t.Year(), int(t.Month()), recordID)
}
