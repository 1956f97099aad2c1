// Package storage persists generated images.
//
// The engine writes each result under a key of the form
//
//	<user_id>/<YYYY-MM-DD>/<job_id>.png
//
// and records the returned reference on the job. The reference is opaque to
// the core; only the backend that produced it can open it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/xraph/renderq/id"
)

// ErrObjectNotFound is returned by Open and Delete for an unknown reference.
var ErrObjectNotFound = errors.New("storage: object not found")

// ContentTypePNG is the content type of generated images.
const ContentTypePNG = "image/png"

// Storage is a result artifact backend.
type Storage interface {
	// Put stores size bytes from r under key and returns the reference to
	// record on the job. A negative size means unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)

	// Open returns a reader for a reference returned by Put.
	Open(ctx context.Context, ref string) (io.ReadCloser, error)

	// Delete removes the object behind ref.
	Delete(ctx context.Context, ref string) error
}

// Key returns the storage key for a job result. day is formatted in its
// own location.
func Key(userID string, jobID id.JobID, day time.Time) string {
	return path.Join(userID, day.Format("2006-01-02"), jobID.String()+".png")
}

// CleanKey normalizes key and rejects keys that escape the storage root.
func CleanKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("storage: empty key")
	}
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return cleaned, nil
}
