// Package blob is the object-store layer. Artifact bodies are streamed in
// through an Upload that hashes as it writes and seals into an immutable,
// content-addressed object on Finish.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/datapipe/api/internal/model"
)

// ErrNotFound means the object does not exist at the given URI.
var ErrNotFound = errors.New("blob: not found")

// Store writes and reads artifact bodies.
type Store interface {
	// StartUpload opens a chunked upload at the given key.
	StartUpload(ctx context.Context, key, contentType string) (Upload, error)
	// OpenRead streams an object's bytes.
	OpenRead(ctx context.Context, uri string) (io.ReadCloser, error)
	Delete(ctx context.Context, uri string) error
	// Healthy reports whether the backend is reachable/configured.
	Healthy(ctx context.Context) bool
}

// Upload receives chunks and seals the object.
type Upload interface {
	WriteChunk(ctx context.Context, p []byte) error
	// Finish seals the object and returns its address, content digest and size.
	Finish(ctx context.Context) (uri string, sha256Hex string, size int64, err error)
	Abort(ctx context.Context) error
}

// ObjectKey builds the storage path for an artifact:
// {tenant}/{kind}/{YYYY}/{MM}/{DD}/{artifact_id}.
func ObjectKey(tenantID string, kind model.JobKind, t time.Time, artifactID string) string {
	return fmt.Sprintf("%s/%s/%04d/%02d/%02d/%s",
		tenantID, kind, t.Year(), int(t.Month()), t.Day(), artifactID)
}
