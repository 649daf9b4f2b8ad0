package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"
	"time"

	"github.com/datapipe/api/internal/model"
)

func TestLocalUploadRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	body := []byte("chunk-one|chunk-two|chunk-three")
	up, err := st.StartUpload(ctx, "tenant/scrape/2024/06/01/art-1", "application/json")
	if err != nil {
		t.Fatal(err)
	}
	if err := up.WriteChunk(ctx, body[:10]); err != nil {
		t.Fatal(err)
	}
	if err := up.WriteChunk(ctx, body[10:]); err != nil {
		t.Fatal(err)
	}

	uri, sum, size, err := up.Finish(ctx)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if size != int64(len(body)) {
		t.Errorf("size = %d, want %d", size, len(body))
	}
	want := sha256.Sum256(body)
	if sum != hex.EncodeToString(want[:]) {
		t.Errorf("sha mismatch: %s", sum)
	}

	rc, err := st.OpenRead(ctx, uri)
	if err != nil {
		t.Fatalf("OpenRead: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, body) {
		t.Errorf("read back %q", got)
	}

	// Finish is single-shot.
	if _, _, _, err := up.Finish(ctx); err == nil {
		t.Error("second Finish should fail")
	}
}

func TestLocalDeleteAndMissing(t *testing.T) {
	ctx := context.Background()
	st, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	up, _ := st.StartUpload(ctx, "t/ocr/2024/06/01/a", "text/plain")
	up.WriteChunk(ctx, []byte("text"))
	uri, _, _, err := up.Finish(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if err := st.Delete(ctx, uri); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.OpenRead(ctx, uri); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	// Deleting again is a no-op.
	if err := st.Delete(ctx, uri); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestAbortLeavesNothing(t *testing.T) {
	ctx := context.Background()
	st, _ := NewLocalStore(t.TempDir())

	up, _ := st.StartUpload(ctx, "t/scrape/2024/06/01/a", "text/plain")
	up.WriteChunk(ctx, []byte("partial"))
	if err := up.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := st.OpenRead(ctx, "file://t/scrape/2024/06/01/a"); err != ErrNotFound {
		t.Errorf("aborted upload left an object: %v", err)
	}
}

func TestObjectKeyLayout(t *testing.T) {
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	got := ObjectKey("tenant-a", model.KindScrape, at, "art-9")
	want := "tenant-a/scrape/2024/06/01/art-9"
	if got != want {
		t.Errorf("ObjectKey = %q, want %q", got, want)
	}
}
