package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore implements Store on the local filesystem, for development and
// tests. Objects are written to a temp file and renamed into place on
// Finish so readers never observe partial bodies.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) StartUpload(ctx context.Context, key, contentType string) (Upload, error) {
	final := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(final), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to open temp object: %w", err)
	}
	return &localUpload{key: key, final: final, tmp: tmp, hasher: sha256.New()}, nil
}

type localUpload struct {
	key    string
	final  string
	tmp    *os.File
	hasher hash.Hash
	size   int64
	done   bool
}

func (u *localUpload) WriteChunk(ctx context.Context, p []byte) error {
	if u.done {
		return fmt.Errorf("upload already finished")
	}
	u.hasher.Write(p)
	n, err := u.tmp.Write(p)
	u.size += int64(n)
	return err
}

func (u *localUpload) Finish(ctx context.Context) (string, string, int64, error) {
	if u.done {
		return "", "", 0, fmt.Errorf("upload already finished")
	}
	u.done = true
	if err := u.tmp.Close(); err != nil {
		return "", "", 0, err
	}
	if err := os.Rename(u.tmp.Name(), u.final); err != nil {
		return "", "", 0, fmt.Errorf("failed to seal object: %w", err)
	}
	return "file://" + u.key, hex.EncodeToString(u.hasher.Sum(nil)), u.size, nil
}

func (u *localUpload) Abort(ctx context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	u.tmp.Close()
	return os.Remove(u.tmp.Name())
}

func (s *LocalStore) OpenRead(ctx context.Context, uri string) (io.ReadCloser, error) {
	key, err := keyFromFileURI(uri)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

func (s *LocalStore) Delete(ctx context.Context, uri string) error {
	key, err := keyFromFileURI(uri)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(s.root, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *LocalStore) Healthy(ctx context.Context) bool {
	_, err := os.Stat(s.root)
	return err == nil
}

func keyFromFileURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file://") {
		return "", fmt.Errorf("not a local blob uri: %q", uri)
	}
	return strings.TrimPrefix(uri, "file://"), nil
}
