package localfs

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/impalah/apuntador-ctrlplane/pkg/repository"
)

// BlobStore stores blobs as one file per key under {base}/storage. There
// is no real presigned-URL mechanism on a local filesystem, so
// PresignedURL returns a file:// URL, matching how this deployment mode
// has always represented "download location" for artifacts that never
// leave the host.
type BlobStore struct {
	dir string
}

func NewBlobStore(baseDir string) *BlobStore {
	return &BlobStore{dir: filepath.Join(baseDir, "storage")}
}

func (s *BlobStore) path(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(key))
}

func (s *BlobStore) Upload(ctx context.Context, key string, content []byte, contentType string) (string, error) {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return "", fmt.Errorf("localfs: create storage dir: %w", err)
	}
	if err := writeFilesAtomically(map[string][]byte{p: content}, 0o644); err != nil {
		return "", err
	}
	return s.PresignedURL(ctx, key, 0)
}

func (s *BlobStore) Download(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("localfs: blob %s: %w", key, os.ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("localfs: read blob %s: %w", key, err)
	}
	return data, nil
}

func (s *BlobStore) Delete(ctx context.Context, key string) (bool, error) {
	err := os.Remove(s.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("localfs: delete blob %s: %w", key, err)
	}
	return true, nil
}

func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("localfs: stat blob %s: %w", key, err)
	}
	return true, nil
}

func (s *BlobStore) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	abs, err := filepath.Abs(s.path(key))
	if err != nil {
		return "", fmt.Errorf("localfs: resolve blob path %s: %w", key, err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String(), nil
}

func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("localfs: list storage dir: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if prefix == "" || strings.HasPrefix(e.Name(), prefix) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

var _ repository.BlobStore = (*BlobStore)(nil)
