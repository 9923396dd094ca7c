package localfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/impalah/apuntador-ctrlplane/pkg/repository"
)

// SecretStore stores secrets as one plaintext file per key under
// {base}/secrets, mode 0600, directory mode 0700. It does not encrypt at
// rest: this mirrors how the system this component descends from treats
// its local, single-operator deployment mode, where the filesystem
// permission boundary is the only control in play. Production-grade
// installations are expected to run with the cloud SecretStore instead.
type SecretStore struct {
	dir string
}

func NewSecretStore(baseDir string) *SecretStore {
	return &SecretStore{dir: filepath.Join(baseDir, "secrets")}
}

func (s *SecretStore) path(key string) string {
	return filepath.Join(s.dir, key+".txt")
}

func (s *SecretStore) Get(ctx context.Context, key string) (string, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return "", repository.ErrSecretNotProvisioned
	}
	if err != nil {
		return "", fmt.Errorf("localfs: read secret %s: %w", key, err)
	}
	return string(data), nil
}

func (s *SecretStore) Put(ctx context.Context, key, value string) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("localfs: create secrets dir: %w", err)
	}
	return writeFilesAtomically(map[string][]byte{s.path(key): []byte(value)}, 0o600)
}

func (s *SecretStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("localfs: delete secret %s: %w", key, err)
	}
	return nil
}

func (s *SecretStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("localfs: list secrets dir: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), ".txt"))
	}
	sort.Strings(out)
	return out, nil
}

var _ repository.SecretStore = (*SecretStore)(nil)
