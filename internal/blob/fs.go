package blob

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/joseph-ayodele/bill-extractor/internal/common"
)

// FSStore keeps documents as files in a single directory.
type FSStore struct {
	dir    string
	logger *slog.Logger
}

func NewFSStore(dir string, logger *slog.Logger) (*FSStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create upload dir %s", dir)
	}
	logger.Info("using filesystem document store", "dir", dir)
	return &FSStore{dir: dir, logger: logger}, nil
}

func (s *FSStore) Put(_ context.Context, key string, content []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write document")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close document")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "store document")
	}
	s.logger.Debug("document stored", "key", key, "bytes", len(content))
	return nil
}

func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, common.NotFoundf("document %s not found", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read document %s", key)
	}
	return b, nil
}

func (s *FSStore) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "delete document %s", key)
	}
	return nil
}

// path resolves key inside the store directory, refusing anything that could escape it.
func (s *FSStore) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", common.InvalidInputf("invalid document key %q", key)
	}
	return filepath.Join(s.dir, key), nil
}
