package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/docparse/internal/common"
)

// Local stores objects as files under a root directory.
type Local struct {
	root string
	log  *slog.Logger
}

func NewLocal(root string, logger *slog.Logger) (*Local, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, common.NewStorageError("resolve storage root", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, common.NewStorageError("create storage root", err)
	}
	return &Local{root: abs, log: logger}, nil
}

func (l *Local) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || filepath.IsAbs(key) {
		return "", common.NewStorageError("invalid key "+key, common.ErrInvalidInput)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", common.NewStorageError("invalid key "+key, common.ErrInvalidInput)
		}
	}
	return filepath.Join(l.root, filepath.FromSlash(key)), nil
}

func (l *Local) Put(_ context.Context, key string, data []byte, _ string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return common.NewStorageError("create object dir", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return common.NewStorageError("write object", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return common.NewStorageError("commit object", err)
	}
	l.log.Debug("storage.put.ok", "key", key, "bytes", len(data))
	return nil
}

func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, common.NewStorageError("read object", fmt.Errorf("%w: %s", ErrNotFound, key))
	}
	if err != nil {
		return nil, common.NewStorageError("read object", err)
	}
	return data, nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return common.NewStorageError("remove object", fmt.Errorf("%w: %s", ErrNotFound, key))
		}
		return common.NewStorageError("remove object", err)
	}
	return nil
}
