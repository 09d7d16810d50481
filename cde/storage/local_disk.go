package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

type LocalDiskStorage struct {
	basepath string
}

func NewLocalDisk(basepath string) Provider {
	slog.Info("creating new local disk storage", "basepath", basepath)
	return &LocalDiskStorage{basepath: basepath}
}

func (s *LocalDiskStorage) fullpath(key string) string {
	return filepath.Join(s.basepath, key)
}

func (s *LocalDiskStorage) Put(ctx context.Context, key string, data io.Reader, contentType string) error {
	fullpath := s.fullpath(key)

	err := os.MkdirAll(filepath.Dir(fullpath), 0777)
	if err != nil {
		slog.Error("error creating parent directory", "key", key, "error", err)
		return fmt.Errorf("error creating parent directory for %v: %w", key, err)
	}

	// Write to a temp sibling then rename so readers never see partial bytes.
	tmp, err := os.CreateTemp(filepath.Dir(fullpath), ".put-*")
	if err != nil {
		slog.Error("error creating temp file for write", "key", key, "error", err)
		return fmt.Errorf("error creating temp file for %v: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(tmp, data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		slog.Error("error writing object", "key", key, "error", err)
		return fmt.Errorf("error writing object %v: %w", key, err)
	}

	err = os.Rename(tmp.Name(), fullpath)
	if err != nil {
		slog.Error("error finalizing object", "key", key, "error", err)
		return fmt.Errorf("error finalizing object %v: %w", key, err)
	}

	return nil
}

func (s *LocalDiskStorage) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	fullpath := s.fullpath(key)

	file, err := os.Open(fullpath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrKeyNotFound
		}
		slog.Error("error opening object for read", "key", key, "error", err)
		return nil, fmt.Errorf("error reading object %v: %w", key, err)
	}

	return file, nil
}

func (s *LocalDiskStorage) Delete(ctx context.Context, key string) error {
	fullpath := s.fullpath(key)

	err := os.Remove(fullpath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("error deleting object", "key", key, "error", err)
		return fmt.Errorf("error deleting object %v: %w", key, err)
	}

	return nil
}

func (s *LocalDiskStorage) Exists(ctx context.Context, key string) (bool, error) {
	fullpath := s.fullpath(key)

	_, err := os.Stat(fullpath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	slog.Error("error checking if object exists", "key", key, "error", err)
	return false, fmt.Errorf("error checking if object %v exists: %w", key, err)
}

func (s *LocalDiskStorage) Size(ctx context.Context, key string) (int64, error) {
	fullpath := s.fullpath(key)

	info, err := os.Stat(fullpath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrKeyNotFound
		}
		slog.Error("error getting stats for object", "key", key, "error", err)
		return 0, fmt.Errorf("error getting stats for object %v: %w", key, err)
	}

	return info.Size(), nil
}

func (s *LocalDiskStorage) ProviderId() string {
	return ProviderLocalDisk
}
