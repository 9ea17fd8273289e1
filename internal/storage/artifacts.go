package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrArtifactNotFound is returned when a key has no stored object.
var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactInfo describes a stored result file.
type ArtifactInfo struct {
	Key         string
	Size        int64
	ContentType string
	ModTime     time.Time
}

// ArtifactStore keeps conversion results until they are downloaded or expire.
type ArtifactStore interface {
	// Put copies the file at localPath into the store under key.
	Put(ctx context.Context, key, localPath, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, ArtifactInfo, error)
	Delete(ctx context.Context, key string) error
	// Sweep deletes artifacts last modified before cutoff unless keep(key)
	// is true and returns how many were removed.
	Sweep(ctx context.Context, cutoff time.Time, keep func(key string) bool) (int, error)
	Name() string
}

// LocalArtifactStore stores artifacts as plain files in one directory.
type LocalArtifactStore struct {
	dir string
}

// NewLocalArtifactStore creates the directory if needed.
func NewLocalArtifactStore(dir string) (*LocalArtifactStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	return &LocalArtifactStore{dir: dir}, nil
}

func (s *LocalArtifactStore) Name() string { return "local" }

func (s *LocalArtifactStore) path(key string) (string, error) {
	clean := filepath.Base(key)
	if clean != key || clean == "." || clean == ".." || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return filepath.Join(s.dir, clean), nil
}

// Put moves localPath into the store, falling back to a copy across devices.
func (s *LocalArtifactStore) Put(ctx context.Context, key, localPath, contentType string) error {
	dst, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Rename(localPath, dst); err == nil {
		return nil
	}

	in, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening artifact source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating artifact: %w", err)
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return fmt.Errorf("writing artifact: %w", err)
	}
	return nil
}

func (s *LocalArtifactStore) Open(ctx context.Context, key string) (io.ReadCloser, ArtifactInfo, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, ArtifactInfo{}, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ArtifactInfo{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, key)
		}
		return nil, ArtifactInfo{}, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ArtifactInfo{}, err
	}
	return f, ArtifactInfo{Key: key, Size: st.Size(), ModTime: st.ModTime()}, nil
}

func (s *LocalArtifactStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting artifact: %w", err)
	}
	return nil
}

func (s *LocalArtifactStore) Sweep(ctx context.Context, cutoff time.Time, keep func(key string) bool) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("reading output directory: %w", err)
	}

	removed := 0
	var errs []error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !entry.Type().IsRegular() || (keep != nil && keep(entry.Name())) {
			continue
		}
		fi, err := entry.Info()
		if err != nil || !fi.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
