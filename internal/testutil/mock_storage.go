// Package testutil holds in-memory stand-ins for the stores and the converter.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scan2doc/backend/internal/models"
	"github.com/scan2doc/backend/internal/storage"
)

// MockStorage implements storage.Store in memory
type MockStorage struct {
	files    map[string]*models.FileInfo
	fileData map[string][]byte
	mu       sync.RWMutex
}

// NewMockStorage creates an empty mock storage
func NewMockStorage() *MockStorage {
	return &MockStorage{
		files:    make(map[string]*models.FileInfo),
		fileData: make(map[string][]byte),
	}
}

func (m *MockStorage) Save(name string, r io.Reader) (*models.FileInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return m.AddFile(generateTestID(), name, data), nil
}

func (m *MockStorage) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.files[id]; !exists {
		return fmt.Errorf("%w: %s", storage.ErrFileNotFound, id)
	}
	delete(m.files, id)
	delete(m.fileData, id)
	return nil
}

func (m *MockStorage) GetFilePath(id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	file, ok := m.files[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", storage.ErrFileNotFound, id)
	}
	return file.Path, nil
}

// Sweep drops files uploaded before cutoff unless keep(id) is true.
func (m *MockStorage) Sweep(cutoff time.Time, keep func(id string) bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, file := range m.files {
		if !file.UploadedAt.Before(cutoff) || (keep != nil && keep(id)) {
			continue
		}
		delete(m.files, id)
		delete(m.fileData, id)
		removed++
	}
	return removed, nil
}

// Backdate pretends a file was uploaded at t.
func (m *MockStorage) Backdate(id string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if file, ok := m.files[id]; ok {
		file.UploadedAt = t
	}
}

// Ensure MockStorage implements storage.Store
var _ storage.Store = (*MockStorage)(nil)

// AddFile adds a file directly to the mock
func (m *MockStorage) AddFile(id string, name string, data []byte) *models.FileInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	file := &models.FileInfo{
		ID:         id,
		Name:       name,
		Ext:        models.NormalizeExt(filepath.Ext(name)),
		Size:       int64(len(data)),
		Path:       "/mock/path/" + id,
		UploadedAt: time.Now(),
	}
	m.files[id] = file
	m.fileData[id] = data
	info := *file
	return &info
}

// GetFileCount returns the number of stored files
func (m *MockStorage) GetFileCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.files)
}

var testIDs atomic.Int64

func generateTestID() string {
	return fmt.Sprintf("upload-%d", testIDs.Add(1))
}

// MemoryArtifactStore implements storage.ArtifactStore in memory
type MemoryArtifactStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
	times   map[string]time.Time

	// PutErr, when set, is returned by Put
	PutErr error
}

// NewMemoryArtifactStore creates an empty artifact store
func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
		times:   make(map[string]time.Time),
	}
}

func (s *MemoryArtifactStore) Name() string { return "memory" }

func (s *MemoryArtifactStore) Put(ctx context.Context, key, localPath, contentType string) error {
	if s.PutErr != nil {
		return s.PutErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	s.types[key] = contentType
	s.times[key] = time.Now()
	return nil
}

func (s *MemoryArtifactStore) Open(ctx context.Context, key string) (io.ReadCloser, storage.ArtifactInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[key]
	if !ok {
		return nil, storage.ArtifactInfo{}, fmt.Errorf("%w: %s", storage.ErrArtifactNotFound, key)
	}
	info := storage.ArtifactInfo{Key: key, Size: int64(len(data)), ContentType: s.types[key], ModTime: s.times[key]}
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

func (s *MemoryArtifactStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	delete(s.types, key)
	delete(s.times, key)
	return nil
}

func (s *MemoryArtifactStore) Sweep(ctx context.Context, cutoff time.Time, keep func(key string) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, mod := range s.times {
		if !mod.Before(cutoff) || (keep != nil && keep(key)) {
			continue
		}
		delete(s.objects, key)
		delete(s.types, key)
		delete(s.times, key)
		removed++
	}
	return removed, nil
}

// Backdate pretends key was stored at t.
func (s *MemoryArtifactStore) Backdate(key string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.times[key]; ok {
		s.times[key] = t
	}
}

// Has reports whether key is stored
func (s *MemoryArtifactStore) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok
}

// Count returns the number of stored artifacts
func (s *MemoryArtifactStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

var _ storage.ArtifactStore = (*MemoryArtifactStore)(nil)
