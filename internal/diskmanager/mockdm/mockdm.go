// Package mockdm provides a mock implementation of the disk manager for testing
package mockdm

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/grabcocque/lsmer/internal/diskmanager"
)

// MockFile implements diskmanager.FileHandle for testing purposes
type MockFile struct {
	data []byte
	name string
}

// WriteAt writes len(b) bytes to the file starting at byte offset off
func (m *MockFile) WriteAt(b []byte, off int64) (int, error) {
	// Extend the slice if needed
	requiredLen := int(off) + len(b)
	if requiredLen > len(m.data) {
		newData := make([]byte, requiredLen)
		copy(newData, m.data)
		m.data = newData
	}
	return copy(m.data[off:], b), nil
}

// ReadAt reads len(b) bytes from the file starting at byte offset off
func (m *MockFile) ReadAt(b []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(b, m.data[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

// Close closes the mock file
func (m *MockFile) Close() error {
	return nil
}

// Sync simulates syncing file contents to disk
func (m *MockFile) Sync() error {
	return nil
}

// Stat returns file information
func (m *MockFile) Stat() (os.FileInfo, error) {
	return &testFileInfo{size: int64(len(m.data)), name: m.name}, nil
}

type testFileInfo struct {
	size int64
	name string
}

func (m *testFileInfo) Name() string       { return m.name }
func (m *testFileInfo) Size() int64        { return m.size }
func (m *testFileInfo) Mode() os.FileMode  { return 0644 }
func (m *testFileInfo) ModTime() time.Time { return time.Now() }
func (m *testFileInfo) IsDir() bool        { return false }
func (m *testFileInfo) Sys() any           { return nil }

// MockDiskManager implements diskmanager.DiskManager interface for testing
type MockDiskManager struct {
	mu    sync.Mutex
	files map[string]*MockFile
}

// NewMockDiskManager creates a new MockDiskManager instance
func NewMockDiskManager() *MockDiskManager {
	return &MockDiskManager{
		files: make(map[string]*MockFile),
	}
}

// Open creates or opens a mock file
func (dm *MockDiskManager) Open(path string, _ int, _ os.FileMode) (diskmanager.FileHandle, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if file, exists := dm.files[path]; exists {
		return file, nil
	}

	file := &MockFile{
		data: []byte{},
		name: path,
	}
	dm.files[path] = file
	return file, nil
}

// Delete removes a mock file
func (dm *MockDiskManager) Delete(path string) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	delete(dm.files, path)
	return nil
}

// List returns the base names of mock files within dir matching filter,
// mirroring the real DiskManager's os.ReadDir-based semantics.
func (dm *MockDiskManager) List(dir string, filter string) ([]string, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	prefix := strings.TrimSuffix(dir, "/") + "/"
	var files []string
	for name := range dm.files {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		base := strings.TrimPrefix(name, prefix)
		if strings.Contains(base, "/") {
			continue // not a direct child of dir
		}
		if filter == "" || strings.Contains(base, filter) {
			files = append(files, base)
		}
	}
	return files, nil
}

// Close closes a mock file
func (dm *MockDiskManager) Close(_ string) error {
	return nil
}

// Rename moves a mock file from oldPath to newPath.
func (dm *MockDiskManager) Rename(oldPath, newPath string) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	file, exists := dm.files[oldPath]
	if !exists {
		return os.ErrNotExist
	}
	file.name = newPath
	delete(dm.files, oldPath)
	dm.files[newPath] = file
	return nil
}
