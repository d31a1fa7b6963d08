// Package diskmanager provides interfaces and implementations for managing disk-based file operations.
// It handles file reading, writing, and other disk-related operations required by the database.
//
// A single DiskManager is shared by the coordinator's foreground
// Put/Get/Range callers and its background flush and compaction
// goroutines, so its handle cache is mutex-guarded rather than a bare
// map: flush and compaction can open, finish and rename SSTable files
// concurrently with each other and with a checkpoint or manifest write.
package diskmanager

import (
	"os"
	"strings"
	"sync"
)

// FileHandle abstracts file operations with random access, syncing, and seeking.
type FileHandle interface {
	// ReadAt reads len(b) bytes from the file starting at byte offset off.
	// It returns the number of bytes read and any error encountered.
	ReadAt(b []byte, off int64) (int, error)
	// WriteAt writes len(b) bytes to the file starting at byte offset off.
	// It returns the number of bytes written and any error encountered.
	WriteAt(b []byte, off int64) (int, error)
	// Close closes the file handle, rendering it unusable for I/O.
	Close() error
	// Sync commits the current contents of the file to stable storage.
	Sync() error
	// Stat returns the file stat
	Stat() (os.FileInfo, error)
}

type fileHandle struct {
	file *os.File
}

// NewFileHandle wraps an *os.File into a FileHandle implementation.
func NewFileHandle(file *os.File) FileHandle { return &fileHandle{file: file} }

func (fh *fileHandle) ReadAt(b []byte, off int64) (int, error) { return fh.file.ReadAt(b, off) }

func (fh *fileHandle) WriteAt(b []byte, off int64) (int, error) { return fh.file.WriteAt(b, off) }

func (fh *fileHandle) Close() error { return fh.file.Close() }

func (fh *fileHandle) Sync() error { return fh.file.Sync() }

func (fh *fileHandle) Stat() (os.FileInfo, error) { return fh.file.Stat() }

// DiskManager defines methods for file operations.
type DiskManager interface {
	// Open opens a file with specified path, flags and permissions.
	// If the file is already open, returns the existing handle.
	Open(path string, flags int, perm os.FileMode) (FileHandle, error)
	// Delete removes the named file and closes its handle if open.
	Delete(path string) error
	// List returns a slice of filenames in the specified directory
	// that contain the filter string. Empty filter matches all files.
	List(dir string, filter string) ([]string, error)
	// Close closes the file handle for the file at path if it exists.
	Close(path string) error
	// Rename atomically renames oldPath to newPath, closing and
	// re-keying any cached handle for oldPath. Used by the temp+rename
	// commit protocol for SSTables and the manifest.
	Rename(oldPath, newPath string) error
}

type diskManager struct {
	mu      sync.Mutex
	handles map[string]FileHandle
}

// NewDiskManager creates a new DiskManager instance.
func NewDiskManager() DiskManager {
	return &diskManager{
		handles: make(map[string]FileHandle),
	}
}

// Open opens a file with the given flags and permissions.
// It caches the file handle keyed by path.
func (dm *diskManager) Open(path string, flags int, perm os.FileMode) (FileHandle, error) {
	dm.mu.Lock()
	if handle, exists := dm.handles[path]; exists {
		dm.mu.Unlock()
		return handle, nil
	}
	dm.mu.Unlock()

	// The OS-level open happens outside the lock so a slow open (or one
	// blocked on an unrelated file) never stalls every other Open/Close
	// call against this manager; a duplicate concurrent open for the
	// same never-yet-cached path is resolved by the second Lock below,
	// which discards the loser's handle rather than leaking it.
	file, err := os.OpenFile(path, flags, perm)
	if err != nil {
		return nil, err
	}
	handle := NewFileHandle(file)

	dm.mu.Lock()
	defer dm.mu.Unlock()
	if existing, exists := dm.handles[path]; exists {
		_ = file.Close()
		return existing, nil
	}
	dm.handles[path] = handle
	return handle, nil
}

func (dm *diskManager) Delete(path string) error {
	dm.mu.Lock()
	handle, exists := dm.handles[path]
	if exists {
		delete(dm.handles, path)
	}
	dm.mu.Unlock()
	if exists {
		_ = handle.Close()
	}
	return os.Remove(path)
}

func (dm *diskManager) List(dir string, filter string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if filter == "" || strings.Contains(entry.Name(), filter) {
			files = append(files, entry.Name())
		}
	}
	return files, nil
}

// Rename atomically renames oldPath to newPath. Any cached handle for
// oldPath is closed first, since an open *os.File does not follow a
// rename of its underlying path.
func (dm *diskManager) Rename(oldPath, newPath string) error {
	dm.mu.Lock()
	handle, exists := dm.handles[oldPath]
	if exists {
		delete(dm.handles, oldPath)
	}
	dm.mu.Unlock()
	if exists {
		_ = handle.Close()
	}
	return os.Rename(oldPath, newPath)
}

func (dm *diskManager) Close(path string) error {
	dm.mu.Lock()
	handle, exists := dm.handles[path]
	if exists {
		delete(dm.handles, path)
	}
	dm.mu.Unlock()
	if !exists {
		return nil
	}
	return handle.Close()
}
