package convert

import (
	"fmt"
	"os"
	"syscall"
)

// MemoryMappedFile is a read-only view of a file mapped into memory.
type MemoryMappedFile struct {
	Data []byte
}

// MemoryMapFile maps a file into memory and returns a MemoryMappedFile.
// Caller must call Unmap() when finished.
func MemoryMapFile(fp string) (*MemoryMappedFile, error) {
	f, err := os.Open(fp)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", fp, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file %s: %w", fp, err)
	}

	size := info.Size()
	if size == 0 {
		return &MemoryMappedFile{Data: make([]byte, 0)}, nil
	} else if size < 0 {
		return nil, fmt.Errorf("file %s has negative size %d", fp, size)
	} else if size != int64(int(size)) {
		return nil, fmt.Errorf("file %s has size %d which is too large", fp, size)
	}

	conn, err := f.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("failed to get syscall connection for file %s: %w", fp, err)
	}

	var (
		data    []byte
		mmapErr error
	)
	if err := conn.Control(func(fd uintptr) {
		data, mmapErr = syscall.Mmap(int(fd), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	}); err != nil {
		return nil, fmt.Errorf("failed to mmap file %s: %w", fp, err)
	}
	if mmapErr != nil {
		return nil, fmt.Errorf("failed to mmap file %s: %w", fp, mmapErr)
	}

	return &MemoryMappedFile{Data: data}, nil
}

// Unmap unmaps the memory-mapped file.
// Must be called by callers before being dropped.
func (mmf *MemoryMappedFile) Unmap() {
	if len(mmf.Data) == 0 {
		return
	}
	syscall.Munmap(mmf.Data)
	mmf.Data = nil
}
