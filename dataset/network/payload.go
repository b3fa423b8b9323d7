package network

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
)

// Payload is upload content whose length is known before the transfer starts.
// Open may be called more than once, every call yields the content from the start.
type Payload interface {
	Size() int64
	Open() (io.ReadCloser, error)
}

// BytesPayload is an in-memory buffer.
type BytesPayload []byte

// Size ...
func (p BytesPayload) Size() int64 { return int64(len(p)) }

// Open ...
func (p BytesPayload) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(p)), nil
}

// StringPayload is text content, sent as UTF-8.
type StringPayload string

// Size ...
func (p StringPayload) Size() int64 { return int64(len(p)) }

// Open ...
func (p StringPayload) Open() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(p))), nil
}

// FilePayload streams a file from disk without buffering it in memory.
type FilePayload struct {
	Path string
	size int64
}

// NewFilePayload stats path so the size is fixed before any transfer.
func NewFilePayload(path string) (*FilePayload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return &FilePayload{Path: path, size: info.Size()}, nil
}

// Size ...
func (p *FilePayload) Size() int64 { return p.size }

// Open ...
func (p *FilePayload) Open() (io.ReadCloser, error) {
	file, err := os.Open(p.Path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return file, nil
}
