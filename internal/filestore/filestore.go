// Package filestore wraps an afero.Fs into the byte-oriented file
// source/sink collaborators the sender and receiver loops depend on. Using
// afero instead of the os package directly means tests (the receiver tests
// and the scenario suite in internal/integration) can swap in an in-memory
// filesystem without touching the core reliability engine.
package filestore

import (
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Source is what the sender loop reads the file through. Size lets the
// sender precompute N = ceil(file_size / PayloadSize) up front, exactly as
// the reference client does with fseek/ftell before the handshake.
type Source interface {
	io.Reader
	io.Closer
	Size() (int64, error)
}

// Sink is what the receiver loop writes delivered bytes through.
type Sink interface {
	io.Writer
	io.Closer
}

type source struct {
	afero.File
}

func (s *source) Size() (int64, error) {
	info, err := s.File.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "filestore: stat source")
	}
	return info.Size(), nil
}

// OpenSource opens path for reading on fs.
func OpenSource(fs afero.Fs, path string) (Source, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "filestore: open source %q", path)
	}
	return &source{File: f}, nil
}

// CreateSink creates (or truncates) path for writing on fs.
func CreateSink(fs afero.Fs, path string) (Sink, error) {
	f, err := fs.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "filestore: create sink %q", path)
	}
	return f, nil
}
