package archive

import (
	"errors"
	"fmt"
)

var (
	ErrArchiveWrite = errors.New("archive write failed")
	ErrHashMismatch = errors.New("archive hash mismatch")
	ErrUnsafeEntry  = errors.New("unsafe archive entry")
)

// ArchiveWriteError is returned after the partial archive and sidecar have
// been removed.
type ArchiveWriteError struct {
	Path string
	Err  error
}

func (e *ArchiveWriteError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrArchiveWrite, e.Path, e.Err)
}

func (e *ArchiveWriteError) Unwrap() []error { return []error{ErrArchiveWrite, e.Err} }

type HashMismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("%s: %s: expected %s, got %s", ErrHashMismatch, e.Path, e.Expected, e.Actual)
}

func (e *HashMismatchError) Unwrap() error { return ErrHashMismatch }
