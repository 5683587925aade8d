package fileset

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyFileset   = errors.New("empty fileset")
	ErrDescriptorPath = errors.New("descriptor path missing")
)

// EmptyFilesetError means a required rule matched nothing, which usually
// points at an upstream sub-build that silently produced no outputs.
type EmptyFilesetError struct {
	Component string
	Subdir    string
}

func (e *EmptyFilesetError) Error() string {
	return fmt.Sprintf("%s: component %q matched no files under %q", ErrEmptyFileset, e.Component, e.Subdir)
}

func (e *EmptyFilesetError) Unwrap() error { return ErrEmptyFileset }

// DescriptorPathError means a non-optional rule names a missing directory.
type DescriptorPathError struct {
	Component string
	Path      string
}

func (e *DescriptorPathError) Error() string {
	return fmt.Sprintf("%s: component %q references %s which does not exist", ErrDescriptorPath, e.Component, e.Path)
}

func (e *DescriptorPathError) Unwrap() error { return ErrDescriptorPath }
