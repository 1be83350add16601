package tile

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage matches every *StorageError via errors.Is.
	ErrStorage = errors.New("storage error")
	// ErrConfiguration matches every *ConfigurationError via errors.Is.
	ErrConfiguration = errors.New("configuration error")
	// ErrReadOnly is wrapped by storage errors for writes to read-only layers.
	ErrReadOnly = errors.New("layer is read-only")
)

// StorageError reports an I/O or database failure. Absent tiles are never
// reported as a StorageError.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// NewStorageError wraps err, returning nil when err is nil.
func NewStorageError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) && se.Op == op && se.Path == path {
		return err
	}
	return &StorageError{Op: op, Path: path, Err: err}
}

// ConfigurationError reports a store that cannot be constructed, e.g. a root
// directory that is missing or not writable.
type ConfigurationError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }
