package backpack

import (
	"fmt"

	"github.com/pkg/errors"
)

// Usage errors returned by Creator.Create. They are checked before anything
// is written.
var (
	ErrAlreadyExists = errors.New("output file exists, use overwrite to replace it")
	ErrNotADirectory = errors.New("only the archiving of directories is supported")
	ErrIsADirectory  = errors.New("output must be a file, not a directory")
	ErrSymlink       = errors.New("symbolic links are not allowed")

	// ErrFileNotFound is wrapped by the MalformedError returned when a
	// file listed in the manifest is missing from the payload.
	ErrFileNotFound = errors.New("file not found")
)

// A ConnectionError means resolving an identifier, reading remote metadata,
// or transferring a file failed. The operation may succeed if retried later.
type ConnectionError struct {
	Msg string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "connection error: " + e.Msg
	}
	return fmt.Sprintf("connection error: %s: %s", e.Msg, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Cause lets github.com/pkg/errors.Cause see through the error.
func (e *ConnectionError) Cause() error { return e.Err }

// A MalformedError means the backpack content is not what the manifest or the
// remote listing says it should be. Retrying will not help.
type MalformedError struct {
	Msg string
	Err error
}

func (e *MalformedError) Error() string {
	if e.Err == nil {
		return "malformed backpack: " + e.Msg
	}
	return fmt.Sprintf("malformed backpack: %s: %s", e.Msg, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

func (e *MalformedError) Cause() error { return e.Err }

// A VersionError means the manifest uses a format version this package does
// not understand.
type VersionError struct {
	Found    int
	Expected int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("incorrect backpack format version: %d, expected %d", e.Found, e.Expected)
}

func malformed(err error, format string, args ...interface{}) error {
	return &MalformedError{Msg: fmt.Sprintf(format, args...), Err: err}
}

func connection(err error, format string, args ...interface{}) error {
	return &ConnectionError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// IsConnection reports whether err is, or wraps, a ConnectionError.
func IsConnection(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}

// IsMalformed reports whether err is, or wraps, a MalformedError.
func IsMalformed(err error) bool {
	var target *MalformedError
	return errors.As(err, &target)
}

// IsVersion reports whether err is, or wraps, a VersionError.
func IsVersion(err error) bool {
	var target *VersionError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is due to a payload file missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFileNotFound)
}

// IsUsage reports whether err is one of the argument errors from Create.
func IsUsage(err error) bool {
	return errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrNotADirectory) ||
		errors.Is(err, ErrIsADirectory)
}
