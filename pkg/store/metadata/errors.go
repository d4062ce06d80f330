package metadata

import "errors"

// StoreError represents a domain error from filesystem operations.
//
// These are business logic errors (file not found, directory not empty,
// authentication failure, ...) as opposed to infrastructure errors
// (disk failure, database corruption at the storage layer), which are
// wrapped and propagated verbatim.
//
// The mount adapter (pkg/mount) returns StoreErrors unchanged; it holds
// no mapping from ErrorCode values to host errno values, and neither
// does this package. Each code is stable.
type StoreError struct {
	// Code is the error category.
	Code ErrorCode

	// Message is a human-readable error description.
	Message string

	// Path is the filesystem path related to the error, if applicable.
	Path string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Path != "" {
		return e.Message + ": " + e.Path
	}
	return e.Message
}

// Is makes errors.Is match two StoreErrors by code alone, so callers can
// compare against a bare &StoreError{Code: ...} sentinel.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	return ok && t.Code == e.Code
}

// ErrorCode represents the category of a store error.
type ErrorCode int

const (
	// ErrNotFound indicates the requested file or directory doesn't exist.
	ErrNotFound ErrorCode = iota

	// ErrAlreadyExists indicates a name already exists in the directory.
	ErrAlreadyExists

	// ErrNotDirectory indicates the operation expected a directory.
	ErrNotDirectory

	// ErrIsDirectory indicates the operation expected a non-directory.
	ErrIsDirectory

	// ErrDirectoryNotEmpty indicates a directory cannot be removed or
	// replaced because it still has entries.
	ErrDirectoryNotEmpty

	// ErrInvalidName indicates a name that can never exist: empty,
	// containing a slash or NUL, or "." / ".." where a real entry is
	// required. Also used for moving a directory into its own descendant.
	ErrInvalidName

	// ErrNameTooLong indicates the encrypted name exceeds the cap.
	ErrNameTooLong

	// ErrPermissionDenied indicates the operation is not permitted on the
	// object (e.g. hard-linking a directory).
	ErrPermissionDenied

	// ErrAuthFailed indicates the passphrase failed to unwrap the master
	// key or the configuration failed authenticated decryption.
	ErrAuthFailed

	// ErrCorruptKeystore indicates the keystore file is malformed.
	ErrCorruptKeystore

	// ErrCorruptConfig indicates the encrypted configuration is malformed
	// or carries an unsupported version.
	ErrCorruptConfig

	// ErrDataCorruption indicates a content block failed authentication
	// or a record was short. Scoped to the affected offsets; other blocks
	// of the same file remain readable.
	ErrDataCorruption

	// ErrIO indicates an I/O error from the KV engine or the blob store,
	// wrapped with operation context.
	ErrIO

	// ErrUnsupported indicates the operation is not supported by the
	// store composition (e.g. meta ops on a store without Tracking).
	ErrUnsupported

	// ErrReadOnly indicates the filesystem was opened read-only.
	ErrReadOnly

	// ErrNoSpace indicates the backing store is full.
	ErrNoSpace

	// ErrTooManyLinks indicates the hard link count limit was reached.
	ErrTooManyLinks

	// ErrLoopDetected indicates symlink resolution exceeded the maximum
	// depth.
	ErrLoopDetected

	// ErrCrossDeviceLink is reserved; the engine never emits it.
	ErrCrossDeviceLink
)

// String returns the stable name of the error code.
func (c ErrorCode) String() string {
	switch c {
	case ErrNotFound:
		return "NotFound"
	case ErrAlreadyExists:
		return "AlreadyExists"
	case ErrNotDirectory:
		return "NotDirectory"
	case ErrIsDirectory:
		return "IsDirectory"
	case ErrDirectoryNotEmpty:
		return "DirectoryNotEmpty"
	case ErrInvalidName:
		return "InvalidName"
	case ErrNameTooLong:
		return "NameTooLong"
	case ErrPermissionDenied:
		return "PermissionDenied"
	case ErrAuthFailed:
		return "AuthFailed"
	case ErrCorruptKeystore:
		return "CorruptKeystore"
	case ErrCorruptConfig:
		return "CorruptConfig"
	case ErrDataCorruption:
		return "DataCorruption"
	case ErrIO:
		return "IoError"
	case ErrUnsupported:
		return "Unsupported"
	case ErrReadOnly:
		return "ReadOnlyFs"
	case ErrNoSpace:
		return "NoSpace"
	case ErrTooManyLinks:
		return "TooManyLinks"
	case ErrLoopDetected:
		return "LoopDetected"
	case ErrCrossDeviceLink:
		return "CrossDeviceLink"
	default:
		return "Unknown"
	}
}

// CodeOf extracts the ErrorCode from err, or ErrIO if err is not a
// StoreError.
func CodeOf(err error) ErrorCode {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrIO
}

// IsCode reports whether err is a StoreError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Code == code
}
