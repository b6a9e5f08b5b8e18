package credentials

import "fmt"

// LoadFailureReason classifies why reading the private key failed.
type LoadFailureReason string

const (
	// ReasonNotFound means the key file does not exist at the given path.
	ReasonNotFound LoadFailureReason = "not_found"
	// ReasonTooLarge means the key file exceeds the key buffer capacity.
	ReasonTooLarge LoadFailureReason = "too_large"
	// ReasonTruncated means fewer bytes were read than the file reports.
	ReasonTruncated LoadFailureReason = "truncated"
)

// KeyLoadError reports a failure to load the private key from disk.
type KeyLoadError struct {
	Path     string
	Reason   LoadFailureReason
	Size     int64 // size the file reports
	Read     int64 // bytes actually read
	Capacity int64 // key buffer capacity
	Err      error
}

func (e *KeyLoadError) Error() string {
	switch e.Reason {
	case ReasonNotFound:
		return fmt.Sprintf("missing private key required for JWT signing, expected at %q", e.Path)
	case ReasonTooLarge:
		return fmt.Sprintf("private key file size of %d bytes is larger than key buffer size of %d bytes", e.Size, e.Capacity)
	case ReasonTruncated:
		return fmt.Sprintf("could not fully read private key file %q: got %d of %d bytes", e.Path, e.Read, e.Size)
	default:
		return fmt.Sprintf("failed to load private key %q", e.Path)
	}
}

func (e *KeyLoadError) Unwrap() error {
	return e.Err
}

// SigningError reports a failure to mint an authentication token.
type SigningError struct {
	Code string
	Err  error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("token signing failed (%s): %v", e.Code, e.Err)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}
