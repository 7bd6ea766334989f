package fus

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork indicates a connection level failure; the request may be retried.
	ErrNetwork = errors.New("fus: network error")
	// ErrServer indicates the service answered with a non-2xx HTTP status.
	ErrServer = errors.New("fus: server error")
	// ErrAuth indicates the service rejected the session or its signature.
	ErrAuth = errors.New("fus: authentication rejected")
	// ErrProtocol indicates a handshake or exchange that does not follow the FUS protocol.
	ErrProtocol = errors.New("fus: protocol error")
	// ErrNotFound indicates the service has no firmware matching the query.
	ErrNotFound = errors.New("fus: firmware not found")
	// ErrParse indicates a malformed response body.
	ErrParse = errors.New("fus: malformed response")
	// ErrIntegrity indicates the downloaded firmware failed checksum verification.
	ErrIntegrity = errors.New("fus: integrity check failed")
	// ErrIO indicates a local filesystem failure.
	ErrIO = errors.New("fus: i/o error")
	// ErrInterrupted indicates a download stopped at a chunk boundary and can be resumed.
	ErrInterrupted = errors.New("fus: download interrupted")
)

// ServerError is returned by the transport for non-2xx responses
type ServerError struct {
	Status int
	URL    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("fus: server returned status %d for %s", e.Status, e.URL)
}

// Is reports ErrServer, and ErrAuth for 401/403 replies.
func (e *ServerError) Is(target error) bool {
	switch target {
	case ErrServer:
		return true
	case ErrAuth:
		return e.Status == 401 || e.Status == 403
	}
	return false
}

// IntegrityError is returned when the final checksum does not match the one
// advertised by the service. The output file at Path is left in place.
type IntegrityError struct {
	Path     string
	Expected uint32
	Actual   uint32
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("crc32 mismatch for %q: got %08X but expected %08X", e.Path, e.Actual, e.Expected)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// Classify tags err with kind unless it already carries a classification.
func Classify(kind, err error) error {
	if err == nil {
		return nil
	}
	if Kind(err) != nil {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

var kinds = []error{
	ErrIntegrity,
	ErrInterrupted,
	ErrAuth,
	ErrNotFound,
	ErrParse,
	ErrProtocol,
	ErrNetwork,
	ErrIO,
	ErrServer,
}

// Kind returns the taxonomy sentinel err belongs to, or nil if it is unclassified.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Retryable reports whether the caller may retry the failed operation.
// Auth and protocol errors are retryable only with a fresh session.
func Retryable(err error) bool {
	switch Kind(err) {
	case ErrNetwork:
		return true
	case ErrServer:
		var se *ServerError
		if errors.As(err, &se) {
			return se.Status >= 500 || se.Status == 429
		}
		return false
	}
	return false
}

// NeedsHandshake reports whether err invalidated the session.
func NeedsHandshake(err error) bool {
	k := Kind(err)
	return k == ErrAuth || k == ErrProtocol
}
