package apis

import (
	"fmt"

	"github.com/pkg/errors"
)

type ErrorKind int

const (
	// The whole chunk session should be abandoned and retried, possibly against other chunkservers.
	Recoverable ErrorKind = iota
	// A particular chunkserver misbehaved or disconnected; it should be avoided when retrying.
	ConnectionFailure
)

func (k ErrorKind) String() string {
	switch k {
	case Recoverable:
		return "recoverable"
	case ConnectionFailure:
		return "connection failure"
	default:
		return fmt.Sprintf("error kind %d", int(k))
	}
}

// An error raised by the chunk I/O engine. Callers decide between retrying and blacklisting a server by Kind.
type ChunkIOError struct {
	Kind ErrorKind
	// Set for ConnectionFailure errors.
	Server ServerAddress
	// Set if a chunkserver reported a failure status.
	Status Status
	cause  error
}

func (e *ChunkIOError) Error() string {
	if e.Server != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Server, e.cause)
	}
	if e.Status != StatusOK {
		return fmt.Sprintf("%s: %v: %s", e.Kind, e.cause, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *ChunkIOError) Cause() error {
	return e.cause
}

func (e *ChunkIOError) Unwrap() error {
	return e.cause
}

func RecoverableError(format string, args ...interface{}) error {
	return &ChunkIOError{Kind: Recoverable, cause: errors.Errorf(format, args...)}
}

func RecoverableStatusError(status Status, format string, args ...interface{}) error {
	return &ChunkIOError{Kind: Recoverable, Status: status, cause: errors.Errorf(format, args...)}
}

func ConnectionError(server ServerAddress, cause error) error {
	return &ChunkIOError{Kind: ConnectionFailure, Server: server, cause: cause}
}

// True for errors that ask for the session to be retried without blaming a particular chunkserver.
func IsRecoverable(err error) bool {
	var ioErr *ChunkIOError
	return errors.As(err, &ioErr) && ioErr.Kind == Recoverable
}

// Returns the chunkserver responsible for a connection failure, if any.
func FailedServer(err error) (ServerAddress, bool) {
	var ioErr *ChunkIOError
	if errors.As(err, &ioErr) && ioErr.Kind == ConnectionFailure {
		return ioErr.Server, true
	}
	return "", false
}
