package models

import "errors"

var (
	// ErrLink is a radio link failure (connect refused, link dropped)
	ErrLink = errors.New("link error")
	// ErrTimeout means the device did not complete in time
	ErrTimeout = errors.New("timeout")
	// ErrProtocol is an unexpected payload or a failed device operation
	ErrProtocol = errors.New("protocol error")
	// ErrPersistence is a storage failure
	ErrPersistence = errors.New("persistence error")
	// ErrImplausible marks a reading rejected by the plausibility gate
	ErrImplausible = errors.New("implausible data")
	// ErrCancelled means the user aborted the action
	ErrCancelled = errors.New("cancelled")
)

// ErrorKind returns a stable label for err
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLink):
		return "link"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrImplausible):
		return "implausible"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "unknown"
	}
}
