package remote

import (
	"errors"
	"fmt"
)

// Sentinel errors for the remote session. Check with errors.Is.
var (
	// ErrTransport covers socket, network and handshake failures. It counts
	// against the session's consecutive failure budget.
	ErrTransport = errors.New("remote: transport failure")

	// ErrAuthRejected reports an auth_invalid reply. It wraps ErrTransport.
	ErrAuthRejected = fmt.Errorf("%w: authentication rejected", ErrTransport)

	// ErrProtocolViolation reports a frame with an unexpected shape or type.
	ErrProtocolViolation = errors.New("remote: protocol violation")

	// ErrPermanentlyStopped is returned by Session.Run once the failure budget
	// is spent. Only an explicit restart recovers.
	ErrPermanentlyStopped = errors.New("remote: permanently stopped")

	// ErrNotConnected is returned by Send and Subscribe without a live socket.
	ErrNotConnected = errors.New("remote: not connected")

	// ErrConnectionClosed is returned to callers whose request was outstanding
	// when the socket closed.
	ErrConnectionClosed = errors.New("remote: connection closed")

	// ErrTimeout is returned when no reply arrives in time. The pending slot is
	// removed, so a late reply is ignored.
	ErrTimeout = errors.New("remote: request timed out")

	// ErrRemote matches any *RemoteError.
	ErrRemote = errors.New("remote: request failed")

	// ErrAlreadyRunning is returned by a second concurrent Session.Run.
	ErrAlreadyRunning = errors.New("remote: session already running")

	// ErrInvalidPayload reports a request payload that is not a JSON object.
	ErrInvalidPayload = errors.New("remote: payload must be a JSON object")
)

// RemoteError is an explicit failure reply from the controller. Its message is
// surfaced verbatim to the caller.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Is lets errors.Is(err, ErrRemote) match.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}
