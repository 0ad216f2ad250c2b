package sync

import (
	"errors"

	"github.com/Acidburn0zzz/realm-core/internal/protocol"
)

// ErrOperationAborted is delivered to pending completion callbacks when
// the session tears down before the awaited transfer finishes.
var ErrOperationAborted = errors.New("operation aborted")

// UserInfo keys attached to errors that schedule local file deletion.
const (
	OriginalFilePathKey = "ORIGINAL_FILE_PATH"
	RecoveryFilePathKey = "RECOVERY_FILE_PATH"
)

// Error is an error delivered asynchronously from the transport layer,
// classified by the session before being surfaced to the application.
type Error struct {
	// Err carries the underlying code: a protocol.ProtocolError, a
	// protocol.ClientError, a protocol.HTTPError, or any other error
	// for codes the client does not recognize.
	Err     error
	Message string
	IsFatal bool

	// Unrecognized is set by the session when the code matched no
	// known category. The error is still surfaced rather than dropped.
	Unrecognized bool

	// UserInfo carries free-form context such as the original and
	// recovery file paths of a scheduled deletion.
	UserInfo map[string]string
}

func (e Error) Error() string {
	if e.Message != "" {
		return e.Message
	}

	if e.Err != nil {
		return e.Err.Error()
	}

	return "sync error"
}

// Unwrap exposes the underlying code for errors.Is / errors.As.
func (e Error) Unwrap() error {
	return e.Err
}

// IsClientResetRequested reports whether the error signals that the
// local and server-side histories have diverged irreconcilably and the
// client file must be reset.
func (e Error) IsClientResetRequested() bool {
	var pe protocol.ProtocolError
	if !errors.As(e.Err, &pe) {
		return false
	}

	return pe.RequestsClientReset()
}

func (e *Error) setUserInfo(key, value string) {
	if e.UserInfo == nil {
		e.UserInfo = make(map[string]string)
	}

	e.UserInfo[key] = value
}
