package sync

import (
	"errors"
	"log/slog"

	"github.com/Acidburn0zzz/realm-core/internal/metadata"
	"github.com/Acidburn0zzz/realm-core/internal/protocol"
)

// nextStateAfterError is the state the session moves to in response to
// a classified error, decided before the error handler runs.
type nextStateAfterError int

const (
	nextStateNone nextStateAfterError = iota
	nextStateInactive
	nextStateError
)

// deleteWithBackup holds the session-level error codes whose recovery
// deletes the local file after backing it up, so unsynced changes can
// still be salvaged manually.
var deleteWithBackup = map[protocol.ProtocolError]bool{
	protocol.ErrBadClientFile:         true,
	protocol.ErrBadClientFileIdent:    true,
	protocol.ErrBadOriginFileIdent:    true,
	protocol.ErrBadServerFileIdent:    true,
	protocol.ErrBadServerVersion:      true,
	protocol.ErrClientFileBlacklisted: true,
	protocol.ErrClientFileExpired:     true,
	protocol.ErrDivergingHistories:    true,
	protocol.ErrServerFileDeleted:     true,
	protocol.ErrUserBlacklisted:       true,
	protocol.ErrInvalidSchemaChange:   true,
}

// HandleError classifies an error reported by the transport layer,
// applies its recovery side effects, and surfaces it to the configured
// error handler. Unknown codes are surfaced with Unrecognized set
// rather than dropped.
func (s *Session) HandleError(syncErr Error) {
	next := nextStateNone
	if syncErr.IsFatal {
		next = nextStateError
	}

	// A dying session escalates any fatal error to immediate
	// deactivation: it cannot finish draining uploads anyway.
	s.mu.Lock()
	if s.state == SessionStateDying && syncErr.IsFatal {
		s.advanceStateLocked(SessionStateInactive)
	}
	s.mu.Unlock()
	s.drain()

	if syncErr.IsClientResetRequested() && s.tryAutomaticClientReset() {
		return
	}

	var (
		protocolErr protocol.ProtocolError
		clientErr   protocol.ClientError
		httpErr     protocol.HTTPError
	)

	switch {
	case errors.As(syncErr.Err, &protocolErr):
		switch {
		case protocolErr.IsInformational():
			// Connection and session lifecycle notices; nothing for the
			// application to act on.
			return

		case protocolErr == protocol.ErrTokenExpired:
			// Retryable authorization failure: get a fresh token and
			// rebind rather than surfacing an error.
			if user := s.User(); user != nil {
				s.mu.Lock()
				if s.state == SessionStateActive {
					s.advanceStateLocked(SessionStateWaitingForAccessToken)
				}
				s.mu.Unlock()
				s.drain()

				user.RefreshCustomData(s.handleRefresh())

				return
			}

		case protocolErr == protocol.ErrBadAuthentication:
			// The signed token is unauthentic; the user's credentials
			// are void. The session stays put so a later login can
			// revive it.
			next = nextStateNone

			user := s.User()

			s.mu.Lock()
			s.cancelPendingWaitsLocked(syncErr.Err)
			s.mu.Unlock()
			s.drain()

			if user != nil {
				user.Invalidate()
			}

		case protocolErr == protocol.ErrPermissionDenied:
			// Unrecoverable and no unsynced data worth keeping: delete
			// the file outright.
			next = nextStateInactive
			s.markFileForDeletion(&syncErr, false)

		case deleteWithBackup[protocolErr]:
			next = nextStateInactive
			s.markFileForDeletion(&syncErr, true)
		}

	case errors.As(syncErr.Err, &clientErr):
		if clientErr.IsTransient() {
			// The transport retries these on its own.
			return
		}

	case errors.As(syncErr.Err, &httpErr):
		if httpErr == protocol.StatusUnauthorized {
			if user := s.User(); user != nil {
				user.RefreshCustomData(s.handleRefresh())
				return
			}
		}

		syncErr.Unrecognized = true

	default:
		syncErr.Unrecognized = true
	}

	if syncErr.Unrecognized {
		s.logger.Error("unrecognized sync error",
			slog.Any("error", syncErr.Err), slog.String("message", syncErr.Message))
	}

	s.mu.Lock()
	if s.state == SessionStateInactive {
		// Already torn down; nothing to deliver.
		s.mu.Unlock()
		s.drain()

		return
	}

	cancelNonfatalWaits := s.config.CancelWaitsOnNonfatalError
	handler := s.config.ErrorHandler
	s.mu.Unlock()
	s.drain()

	switch next {
	case nextStateNone:
		if cancelNonfatalWaits {
			s.mu.Lock()
			s.cancelPendingWaitsLocked(syncErr.Err)
			s.mu.Unlock()
			s.drain()
		}

	case nextStateInactive:
		s.mu.Lock()
		if syncErr.IsClientResetRequested() {
			// Manual resync mode: waits can never complete against the
			// divergent server history.
			s.cancelPendingWaitsLocked(syncErr.Err)
		}

		if s.state != SessionStateInactive {
			s.advanceStateLocked(SessionStateInactive)
		}
		s.mu.Unlock()
		s.drain()

	case nextStateError:
		s.mu.Lock()
		s.cancelPendingWaitsLocked(syncErr.Err)
		s.mu.Unlock()
		s.drain()
	}

	if handler != nil {
		handler(s, syncErr)
	}
}

// tryAutomaticClientReset restarts the session with a forced client
// reset when the configured resync mode allows it. Pending completion
// waits are carried across the restart: they are detached before the
// teardown so the cancellation sweep does not abort them, then
// restored so the revived session re-registers them.
func (s *Session) tryAutomaticClientReset() bool {
	s.mu.Lock()
	if s.config.ClientResyncMode == ResyncManual {
		s.mu.Unlock()
		return false
	}

	s.logger.Info("performing automatic client reset",
		slog.String("mode", s.resyncModeNameLocked()))

	s.forceClientResync = true

	detached := s.completionCallbacks
	s.completionCallbacks = nil

	if s.state != SessionStateInactive {
		s.advanceStateLocked(SessionStateInactive)
	}

	s.completionCallbacks = detached
	s.mu.Unlock()
	s.drain()

	s.ReviveIfNeeded()

	return true
}

func (s *Session) resyncModeNameLocked() string {
	switch s.config.ClientResyncMode {
	case ResyncDiscardLocal:
		return "discard_local"
	case ResyncRecover:
		return "recover"
	default:
		return "manual"
	}
}

// markFileForDeletion persists a file action instructing the host
// application to delete (and optionally first back up) the local file
// once every session on it has terminated. The paths involved are
// attached to the surfaced error.
func (s *Session) markFileForDeletion(syncErr *Error, backup bool) {
	s.mu.Lock()
	manager := s.manager
	recoveryDir := s.config.RecoveryDirectory
	partition := s.config.PartitionValue
	user := s.config.User
	s.mu.Unlock()

	syncErr.setUserInfo(OriginalFilePathKey, s.path)

	if manager == nil {
		s.logger.Warn("no manager attached, skipping file action for error", slog.Any("error", syncErr.Err))
		return
	}

	action := metadata.FileAction{
		OriginalPath:   s.path,
		PartitionValue: partition,
		Action:         metadata.ActionDeleteRealm,
	}

	if user != nil {
		action.UserIdentity = user.Identity()
	}

	if backup {
		action.RecoveryPath = manager.recoveryFilePath(recoveryDir)
		action.Action = metadata.ActionBackUpThenDeleteRealm
		syncErr.setUserInfo(RecoveryFilePathKey, action.RecoveryPath)
	}

	manager.performMetadataUpdate(action)
}
