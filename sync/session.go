// Package sync implements the client-side synchronization engine: the
// per-database session lifecycle state machine, progress and
// connection-state notification, error classification and recovery,
// and the credential refresh flow. The wire codec lives in
// internal/protocol; the transport connection in internal/transport.
package sync

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Acidburn0zzz/realm-core/internal/protocol"
)

// SessionState is the lifecycle state of a Session.
//
// Transitions:
//
//	Inactive -> Active                 revive
//	Active   -> Inactive               log out, close (Immediately), fatal error
//	Active   -> Dying                  close (AfterChangesUploaded)
//	Active   -> WaitingForAccessToken  access token expired on activation
//	Dying    -> Inactive               uploads drained, log out, fatal error
//	Dying    -> Active                 revive
//	WaitingForAccessToken -> Active    token refreshed
//	WaitingForAccessToken -> Inactive  log out, close
type SessionState int

const (
	// SessionStateInactive is the initial and terminal "off" state:
	// the session is unbound and quiescent.
	SessionStateInactive SessionState = iota

	// SessionStateActive is bound to the server and actively
	// transferring data.
	SessionStateActive

	// SessionStateDying is draining pending uploads before
	// deactivating.
	SessionStateDying

	// SessionStateWaitingForAccessToken has a credential refresh
	// outstanding before (re)connecting.
	SessionStateWaitingForAccessToken
)

func (s SessionState) String() string {
	switch s {
	case SessionStateInactive:
		return "inactive"
	case SessionStateActive:
		return "active"
	case SessionStateDying:
		return "dying"
	case SessionStateWaitingForAccessToken:
		return "waiting_for_access_token"
	default:
		return "unknown"
	}
}

// refreshRetryInitialDelay seeds the backoff between credential
// refresh attempts after a retryable failure. The historical client
// used a fixed blocking 10s sleep; the interval is kept but armed on a
// timer, and external timing is not a contract.
const refreshRetryInitialDelay = 10 * time.Second

type completionEntry struct {
	id        uint64
	direction ProgressDirection
	fn        func(error)
}

// Session maintains the sync state of one local database file. All
// methods are safe for concurrent use from any goroutine.
//
// Field access is serialized through mu. Calls out of the state
// machine (transport operations, user callbacks, manager bookkeeping)
// are never made while mu is held: state entry actions append them to
// an invocation queue that each public operation drains after
// releasing the lock. A callback that re-enters the session therefore
// acquires the lock normally and observes a consistent state, and code
// resuming after a drain re-checks state rather than assuming
// continuity.
type Session struct {
	mu     sync.Mutex
	logger *slog.Logger

	state  SessionState
	config Config
	path   string

	manager   *Manager
	transport Transport

	// transportSession is present only while logically bound to the
	// server; created lazily on entering Active, destroyed on entering
	// Inactive. Exclusively owned.
	transportSession TransportSession

	// deathCount guards against stale upload-completion resolutions
	// after a Dying -> Active -> Dying re-entry.
	deathCount uint64

	connState ConnectionState

	// completionCallbacks holds pending wait-for-completion entries in
	// registration order. Entries are never silently dropped: they are
	// fulfilled by the transport or cancelled on teardown.
	completionCallbacks []completionEntry
	completionCounter   uint64

	forceClientResync bool
	multiplexIdent    string
	syncTransactFn    func(oldVersion, newVersion uint64)

	externalRefs int

	progress     ProgressNotifier
	connNotifier ConnectionChangeNotifier

	refreshBackoff *backoff.ExponentialBackOff

	// queue holds invocations deferred until the session mutex is
	// released. See the type comment.
	queue []func()
}

func newSession(manager *Manager, transport Transport, path string, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		logger:    logger.With(slog.String("path", path)),
		state:     SessionStateInactive,
		config:    cfg,
		path:      path,
		manager:   manager,
		transport: transport,
	}
}

// enqueue defers fn until the current caller releases the session
// mutex. Must be called with mu held.
func (s *Session) enqueue(fn func()) {
	s.queue = append(s.queue, fn)
}

// drain runs queued invocations outside the lock until the queue is
// empty. Invocations may re-enter the session and enqueue more work;
// re-entrant drains interleave safely because every invocation is
// popped under the lock exactly once.
func (s *Session) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}

		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		fn()
	}
}

// advanceStateLocked performs a state transition and runs the new
// state's entry action. All transitions go through here; a self
// transition is a programming error.
func (s *Session) advanceStateLocked(next SessionState) {
	if next == s.state {
		panic(fmt.Sprintf("sync: illegal self-transition %v -> %v", s.state, next))
	}

	s.logger.Debug("session state transition",
		slog.String("from", s.state.String()), slog.String("to", next.String()))
	s.state = next

	switch next {
	case SessionStateActive:
		s.enterActiveLocked()
	case SessionStateDying:
		s.enterDyingLocked()
	case SessionStateInactive:
		s.enterInactiveLocked()
	case SessionStateWaitingForAccessToken:
		// No entry action; the transition out happens in
		// AccessTokenUpdated or on teardown.
	}
}

func (s *Session) enterActiveLocked() {
	if user := s.config.User; user != nil && user.AccessTokenRefreshRequired() {
		s.advanceStateLocked(SessionStateWaitingForAccessToken)
		s.enqueue(s.initiateAccessTokenRefresh)

		return
	}

	// When entering from Dying the session is still bound.
	if s.transportSession == nil {
		if err := s.createTransportSessionLocked(); err != nil {
			s.logger.Error("creating transport session", slog.Any("error", err))
			s.advanceStateLocked(SessionStateInactive)

			return
		}

		ts := s.transportSession
		s.enqueue(ts.Bind)
	}

	// Re-register all pending wait-for-completion callbacks. Coming
	// from Dying this can add a redundant transport wait, but the user
	// callback still fires at most once because resolution extracts
	// the entry by id.
	callbacks := s.completionCallbacks
	s.completionCallbacks = nil

	for _, cb := range callbacks {
		s.addCompletionCallbackLocked(cb.fn, cb.direction)
	}
}

func (s *Session) enterDyingLocked() {
	// Without a transport session nothing can possibly be uploading.
	if s.transportSession == nil {
		s.advanceStateLocked(SessionStateInactive)
		return
	}

	s.deathCount++
	deathCount := s.deathCount
	ts := s.transportSession

	s.enqueue(func() {
		ts.AsyncWaitForUploadCompletion(func(error) {
			s.mu.Lock()
			if s.state == SessionStateDying && s.deathCount == deathCount {
				s.advanceStateLocked(SessionStateInactive)
			}
			s.mu.Unlock()

			s.drain()
		})
	})
}

func (s *Session) enterInactiveLocked() {
	// Record the disconnect ourselves: the transport session is about
	// to be destroyed, so its own state change callback will never
	// arrive.
	oldConnState := s.connState
	s.connState = ConnectionStateDisconnected

	waits := s.completionCallbacks
	s.completionCallbacks = nil

	ts := s.transportSession
	s.transportSession = nil

	manager := s.manager

	s.enqueue(func() {
		if ts != nil {
			ts.Close()
		}

		if manager != nil {
			manager.unregisterSession(s)
		}

		if oldConnState != ConnectionStateDisconnected {
			s.connNotifier.InvokeCallbacks(oldConnState, ConnectionStateDisconnected)
		}

		// Inform queued-up completion handlers that they were
		// cancelled.
		for _, wait := range waits {
			wait.fn(ErrOperationAborted)
		}
	})
}

func (s *Session) createTransportSessionLocked() error {
	cfg := SessionConfig{
		SignedUserToken:         "",
		RealmIdentifier:         s.config.PartitionValue,
		EncryptionKey:           s.config.EncryptionKey,
		ValidateSSL:             s.config.ValidateSSL,
		SSLTrustCertificatePath: s.config.SSLTrustCertificatePath,
		AuthorizationHeaderName: s.config.AuthorizationHeaderName,
		CustomHTTPHeaders:       s.config.CustomHTTPHeaders,
		ProxyConfig:             s.config.ProxyConfig,
		MultiplexIdent:          s.multiplexIdent,
	}

	if user := s.config.User; user != nil {
		cfg.SignedUserToken = user.AccessToken()
	}

	if s.forceClientResync {
		cfg.ClientReset = &ClientResetConfig{
			MetadataDir:         s.path + ".resync",
			RecoverLocalChanges: s.config.ClientResyncMode == ResyncRecover,
		}
		s.forceClientResync = false
	}

	cfg.OnProgress = s.HandleProgressUpdate

	cfg.OnConnectionState = func(state ConnectionState, errInfo *Error) {
		s.mu.Lock()
		oldState := s.connState
		s.connState = state
		s.mu.Unlock()

		if oldState != state {
			s.connNotifier.InvokeCallbacks(oldState, state)
		}

		if errInfo != nil {
			s.HandleError(*errInfo)
		}
	}

	cfg.OnSyncTransact = func(oldVersion, newVersion uint64) {
		s.mu.Lock()
		fn := s.syncTransactFn
		s.mu.Unlock()

		if fn != nil {
			fn(oldVersion, newVersion)
		}
	}

	ts, err := s.transport.MakeSession(s.path, cfg)
	if err != nil {
		return err
	}

	s.transportSession = ts

	return nil
}

// LogOut deactivates the session because its owning user logged out.
func (s *Session) LogOut() {
	s.mu.Lock()
	if s.state != SessionStateInactive {
		s.advanceStateLocked(SessionStateInactive)
	}
	s.mu.Unlock()

	s.drain()
}

// Close closes the session in accordance with its stop policy.
func (s *Session) Close() {
	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()

	s.drain()
}

func (s *Session) closeLocked() {
	switch s.state {
	case SessionStateActive:
		switch s.config.StopPolicy {
		case StopImmediately:
			s.advanceStateLocked(SessionStateInactive)
		case LiveIndefinitely:
			// Session lives forever.
		case StopAfterChangesUploaded:
			s.advanceStateLocked(SessionStateDying)
		}

	case SessionStateDying:
		// Already draining.

	case SessionStateInactive:
		// Already torn down; only the manager registration remains.
		manager := s.manager
		s.enqueue(func() {
			if manager != nil {
				manager.unregisterSession(s)
			}
		})

	case SessionStateWaitingForAccessToken:
		// Immediately kill the session.
		s.advanceStateLocked(SessionStateInactive)
	}
}

// ReviveIfNeeded reactivates a session that is not already alive. The
// return value reports whether the caller must obtain a fresh access
// credential before the session can bind; this is the case only when
// reviving from Inactive.
func (s *Session) ReviveIfNeeded() bool {
	var needsToken bool

	s.mu.Lock()
	switch s.state {
	case SessionStateActive, SessionStateWaitingForAccessToken:
		// Already alive or already waiting for a credential.

	case SessionStateDying:
		// The previously issued credential is assumed still valid.
		s.advanceStateLocked(SessionStateActive)

	case SessionStateInactive:
		s.advanceStateLocked(SessionStateActive)
		needsToken = true
	}
	s.mu.Unlock()

	s.drain()

	return needsToken
}

// HandleReconnect responds to the application regaining network
// connectivity by skipping any artificial reconnect backoff.
func (s *Session) HandleReconnect() {
	s.mu.Lock()
	if s.state == SessionStateActive && s.transportSession != nil {
		ts := s.transportSession
		s.enqueue(ts.CancelReconnectDelay)
	}
	s.mu.Unlock()

	s.drain()
}

// AccessTokenUpdated installs a refreshed signed access token. A
// session waiting for the token resumes activation.
func (s *Session) AccessTokenUpdated(signedToken string) {
	s.mu.Lock()
	if ts := s.transportSession; ts != nil {
		s.enqueue(func() { ts.Refresh(signedToken) })
	}

	if s.state == SessionStateWaitingForAccessToken {
		s.advanceStateLocked(SessionStateActive)
	}
	s.mu.Unlock()

	s.drain()
}

// ShutdownAndWait drives the session to Inactive and blocks until the
// transport layer confirms termination of any underlying session
// object, so the caller can safely delete the database file.
func (s *Session) ShutdownAndWait() {
	s.mu.Lock()
	if s.state != SessionStateInactive {
		s.advanceStateLocked(SessionStateInactive)
	}
	s.mu.Unlock()

	s.drain()

	if s.transport != nil {
		s.transport.WaitForSessionTerminations()
	}
}

// NonsyncTransactNotify informs the sync engine that a local write
// committed at version, for upload scheduling.
func (s *Session) NonsyncTransactNotify(version uint64) {
	s.progress.SetLocalVersion(version)

	s.mu.Lock()
	switch s.state {
	case SessionStateActive:
		ts := s.transportSession
		s.enqueue(func() { ts.NonsyncTransactNotify(version) })

	case SessionStateWaitingForAccessToken:
		// The transport session survives a token refresh; notify it if
		// it exists, otherwise the version is picked up when Active
		// creates one.
		if ts := s.transportSession; ts != nil {
			s.enqueue(func() { ts.NonsyncTransactNotify(version) })
		}

	case SessionStateDying, SessionStateInactive:
	}
	s.mu.Unlock()

	s.drain()
}

// WaitForUploadCompletion invokes fn once all changesets committed at
// the time of the call have been acknowledged by the server, or with
// ErrOperationAborted if the session deactivates first. fn runs on an
// arbitrary goroutine.
func (s *Session) WaitForUploadCompletion(fn func(error)) {
	s.mu.Lock()
	s.addCompletionCallbackLocked(fn, ProgressDirectionUpload)
	s.mu.Unlock()

	s.drain()
}

// WaitForDownloadCompletion invokes fn once all changesets available
// on the server at the time of the call have been integrated, or with
// ErrOperationAborted if the session deactivates first. fn runs on an
// arbitrary goroutine.
func (s *Session) WaitForDownloadCompletion(fn func(error)) {
	s.mu.Lock()
	s.addCompletionCallbackLocked(fn, ProgressDirectionDownload)
	s.mu.Unlock()

	s.drain()
}

func (s *Session) addCompletionCallbackLocked(fn func(error), direction ProgressDirection) {
	s.completionCounter++
	id := s.completionCounter
	s.completionCallbacks = append(s.completionCallbacks, completionEntry{id: id, direction: direction, fn: fn})

	// Without a transport session the entry is simply retained; it is
	// re-registered the next time Active's entry action runs.
	ts := s.transportSession
	if ts == nil {
		return
	}

	wait := ts.AsyncWaitForUploadCompletion
	if direction == ProgressDirectionDownload {
		wait = ts.AsyncWaitForDownloadCompletion
	}

	s.enqueue(func() {
		wait(func(err error) {
			// Extract by id before invoking: teardown may have already
			// cancelled this entry, in which case the stale resolution
			// must not fire the callback a second time.
			s.mu.Lock()
			entry, ok := s.extractCallbackLocked(id)
			s.mu.Unlock()

			if ok {
				entry.fn(err)
			}
		})
	})
}

func (s *Session) extractCallbackLocked(id uint64) (completionEntry, bool) {
	for i, entry := range s.completionCallbacks {
		if entry.id == id {
			s.completionCallbacks = append(s.completionCallbacks[:i], s.completionCallbacks[i+1:]...)
			return entry, true
		}
	}

	return completionEntry{}, false
}

func (s *Session) cancelPendingWaitsLocked(cause error) {
	if cause == nil {
		cause = ErrOperationAborted
	}

	waits := s.completionCallbacks
	s.completionCallbacks = nil

	s.enqueue(func() {
		for _, wait := range waits {
			wait.fn(cause)
		}
	})
}

// HandleProgressUpdate feeds cumulative transfer counters from the
// transport layer into the progress notifier.
func (s *Session) HandleProgressUpdate(downloaded, downloadable, uploaded, uploadable, downloadVersion, snapshotVersion uint64) {
	s.progress.Update(downloaded, downloadable, uploaded, uploadable, downloadVersion, snapshotVersion)
}

// RegisterProgressNotifier registers a transfer progress callback and
// returns its token, or zero if a one-shot notifier was already
// satisfied and fired immediately.
func (s *Session) RegisterProgressNotifier(fn ProgressFunc, direction ProgressDirection, isStreaming bool) uint64 {
	return s.progress.RegisterCallback(fn, direction, isStreaming)
}

// UnregisterProgressNotifier removes a progress callback.
func (s *Session) UnregisterProgressNotifier(token uint64) {
	s.progress.UnregisterCallback(token)
}

// RegisterConnectionChangeCallback registers a connection state
// callback and returns its token.
func (s *Session) RegisterConnectionChangeCallback(fn ConnectionStateCallback) uint64 {
	return s.connNotifier.AddCallback(fn)
}

// UnregisterConnectionChangeCallback removes a connection state
// callback.
func (s *Session) UnregisterConnectionChangeCallback(token uint64) {
	s.connNotifier.RemoveCallback(token)
}

// SetSyncTransactCallback installs a callback invoked whenever the
// transport integrates downloaded changesets into the local file.
func (s *Session) SetSyncTransactCallback(fn func(oldVersion, newVersion uint64)) {
	s.mu.Lock()
	s.syncTransactFn = fn
	s.mu.Unlock()
}

// SetMultiplexIdentifier sets the connection multiplexing identity
// used when the transport session is created.
func (s *Session) SetMultiplexIdentifier(ident string) {
	s.mu.Lock()
	s.multiplexIdent = ident
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// ConnectionState returns the last known transport connection state.
func (s *Session) ConnectionState() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.connState
}

// Path returns the local database path this session synchronizes.
func (s *Session) Path() string {
	return s.path
}

// User returns the credential owner, or nil.
func (s *Session) User() *User {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.config.User
}

// Config returns a copy of the session configuration.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.config
}

// UpdateConfiguration replaces the session configuration. The session
// is driven to Inactive first and revived afterwards. The user must
// not change.
func (s *Session) UpdateConfiguration(newConfig Config) {
	for {
		s.mu.Lock()
		if s.state != SessionStateInactive {
			// Entering Inactive queues work that runs unlocked, so by
			// the time the lock is reacquired the state may have moved
			// again (a drained callback may have revived the session).
			// Keep switching until it stays put.
			s.advanceStateLocked(SessionStateInactive)
			s.mu.Unlock()
			s.drain()

			continue
		}

		if s.config.User != newConfig.User {
			s.mu.Unlock()
			panic("sync: UpdateConfiguration must not change the session's user")
		}

		s.config = newConfig
		s.mu.Unlock()

		break
	}

	s.drain()
	s.ReviveIfNeeded()
}

// DetachFromManager shuts the session down and severs the link to its
// owning manager.
func (s *Session) DetachFromManager() {
	s.ShutdownAndWait()

	s.mu.Lock()
	s.manager = nil
	s.mu.Unlock()
}

// initiateAccessTokenRefresh asks the credential owner for a fresh
// access token. The completion re-enters the session from an arbitrary
// goroutine.
func (s *Session) initiateAccessTokenRefresh() {
	s.mu.Lock()
	user := s.config.User
	s.refreshBackoff = nil
	s.mu.Unlock()

	if user != nil {
		user.RefreshCustomData(s.handleRefresh())
	}
}

// handleRefresh builds the completion callback for one credential
// refresh attempt.
func (s *Session) handleRefresh() func(*RefreshError) {
	return func(refreshErr *RefreshError) {
		var cause error
		if refreshErr != nil {
			cause = refreshErr.Err
		}

		s.mu.Lock()
		user := s.config.User
		handler := s.config.ErrorHandler
		s.mu.Unlock()

		switch {
		case user == nil:
			s.mu.Lock()
			s.cancelPendingWaitsLocked(cause)
			s.mu.Unlock()
			s.drain()

		case user.RefreshTokenExpired():
			s.mu.Lock()
			s.cancelPendingWaitsLocked(cause)
			s.mu.Unlock()
			s.drain()

			if handler != nil {
				handler(s, Error{
					Err:     protocol.ErrBadAuthentication,
					Message: "expired refresh token",
					IsFatal: true,
				})
			}

		case refreshErr != nil:
			if refreshErr.HTTPStatus == 401 || refreshErr.HTTPStatus == 403 {
				// The token cannot be refreshed: an admin revoked the
				// user's sessions or the user was disabled. Stop
				// retrying and pass the failure along.
				s.logger.Warn("access token refresh rejected",
					slog.Int("status", refreshErr.HTTPStatus))

				s.mu.Lock()
				s.cancelPendingWaitsLocked(cause)
				s.mu.Unlock()
				s.drain()

				if user.IsLoggedIn() {
					user.LogOut()
				}

				if handler != nil {
					handler(s, Error{
						Err:     protocol.ErrPermissionDenied,
						Message: "Unable to refresh the user access token.",
						IsFatal: true,
					})
				}
			} else {
				// Retryable failure; re-arm on a timer so no thread is
				// blocked while waiting.
				delay := s.nextRefreshDelay()
				s.logger.Debug("access token refresh failed, retrying",
					slog.Any("error", cause), slog.Duration("delay", delay))

				time.AfterFunc(delay, func() {
					if u := s.User(); u != nil {
						u.RefreshCustomData(s.handleRefresh())
					}
				})
			}

		default:
			s.mu.Lock()
			s.refreshBackoff = nil
			s.mu.Unlock()

			s.AccessTokenUpdated(user.AccessToken())
		}
	}
}

func (s *Session) nextRefreshDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refreshBackoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = refreshRetryInitialDelay
		b.MaxInterval = 5 * time.Minute
		b.MaxElapsedTime = 0
		s.refreshBackoff = b
	}

	return s.refreshBackoff.NextBackOff()
}

// externalRefCount reports the number of live external references.
func (s *Session) externalRefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.externalRefs
}

func (s *Session) acquireExternalReference() *SessionRef {
	s.mu.Lock()
	s.externalRefs++
	s.mu.Unlock()

	return &SessionRef{Session: s}
}

func (s *Session) dropExternalReference() {
	s.mu.Lock()
	s.externalRefs--

	// Close only when the last external reference is gone and the
	// session was not resurrected meanwhile.
	if s.externalRefs == 0 {
		s.closeLocked()
	}
	s.mu.Unlock()

	s.drain()
}

// SessionRef keeps the session logically alive from outside the sync
// subsystem. Dropping the last reference closes the session per its
// stop policy.
type SessionRef struct {
	*Session
	once sync.Once
}

// Release drops the external reference. Idempotent.
func (r *SessionRef) Release() {
	r.once.Do(r.Session.dropExternalReference)
}
