package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	gosync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"github.com/Acidburn0zzz/realm-core/internal/protocol"
	"github.com/Acidburn0zzz/realm-core/sync"
)

// inboundMsg wraps a frame read from the websocket by the reader
// goroutine.
type inboundMsg struct {
	data []byte
	err  error
}

type downloadWait struct {
	requestIdent int64
	fn           func(error)
}

type uploadWait struct {
	targetVersion int64
	fn            func(error)
}

// sessionFatalError marks an error that must stop the reconnect loop:
// the server rejected the session itself, not the connection.
type sessionFatalError struct {
	err error
}

func (e *sessionFatalError) Error() string { return e.err.Error() }
func (e *sessionFatalError) Unwrap() error { return e.err }

// clientSession drives the sync protocol for one local file over its
// own websocket connection.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop goroutine processes inbound frames, control wakeups
// (upload scheduling, token refresh, completion waits), and keepalive
// ticks. All writes to the connection happen from the event loop.
type clientSession struct {
	client  *Client
	logger  *slog.Logger
	path    string
	cfg     sync.SessionConfig
	history History

	sessionIdent int64
	codec        protocol.ClientCodec
	upload       protocol.UploadMessageBuilder

	ctx    context.Context
	cancel context.CancelFunc

	// wakeCh nudges the event loop to flush control state; skipCh
	// short-circuits the reconnect backoff.
	wakeCh chan struct{}
	skipCh chan struct{}

	mu            gosync.Mutex
	started       bool
	token         string
	tokenDirty    bool
	uploadDue     bool
	markCounter   int64
	pendingMarks  []int64
	downloadWaits []downloadWait
	uploadWaits   []uploadWait

	// Cumulative transfer counters reported through cfg.OnProgress.
	downloadedBytes   uint64
	downloadableBytes uint64
	uploadedBytes     uint64
}

func newClientSession(client *Client, path string, cfg sync.SessionConfig, history History) *clientSession {
	ctx, cancel := context.WithCancel(context.Background())

	return &clientSession{
		client:       client,
		logger:       client.logger.With(slog.String("path", path)),
		path:         path,
		cfg:          cfg,
		history:      history,
		sessionIdent: client.nextSessionIdent.Add(1),
		ctx:          ctx,
		cancel:       cancel,
		wakeCh:       make(chan struct{}, 1),
		skipCh:       make(chan struct{}, 1),
		token:        cfg.SignedUserToken,
	}
}

// Bind starts the session's connect loop. Subsequent calls are no-ops.
func (s *clientSession) Bind() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}

	s.started = true
	s.mu.Unlock()

	s.client.terminations.Add(1)

	go s.run()
}

// Refresh replaces the signed user token. A live connection carries
// the new token in a REFRESH message; otherwise the next bind uses it.
func (s *clientSession) Refresh(signedUserToken string) {
	s.mu.Lock()
	s.token = signedUserToken
	s.tokenDirty = true
	s.mu.Unlock()

	s.wake()
}

// NonsyncTransactNotify schedules an upload of changesets produced by
// a local commit.
func (s *clientSession) NonsyncTransactNotify(uint64) {
	s.mu.Lock()
	s.uploadDue = true
	s.mu.Unlock()

	s.wake()
}

// CancelReconnectDelay skips any backoff the connect loop is currently
// sleeping through.
func (s *clientSession) CancelReconnectDelay() {
	select {
	case s.skipCh <- struct{}{}:
	default:
	}
}

// AsyncWaitForUploadCompletion invokes fn once the server has
// integrated every changeset committed before this call.
func (s *clientSession) AsyncWaitForUploadCompletion(fn func(error)) {
	target := s.history.CurrentVersion()

	if s.history.Progress().Upload.ClientVersion >= target {
		go fn(nil)
		return
	}

	s.mu.Lock()
	s.uploadWaits = append(s.uploadWaits, uploadWait{targetVersion: target, fn: fn})
	s.uploadDue = true
	s.mu.Unlock()

	s.wake()
}

// AsyncWaitForDownloadCompletion invokes fn once the client has
// integrated everything the server had at the time of this call,
// confirmed by a MARK round trip.
func (s *clientSession) AsyncWaitForDownloadCompletion(fn func(error)) {
	s.mu.Lock()
	s.markCounter++
	ident := s.markCounter
	s.downloadWaits = append(s.downloadWaits, downloadWait{requestIdent: ident, fn: fn})
	s.pendingMarks = append(s.pendingMarks, ident)
	s.mu.Unlock()

	s.wake()
}

// Close terminates the session. The run loop sends a best-effort
// UNBIND, closes the connection, and aborts outstanding waits.
func (s *clientSession) Close() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	s.cancel()

	if !started {
		// No run loop to clean up after.
		s.abortWaits()
	}
}

func (s *clientSession) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *clientSession) abortWaits() {
	s.mu.Lock()
	downloadWaits := s.downloadWaits
	uploadWaits := s.uploadWaits
	s.downloadWaits = nil
	s.uploadWaits = nil
	s.pendingMarks = nil
	s.mu.Unlock()

	for _, w := range downloadWaits {
		w.fn(sync.ErrOperationAborted)
	}

	for _, w := range uploadWaits {
		w.fn(sync.ErrOperationAborted)
	}
}

// run is the connect loop: one runConnection per websocket connection,
// reconnecting with exponential backoff on transient failures.
func (s *clientSession) run() {
	defer s.client.terminations.Done()
	defer s.abortWaits()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectMin
	b.MaxInterval = reconnectMax
	b.MaxElapsedTime = 0

	for {
		err := s.runConnection()

		s.reportConnectionState(sync.ConnectionStateDisconnected, nil)

		if s.ctx.Err() != nil {
			return
		}

		var fatal *sessionFatalError
		if errors.As(err, &fatal) {
			s.logger.Error("session rejected by server", slog.Any("error", fatal.err))
			return
		}

		delay := b.NextBackOff()
		s.logger.Warn("connection lost, reconnecting",
			slog.Any("error", err), slog.Duration("backoff", delay))

		s.deliverError(sync.Error{Err: protocol.ClientErrConnectionClosed, Message: err.Error()})

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-s.skipCh:
			timer.Stop()
			b.Reset()
		case <-timer.C:
		}
	}
}

// connState is the per-connection mutable state owned by the event
// loop goroutine.
type connState struct {
	conn      wsConn
	out       bytes.Buffer
	identSent bool

	awaitingPong bool
	pongDeadline time.Time
	pingSentAt   time.Time
	lastRTT      int64
}

func (s *clientSession) runConnection() error {
	s.reportConnectionState(sync.ConnectionStateConnecting, nil)

	header := http.Header{}

	headerName := s.cfg.AuthorizationHeaderName
	if headerName == "" {
		headerName = "Authorization"
	}

	s.mu.Lock()
	token := s.token
	s.tokenDirty = false
	s.mu.Unlock()

	header.Set(headerName, protocol.MakeAuthorizationHeader(token))

	for k, v := range s.cfg.CustomHTTPHeaders {
		header.Set(k, v)
	}

	conn, err := s.client.dial(s.ctx, s.client.cfg.ServerURL+syncEndpoint, header)
	if err != nil {
		return fmt.Errorf("dialing sync server: %w", err)
	}

	conn.SetReadLimit(wsReadLimit)

	cs := &connState{conn: conn}
	defer s.teardownConnection(cs)

	s.reportConnectionState(sync.ConnectionStateConnected, nil)

	fileIdent := s.history.FileIdent()
	needIdent := fileIdent.Ident == 0 || s.cfg.ClientReset != nil

	cs.out.Reset()
	s.codec.MakeBindMessage(&cs.out, s.sessionIdent, s.path, token, needIdent, false)

	if err := s.write(cs); err != nil {
		return fmt.Errorf("sending bind: %w", err)
	}

	if !needIdent {
		if err := s.sendIdent(cs, fileIdent); err != nil {
			return err
		}
	}

	return s.eventLoop(cs)
}

// teardownConnection sends a best-effort UNBIND and closes the
// connection. Runs when the event loop exits for any reason.
func (s *clientSession) teardownConnection(cs *connState) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cs.out.Reset()
	s.codec.MakeUnbindMessage(&cs.out, s.sessionIdent)
	_ = cs.conn.Write(ctx, websocket.MessageBinary, cs.out.Bytes())

	_ = cs.conn.Close(websocket.StatusNormalClosure, "session closed")
}

func (s *clientSession) eventLoop(cs *connState) error {
	inbound := make(chan inboundMsg, inboundChanSize)
	conn := cs.conn

	readerCtx, cancelReader := context.WithCancel(s.ctx)
	defer cancelReader()

	go func() {
		for {
			_, data, err := conn.Read(readerCtx)
			select {
			case inbound <- inboundMsg{data: data, err: err}:
			case <-readerCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	// Flush control state accumulated while disconnected.
	if err := s.flush(cs); err != nil {
		return err
	}

	ticker := time.NewTicker(s.client.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			if err := s.handleFrame(cs, msg.data); err != nil {
				return err
			}

		case <-s.wakeCh:
			if err := s.flush(cs); err != nil {
				return err
			}

		case <-ticker.C:
			if cs.awaitingPong && time.Now().After(cs.pongDeadline) {
				s.deliverError(sync.Error{Err: protocol.ClientErrPongTimeout, Message: "no pong within timeout"})
				return fmt.Errorf("pong timeout: %w", protocol.ClientErrPongTimeout)
			}

			if err := s.sendPing(cs); err != nil {
				return err
			}

		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}

func (s *clientSession) write(cs *connState) error {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	err := cs.conn.Write(ctx, websocket.MessageBinary, cs.out.Bytes())
	cs.out.Reset()

	return err
}

func (s *clientSession) sendIdent(cs *connState, fileIdent protocol.SaltedFileIdent) error {
	progress := s.history.Progress()

	// A fresh history may still have a persisted cursor from an
	// earlier run.
	if progress == (protocol.SyncProgress{}) && s.client.cfg.Store != nil {
		if stored, err := s.client.cfg.Store.GetProgress(s.path); err == nil {
			progress = stored
		}
	}

	cs.out.Reset()
	s.codec.MakeIdentMessage(&cs.out, s.sessionIdent, fileIdent, progress)

	if err := s.write(cs); err != nil {
		return fmt.Errorf("sending ident: %w", err)
	}

	cs.identSent = true

	return nil
}

// flush sends whatever control state has accumulated: a token refresh,
// pending changesets, and download completion marks. Before the IDENT
// handshake completes only the refresh may go out.
func (s *clientSession) flush(cs *connState) error {
	s.mu.Lock()
	tokenDirty := s.tokenDirty
	token := s.token
	uploadDue := s.uploadDue
	marks := s.pendingMarks
	s.tokenDirty = false
	s.uploadDue = false
	s.pendingMarks = nil
	s.mu.Unlock()

	if tokenDirty {
		cs.out.Reset()
		s.codec.MakeRefreshMessage(&cs.out, s.sessionIdent, token)

		if err := s.write(cs); err != nil {
			return fmt.Errorf("sending refresh: %w", err)
		}
	}

	if !cs.identSent {
		// Marks and uploads wait for the handshake; put the marks back.
		s.mu.Lock()
		s.pendingMarks = append(marks, s.pendingMarks...)
		s.uploadDue = s.uploadDue || uploadDue
		s.mu.Unlock()

		return nil
	}

	if uploadDue {
		if err := s.sendPendingChangesets(cs); err != nil {
			return err
		}
	}

	for _, ident := range marks {
		cs.out.Reset()
		s.codec.MakeMarkMessage(&cs.out, s.sessionIdent, ident)

		if err := s.write(cs); err != nil {
			return fmt.Errorf("sending mark: %w", err)
		}
	}

	return nil
}

func (s *clientSession) sendPendingChangesets(cs *connState) error {
	progress := s.history.Progress()

	changesets, err := s.history.UploadableChangesets(progress.Upload.ClientVersion)
	if err != nil {
		return fmt.Errorf("collecting changesets: %w", err)
	}

	if len(changesets) == 0 {
		// Nothing to upload; resolve waits that are already satisfied.
		s.resolveUploadWaits(progress.Upload.ClientVersion)
		return nil
	}

	var (
		lastVersion int64
		sentBytes   uint64
	)

	for _, c := range changesets {
		s.upload.AddChangeset(c.ClientVersion, c.ServerVersion, c.OriginTimestamp, c.OriginFileIdent, c.Data)
		lastVersion = c.ClientVersion
		sentBytes += uint64(len(c.Data))
	}

	cs.out.Reset()

	err = s.upload.MakeUploadMessage(&cs.out, s.sessionIdent,
		lastVersion, progress.Download.ServerVersion, progress.Download.ServerVersion)
	if err != nil {
		return fmt.Errorf("building upload: %w", err)
	}

	if err := s.write(cs); err != nil {
		return fmt.Errorf("sending upload: %w", err)
	}

	s.mu.Lock()
	s.uploadedBytes += sentBytes
	s.mu.Unlock()

	s.logger.Debug("uploaded changesets",
		slog.Int("count", len(changesets)), slog.Int64("through_version", lastVersion))

	return nil
}

func (s *clientSession) sendPing(cs *connState) error {
	now := time.Now()

	cs.out.Reset()
	s.codec.MakePingMessage(&cs.out, now.UnixMilli(), cs.lastRTT)

	if err := s.write(cs); err != nil {
		return fmt.Errorf("sending ping: %w", err)
	}

	cs.pingSentAt = now
	cs.awaitingPong = true
	cs.pongDeadline = now.Add(s.client.cfg.PongTimeout)

	return nil
}

func (s *clientSession) handleFrame(cs *connState, data []byte) error {
	msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		return fmt.Errorf("parsing server message: %w", err)
	}

	switch m := msg.(type) {
	case protocol.IdentMessage:
		if err := s.history.SetFileIdent(m.ClientFileIdent); err != nil {
			return fmt.Errorf("storing file ident: %w", err)
		}

		s.logger.Debug("file ident assigned", slog.Int64("ident", m.ClientFileIdent.Ident))

		if err := s.sendIdent(cs, m.ClientFileIdent); err != nil {
			return err
		}

		// Marks and uploads deferred while the handshake was in flight
		// can go out now.
		return s.flush(cs)

	case protocol.DownloadMessage:
		return s.handleDownload(m)

	case protocol.MarkMessage:
		s.resolveDownloadWaits(m.RequestIdent)
		return nil

	case protocol.PongMessage:
		cs.awaitingPong = false
		cs.lastRTT = time.Since(cs.pingSentAt).Milliseconds()

		return nil

	case protocol.ErrorMessage:
		return s.handleErrorMessage(m)

	case protocol.UnboundMessage:
		return nil

	case protocol.AllocMessage, protocol.StateMessage, protocol.ClientVersionMessage:
		s.logger.Debug("ignoring unrequested server message", slog.String("type", fmt.Sprintf("%T", msg)))
		return nil

	default:
		return fmt.Errorf("unhandled server message %T", msg)
	}
}

func (s *clientSession) handleDownload(m protocol.DownloadMessage) error {
	oldVersion := s.history.CurrentVersion()

	newVersion, err := s.history.Integrate(m.Progress, m.Changesets)
	if err != nil {
		s.deliverError(sync.Error{
			Err:     protocol.ClientErrBadChangeset,
			Message: fmt.Sprintf("integrating changesets: %v", err),
			IsFatal: true,
		})

		return &sessionFatalError{err: err}
	}

	var receivedBytes uint64
	for _, c := range m.Changesets {
		receivedBytes += uint64(c.OriginalSize)
	}

	s.mu.Lock()
	s.downloadedBytes += receivedBytes
	s.downloadableBytes = s.downloadedBytes + m.DownloadableBytes
	downloaded := s.downloadedBytes
	downloadable := s.downloadableBytes
	uploaded := s.uploadedBytes
	s.mu.Unlock()

	if s.client.cfg.Store != nil {
		if err := s.client.cfg.Store.SetProgress(s.path, m.Progress); err != nil {
			s.logger.Warn("persisting progress", slog.Any("error", err))
		}
	}

	if len(m.Changesets) > 0 && s.cfg.OnSyncTransact != nil {
		s.cfg.OnSyncTransact(uint64(oldVersion), uint64(newVersion))
	}

	pending, err := s.history.UploadableChangesets(m.Progress.Upload.ClientVersion)
	if err != nil {
		return fmt.Errorf("collecting changesets: %w", err)
	}

	uploadable := uploaded
	for _, c := range pending {
		uploadable += uint64(len(c.Data))
	}

	if s.cfg.OnProgress != nil {
		s.cfg.OnProgress(downloaded, downloadable, uploaded, uploadable,
			uint64(m.Progress.Download.ServerVersion), uint64(newVersion))
	}

	s.resolveUploadWaits(m.Progress.Upload.ClientVersion)

	return nil
}

func (s *clientSession) handleErrorMessage(m protocol.ErrorMessage) error {
	syncErr := sync.Error{
		Err:     m.Code,
		Message: m.Message,
		IsFatal: !m.TryAgain,
	}

	s.deliverError(syncErr)

	if m.Code.IsConnectionLevel() || m.TryAgain {
		return fmt.Errorf("server error %d: %s", int(m.Code), m.Message)
	}

	return &sessionFatalError{err: m.Code}
}

// resolveDownloadWaits completes every download wait whose MARK the
// server has now answered.
func (s *clientSession) resolveDownloadWaits(throughIdent int64) {
	s.mu.Lock()
	var resolved []downloadWait
	remaining := s.downloadWaits[:0]

	for _, w := range s.downloadWaits {
		if w.requestIdent <= throughIdent {
			resolved = append(resolved, w)
		} else {
			remaining = append(remaining, w)
		}
	}

	s.downloadWaits = remaining
	s.mu.Unlock()

	for _, w := range resolved {
		w.fn(nil)
	}
}

// resolveUploadWaits completes every upload wait whose target version
// the server has now integrated.
func (s *clientSession) resolveUploadWaits(ackedVersion int64) {
	s.mu.Lock()
	var resolved []uploadWait
	remaining := s.uploadWaits[:0]

	for _, w := range s.uploadWaits {
		if w.targetVersion <= ackedVersion {
			resolved = append(resolved, w)
		} else {
			remaining = append(remaining, w)
		}
	}

	s.uploadWaits = remaining
	s.mu.Unlock()

	for _, w := range resolved {
		w.fn(nil)
	}
}

func (s *clientSession) reportConnectionState(state sync.ConnectionState, errInfo *sync.Error) {
	if s.cfg.OnConnectionState != nil {
		s.cfg.OnConnectionState(state, errInfo)
	}
}

func (s *clientSession) deliverError(syncErr sync.Error) {
	if s.cfg.OnConnectionState != nil {
		s.cfg.OnConnectionState(sync.ConnectionStateDisconnected, &syncErr)
	}
}
