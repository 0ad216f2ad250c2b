package transport

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Acidburn0zzz/realm-core/internal/protocol"
	"github.com/Acidburn0zzz/realm-core/sync"
)

const testTimeout = 5 * time.Second

// fakeConn is a scripted websocket connection. Frames pushed through
// serve() appear on Read; frames the session writes land on writes.
type fakeConn struct {
	inbound chan []byte
	writes  chan []byte

	mu     gosync.Mutex
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		writes:  make(chan []byte, 16),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.MessageBinary, data, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	data := make([]byte, len(p))
	copy(data, p)

	select {
	case c.writes <- data:
	default:
	}

	return nil
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	return nil
}

func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) serve(data []byte) {
	c.inbound <- data
}

// nextFrame returns the next frame the session wrote, skipping frames
// whose message type does not match want.
func (c *fakeConn) nextFrame(t *testing.T, want string) []byte {
	t.Helper()

	deadline := time.After(testTimeout)

	for {
		select {
		case frame := <-c.writes:
			if strings.HasPrefix(string(frame), want+" ") {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", want)
			return nil
		}
	}
}

type testHarness struct {
	client  *Client
	conn    *fakeConn
	history *MemoryHistory

	mu         gosync.Mutex
	dialCount  int
	progress   []progressReport
	stateCalls []stateCall
	transacts  [][2]uint64
}

type progressReport struct {
	downloaded, downloadable, uploaded, uploadable, downloadVersion, snapshotVersion uint64
}

type stateCall struct {
	state sync.ConnectionState
	err   *sync.Error
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	h := &testHarness{
		conn:    newFakeConn(),
		history: NewMemoryHistory(),
	}

	client, err := NewClient(Config{
		ServerURL: "wss://sync.test",
		HistoryFactory: func(string) (History, error) {
			return h.history, nil
		},
		Logger:       slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		PingInterval: time.Hour,
		PongTimeout:  time.Hour,
	})
	require.NoError(t, err)

	client.dial = func(context.Context, string, http.Header) (wsConn, error) {
		h.mu.Lock()
		h.dialCount++
		h.mu.Unlock()

		return h.conn, nil
	}

	h.client = client

	return h
}

func (h *testHarness) sessionConfig() sync.SessionConfig {
	return sync.SessionConfig{
		SignedUserToken: "token-1",
		OnProgress: func(downloaded, downloadable, uploaded, uploadable, downloadVersion, snapshotVersion uint64) {
			h.mu.Lock()
			h.progress = append(h.progress, progressReport{downloaded, downloadable, uploaded, uploadable, downloadVersion, snapshotVersion})
			h.mu.Unlock()
		},
		OnConnectionState: func(state sync.ConnectionState, err *sync.Error) {
			h.mu.Lock()
			h.stateCalls = append(h.stateCalls, stateCall{state: state, err: err})
			h.mu.Unlock()
		},
		OnSyncTransact: func(oldVersion, newVersion uint64) {
			h.mu.Lock()
			h.transacts = append(h.transacts, [2]uint64{oldVersion, newVersion})
			h.mu.Unlock()
		},
	}
}

func (h *testHarness) bind(t *testing.T) *clientSession {
	t.Helper()

	ts, err := h.client.MakeSession("/data/test.realm", h.sessionConfig())
	require.NoError(t, err)

	session, ok := ts.(*clientSession)
	require.True(t, ok)

	session.Bind()
	t.Cleanup(func() {
		session.Close()
		h.client.WaitForSessionTerminations()
	})

	return session
}

func (h *testHarness) serveIdent(t *testing.T, session *clientSession) {
	t.Helper()

	var srv protocol.ServerCodec
	var out bytes.Buffer
	srv.MakeIdentMessage(&out, session.sessionIdent, protocol.SaltedFileIdent{Ident: 7, Salt: 99})
	h.conn.serve(out.Bytes())
}

func (h *testHarness) serveDownload(t *testing.T, session *clientSession, progress protocol.SyncProgress,
	downloadableBytes uint64, changesets ...protocol.Changeset,
) {
	t.Helper()

	var builder protocol.DownloadMessageBuilder
	for _, c := range changesets {
		builder.AddChangeset(c.ServerVersion, c.ClientVersion, c.OriginTimestamp,
			c.OriginFileIdent, c.OriginalSize, c.Data)
	}

	var out bytes.Buffer
	require.NoError(t, builder.MakeDownloadMessage(&out, session.sessionIdent, progress, downloadableBytes))
	h.conn.serve(out.Bytes())
}

func TestBind_FreshFileRequestsIdent(t *testing.T) {
	h := newHarness(t)
	session := h.bind(t)

	bind := string(h.conn.nextFrame(t, "bind"))
	assert.Contains(t, bind, "/data/test.realm")
	assert.Contains(t, bind, "token-1")
	// need_file_ident flag set, subserver flag clear.
	assert.True(t, strings.HasSuffix(strings.SplitN(bind, "\n", 2)[0], " 1 0"))

	h.serveIdent(t, session)

	h.conn.nextFrame(t, "ident")
	assert.Equal(t, protocol.SaltedFileIdent{Ident: 7, Salt: 99}, h.history.FileIdent())
}

func TestBind_KnownIdentSkipsHandshake(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.history.SetFileIdent(protocol.SaltedFileIdent{Ident: 3, Salt: 5}))

	h.bind(t)

	h.conn.nextFrame(t, "bind")
	ident := string(h.conn.nextFrame(t, "ident"))
	assert.Contains(t, ident, " 3 5 ")
}

func TestDownload_IntegratesAndReportsProgress(t *testing.T) {
	h := newHarness(t)
	session := h.bind(t)
	h.serveIdent(t, session)
	h.conn.nextFrame(t, "ident")

	progress := protocol.SyncProgress{
		LatestServerVersion: protocol.SaltedVersion{Version: 10, Salt: 1},
		Download:            protocol.DownloadCursor{ServerVersion: 10, LastIntegratedClientVersion: 0},
	}
	h.serveDownload(t, session, progress, 0, protocol.Changeset{
		ServerVersion:   10,
		OriginTimestamp: 1234,
		OriginFileIdent: 2,
		OriginalSize:    5,
		Data:            []byte("delta"),
	})

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.progress) > 0
	}, testTimeout, 10*time.Millisecond)

	h.mu.Lock()
	report := h.progress[0]
	transacts := append([][2]uint64(nil), h.transacts...)
	h.mu.Unlock()

	assert.Equal(t, uint64(5), report.downloaded)
	assert.Equal(t, uint64(5), report.downloadable)
	assert.Equal(t, uint64(10), report.downloadVersion)

	require.Len(t, transacts, 1)
	assert.Equal(t, uint64(0), transacts[0][0])

	assert.Equal(t, progress, h.history.Progress())
}

func TestUpload_SendsPendingChangesets(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.history.SetFileIdent(protocol.SaltedFileIdent{Ident: 3, Salt: 5}))

	session := h.bind(t)
	h.conn.nextFrame(t, "ident")

	version := h.history.AddLocalChangeset([]byte("local-change"), 777)
	session.NonsyncTransactNotify(uint64(version))

	upload := h.conn.nextFrame(t, "upload")
	assert.Contains(t, string(upload), "local-change")
}

func TestDownloadCompletion_ResolvedByMark(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.history.SetFileIdent(protocol.SaltedFileIdent{Ident: 3, Salt: 5}))

	session := h.bind(t)
	h.conn.nextFrame(t, "ident")

	done := make(chan error, 1)
	session.AsyncWaitForDownloadCompletion(func(err error) { done <- err })

	mark := string(h.conn.nextFrame(t, "mark"))
	assert.True(t, strings.HasSuffix(mark, " 1\n"))

	var srv protocol.ServerCodec
	var out bytes.Buffer
	srv.MakeMarkMessage(&out, session.sessionIdent, 1)
	h.conn.serve(out.Bytes())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("download completion never resolved")
	}
}

func TestDownloadCompletion_RegisteredDuringIdentHandshake(t *testing.T) {
	h := newHarness(t)
	session := h.bind(t)

	h.conn.nextFrame(t, "bind")

	// Register the wait while the file-ident handshake is still in
	// flight; the MARK must be held back until the ident is assigned.
	done := make(chan error, 1)
	session.AsyncWaitForDownloadCompletion(func(err error) { done <- err })

	// Let the event loop consume the wakeup first, so the deferred
	// mark gets no later nudge from this side.
	time.Sleep(100 * time.Millisecond)

	h.serveIdent(t, session)
	h.conn.nextFrame(t, "ident")

	mark := string(h.conn.nextFrame(t, "mark"))
	assert.True(t, strings.HasSuffix(mark, " 1\n"))

	var srv protocol.ServerCodec
	var out bytes.Buffer
	srv.MakeMarkMessage(&out, session.sessionIdent, 1)
	h.conn.serve(out.Bytes())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("download completion never resolved")
	}
}

func TestUpload_ScheduledDuringIdentHandshake(t *testing.T) {
	h := newHarness(t)
	session := h.bind(t)

	h.conn.nextFrame(t, "bind")

	version := h.history.AddLocalChangeset([]byte("early-change"), 42)
	session.NonsyncTransactNotify(uint64(version))

	time.Sleep(100 * time.Millisecond)

	h.serveIdent(t, session)
	h.conn.nextFrame(t, "ident")

	upload := h.conn.nextFrame(t, "upload")
	assert.Contains(t, string(upload), "early-change")
}

func TestUploadCompletion_AlreadySatisfied(t *testing.T) {
	h := newHarness(t)
	session := h.bind(t)

	done := make(chan error, 1)
	session.AsyncWaitForUploadCompletion(func(err error) { done <- err })

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("upload completion never resolved")
	}
}

func TestUploadCompletion_ResolvedByAck(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.history.SetFileIdent(protocol.SaltedFileIdent{Ident: 3, Salt: 5}))

	session := h.bind(t)
	h.conn.nextFrame(t, "ident")

	version := h.history.AddLocalChangeset([]byte("pending"), 1)

	done := make(chan error, 1)
	session.AsyncWaitForUploadCompletion(func(err error) { done <- err })

	h.conn.nextFrame(t, "upload")

	// Server acknowledges the upload through the download cursor.
	h.serveDownload(t, session, protocol.SyncProgress{
		LatestServerVersion: protocol.SaltedVersion{Version: 11, Salt: 1},
		Download:            protocol.DownloadCursor{ServerVersion: 11, LastIntegratedClientVersion: version},
		Upload:              protocol.UploadCursor{ClientVersion: version},
	}, 0)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("upload completion never resolved")
	}
}

func TestRefresh_SendsRefreshMessage(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.history.SetFileIdent(protocol.SaltedFileIdent{Ident: 3, Salt: 5}))

	session := h.bind(t)
	h.conn.nextFrame(t, "ident")

	session.Refresh("token-2")

	refresh := string(h.conn.nextFrame(t, "refresh"))
	assert.Contains(t, refresh, "token-2")
}

func TestSessionError_StopsReconnecting(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.history.SetFileIdent(protocol.SaltedFileIdent{Ident: 3, Salt: 5}))

	session := h.bind(t)
	h.conn.nextFrame(t, "ident")

	var srv protocol.ServerCodec
	var out bytes.Buffer
	srv.MakeErrorMessage(&out, protocol.ErrPermissionDenied,
		protocol.ErrPermissionDenied.Error(), false, session.sessionIdent)
	h.conn.serve(out.Bytes())

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()

		for _, call := range h.stateCalls {
			if call.err != nil && call.err.IsFatal {
				return true
			}
		}

		return false
	}, testTimeout, 10*time.Millisecond)

	// The run loop must have exited without redialing.
	h.client.WaitForSessionTerminations()

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 1, h.dialCount)
}

func TestClose_AbortsPendingWaits(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.history.SetFileIdent(protocol.SaltedFileIdent{Ident: 3, Salt: 5}))

	session := h.bind(t)
	h.conn.nextFrame(t, "ident")

	done := make(chan error, 1)
	session.AsyncWaitForDownloadCompletion(func(err error) { done <- err })
	h.conn.nextFrame(t, "mark")

	session.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, sync.ErrOperationAborted)
	case <-time.After(testTimeout):
		t.Fatal("pending wait never aborted")
	}
}
