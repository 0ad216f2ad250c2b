// Package transport maintains the websocket connection to the sync
// server and drives the wire protocol for one local file per session:
// bind/ident handshake, changeset upload and download, keepalive, and
// reconnection with backoff.
package transport

import (
	"sort"
	"sync"

	"github.com/Acidburn0zzz/realm-core/internal/protocol"
)

// History is the transport's view of a local file's sync history: the
// assigned file identity, the progress cursors, and the changesets
// flowing in both directions.
type History interface {
	// FileIdent returns the client file identity, zero before the
	// server has assigned one.
	FileIdent() protocol.SaltedFileIdent

	// SetFileIdent persists a freshly assigned client file identity.
	SetFileIdent(ident protocol.SaltedFileIdent) error

	// Progress returns the current sync progress cursors.
	Progress() protocol.SyncProgress

	// CurrentVersion returns the latest locally committed version.
	CurrentVersion() int64

	// UploadableChangesets returns the locally produced changesets
	// with a client version greater than afterVersion, in version
	// order.
	UploadableChangesets(afterVersion int64) ([]protocol.Changeset, error)

	// Integrate applies downloaded changesets and advances the
	// progress cursors, returning the new local version. A DOWNLOAD
	// with no changesets still advances the cursors.
	Integrate(progress protocol.SyncProgress, changesets []protocol.Changeset) (newVersion int64, err error)
}

// MemoryHistory is an in-memory History for files whose sync state
// does not survive a restart, and for tests.
type MemoryHistory struct {
	mu        sync.Mutex
	fileIdent protocol.SaltedFileIdent
	progress  protocol.SyncProgress
	version   int64
	pending   []protocol.Changeset
}

// NewMemoryHistory creates an empty in-memory history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

func (h *MemoryHistory) FileIdent() protocol.SaltedFileIdent {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.fileIdent
}

func (h *MemoryHistory) SetFileIdent(ident protocol.SaltedFileIdent) error {
	h.mu.Lock()
	h.fileIdent = ident
	h.mu.Unlock()

	return nil
}

func (h *MemoryHistory) Progress() protocol.SyncProgress {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.progress
}

func (h *MemoryHistory) CurrentVersion() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.version
}

// AddLocalChangeset records a locally produced changeset at the next
// version and returns that version.
func (h *MemoryHistory) AddLocalChangeset(data []byte, originTimestamp int64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.version++
	h.pending = append(h.pending, protocol.Changeset{
		ClientVersion:   h.version,
		ServerVersion:   h.progress.Download.ServerVersion,
		OriginTimestamp: originTimestamp,
		OriginalSize:    int64(len(data)),
		Data:            data,
	})

	return h.version
}

func (h *MemoryHistory) UploadableChangesets(afterVersion int64) ([]protocol.Changeset, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	i := sort.Search(len(h.pending), func(i int) bool {
		return h.pending[i].ClientVersion > afterVersion
	})

	out := make([]protocol.Changeset, len(h.pending)-i)
	copy(out, h.pending[i:])

	return out, nil
}

func (h *MemoryHistory) Integrate(progress protocol.SyncProgress, changesets []protocol.Changeset) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.progress = progress

	// Drop pending changesets the server has now integrated.
	acked := progress.Upload.ClientVersion
	i := sort.Search(len(h.pending), func(i int) bool {
		return h.pending[i].ClientVersion > acked
	})
	h.pending = h.pending[i:]

	if len(changesets) > 0 {
		h.version++
	}

	if h.version < progress.Upload.ClientVersion {
		h.version = progress.Upload.ClientVersion
	}

	return h.version, nil
}
