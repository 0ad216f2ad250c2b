package sync

// StopPolicy governs what happens to an active session when the
// application requests it be closed while work is outstanding.
type StopPolicy int

const (
	// StopImmediately deactivates the session without waiting for
	// pending uploads.
	StopImmediately StopPolicy = iota

	// LiveIndefinitely keeps the session alive until it is logged out
	// or shut down explicitly.
	LiveIndefinitely

	// StopAfterChangesUploaded drains pending uploads before
	// deactivating.
	StopAfterChangesUploaded
)

// ResyncMode governs how a client reset is handled when the local and
// server-side histories have diverged.
type ResyncMode int

const (
	// ResyncManual surfaces the error and leaves recovery to the
	// application.
	ResyncManual ResyncMode = iota

	// ResyncDiscardLocal discards unsynced local changes and
	// re-downloads the server state.
	ResyncDiscardLocal

	// ResyncRecover attempts to recover unsynced local changes on top
	// of the fresh server state.
	ResyncRecover
)

// ErrorHandler receives classified errors. By the time it runs, all
// recovery side effects have been applied and the session is already in
// its post-error state.
type ErrorHandler func(session *Session, err Error)

// ProxyConfig describes an HTTP CONNECT proxy for the sync connection.
type ProxyConfig struct {
	Host string
	Port int
}

// Config bundles the per-session configuration. It is immutable while
// the session is alive; UpdateConfiguration drives the session to
// Inactive before swapping it.
type Config struct {
	User *User

	// PartitionValue identifies the server-side partition (the remote
	// dataset) this session binds to.
	PartitionValue string

	StopPolicy       StopPolicy
	ClientResyncMode ResyncMode
	ErrorHandler     ErrorHandler

	// CancelWaitsOnNonfatalError cancels pending completion waits on
	// every surfaced error instead of only fatal ones.
	CancelWaitsOnNonfatalError bool

	// EncryptionKey is the encryption key of the local database file,
	// handed to the transport layer for client reset operations.
	EncryptionKey []byte

	ValidateSSL             bool
	SSLTrustCertificatePath string

	AuthorizationHeaderName string
	CustomHTTPHeaders       map[string]string
	ProxyConfig             *ProxyConfig

	// RecoveryDirectory overrides the manager's default directory for
	// backup copies made before a client reset deletes the file.
	RecoveryDirectory string
}
