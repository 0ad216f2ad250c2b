package sync

// ConnectionState describes the transport connection, independent of
// the session lifecycle state.
type ConnectionState int

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ProgressUpdateFunc receives cumulative transfer counters from the
// transport layer. downloadVersion is zero until the first DOWNLOAD
// message arrives.
type ProgressUpdateFunc func(downloaded, downloadable, uploaded, uploadable, downloadVersion, snapshotVersion uint64)

// ConnectionStateFunc receives transport connection state changes. err
// is non-nil when the change was caused by an error.
type ConnectionStateFunc func(state ConnectionState, err *Error)

// ClientResetConfig is handed to the transport session when a forced
// client reset is pending.
type ClientResetConfig struct {
	MetadataDir         string
	RecoverLocalChanges bool
}

// SessionConfig parameterizes a transport session.
type SessionConfig struct {
	SignedUserToken         string
	RealmIdentifier         string
	EncryptionKey           []byte
	ValidateSSL             bool
	SSLTrustCertificatePath string
	AuthorizationHeaderName string
	CustomHTTPHeaders       map[string]string
	ProxyConfig             *ProxyConfig
	MultiplexIdent          string
	ClientReset             *ClientResetConfig

	// Callbacks delivered from arbitrary transport goroutines.
	OnProgress        ProgressUpdateFunc
	OnConnectionState ConnectionStateFunc
	OnSyncTransact    func(oldVersion, newVersion uint64)
}

// TransportSession is the underlying per-file session object owned
// exclusively by a Session. It is created and destroyed only from
// within state entry actions.
type TransportSession interface {
	// Bind initiates the BIND/IDENT handshake. Non-blocking.
	Bind()

	// Refresh replaces the signed user token on the live session.
	Refresh(signedUserToken string)

	// NonsyncTransactNotify informs the transport that a local write
	// committed at version, for upload scheduling.
	NonsyncTransactNotify(version uint64)

	// CancelReconnectDelay skips any artificial reconnect backoff.
	CancelReconnectDelay()

	// AsyncWaitForUploadCompletion invokes fn once all changesets
	// present at the time of the call have been acknowledged by the
	// server. fn runs on an arbitrary goroutine.
	AsyncWaitForUploadCompletion(fn func(error))

	// AsyncWaitForDownloadCompletion invokes fn once all changesets
	// available on the server at the time of the call have been
	// integrated. fn runs on an arbitrary goroutine.
	AsyncWaitForDownloadCompletion(fn func(error))

	// Close terminates the session and releases its resources.
	Close()
}

// Transport creates transport sessions. One Transport is shared by all
// sessions of a Manager.
type Transport interface {
	MakeSession(path string, cfg SessionConfig) (TransportSession, error)

	// WaitForSessionTerminations blocks until every session object
	// ever created by this transport has fully terminated, so a caller
	// can safely delete database files afterwards.
	WaitForSessionTerminations()
}
