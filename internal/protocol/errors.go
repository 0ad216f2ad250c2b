package protocol

import "fmt"

// ProtocolError is an error code reported by the server in an ERROR
// message. Codes in the 1xx range are connection-level, codes in the
// 2xx range are session-level.
type ProtocolError int

const (
	// Connection-level and protocol-level errors.
	ErrConnectionClosed         ProtocolError = 100 // Connection closed (no error)
	ErrOtherError               ProtocolError = 101 // Other connection level error
	ErrUnknownMessage           ProtocolError = 102 // Unknown type of input message
	ErrBadSyntax                ProtocolError = 103 // Bad syntax in input message head
	ErrLimitsExceeded           ProtocolError = 104 // Limits exceeded in input message
	ErrWrongProtocolVersion     ProtocolError = 105 // Wrong protocol version (CLIENT)
	ErrBadSessionIdent          ProtocolError = 106 // Bad session identifier in input message
	ErrReuseOfSessionIdent      ProtocolError = 107 // Overlapping reuse of session identifier (BIND)
	ErrBoundInOtherSession      ProtocolError = 108 // Client file bound in other session (IDENT)
	ErrBadMessageOrder          ProtocolError = 109 // Bad input message order
	ErrBadDecompression         ProtocolError = 110 // Bad decompression of message
	ErrBadChangesetHeaderSyntax ProtocolError = 111 // Bad changeset header syntax
	ErrBadChangesetSize         ProtocolError = 112 // Bad changeset size
	ErrBadChangesets            ProtocolError = 113 // Bad changesets

	// Session-level errors.
	ErrSessionClosed             ProtocolError = 200 // Session closed (no error)
	ErrOtherSessionError         ProtocolError = 201 // Other session level error
	ErrTokenExpired              ProtocolError = 202 // Access token expired
	ErrBadAuthentication         ProtocolError = 203 // Bad user authentication (BIND, REFRESH)
	ErrIllegalRealmPath          ProtocolError = 204 // Illegal Realm path (BIND)
	ErrNoSuchRealm               ProtocolError = 205 // No such Realm (BIND)
	ErrPermissionDenied          ProtocolError = 206 // Permission denied (BIND, REFRESH)
	ErrBadServerFileIdent        ProtocolError = 207 // Bad server file identifier (IDENT)
	ErrBadClientFileIdent        ProtocolError = 208 // Bad client file identifier (IDENT)
	ErrBadServerVersion          ProtocolError = 209 // Bad server version (IDENT, UPLOAD)
	ErrBadClientVersion          ProtocolError = 210 // Bad client version (IDENT, UPLOAD)
	ErrDivergingHistories        ProtocolError = 211 // Diverging histories (IDENT)
	ErrBadChangeset              ProtocolError = 212 // Bad changeset (UPLOAD)
	ErrDisabledSession           ProtocolError = 213 // Superseded by new session for same client-side file
	ErrPartialSyncDisabled       ProtocolError = 214 // Partial sync disabled
	ErrUnsupportedSessionFeature ProtocolError = 215 // Unsupported session-level feature
	ErrBadOriginFileIdent        ProtocolError = 216 // Bad origin file identifier (UPLOAD)
	ErrBadClientFile             ProtocolError = 217 // Synchronization no longer possible for client-side file
	ErrServerFileDeleted         ProtocolError = 218 // Server file was deleted while session was bound to it
	ErrClientFileBlacklisted     ProtocolError = 219 // Client file has been blacklisted (IDENT)
	ErrUserBlacklisted           ProtocolError = 220 // User has been blacklisted (BIND)
	ErrTransactBeforeUpload      ProtocolError = 221 // Serialized transaction before upload completion
	ErrClientFileExpired         ProtocolError = 222 // Client file has expired
	ErrUserMismatch              ProtocolError = 223 // User mismatch for client file identifier (IDENT)
	ErrTooManySessions           ProtocolError = 224 // Too many sessions in connection (BIND)
	ErrInvalidSchemaChange       ProtocolError = 225 // Invalid schema change (UPLOAD)
)

var protocolErrorMessages = map[ProtocolError]string{
	ErrConnectionClosed:         "Connection closed (no error)",
	ErrOtherError:               "Other connection level error",
	ErrUnknownMessage:           "Unknown type of input message",
	ErrBadSyntax:                "Bad syntax in input message head",
	ErrLimitsExceeded:           "Limits exceeded in input message",
	ErrWrongProtocolVersion:     "Wrong protocol version (CLIENT)",
	ErrBadSessionIdent:          "Bad session identifier in input message",
	ErrReuseOfSessionIdent:      "Overlapping reuse of session identifier (BIND)",
	ErrBoundInOtherSession:      "Client file bound in other session (IDENT)",
	ErrBadMessageOrder:          "Bad input message order",
	ErrBadDecompression:         "Bad decompression of message",
	ErrBadChangesetHeaderSyntax: "Bad changeset header syntax",
	ErrBadChangesetSize:         "Bad changeset size",
	ErrBadChangesets:            "Bad changesets",

	ErrSessionClosed:             "Session closed (no error)",
	ErrOtherSessionError:         "Other session level error",
	ErrTokenExpired:              "Access token expired",
	ErrBadAuthentication:         "Bad user authentication (BIND, REFRESH)",
	ErrIllegalRealmPath:          "Illegal Realm path (BIND)",
	ErrNoSuchRealm:               "No such Realm (BIND)",
	ErrPermissionDenied:          "Permission denied (BIND, REFRESH)",
	ErrBadServerFileIdent:        "Bad server file identifier (IDENT)",
	ErrBadClientFileIdent:        "Bad client file identifier (IDENT)",
	ErrBadServerVersion:          "Bad server version (IDENT, UPLOAD)",
	ErrBadClientVersion:          "Bad client version (IDENT, UPLOAD)",
	ErrDivergingHistories:        "Diverging histories (IDENT)",
	ErrBadChangeset:              "Bad changeset (UPLOAD)",
	ErrDisabledSession:           "Superseded by new session for same client-side file",
	ErrPartialSyncDisabled:       "Partial sync disabled",
	ErrUnsupportedSessionFeature: "Unsupported session-level feature",
	ErrBadOriginFileIdent:        "Bad origin file identifier (UPLOAD)",
	ErrBadClientFile:             "Synchronization no longer possible for client-side file",
	ErrServerFileDeleted:         "Server file was deleted while session was bound to it",
	ErrClientFileBlacklisted:     "Client file has been blacklisted (IDENT)",
	ErrUserBlacklisted:           "User has been blacklisted (BIND)",
	ErrTransactBeforeUpload:      "Serialized transaction before upload completion",
	ErrClientFileExpired:         "Client file has expired",
	ErrUserMismatch:              "User mismatch for client file identifier (IDENT)",
	ErrTooManySessions:           "Too many sessions in connection (BIND)",
	ErrInvalidSchemaChange:       "Invalid schema change (UPLOAD)",
}

func (e ProtocolError) Error() string {
	if msg, ok := protocolErrorMessages[e]; ok {
		return msg
	}

	return fmt.Sprintf("unknown protocol error %d", int(e))
}

// IsConnectionLevel reports whether the code is a connection-level
// error. Connection-level errors affect the whole connection rather
// than a single session.
func (e ProtocolError) IsConnectionLevel() bool {
	return e >= 100 && e < 200
}

// IsSessionLevel reports whether the code is a session-level error.
func (e ProtocolError) IsSessionLevel() bool {
	return e >= 200 && e < 300
}

// IsInformational reports whether the code carries no actionable error
// and exists only as connection or session chatter.
func (e ProtocolError) IsInformational() bool {
	switch e {
	case ErrConnectionClosed, ErrOtherError, ErrSessionClosed, ErrOtherSessionError, ErrDisabledSession:
		return true
	}

	return false
}

// RequestsClientReset reports whether the code signals that the local
// and server-side histories have diverged irreconcilably and the client
// file must be reset.
func (e ProtocolError) RequestsClientReset() bool {
	switch e {
	case ErrBadServerFileIdent, ErrBadClientFileIdent, ErrBadServerVersion,
		ErrDivergingHistories, ErrClientFileExpired, ErrBadClientFile:
		return true
	}

	return false
}

// ClientError is an error code generated locally by the sync client,
// mostly while validating input from the server.
type ClientError int

const (
	ClientErrConnectionClosed        ClientError = 100 // Connection closed (no error)
	ClientErrUnknownMessage          ClientError = 101 // Unknown type of input message
	ClientErrBadSyntax               ClientError = 102 // Bad syntax in input message head
	ClientErrLimitsExceeded          ClientError = 103 // Limits exceeded in input message
	ClientErrBadSessionIdent         ClientError = 104 // Bad session identifier in input message
	ClientErrBadMessageOrder         ClientError = 105 // Bad input message order
	ClientErrBadClientFileIdent      ClientError = 106 // Bad client file identifier (IDENT)
	ClientErrBadProgress             ClientError = 107 // Bad progress information (DOWNLOAD)
	ClientErrBadChangesetHeader      ClientError = 108 // Bad changeset header syntax
	ClientErrBadChangesetSize        ClientError = 109 // Bad changeset size
	ClientErrBadOriginFileIdent      ClientError = 110 // Bad origin file identifier (DOWNLOAD)
	ClientErrBadServerVersion        ClientError = 111 // Bad server version (DOWNLOAD)
	ClientErrBadChangeset            ClientError = 112 // Bad changeset (DOWNLOAD)
	ClientErrBadRequestIdent         ClientError = 113 // Bad request identifier (MARK)
	ClientErrBadErrorCode            ClientError = 114 // Bad error code (ERROR)
	ClientErrBadCompression          ClientError = 115 // Bad compression (DOWNLOAD)
	ClientErrBadClientVersion        ClientError = 116 // Bad last integrated client version (DOWNLOAD)
	ClientErrSSLServerCertRejected   ClientError = 117 // SSL server certificate rejected
	ClientErrPongTimeout             ClientError = 118 // Timeout on reception of PONG message
	ClientErrBadClientFileIdentSalt  ClientError = 119 // Bad client file identifier salt (IDENT)
	ClientErrBadFileIdent            ClientError = 120 // Bad file identifier (ALLOC)
	ClientErrConnectTimeout          ClientError = 121 // Sync connection was not fully established in time
	ClientErrBadTimestamp            ClientError = 122 // Bad timestamp (PONG)
	ClientErrBadProtocolFromServer   ClientError = 123 // Bad or missing protocol version from server
	ClientErrClientTooOldForServer   ClientError = 124 // Protocol version negotiation failed: client too old
	ClientErrClientTooNewForServer   ClientError = 125 // Protocol version negotiation failed: client too new
	ClientErrProtocolMismatch        ClientError = 126 // No common protocol version with server
	ClientErrBadStateMessage         ClientError = 127 // Bad values in request error message (STATE)
	ClientErrMissingProtocolFeature  ClientError = 128 // Requested feature missing in negotiated protocol version
	ClientErrHTTPTunnelFailed        ClientError = 131 // Failed to establish HTTP tunnel with configured proxy
)

func (e ClientError) Error() string {
	return fmt.Sprintf("sync client error %d", int(e))
}

// IsTransient reports whether the code reflects connection churn that
// resolves itself through reconnection and should never be surfaced.
func (e ClientError) IsTransient() bool {
	switch e {
	case ClientErrConnectionClosed, ClientErrConnectTimeout, ClientErrPongTimeout:
		return true
	}

	return false
}

// HTTPError is a transport-level HTTP response error observed before
// the sync protocol is established, such as a rejected websocket
// upgrade request.
type HTTPError int

// StatusUnauthorized is returned by the server when the access token is
// invalid, expired, or revoked, or when the user is disabled.
const StatusUnauthorized HTTPError = 401

func (e HTTPError) Error() string {
	return fmt.Sprintf("HTTP response error %d", int(e))
}
