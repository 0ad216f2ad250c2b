// Package protocol implements the wire codec for the sync protocol: a
// one-line ASCII header of space-separated decimal fields terminated by
// '\n', optionally followed by a raw binary body whose length is carried
// in the header. The exact field order of every message is the
// compatibility surface with the server and must not change.
package protocol

// SaltedFileIdent is a server-assigned client file identifier together
// with the salt proving the server issued it.
type SaltedFileIdent struct {
	Ident int64
	Salt  int64
}

// SaltedVersion is a server version together with its salt.
type SaltedVersion struct {
	Version int64
	Salt    int64
}

// DownloadCursor marks how far the client has integrated the
// server-side history.
type DownloadCursor struct {
	ServerVersion               int64
	LastIntegratedClientVersion int64
}

// UploadCursor marks how far the server has integrated the client-side
// history.
type UploadCursor struct {
	ClientVersion               int64
	LastIntegratedServerVersion int64
}

// SyncProgress is the full synchronization progress of a client file,
// exchanged in IDENT and DOWNLOAD messages.
type SyncProgress struct {
	LatestServerVersion SaltedVersion
	Download            DownloadCursor
	Upload              UploadCursor
}

// Changeset is one history entry carried in the body of an UPLOAD or
// DOWNLOAD message. OriginalSize is only meaningful for downloads,
// where the server reports the pre-transform size of the changeset.
type Changeset struct {
	ClientVersion   int64
	ServerVersion   int64
	OriginTimestamp int64
	OriginFileIdent int64
	OriginalSize    int64
	Data            []byte
}
