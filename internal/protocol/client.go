package protocol

import (
	"bytes"
	"fmt"
)

// ClientCodec serializes the client-to-server messages. Inputs are
// assumed to be pre-validated by the caller; the codec never rejects
// them. All methods append to out so a caller can reuse one buffer per
// connection.
type ClientCodec struct{}

// MakeBindMessage encodes a BIND message establishing a new session on
// the connection.
func (ClientCodec) MakeBindMessage(out *bytes.Buffer, sessionIdent int64, serverPath, signedUserToken string,
	needClientFileIdent, isSubserver bool,
) {
	fmt.Fprintf(out, "bind %d %d %d %d %d\n", sessionIdent, len(serverPath), len(signedUserToken),
		boolField(needClientFileIdent), boolField(isSubserver))
	out.WriteString(serverPath)
	out.WriteString(signedUserToken)
}

// MakeRefreshMessage encodes a REFRESH message carrying a renewed
// signed user token for an already bound session.
func (ClientCodec) MakeRefreshMessage(out *bytes.Buffer, sessionIdent int64, signedUserToken string) {
	fmt.Fprintf(out, "refresh %d %d\n", sessionIdent, len(signedUserToken))
	out.WriteString(signedUserToken)
}

// MakeIdentMessage encodes an IDENT message announcing the client file
// identity and the current sync progress.
func (ClientCodec) MakeIdentMessage(out *bytes.Buffer, sessionIdent int64, clientFileIdent SaltedFileIdent,
	progress SyncProgress,
) {
	fmt.Fprintf(out, "ident %d %d %d %d %d %d %d\n", sessionIdent,
		clientFileIdent.Ident, clientFileIdent.Salt,
		progress.Download.ServerVersion, progress.Download.LastIntegratedClientVersion,
		progress.LatestServerVersion.Version, progress.LatestServerVersion.Salt)
}

// MakeClientVersionRequestMessage encodes a CLIENT_VERSION_REQUEST
// message asking the server for the last integrated client version of
// the given client file.
func (ClientCodec) MakeClientVersionRequestMessage(out *bytes.Buffer, sessionIdent int64,
	clientFileIdent SaltedFileIdent,
) {
	fmt.Fprintf(out, "client_version_request %d %d %d\n", sessionIdent,
		clientFileIdent.Ident, clientFileIdent.Salt)
}

// MakeStateRequestMessage encodes a STATE_REQUEST message asking the
// server to transfer a complete realm state, resuming a partial
// transfer at offset when one is in progress.
func (ClientCodec) MakeStateRequestMessage(out *bytes.Buffer, sessionIdent int64,
	partialTransferServerVersion SaltedVersion, offset uint64, needRecent bool,
	minFileFormatVersion, maxFileFormatVersion, minHistorySchemaVersion, maxHistorySchemaVersion int32,
) {
	fmt.Fprintf(out, "state_request %d %d %d %d %d %d %d %d %d\n", sessionIdent,
		partialTransferServerVersion.Version, partialTransferServerVersion.Salt,
		offset, boolField(needRecent),
		minFileFormatVersion, maxFileFormatVersion, minHistorySchemaVersion, maxHistorySchemaVersion)
}

// MakeUnbindMessage encodes an UNBIND message ending a session.
func (ClientCodec) MakeUnbindMessage(out *bytes.Buffer, sessionIdent int64) {
	fmt.Fprintf(out, "unbind %d\n", sessionIdent)
}

// MakeMarkMessage encodes a MARK message requesting a download
// completion marker.
func (ClientCodec) MakeMarkMessage(out *bytes.Buffer, sessionIdent, requestIdent int64) {
	fmt.Fprintf(out, "mark %d %d\n", sessionIdent, requestIdent)
}

// MakeAllocMessage encodes an ALLOC message requesting allocation of a
// file identifier on behalf of a subordinate client.
func (ClientCodec) MakeAllocMessage(out *bytes.Buffer, sessionIdent int64) {
	fmt.Fprintf(out, "alloc %d\n", sessionIdent)
}

// MakePingMessage encodes a PING keepalive. rtt is the round-trip time
// measured for the previous ping-pong exchange, in milliseconds.
func (ClientCodec) MakePingMessage(out *bytes.Buffer, timestamp, rtt int64) {
	fmt.Fprintf(out, "ping %d %d\n", timestamp, rtt)
}

// UploadMessageBuilder accumulates changesets for a single UPLOAD
// message. The body is compressed when it exceeds the compression
// threshold and the compressed form is strictly smaller; otherwise the
// message announces a zero compressed size and carries the body
// verbatim.
type UploadMessageBuilder struct {
	body          bytes.Buffer
	numChangesets int
}

// AddChangeset appends one changeset record to the message body.
func (b *UploadMessageBuilder) AddChangeset(clientVersion, serverVersion, originTimestamp,
	originFileIdent int64, changeset []byte,
) {
	fmt.Fprintf(&b.body, "%d %d %d %d %d ", clientVersion, serverVersion, originTimestamp,
		originFileIdent, len(changeset))
	b.body.Write(changeset)

	b.numChangesets++
}

// NumChangesets reports how many changesets have been added.
func (b *UploadMessageBuilder) NumChangesets() int {
	return b.numChangesets
}

// MakeUploadMessage encodes the complete UPLOAD message and resets the
// builder for reuse.
func (b *UploadMessageBuilder) MakeUploadMessage(out *bytes.Buffer, sessionIdent int64,
	progressClientVersion, progressServerVersion, lockedServerVersion int64,
) error {
	body := b.body.Bytes()

	var compressed []byte
	if len(body) > maxUncompressedBodySize {
		var err error
		if compressed, err = compressBody(body); err != nil {
			return err
		}
	}

	// The compressed body is only sent if it is strictly smaller than
	// the uncompressed body.
	isBodyCompressed := compressed != nil && len(compressed) < len(body)

	compressedSize := 0
	if isBodyCompressed {
		compressedSize = len(compressed)
	}

	fmt.Fprintf(out, "upload %d %d %d %d %d %d %d\n", sessionIdent, boolField(isBodyCompressed),
		len(body), compressedSize, progressClientVersion, progressServerVersion, lockedServerVersion)

	if isBodyCompressed {
		out.Write(compressed)
	} else {
		out.Write(body)
	}

	b.body.Reset()
	b.numChangesets = 0

	return nil
}

func boolField(b bool) int {
	if b {
		return 1
	}

	return 0
}
