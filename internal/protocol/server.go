package protocol

import (
	"bytes"
	"fmt"
)

// ServerCodec serializes the server-to-client messages. The client only
// needs it for tests and tooling that impersonate a server, but the
// encoders are kept bit-exact with the server's output so such tests
// exercise the same grammar the decoder sees in production.
type ServerCodec struct{}

// MakeIdentMessage encodes an IDENT message assigning a client file
// identity.
func (ServerCodec) MakeIdentMessage(out *bytes.Buffer, sessionIdent int64, clientFileIdent SaltedFileIdent) {
	fmt.Fprintf(out, "ident %d %d %d\n", sessionIdent, clientFileIdent.Ident, clientFileIdent.Salt)
}

// MakeClientVersionMessage encodes a CLIENT_VERSION message answering a
// CLIENT_VERSION_REQUEST.
func (ServerCodec) MakeClientVersionMessage(out *bytes.Buffer, sessionIdent, clientVersion int64) {
	fmt.Fprintf(out, "client_version %d %d\n", sessionIdent, clientVersion)
}

// MakeStateMessage encodes one chunk of a STATE transfer.
func (ServerCodec) MakeStateMessage(out *bytes.Buffer, sessionIdent int64, serverVersion SaltedVersion,
	beginOffset, endOffset, maxOffset uint64, chunk []byte,
) {
	fmt.Fprintf(out, "state %d %d %d %d %d %d %d\n", sessionIdent,
		serverVersion.Version, serverVersion.Salt, beginOffset, endOffset, maxOffset, len(chunk))
	out.Write(chunk)
}

// MakeAllocMessage encodes an ALLOC message carrying a newly allocated
// file identifier.
func (ServerCodec) MakeAllocMessage(out *bytes.Buffer, sessionIdent, fileIdent int64) {
	fmt.Fprintf(out, "alloc %d %d\n", sessionIdent, fileIdent)
}

// MakeUnboundMessage encodes an UNBOUND message acknowledging an
// UNBIND.
func (ServerCodec) MakeUnboundMessage(out *bytes.Buffer, sessionIdent int64) {
	fmt.Fprintf(out, "unbound %d\n", sessionIdent)
}

// MakeMarkMessage encodes a MARK message answering a download
// completion request.
func (ServerCodec) MakeMarkMessage(out *bytes.Buffer, sessionIdent, requestIdent int64) {
	fmt.Fprintf(out, "mark %d %d\n", sessionIdent, requestIdent)
}

// MakeErrorMessage encodes an ERROR message. A zero sessionIdent
// addresses the connection rather than a specific session.
func (ServerCodec) MakeErrorMessage(out *bytes.Buffer, code ProtocolError, message string, tryAgain bool,
	sessionIdent int64,
) {
	fmt.Fprintf(out, "error %d %d %d %d\n", int(code), len(message), boolField(tryAgain), sessionIdent)
	out.WriteString(message)
}

// MakePongMessage encodes a PONG answering a PING.
func (ServerCodec) MakePongMessage(out *bytes.Buffer, timestamp int64) {
	fmt.Fprintf(out, "pong %d\n", timestamp)
}

// DownloadMessageBuilder accumulates changesets for a single DOWNLOAD
// message, mirroring UploadMessageBuilder on the client side. Each
// record additionally carries the pre-transform size of the changeset.
type DownloadMessageBuilder struct {
	body          bytes.Buffer
	numChangesets int
}

// AddChangeset appends one changeset record to the message body.
func (b *DownloadMessageBuilder) AddChangeset(serverVersion, clientVersion, originTimestamp,
	originFileIdent, originalSize int64, changeset []byte,
) {
	fmt.Fprintf(&b.body, "%d %d %d %d %d %d ", serverVersion, clientVersion, originTimestamp,
		originFileIdent, originalSize, len(changeset))
	b.body.Write(changeset)

	b.numChangesets++
}

// MakeDownloadMessage encodes the complete DOWNLOAD message and resets
// the builder. The header carries both download and upload progress
// cursors plus the number of downloadable bytes remaining after this
// message.
func (b *DownloadMessageBuilder) MakeDownloadMessage(out *bytes.Buffer, sessionIdent int64,
	progress SyncProgress, downloadableBytes uint64,
) error {
	body := b.body.Bytes()

	var compressed []byte
	if len(body) > maxUncompressedBodySize {
		var err error
		if compressed, err = compressBody(body); err != nil {
			return err
		}
	}

	isBodyCompressed := compressed != nil && len(compressed) < len(body)

	compressedSize := 0
	if isBodyCompressed {
		compressedSize = len(compressed)
	}

	fmt.Fprintf(out, "download %d %d %d %d %d %d %d %d %d %d %d\n", sessionIdent,
		progress.Download.ServerVersion, progress.Download.LastIntegratedClientVersion,
		progress.LatestServerVersion.Version, progress.LatestServerVersion.Salt,
		progress.Upload.ClientVersion, progress.Upload.LastIntegratedServerVersion,
		downloadableBytes, boolField(isBodyCompressed), len(body), compressedSize)

	if isBodyCompressed {
		out.Write(compressed)
	} else {
		out.Write(body)
	}

	b.body.Reset()
	b.numChangesets = 0

	return nil
}
