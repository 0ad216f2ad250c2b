package protocol

import "fmt"

// ServerMessage is a decoded server-to-client message. The concrete
// type is one of IdentMessage, ClientVersionMessage, StateMessage,
// AllocMessage, DownloadMessage, UnboundMessage, MarkMessage,
// ErrorMessage or PongMessage.
type ServerMessage interface {
	serverMessage()
}

// IdentMessage assigns a client file identity in response to a BIND
// with need_client_file_ident set.
type IdentMessage struct {
	SessionIdent    int64
	ClientFileIdent SaltedFileIdent
}

// ClientVersionMessage answers a CLIENT_VERSION_REQUEST.
type ClientVersionMessage struct {
	SessionIdent  int64
	ClientVersion int64
}

// StateMessage carries one chunk of a complete realm state transfer.
type StateMessage struct {
	SessionIdent  int64
	ServerVersion SaltedVersion
	BeginOffset   uint64
	EndOffset     uint64
	MaxOffset     uint64
	Chunk         []byte
}

// AllocMessage carries a newly allocated file identifier.
type AllocMessage struct {
	SessionIdent int64
	FileIdent    int64
}

// DownloadMessage carries zero or more changesets from the server-side
// history together with updated progress cursors.
type DownloadMessage struct {
	SessionIdent      int64
	Progress          SyncProgress
	DownloadableBytes uint64
	Changesets        []Changeset
}

// UnboundMessage acknowledges an UNBIND.
type UnboundMessage struct {
	SessionIdent int64
}

// MarkMessage answers a download completion request.
type MarkMessage struct {
	SessionIdent int64
	RequestIdent int64
}

// ErrorMessage reports a connection-level (SessionIdent == 0) or
// session-level error.
type ErrorMessage struct {
	Code         ProtocolError
	TryAgain     bool
	SessionIdent int64
	Message      string
}

// PongMessage answers a PING; Timestamp echoes the ping's timestamp.
type PongMessage struct {
	Timestamp int64
}

func (IdentMessage) serverMessage()         {}
func (ClientVersionMessage) serverMessage() {}
func (StateMessage) serverMessage()         {}
func (AllocMessage) serverMessage()         {}
func (DownloadMessage) serverMessage()      {}
func (UnboundMessage) serverMessage()       {}
func (MarkMessage) serverMessage()          {}
func (ErrorMessage) serverMessage()         {}
func (PongMessage) serverMessage()          {}

// ParseServerMessage decodes one complete server-to-client message
// frame, including its binary body when the message has one.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	p := newHeaderParser(data)

	switch name := p.token(); name {
	case "ident":
		msg := IdentMessage{SessionIdent: p.int64()}
		msg.ClientFileIdent.Ident = p.int64()
		msg.ClientFileIdent.Salt = p.int64()
		p.endLine()

		return finish(p, msg)

	case "client_version":
		msg := ClientVersionMessage{SessionIdent: p.int64(), ClientVersion: p.int64()}
		p.endLine()

		return finish(p, msg)

	case "state":
		msg := StateMessage{SessionIdent: p.int64()}
		msg.ServerVersion.Version = p.int64()
		msg.ServerVersion.Salt = p.int64()
		msg.BeginOffset = p.uint64()
		msg.EndOffset = p.uint64()
		msg.MaxOffset = p.uint64()
		chunkSize := p.int64()
		p.endLine()
		msg.Chunk = p.body(chunkSize)

		return finish(p, msg)

	case "alloc":
		msg := AllocMessage{SessionIdent: p.int64(), FileIdent: p.int64()}
		p.endLine()

		return finish(p, msg)

	case "download":
		return parseDownloadMessage(p)

	case "unbound":
		msg := UnboundMessage{SessionIdent: p.int64()}
		p.endLine()

		return finish(p, msg)

	case "mark":
		msg := MarkMessage{SessionIdent: p.int64(), RequestIdent: p.int64()}
		p.endLine()

		return finish(p, msg)

	case "error":
		msg := ErrorMessage{Code: ProtocolError(p.int64())}
		messageSize := p.int64()
		msg.TryAgain = p.flag()
		msg.SessionIdent = p.int64()
		p.endLine()
		msg.Message = string(p.body(messageSize))

		return finish(p, msg)

	case "pong":
		msg := PongMessage{Timestamp: p.int64()}
		p.endLine()

		return finish(p, msg)

	default:
		if err := p.err(); err != nil {
			return nil, err
		}

		return nil, fmt.Errorf("unknown server message type %q", name)
	}
}

func parseDownloadMessage(p *headerParser) (ServerMessage, error) {
	msg := DownloadMessage{SessionIdent: p.int64()}
	msg.Progress.Download.ServerVersion = p.int64()
	msg.Progress.Download.LastIntegratedClientVersion = p.int64()
	msg.Progress.LatestServerVersion.Version = p.int64()
	msg.Progress.LatestServerVersion.Salt = p.int64()
	msg.Progress.Upload.ClientVersion = p.int64()
	msg.Progress.Upload.LastIntegratedServerVersion = p.int64()
	msg.DownloadableBytes = p.uint64()
	isBodyCompressed := p.flag()
	uncompressedSize := p.int64()
	compressedSize := p.int64()
	p.endLine()

	var body []byte
	if isBodyCompressed {
		body = p.body(compressedSize)
	} else {
		body = p.body(uncompressedSize)
	}

	if err := p.err(); err != nil {
		return nil, err
	}

	if isBodyCompressed {
		var err error
		if body, err = decompressBody(body, uncompressedSize); err != nil {
			return nil, err
		}
	}

	changesets, err := parseDownloadBody(body)
	if err != nil {
		return nil, err
	}

	msg.Changesets = changesets

	return msg, nil
}

// parseDownloadBody splits a DOWNLOAD body into its changeset records.
// Record format: <server_version> <client_version> <origin_timestamp>
// <origin_file_ident> <original_size> <changeset_size> <changeset>.
func parseDownloadBody(body []byte) ([]Changeset, error) {
	var changesets []Changeset

	p := newHeaderParser(body)
	for p.remaining() > 0 {
		var c Changeset
		c.ServerVersion = p.int64()
		c.ClientVersion = p.int64()
		c.OriginTimestamp = p.int64()
		c.OriginFileIdent = p.int64()
		c.OriginalSize = p.int64()
		size := p.int64()
		c.Data = p.body(size)

		if err := p.err(); err != nil {
			return nil, fmt.Errorf("bad changeset header: %w", err)
		}

		changesets = append(changesets, c)
	}

	return changesets, nil
}

func finish(p *headerParser, msg ServerMessage) (ServerMessage, error) {
	if err := p.err(); err != nil {
		return nil, err
	}

	if p.remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after message", p.remaining())
	}

	return msg, nil
}
