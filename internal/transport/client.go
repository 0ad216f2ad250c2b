package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/Acidburn0zzz/realm-core/internal/metadata"
	"github.com/Acidburn0zzz/realm-core/sync"
)

const (
	// defaultPingInterval is how often a PING keepalive is sent on an
	// otherwise idle connection.
	defaultPingInterval = 60 * time.Second

	// defaultPongTimeout is how long to wait for the PONG before the
	// connection is considered dead.
	defaultPongTimeout = 120 * time.Second

	// wsReadLimit caps inbound frames. DOWNLOAD bodies are the largest
	// frames the server sends.
	wsReadLimit = 64 * 1024 * 1024

	// inboundChanSize is the buffer size for the channel carrying
	// frames from the reader goroutine to the session event loop.
	inboundChanSize = 64

	// reconnectMin and reconnectMax bound the reconnect backoff.
	reconnectMin = time.Second
	reconnectMax = 5 * time.Minute

	syncEndpoint = "/realm-sync"
)

// wsConn abstracts the websocket connection so the session event loop
// can be tested without a real server. *websocket.Conn satisfies this
// interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, url string, header http.Header) (wsConn, error)

func dialWebsocket(ctx context.Context, url string, header http.Header) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Config parameterizes a transport client.
type Config struct {
	// ServerURL is the websocket base URL of the sync server, for
	// example wss://sync.example.com.
	ServerURL string

	// HistoryFactory opens the sync history of a local file.
	HistoryFactory func(path string) (History, error)

	// Store persists download progress across restarts. Optional.
	Store *metadata.Store

	Logger *slog.Logger

	PingInterval time.Duration
	PongTimeout  time.Duration
}

// Client creates websocket-backed transport sessions. It implements
// sync.Transport.
type Client struct {
	cfg    Config
	logger *slog.Logger
	dial   dialFunc

	// terminations tracks every session run loop ever started, so
	// WaitForSessionTerminations can block on all of them.
	terminations gosync.WaitGroup

	nextSessionIdent atomic.Int64
}

// NewClient creates a transport client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("transport: server URL is required")
	}

	if cfg.HistoryFactory == nil {
		return nil, fmt.Errorf("transport: history factory is required")
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}

	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}

	return &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		dial:   dialWebsocket,
	}, nil
}

// MakeSession creates a transport session for the given local file.
// The session stays idle until its Bind method is called.
func (c *Client) MakeSession(path string, cfg sync.SessionConfig) (sync.TransportSession, error) {
	history, err := c.cfg.HistoryFactory(path)
	if err != nil {
		return nil, fmt.Errorf("opening history for %s: %w", path, err)
	}

	if cfg.ClientReset != nil && c.cfg.Store != nil {
		// A forced reset starts from a blank cursor and a fresh file
		// identity.
		if err := c.cfg.Store.DeleteProgress(path); err != nil {
			return nil, fmt.Errorf("resetting progress for %s: %w", path, err)
		}
	}

	return newClientSession(c, path, cfg, history), nil
}

// WaitForSessionTerminations blocks until every session created by
// this client has fully terminated.
func (c *Client) WaitForSessionTerminations() {
	c.terminations.Wait()
}
