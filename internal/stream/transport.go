package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one open push channel.
type Conn interface {
	// ReadMessage blocks until the next frame arrives or the channel fails.
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Transport opens push channels. Tests substitute an in-memory implementation.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// StreamPath is appended to the websocket base URL, followed by the user id.
const StreamPath = "/api/strategy-builder/ws/strategy-builder/"

// BuildStreamURL returns the push channel URL for a user.
func BuildStreamURL(wsBase, userID, token string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("stream url: user id is required")
	}
	u, err := url.Parse(strings.TrimRight(wsBase, "/") + StreamPath + url.PathEscape(userID))
	if err != nil {
		return "", fmt.Errorf("stream url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("stream url: unsupported scheme %q", u.Scheme)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// RedactURL hides the token query parameter for logging.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "***")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// WSTransport dials the strategy service websocket.
type WSTransport struct {
	URL          string
	Header       http.Header
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
}

// NewWSTransport creates a websocket transport for url.
func NewWSTransport(url string) *WSTransport {
	return &WSTransport{
		URL: url,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		WriteTimeout: 10 * time.Second,
	}
}

// Dial implements Transport.
func (t *WSTransport) Dial(ctx context.Context) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (http %d)", RedactURL(t.URL), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", RedactURL(t.URL), err)
	}
	return &wsConn{ws: ws, writeTimeout: t.WriteTimeout}, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(v)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// IsCleanClose reports whether err is a normal or going-away close from the server.
// The manager does not reconnect after a clean close.
func IsCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
