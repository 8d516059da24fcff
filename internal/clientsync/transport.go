package clientsync

import (
	"context"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
)

// Conn is one established transport session carrying protocol frames.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, token string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, token string) (Conn, error) {
	return f(ctx, token)
}

const maxFrameBytes = 4 << 20

// WebsocketDialer connects to the server's websocket endpoint and presents
// the identity token as a bearer credential.
type WebsocketDialer struct {
	URL        string
	HTTPClient *http.Client
}

func NewWebsocketDialer(url string, httpClient *http.Client) *WebsocketDialer {
	url = strings.TrimSpace(url)
	if url == "" {
		url = "ws://127.0.0.1:8080/v1/ws"
	}
	return &WebsocketDialer{URL: url, HTTPClient: httpClient}
}

func (d *WebsocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	conn, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{StatusCode: resp.StatusCode}
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(maxFrameBytes)
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
}

func (c *websocketConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, &TransportError{Op: "read", Err: err}
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (c *websocketConn) Write(ctx context.Context, frame []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *websocketConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
