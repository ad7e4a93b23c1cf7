package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sheerbytes/fanrelay/pkg/protocol"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // destinations and controllers are not browsers
	},
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// WSOptions tunes a WebSocket connection.
type WSOptions struct {
	// MaxMessageBytes limits inbound frames. Zero means no limit.
	MaxMessageBytes int64
	// IdleTimeout closes the connection when nothing (including pongs) arrives
	// for this long. Zero disables pings and the read deadline.
	IdleTimeout time.Duration
}

type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	idle      time.Duration
	closeOnce sync.Once
	stop      chan struct{}
}

// Accept upgrades an HTTP request to a WebSocket Conn.
func Accept(w http.ResponseWriter, r *http.Request, opts WSOptions) (Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return newWSConn(conn, opts), nil
}

// DialWS connects to a relay WebSocket endpoint.
func DialWS(ctx context.Context, wsURL string, opts WSOptions) (Conn, error) {
	conn, resp, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}
	return newWSConn(conn, opts), nil
}

func newWSConn(conn *websocket.Conn, opts WSOptions) *wsConn {
	c := &wsConn{conn: conn, idle: opts.IdleTimeout, stop: make(chan struct{})}
	if opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(opts.MaxMessageBytes)
	}
	if c.idle > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.idle))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(c.idle))
		})
		conn.SetPingHandler(func(appData string) error {
			_ = conn.SetReadDeadline(time.Now().Add(c.idle))
			c.writeMu.Lock()
			defer c.writeMu.Unlock()
			return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		})
		go c.pingLoop()
	}
	return c
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) Send(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.stop:
		return ErrClosed
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

func (c *wsConn) Receive(ctx context.Context) (protocol.Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return protocol.Envelope{}, err
		}
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stop:
				return protocol.Envelope{}, ErrClosed
			default:
			}
			return protocol.Envelope{}, err
		}
		if c.idle > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.idle))
		}
		// Only text frames carry envelopes.
		if messageType != websocket.TextMessage {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			return protocol.Envelope{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		return env, nil
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
