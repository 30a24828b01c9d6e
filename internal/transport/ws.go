package transport

import (
	"context"
	"encoding/json"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// WebSocket talks to a backend that keeps a socket open instead of serving
// plain POSTs. One request frame, one reply frame. The connection is dialled
// on first use and dropped after any failure; the next Send dials again.
type WebSocket struct {
	url    string
	dialer *ws.Dialer

	mu   sync.Mutex
	conn *ws.Conn
}

func NewWebSocket(url string) *WebSocket {
	return &WebSocket{url: url, dialer: ws.DefaultDialer}
}

func (web *WebSocket) Send(ctx context.Context, text string) ([]byte, error) {
	web.mu.Lock()
	defer web.mu.Unlock()

	conn, err := web.connect(ctx)
	if err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	// Unblock the read if the caller gives up without a deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	frame, err := json.Marshal(request{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	log.Debug("Write ws", "url", web.url, "msg", string(frame))
	if err := conn.WriteMessage(ws.TextMessage, frame); err != nil {
		web.drop()
		return nil, fmt.Errorf("write %s: %w", web.url, err)
	}

	_, payload, err := conn.ReadMessage()
	if err != nil {
		web.drop()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if IsClosed(err) {
			log.Warn("Websocket backend closed the connection", "url", web.url)
		}
		return nil, fmt.Errorf("read %s: %w", web.url, err)
	}

	log.Debug("Read ws", "url", web.url, "bytes", len(payload))

	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("%w: not json", ErrMalformed)
	}

	return payload, nil
}

// Close drops the connection if one is open.
func (web *WebSocket) Close() error {
	web.mu.Lock()
	defer web.mu.Unlock()

	if web.conn == nil {
		return nil
	}
	err := web.conn.Close()
	web.conn = nil
	return err
}

func (web *WebSocket) connect(ctx context.Context) (*ws.Conn, error) {
	if web.conn != nil {
		return web.conn, nil
	}

	conn, _, err := web.dialer.DialContext(ctx, web.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", web.url, err)
	}
	log.Debug("Connected websocket backend", "url", web.url)

	web.conn = conn
	return conn, nil
}

func (web *WebSocket) drop() {
	if web.conn != nil {
		_ = web.conn.Close()
		web.conn = nil
	}
}

// IsClosed reports whether err is the peer closing the socket.
func IsClosed(err error) bool {
	return ws.IsCloseError(err,
		ws.CloseNormalClosure,
		ws.CloseGoingAway,
		ws.CloseAbnormalClosure)
}
