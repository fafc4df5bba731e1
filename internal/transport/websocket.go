package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shehryarbajwa/examflow/internal/protocol"
)

const (
	// WorkflowPath is where the worker serves the workflow endpoint
	WorkflowPath = "/v1/workflow"

	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	// Screenshots arrive as base64 PNGs, so frames can be large.
	maxFrameSize = 16 << 20
)

// WebSocketDialer dials the worker's workflow endpoint
type WebSocketDialer struct {
	baseURL string
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// NewWebSocketDialer creates a dialer for a worker at baseURL (ws:// or wss://)
func NewWebSocketDialer(baseURL string) *WebSocketDialer {
	return &WebSocketDialer{
		baseURL: strings.TrimRight(baseURL, "/"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
		logger: slog.Default(),
	}
}

// WithLogger sets the logger used for transport diagnostics
func (d *WebSocketDialer) WithLogger(l *slog.Logger) *WebSocketDialer {
	d.logger = l
	return d
}

// Dial opens the channel for one (exam, user) pair
func (d *WebSocketDialer) Dial(ctx context.Context, p Params, h Handler) (Channel, error) {
	u, err := url.Parse(d.baseURL + WorkflowPath)
	if err != nil {
		return nil, fmt.Errorf("invalid worker url: %w", err)
	}
	q := u.Query()
	q.Set("examId", p.ExamID)
	q.Set("userId", p.UserID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if p.Token != "" {
		header.Set("Authorization", "Bearer "+p.Token)
	}

	d.logger.Debug("dialing worker", "url", d.baseURL+WorkflowPath, "exam_id", p.ExamID, "user_id", p.UserID)

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	c := &wsChannel{
		conn:      conn,
		handler:   h,
		writeChan: make(chan []byte, 64),
		done:      make(chan struct{}),
		logger:    d.logger,
	}

	go c.readLoop()
	go c.writeLoop()

	return c, nil
}

type wsChannel struct {
	conn      *websocket.Conn
	handler   Handler
	writeChan chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func (c *wsChannel) Send(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.writeChan <- data:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.conn.Close()
	})
	return nil
}

func (c *wsChannel) closedLocally() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// readLoop is the only caller of the handler
func (c *wsChannel) readLoop() {
	var closeErr error
	defer func() {
		c.Close()
		c.handler.HandleClose(closeErr)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closedLocally() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				closeErr = err
				c.logger.Warn("worker connection dropped", "error", err)
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("skipping undecodable frame", "error", err)
			continue
		}

		c.handler.HandleFrame(frame)
	}
}

func (c *wsChannel) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.writeChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("write to worker failed", "error", err)
				c.conn.Close()
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.conn.Close()
				return
			}

		case <-c.done:
			return
		}
	}
}
