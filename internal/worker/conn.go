package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/examflow/internal/protocol"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 75 * time.Second
	pingPeriod   = 30 * time.Second
	closeGrace   = 5 * time.Second
	maxFrameSize = 1 << 20
	sendBuffer   = 64
)

var errClientGone = errors.New("client disconnected")

// conn is one client connection serving one run
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	logger *slog.Logger

	// ctx ends when the client goes away or the server shuts down
	ctx context.Context

	mu     sync.Mutex
	out    chan protocol.Frame
	closed bool

	finished  atomic.Bool
	abandoned atomic.Bool

	reporter *runReporter
}

func newConn(srv *Server, ws *websocket.Conn, logger *slog.Logger) *conn {
	return &conn{
		srv:    srv,
		ws:     ws,
		logger: logger,
		out:    make(chan protocol.Frame, sendBuffer),
	}
}

// run announces the session, drives the automation and pumps frames until
// both sides are done
func (c *conn) run(job Job) Result {
	g, ctx := errgroup.WithContext(c.srv.baseCtx)
	c.ctx = ctx
	c.reporter = &runReporter{srv: c.srv, run: job.RunID, logger: c.logger, ctx: ctx, send: c.send}

	c.send(protocol.SessionCreated{SessionID: job.RunID})

	var res Result
	g.Go(c.readPump)
	g.Go(c.writePump)
	g.Go(func() error {
		res = c.srv.automation.Run(ctx, job, c.reporter)
		if ctx.Err() != nil && c.abandoned.Load() {
			res = Result{Success: false, Message: "Client disconnected"}
		}
		c.finish(res)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errClientGone) {
		c.logger.Warn("workflow connection ended with error", "error", err)
	}
	return res
}

// send queues a frame for the writer. Frames sent after finish are dropped.
func (c *conn) send(f protocol.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	done := c.srv.baseCtx.Done()
	if c.ctx != nil {
		done = c.ctx.Done()
	}
	select {
	case c.out <- f:
		return true
	case <-done:
		return false
	}
}

// finish sends the result and lets the writer close the connection
func (c *conn) finish(res Result) {
	c.send(protocol.Result{Success: res.Success, Message: res.Message})

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.finished.Store(true)
		c.closed = true
		close(c.out)
	}
}

func (c *conn) readPump() error {
	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		if !c.finished.Load() {
			c.ws.SetReadDeadline(time.Now().Add(pongWait))
		}
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.finished.Load() {
				return nil
			}
			c.abandoned.Store(true)
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("client connection dropped", "error", err)
			}
			return fmt.Errorf("%w: %v", errClientGone, err)
		}
		if !c.finished.Load() {
			c.ws.SetReadDeadline(time.Now().Add(pongWait))
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("ignoring undecodable frame", "error", err)
			c.send(protocol.Error{Message: "Unrecognized message"})
			continue
		}
		c.srv.metrics.Frames.WithLabelValues(string(frame.FrameType()), "inbound").Inc()
		c.handleFrame(frame)
	}
}

func (c *conn) handleFrame(frame protocol.Frame) {
	kind, ok := protocol.SubmitKind(frame)
	if !ok {
		c.logger.Warn("unexpected frame from client", "type", frame.FrameType())
		c.send(protocol.Error{Message: fmt.Sprintf("Unexpected %s message", frame.FrameType())})
		return
	}

	var fieldID, value string
	switch f := frame.(type) {
	case protocol.SubmitOTP:
		value = f.Value
	case protocol.SubmitCaptcha:
		value = f.Value
	case protocol.SubmitCustomInput:
		fieldID, value = f.FieldID, f.Value
	}

	if err := c.reporter.deliver(kind, fieldID, value); err != nil {
		c.logger.Warn("rejected submission", "kind", kind, "error", err)
		c.send(protocol.Error{Message: err.Error()})
	}
}

func (c *conn) writePump() error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-c.out:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				// Wait briefly for the client's close reply, then give up.
				c.ws.SetReadDeadline(time.Now().Add(closeGrace))
				return nil
			}

			data, err := protocol.Encode(f)
			if err != nil {
				c.logger.Error("failed to encode frame", "type", f.FrameType(), "error", err)
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.ws.Close()
				return fmt.Errorf("failed to write %s: %w", f.FrameType(), err)
			}
			c.srv.metrics.Frames.WithLabelValues(string(f.FrameType()), "outbound").Inc()

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.ws.Close()
				return fmt.Errorf("failed to ping: %w", err)
			}

		case <-c.ctx.Done():
			// Unblocks readPump.
			c.ws.Close()
			return nil
		}
	}
}
