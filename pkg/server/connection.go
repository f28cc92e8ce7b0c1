package server

import (
	"context"
	"fmt"
	"time"

	"nhooyr.io/websocket"

	"github.com/kolabdoc/core/internal/logger"
	"github.com/kolabdoc/core/internal/protocol"
)

// outboundMessage is one pending frame in a connection's write queue.
type outboundMessage struct {
	event string
	data  any
}

// Connection is one client's upgraded WebSocket session: one read
// loop on the calling goroutine plus one writer goroutine serving a
// bounded outbound queue, matching the teacher's single-reader,
// single-writer-per-socket structure generalized from a single
// document to the full channel/document protocol.
type Connection struct {
	sessionID uint64
	userID    string
	srv       *Server
	conn      *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	outbox     chan outboundMessage
	writerDone chan struct{}
}

// NewConnection wraps an accepted socket for a verified user.
func NewConnection(srv *Server, conn *websocket.Conn, sessionID uint64, userID string, bufferSize int) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		sessionID:  sessionID,
		userID:     userID,
		srv:        srv,
		conn:       conn,
		ctx:        ctx,
		cancel:     cancel,
		outbox:     make(chan outboundMessage, bufferSize),
		writerDone: make(chan struct{}),
	}
}

// Enqueue implements room.Sink: a full outbox means the socket has
// fallen too far behind and is closed with the server-error status
// rather than let one slow receiver pile up unbounded state.
func (c *Connection) Enqueue(event string, data any) bool {
	select {
	case c.outbox <- outboundMessage{event: event, data: data}:
		return true
	default:
		logger.Component("server", "backpressure", "session=%d event=%s: outbox full, closing", c.sessionID, event)
		go c.conn.Close(websocket.StatusCode(protocol.CloseServerError), "outbox full")
		c.cancel()
		return false
	}
}

// Handle runs the connection until the socket closes or ctx is
// cancelled, then tears down session state.
func (c *Connection) Handle(ctx context.Context) {
	defer c.teardown()

	go c.writeLoop()
	c.srv.broadcaster.Attach(c.sessionID, c)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		default:
		}

		readCtx, cancel := context.WithTimeout(ctx, c.srv.cfg.WSReadTimeout)
		_, raw, err := c.conn.Read(readCtx)
		cancel()
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			logger.Debug("session=%d read error: %v", c.sessionID, err)
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			c.Enqueue(protocol.EventError, protocol.ErrorPayload{
				Timestamped: now(), OriginalEvent: "", Message: "malformed envelope",
			})
			continue
		}

		c.dispatchEvent(ctx, env)
	}
}

// dispatchEvent routes one decoded envelope to its handler, converting
// any handler error into a protocol-level error envelope (spec.md
// section 7: protocol failures keep the connection open).
func (c *Connection) dispatchEvent(ctx context.Context, env protocol.Envelope) {
	h, ok := handlers[env.Event]
	if !ok {
		c.Enqueue(protocol.EventError, protocol.ErrorPayload{
			Timestamped: now(), OriginalEvent: env.Event, Message: "unknown event",
		})
		return
	}
	if err := h(ctx, c, env.Data); err != nil {
		c.Enqueue(protocol.EventError, protocol.ErrorPayload{
			Timestamped: now(), OriginalEvent: env.Event, Message: err.Error(),
		})
	}
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.outbox:
			if !ok {
				return
			}
			if err := c.write(msg.event, msg.data); err != nil {
				logger.Debug("session=%d write error: %v", c.sessionID, err)
				c.cancel()
				return
			}
		}
	}
}

func (c *Connection) write(event string, data any) error {
	raw, err := protocol.Encode(event, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, c.srv.cfg.WSWriteTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, raw)
}

func (c *Connection) teardown() {
	c.cancel()
	c.srv.broadcaster.Detach(c.sessionID)
	c.srv.leaveDoc(context.Background(), c)
	c.srv.leaveChannel(context.Background(), c)
	c.srv.sessions.Unregister(c.sessionID)
	<-c.writerDone
	c.conn.Close(websocket.StatusNormalClosure, "")
}

func now() protocol.Timestamped {
	return protocol.Timestamped{Time: time.Now().UnixMilli()}
}
