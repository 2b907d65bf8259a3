package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrBackpressureDrop means an outbound queue was full; the frame was
	// not enqueued and the caller decides whether to retry.
	ErrBackpressureDrop = errors.New("outbound queue full")

	// ErrChannelClosed means the channel was already shut down.
	ErrChannelClosed = errors.New("channel closed")
)

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a channel may stay silent before its read loop
	// gives up; pings go out at pingPeriod to keep healthy peers alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames. PTY payloads are chunked by the
	// daemon well below this.
	maxMessageSize = 1 << 20
)

type outboundFrame struct {
	messageType int
	data        []byte
}

// wsChannel adapts a websocket connection to the Channel interface: a
// bounded outbound queue drained by a single write pump, so writers never
// block the reader and frame order per channel is the enqueue order.
type wsChannel struct {
	conn      *websocket.Conn
	send      chan outboundFrame
	done      chan struct{}
	closeOnce sync.Once
	log       *slog.Logger
}

func newWSChannel(conn *websocket.Conn, queueDepth int, log *slog.Logger) *wsChannel {
	c := &wsChannel{
		conn: conn,
		send: make(chan outboundFrame, queueDepth),
		done: make(chan struct{}),
		log:  log,
	}
	go c.writePump()
	return c
}

func (c *wsChannel) Send(data []byte) error {
	return c.enqueue(websocket.TextMessage, data)
}

func (c *wsChannel) SendBinary(data []byte) error {
	return c.enqueue(websocket.BinaryMessage, data)
}

func (c *wsChannel) enqueue(messageType int, data []byte) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.send <- outboundFrame{messageType, data}:
		return nil
	case <-c.done:
		return ErrChannelClosed
	default:
		return ErrBackpressureDrop
	}
}

// Close sends a close frame with the reason and tears the connection down.
// Safe to call from any goroutine, any number of times.
func (c *wsChannel) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

// writePump drains the outbound queue onto the wire and keeps the peer
// alive with pings. Runs until Close.
func (c *wsChannel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(frame.messageType, frame.data); err != nil {
				c.log.Debug("websocket write failed", "error", err)
				c.Close("write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close("ping failed")
				return
			}
		}
	}
}

// readLoop pulls frames off the connection until it dies, handing each to
// the handler. initialWait bounds the first read (the control channel uses
// its handshake timeout here); afterwards the deadline resets to pongWait
// per frame and on every pong.
func (c *wsChannel) readLoop(initialWait time.Duration, handler func(messageType int, data []byte) error) error {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(initialWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := handler(messageType, data); err != nil {
			return err
		}
	}
}
