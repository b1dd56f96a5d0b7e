// Package mediaconn defines the media-socket abstraction shared by the
// capture and playback pipelines: a byte-stream connection to an
// external-media channel's inbound or outbound socket, with the buffered-
// outbound-bytes accounting the real-time scheduler's backpressure logic
// needs.
//
// The production dialer is a websocket client negotiating the "media"
// subprotocol and carrying raw binary PCM frames.
package mediaconn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is the websocket subprotocol the switch's external-media
// socket server expects.
const Subprotocol = "media"

// Conn is a single media socket: raw linear-PCM frames in, raw linear-PCM
// frames out.
type Conn interface {
	// Write queues one frame's worth of bytes for send.
	Write(b []byte) (int, error)
	// Read blocks for the next inbound frame.
	Read(b []byte) (int, error)
	// BufferedOutboundBytes reports bytes queued for send but not yet
	// flushed to the peer, used for scheduler backpressure.
	BufferedOutboundBytes() int
	Close() error
}

// Dialer opens a Conn to an external-media channel's connection identifier.
type Dialer interface {
	Dial(ctx context.Context, connectionID string) (Conn, error)
}

// NewWebsocketDialer returns the production Dialer: a websocket client
// negotiating the media subprotocol against the socket URL the switch's
// externalMedia response supplies.
func NewWebsocketDialer() Dialer { return wsDialer{} }

type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, connectionID string) (Conn, error) {
	url := connectionID
	switch {
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case !strings.Contains(url, "://"):
		url = "ws://" + url
	}

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		Subprotocols:     []string{Subprotocol},
	}
	ws, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(ws), nil
}

// writeQueueDepth bounds the outbound frame queue. 512 20ms frames is over
// ten seconds of audio; the scheduler's high-water mark engages long before
// this fills.
const writeQueueDepth = 512

// wsConn decouples Write from the socket with a queue drained by a single
// writer goroutine, so BufferedOutboundBytes reflects real unsent depth and
// a stalled peer shows up as backpressure instead of a blocked scheduler.
type wsConn struct {
	ws *websocket.Conn

	writeCh chan []byte
	queued  atomic.Int64

	readMu   sync.Mutex
	leftover []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:      ws,
		writeCh: make(chan []byte, writeQueueDepth),
		closed:  make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.writeCh:
			err := c.ws.WriteMessage(websocket.BinaryMessage, frame)
			c.queued.Add(-int64(len(frame)))
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

var errConnClosed = errors.New("mediaconn: connection closed")

func (c *wsConn) Write(b []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, errConnClosed
	default:
	}

	frame := append([]byte(nil), b...)
	c.queued.Add(int64(len(frame)))
	select {
	case c.writeCh <- frame:
		return len(b), nil
	case <-c.closed:
		c.queued.Add(-int64(len(frame)))
		return 0, errConnClosed
	}
}

// Read copies the next binary message into b, holding any remainder for the
// following call when a message exceeds len(b).
func (c *wsConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.leftover) > 0 {
		n := copy(b, c.leftover)
		c.leftover = c.leftover[n:]
		return n, nil
	}

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		n := copy(b, data)
		if n < len(data) {
			c.leftover = data[n:]
		}
		return n, nil
	}
}

func (c *wsConn) BufferedOutboundBytes() int {
	return int(c.queued.Load())
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}
