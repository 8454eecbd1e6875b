// ABOUTME: WebSocket connection handle with buffered, non-blocking delivery.
// ABOUTME: Ordinary sends are FIFO; frames use a latest-wins slot (drop-oldest).

package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds a single WebSocket write.
const writeWait = 10 * time.Second

// wsPeer implements registry.Peer over a gorilla WebSocket connection.
// One readPump and one writePump goroutine per connection; all delivery goes
// through the buffered channels so no caller ever blocks on a slow peer.
type wsPeer struct {
	conn *websocket.Conn

	// send is the FIFO outbound queue. Full queue means the message is
	// dropped, never queued unboundedly.
	send chan []byte

	// frame holds at most one undelivered frame; a newer frame replaces an
	// undelivered older one.
	frame chan []byte

	done      chan struct{}
	closeOnce sync.Once

	pingPeriod time.Duration
	pongWait   time.Duration
	logger     *slog.Logger
}

func newWSPeer(conn *websocket.Conn, sendBuffer int, pingPeriod, pongWait time.Duration, logger *slog.Logger) *wsPeer {
	return &wsPeer{
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		frame:      make(chan []byte, 1),
		done:       make(chan struct{}),
		pingPeriod: pingPeriod,
		pongWait:   pongWait,
		logger:     logger,
	}
}

// Send enqueues data for FIFO delivery. Reports false when the connection is
// closed or its buffer is full; the message is dropped in both cases.
func (p *wsPeer) Send(data []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

// SendFrame enqueues a frame, replacing any undelivered one.
func (p *wsPeer) SendFrame(data []byte) {
	for {
		select {
		case <-p.done:
			return
		case p.frame <- data:
			return
		default:
			// Slot occupied: evict the stale frame and retry.
			select {
			case <-p.frame:
			default:
			}
		}
	}
}

// Close tears down the connection. Idempotent; pending deliveries are
// abandoned, never retried.
func (p *wsPeer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// writePump drains the outbound queues onto the socket and keeps the
// connection alive with periodic pings. Runs until Close or a write error.
func (p *wsPeer) writePump() {
	ticker := time.NewTicker(p.pingPeriod)
	defer func() {
		ticker.Stop()
		p.Close()
	}()

	for {
		select {
		case <-p.done:
			return
		case data := <-p.send:
			if !p.write(websocket.TextMessage, data) {
				return
			}
		case data := <-p.frame:
			// The FIFO queue holds acks and status messages that were
			// enqueued before this frame; they must hit the wire first.
			if !p.drainSend() {
				return
			}
			if !p.write(websocket.TextMessage, data) {
				return
			}
		case <-ticker.C:
			if !p.write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// drainSend flushes everything currently queued on the FIFO channel.
// Reports false on a write failure.
func (p *wsPeer) drainSend() bool {
	for {
		select {
		case data := <-p.send:
			if !p.write(websocket.TextMessage, data) {
				return false
			}
		default:
			return true
		}
	}
}

func (p *wsPeer) write(messageType int, data []byte) bool {
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.conn.WriteMessage(messageType, data); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			p.logger.Debug("write failed", "error", err)
		}
		return false
	}
	return true
}

// readPump delivers inbound messages to handle, in arrival order, until the
// connection drops. maxBytes bounds a single message (frames included).
func (p *wsPeer) readPump(maxBytes int64, handle func(data []byte)) {
	p.conn.SetReadLimit(maxBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(p.pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(p.pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.logger.Debug("read failed", "error", err)
			}
			return
		}
		handle(data)
	}
}
