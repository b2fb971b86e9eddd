package ha

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jptalukdar/waddlemq/internal/logger"
)

// Connection is one accepted slave connection on the master side. It
// runs two loops: a read loop consuming ack frames (which also serve
// as heartbeats) and a write loop pushing commit-log bytes from the
// slave's last acked offset forward.
type Connection struct {
	srv  *Server
	conn net.Conn

	mu           sync.Mutex
	slaveAckOffset int64
	lastAckAt    time.Time

	handshakeOnce sync.Once
	handshakeDone chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *Server) newConnection(conn net.Conn) *Connection {
	return &Connection{
		srv:           s,
		conn:          conn,
		handshakeDone: make(chan struct{}),
		closed:        make(chan struct{}),
	}
}

// serve runs both loops and blocks until the connection is closed by
// either side.
func (c *Connection) serve() {
	defer c.srv.removeConn(c)
	defer c.close()

	logger.Info("ha: slave connected from %s", c.conn.RemoteAddr())

	go c.readLoop()
	c.writeLoop()
}

// readLoop consumes 8-byte ack frames. Each ack both reports the
// slave's replicated offset and resets its heartbeat deadline.
func (c *Connection) readLoop() {
	r := bufio.NewReaderSize(c.conn, AckFrameSize*64)
	buf := make([]byte, AckFrameSize)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if err != io.EOF {
				logger.Warn("ha: slave %s read error: %v", c.conn.RemoteAddr(), err)
			}
			c.close()
			return
		}
		offset, err := DecodeAck(buf)
		if err != nil {
			logger.Warn("ha: slave %s sent malformed ack: %v", c.conn.RemoteAddr(), err)
			c.close()
			return
		}
		c.mu.Lock()
		if offset > c.slaveAckOffset {
			c.slaveAckOffset = offset
		}
		c.lastAckAt = time.Now()
		c.mu.Unlock()
		c.handshakeOnce.Do(func() { close(c.handshakeDone) })
		c.srv.notifyTransferSome(offset)
	}
}

// AckOffset returns the highest offset this slave has acknowledged.
func (c *Connection) AckOffset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slaveAckOffset
}

// lastAck returns the time of the most recent ack, used by the write
// loop to detect a stalled slave that stopped sending heartbeats.
func (c *Connection) lastAck() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAckAt
}

// writeLoop pushes commit-log bytes to the slave starting from its
// acked offset, in chunks bounded by cfg.MaxPushBytes, polling for new
// data when caught up to the log's current end.
func (c *Connection) writeLoop() {
	pollInterval := 200 * time.Millisecond

	// Handshake (spec.md 4.3/4.6): wait for the slave's first 8-byte
	// offset report before pushing a single byte. Starting from 0
	// unconditionally would resend the whole log to a reconnecting
	// slave whose local log is already ahead, tripping its divergence
	// check or AppendAt's contiguity guard.
	select {
	case <-c.handshakeDone:
	case <-c.closed:
		return
	}
	offset := c.AckOffset()

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		if !c.lastAck().IsZero() && time.Since(c.lastAck()) > c.srv.cfg.HeartbeatExpiry {
			logger.Warn("ha: slave %s heartbeat expired, closing", c.conn.RemoteAddr())
			c.close()
			return
		}

		maxOffset := c.srv.log.MaxPhysicalOffset()
		if offset >= maxOffset {
			time.Sleep(pollInterval)
			continue
		}

		raw, err := c.srv.log.Read(offset, c.srv.cfg.MaxPushBytes)
		if err != nil {
			logger.Error("ha: slave %s read commit log at %d: %v", c.conn.RemoteAddr(), offset, err)
			c.close()
			return
		}
		if len(raw) == 0 {
			// Nothing reached a record boundary yet (a record larger
			// than MaxPushBytes is being appended); wait for it to land.
			time.Sleep(pollInterval)
			continue
		}

		frame := EncodePushFrame(offset, raw)
		if _, err := c.conn.Write(frame); err != nil {
			logger.Warn("ha: slave %s write error: %v", c.conn.RemoteAddr(), err)
			c.close()
			return
		}
		offset += int64(len(raw))
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}
