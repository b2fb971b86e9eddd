package ha

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/jptalukdar/waddlemq/internal/commitlog"
	"github.com/jptalukdar/waddlemq/internal/logger"
)

// ClientState is the slave connection's state machine (spec.md 4.4).
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnectedIdle
	StateConnectedReading
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnectedIdle:
		return "connected-idle"
	case StateConnectedReading:
		return "connected-reading"
	default:
		return "unknown"
	}
}

// ClientConfig holds the slave-side HA tunables.
type ClientConfig struct {
	MasterAddr     string
	AckInterval    time.Duration
	DialTimeout    time.Duration
	ReconnectDelay time.Duration
	ReadBufferSize int
}

func (c *ClientConfig) applyDefaults() {
	if c.AckInterval == 0 {
		c.AckInterval = 5 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = 4 * 1024 * 1024
	}
}

// Client is the slave side of the replicator: it connects to a
// master's HA port, streams commit-log bytes into the local log, and
// periodically acks its replicated offset back as a heartbeat.
//
// The frame parser keeps two buffers, mirroring spec.md 4.4: bufferRead
// accumulates bytes off the wire and is scanned for complete frames;
// once a prefix of it has been consumed, the unconsumed remainder is
// compacted into bufferBackup and swapped back into bufferRead, so a
// frame split across two TCP reads never needs to be re-requested.
type Client struct {
	cfg ClientConfig
	log *commitlog.Log

	state atomic.Int32

	stopped atomic.Bool
	done    chan struct{}
}

// NewClient constructs a slave-side HA client over log.
func NewClient(cfg ClientConfig, log *commitlog.Log) *Client {
	cfg.applyDefaults()
	c := &Client{cfg: cfg, log: log, done: make(chan struct{})}
	c.state.Store(int32(StateDisconnected))
	return c
}

// State returns the client's current connection state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// Run connects to the master and replicates until ctx is cancelled or
// Stop is called, reconnecting with a fixed backoff on any failure.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.state.Store(int32(StateDisconnected))
			return ctx.Err()
		case <-c.done:
			c.state.Store(int32(StateDisconnected))
			return nil
		default:
		}

		if err := c.runOnce(ctx); err != nil {
			logger.Warn("ha: client session ended: %v", err)
		}
		c.state.Store(int32(StateDisconnected))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// Stop terminates Run's reconnect loop.
func (c *Client) Stop() {
	if c.stopped.CompareAndSwap(false, true) {
		close(c.done)
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.MasterAddr)
	if err != nil {
		return fmt.Errorf("ha: dial %s: %w", c.cfg.MasterAddr, err)
	}
	defer conn.Close()

	c.state.Store(int32(StateConnectedIdle))
	logger.Info("ha: connected to master %s", c.cfg.MasterAddr)

	errCh := make(chan error, 2)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() { errCh <- c.ackLoop(ctx, conn) }()
	go func() { errCh <- c.readLoop(conn) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ackLoop reports the local log's max physical offset to the master,
// once immediately on connect so the master can seed its push position
// (the handshake step of spec.md 4.3/4.6), then periodically thereafter
// as a liveness heartbeat.
func (c *Client) ackLoop(ctx context.Context, conn net.Conn) error {
	if _, err := conn.Write(EncodeAck(c.log.MaxPhysicalOffset())); err != nil {
		return fmt.Errorf("ha: initial ack write: %w", err)
	}

	ticker := time.NewTicker(c.cfg.AckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			offset := c.log.MaxPhysicalOffset()
			if _, err := conn.Write(EncodeAck(offset)); err != nil {
				return fmt.Errorf("ha: ack write: %w", err)
			}
		}
	}
}

// readLoop consumes push frames off the wire and appends their bodies
// to the local commit log, detecting divergence from the master's
// stream before ever writing a byte.
func (c *Client) readLoop(conn net.Conn) error {
	bufferRead := make([]byte, 0, c.cfg.ReadBufferSize)
	bufferBackup := make([]byte, c.cfg.ReadBufferSize)
	chunk := make([]byte, 64*1024)

	firstFrame := true

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			bufferRead = append(bufferRead, chunk[:n]...)
			c.state.Store(int32(StateConnectedReading))
		}
		if err != nil {
			return fmt.Errorf("ha: read: %w", err)
		}

		for {
			hdr, perr := PeekPushFrameHeader(bufferRead)
			if perr != nil {
				break // need more bytes for a header
			}
			total := PushFrameHeaderSize + int(hdr.BodyLen)
			if len(bufferRead) < total {
				break // need more bytes for the body
			}

			body := bufferRead[PushFrameHeaderSize:total]

			if firstFrame {
				local := c.log.MaxPhysicalOffset()
				if hdr.PhyOffset != local {
					return fmt.Errorf("ha: diverged stream: master offset %d, local %d", hdr.PhyOffset, local)
				}
				firstFrame = false
			}

			if err := c.log.AppendAt(hdr.PhyOffset, body); err != nil {
				return fmt.Errorf("ha: apply push frame at %d: %w", hdr.PhyOffset, err)
			}

			// Compact: copy the unconsumed remainder into bufferBackup
			// and swap it in, so bufferRead never grows unbounded across
			// many small frames in one TCP read.
			rest := len(bufferRead) - total
			if cap(bufferBackup) < rest {
				bufferBackup = make([]byte, rest)
			}
			copy(bufferBackup[:rest], bufferRead[total:])
			bufferRead, bufferBackup = bufferBackup[:rest], bufferRead[:0]
		}

		c.state.Store(int32(StateConnectedIdle))
	}
}
