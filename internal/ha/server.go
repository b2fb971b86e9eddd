package ha

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jptalukdar/waddlemq/internal/commitlog"
	"github.com/jptalukdar/waddlemq/internal/logger"
)

// ServerConfig holds the master-side HA tunables.
type ServerConfig struct {
	Addr            string
	MaxPushBytes    int
	HeartbeatExpiry time.Duration
	FallbehindMax   int64
}

func (c *ServerConfig) applyDefaults() {
	if c.MaxPushBytes == 0 {
		c.MaxPushBytes = 32 * 1024
	}
	if c.HeartbeatExpiry == 0 {
		c.HeartbeatExpiry = 20 * time.Second
	}
	if c.FallbehindMax == 0 {
		c.FallbehindMax = 256 * 1024 * 1024
	}
}

// Server is the master side of the replicator: it accepts slave
// connections and pushes commit-log bytes to each of them, tracking
// the furthest offset acknowledged by any connected slave.
type Server struct {
	cfg ServerConfig
	log *commitlog.Log
	gate *GroupTransferGate

	listener net.Listener

	mu              sync.Mutex
	conns           map[*Connection]struct{}
	push2SlaveMax   atomic.Int64
	connectionCount atomic.Int32
}

// NewServer constructs a master-side HA server. gate may be nil if
// synchronous group-commit is not configured.
func NewServer(cfg ServerConfig, log *commitlog.Log, gate *GroupTransferGate) *Server {
	cfg.applyDefaults()
	return &Server{cfg: cfg, log: log, gate: gate, conns: make(map[*Connection]struct{})}
}

// Start binds the HA port and runs the accept loop until Stop is
// called; accept errors are logged and the loop keeps accepting. It
// blocks; callers typically run it in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ha: listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	logger.Info("ha: server listening on %s", s.cfg.Addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isStopping() {
				return nil
			}
			// Accept loop exceptions never kill the thread (spec.md
			// section 7): log and keep accepting.
			logger.Error("ha: accept error: %v", err)
			continue
		}
		c := s.newConnection(conn)
		s.addConn(c)
		go c.serve()
	}
}

func (s *Server) isStopping() bool {
	return s.listener == nil
}

// Stop closes the listener and every live connection.
func (s *Server) Stop() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
		s.listener = nil
	}
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	return err
}

func (s *Server) addConn(c *Connection) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.connectionCount.Add(1)
}

func (s *Server) removeConn(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.connectionCount.Add(-1)
}

// notifyTransferSome CAS-bumps push2slave_max_offset monotonically
// upward and wakes the group-commit gate. Retries on a losing CAS so
// concurrent acks from different connections never move the offset
// backward.
func (s *Server) notifyTransferSome(offset int64) {
	for {
		cur := s.push2SlaveMax.Load()
		if offset <= cur {
			return
		}
		if s.push2SlaveMax.CompareAndSwap(cur, offset) {
			break
		}
	}
	if s.gate != nil {
		s.gate.NotifyTransferSome()
	}
}

// SetGate attaches a group-commit gate after construction, for the
// master/gate chicken-and-egg wiring where the gate's getMaxAck
// closure needs a reference to this server.
func (s *Server) SetGate(g *GroupTransferGate) {
	s.gate = g
}

// Push2SlaveMaxOffset returns the highest offset acknowledged by any
// connected slave.
func (s *Server) Push2SlaveMaxOffset() int64 {
	return s.push2SlaveMax.Load()
}

// IsSlaveOK reports whether at least one slave is connected and
// caught up closely enough (within FallbehindMax bytes) that a sync
// publish at masterWriteOffset is safe to accept.
func (s *Server) IsSlaveOK(masterWriteOffset int64) bool {
	if s.connectionCount.Load() == 0 {
		return false
	}
	return masterWriteOffset-s.push2SlaveMax.Load() < s.cfg.FallbehindMax
}

// ConnectionCount returns the number of currently connected slaves.
func (s *Server) ConnectionCount() int32 {
	return s.connectionCount.Load()
}
