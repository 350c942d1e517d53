package daemon

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxforge/voxd/pkg/core"
	"github.com/voxforge/voxd/pkg/protocol"
)

// Server accepts Unix socket connections and feeds their frames to the
// dispatcher. One goroutine serves each connection's read side.
type Server struct {
	cfg        core.ServerConfig
	socketMode os.FileMode
	dispatcher *Dispatcher

	ln      net.Listener
	conns   map[string]*Conn
	connsMu sync.Mutex
	wg      sync.WaitGroup

	idleTimeout atomic.Int64

	accepted     atomic.Uint64
	rejectedFull atomic.Uint64
	startedAt    time.Time
}

// NewServer prepares a server. Listen must be called before Serve.
func NewServer(cfg core.ServerConfig, mode os.FileMode, d *Dispatcher) *Server {
	s := &Server{
		cfg:        cfg,
		socketMode: mode,
		dispatcher: d,
		conns:      make(map[string]*Conn),
		startedAt:  time.Now(),
	}
	s.idleTimeout.Store(int64(cfg.IdleTimeout))
	return s
}

// Listen binds the Unix socket. A socket file with a live daemon behind
// it aborts with core.ErrAlreadyRunning; a stale one is removed first.
func (s *Server) Listen() error {
	if _, err := os.Stat(s.cfg.SocketPath); err == nil {
		probe, err := net.DialTimeout("unix", s.cfg.SocketPath, time.Second)
		if err == nil {
			probe.Close()
			return core.ErrAlreadyRunning
		}
		log.Printf("⚠ Removing stale socket %s", s.cfg.SocketPath)
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			return err
		}
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.cfg.SocketPath, s.socketMode); err != nil {
		ln.Close()
		return err
	}
	s.ln = ln
	log.Printf("🔌 Listening on %s (mode %04o)", s.cfg.SocketPath, s.socketMode)
	return nil
}

// Serve runs the accept loop until the listener is closed.
func (s *Server) Serve() {
	for {
		raw, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("⚠ Accept failed: %v", err)
			continue
		}

		if s.connCount() >= s.cfg.MaxConnections {
			s.rejectedFull.Add(1)
			s.refuse(raw)
			continue
		}

		c := newConn(raw, s.cfg.ReadBufferSize, s.cfg.MaxMessageSize, &s.idleTimeout, s.cfg.StrictOrdering)
		s.track(c)
		s.accepted.Add(1)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(c)
		}()
	}
}

// refuse answers an over-limit connection with a busy error and closes
// it without admitting it to the connection table.
func (s *Server) refuse(raw net.Conn) {
	log.Printf("⚠ Connection refused: limit of %d reached", s.cfg.MaxConnections)
	resp := protocol.NewError(nil, protocol.CodeServerBusy, "Server busy")
	if payload, err := json.Marshal(resp); err == nil {
		raw.SetWriteDeadline(time.Now().Add(time.Second))
		raw.Write(append(payload, '\n'))
	}
	raw.Close()
}

func (s *Server) serveConn(c *Conn) {
	c.logf("connected")
	defer func() {
		s.untrack(c)
		c.Close()
		c.logf("disconnected (in %d, out %d)", c.framesIn.Load(), c.framesOut.Load())
	}()

	for {
		frame, err := c.NextFrame()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.logf("idle timeout")
			} else if errors.Is(err, protocol.ErrFrameTooLarge) {
				s.replyOversized(c)
			}
			return
		}
		s.dispatcher.HandleFrame(c, frame)
	}
}

// replyOversized sends the one error a framing failure still allows,
// then lets the connection drop: the stream position is unrecoverable.
func (s *Server) replyOversized(c *Conn) {
	resp := protocol.NewError(nil, protocol.CodeInvalidRequest, "Message too large")
	if payload, err := json.Marshal(resp); err == nil {
		c.Write(append(payload, '\n'))
	}
	// Give the writer a moment to flush before teardown.
	time.Sleep(10 * time.Millisecond)
}

func (s *Server) track(c *Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[c.ID] = c
}

func (s *Server) untrack(c *Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c.ID)
}

func (s *Server) connCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

// SetIdleTimeout applies a reloaded idle timeout to current and future
// connections.
func (s *Server) SetIdleTimeout(d time.Duration) {
	s.idleTimeout.Store(int64(d))
}

// CloseListener stops accepting new connections without touching the
// open ones.
func (s *Server) CloseListener() {
	if s.ln != nil {
		s.ln.Close()
	}
}

// Close stops accepting, closes all connections, and removes the
// socket file.
func (s *Server) Close() {
	if s.ln != nil {
		s.ln.Close()
	}

	s.connsMu.Lock()
	open := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		open = append(open, c)
	}
	s.connsMu.Unlock()

	for _, c := range open {
		c.Close()
	}
	s.wg.Wait()
	os.Remove(s.cfg.SocketPath)
}

// Addr returns the bound socket path.
func (s *Server) Addr() string {
	return s.cfg.SocketPath
}

// Stats returns transport counters.
func (s *Server) Stats() map[string]any {
	return map[string]any{
		"socket_path":     s.cfg.SocketPath,
		"connections":     s.connCount(),
		"max_connections": s.cfg.MaxConnections,
		"accepted":        s.accepted.Load(),
		"rejected_full":   s.rejectedFull.Load(),
		"strict_ordering": s.cfg.StrictOrdering,
		"uptime":          time.Since(s.startedAt).Round(time.Second).String(),
	}
}
