package daemon

import (
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voxforge/voxd/pkg/protocol"
)

// Conn wraps one accepted client connection. Reads happen on the
// serve goroutine; all writes funnel through a single writer goroutine
// so concurrently finishing jobs never interleave bytes on the wire.
type Conn struct {
	ID      string
	raw     net.Conn
	framer  *protocol.Framer
	writeCh chan []byte

	// Shared with the server so SIGHUP reloads reach open connections.
	idleTimeout *atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
	wrQuit    chan struct{}

	// Response resequencer, active only in strict ordering mode.
	ordered  bool
	seqMu    sync.Mutex
	nextSeq  uint64
	sendSeq  uint64
	pending  map[uint64][]byte
	inflight atomic.Int64

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	openedAt  time.Time
}

func newConn(raw net.Conn, bufSize, maxFrame int, idleTimeout *atomic.Int64, ordered bool) *Conn {
	c := &Conn{
		ID:          uuid.NewString(),
		raw:         raw,
		framer:      protocol.NewFramer(raw, bufSize, maxFrame),
		writeCh:     make(chan []byte, 64),
		idleTimeout: idleTimeout,
		ordered:     ordered,
		wrQuit:      make(chan struct{}),
		pending:     make(map[uint64][]byte),
		openedAt:    time.Now(),
	}
	go c.writer()
	return c
}

// NextFrame reads the next newline-delimited frame, honoring the idle
// timeout between frames.
func (c *Conn) NextFrame() ([]byte, error) {
	if d := time.Duration(c.idleTimeout.Load()); d > 0 {
		c.raw.SetReadDeadline(time.Now().Add(d))
	}
	frame, err := c.framer.Next()
	if err == nil {
		c.framesIn.Add(1)
	}
	return frame, err
}

// writer is the single goroutine allowed to touch the socket's write
// side. It exits when wrQuit is closed or the peer stops reading.
// The write channel itself is never closed, so a Write racing against
// Close can at worst enqueue a payload nobody drains.
func (c *Conn) writer() {
	for {
		select {
		case <-c.wrQuit:
			return
		case payload := <-c.writeCh:
			if _, err := c.raw.Write(payload); err != nil {
				c.Close()
				return
			}
			c.framesOut.Add(1)
		}
	}
}

// Write queues one response line. Lines for a disconnected client are
// silently dropped.
func (c *Conn) Write(payload []byte) {
	if c.closed.Load() {
		return
	}
	select {
	case c.writeCh <- payload:
	case <-c.wrQuit:
	}
}

// AllocSeq reserves the next response slot for strict ordering mode.
// The caller must complete it with WriteSeq even on failure, otherwise
// the stream stalls.
func (c *Conn) AllocSeq() uint64 {
	if !c.ordered {
		return 0
	}
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	seq := c.nextSeq
	c.nextSeq++
	return seq
}

// WriteSeq delivers a response into its reserved slot, flushing any
// responses that became contiguous.
func (c *Conn) WriteSeq(seq uint64, payload []byte) {
	if !c.ordered {
		c.Write(payload)
		return
	}

	c.seqMu.Lock()
	c.pending[seq] = payload
	var ready [][]byte
	for {
		p, ok := c.pending[c.sendSeq]
		if !ok {
			break
		}
		delete(c.pending, c.sendSeq)
		c.sendSeq++
		ready = append(ready, p)
	}
	c.seqMu.Unlock()

	for _, p := range ready {
		c.Write(p)
	}
}

// Close tears the connection down. Jobs still in flight will find the
// closed flag set and drop their responses.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.wrQuit)
		c.raw.Close()
	})
}

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Inflight returns the number of jobs submitted for this connection
// that have not produced a response yet.
func (c *Conn) Inflight() int64 {
	return c.inflight.Load()
}

func (c *Conn) logf(format string, args ...any) {
	log.Printf("conn %s: "+format, append([]any{c.ID[:8]}, args...)...)
}
