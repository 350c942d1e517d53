package daemon

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/voxforge/voxd/pkg/concurrency"
	"github.com/voxforge/voxd/pkg/protocol"
	"github.com/voxforge/voxd/pkg/registry"
)

// Dispatcher turns incoming frames into pool jobs and pool outcomes
// into response lines. It runs on each connection's read goroutine, so
// per-connection dispatch order matches frame arrival order.
type Dispatcher struct {
	registry *registry.Registry
	pool     *concurrency.WorkerPool
}

// NewDispatcher wires the method registry to the worker pool.
func NewDispatcher(r *registry.Registry, pool *concurrency.WorkerPool) *Dispatcher {
	return &Dispatcher{registry: r, pool: pool}
}

// HandleFrame processes one newline-delimited frame.
func (d *Dispatcher) HandleFrame(c *Conn, frame []byte) {
	if !json.Valid(frame) {
		d.reply(c, c.AllocSeq(), protocol.ParseErrorResponse())
		return
	}
	if protocol.IsBatch(frame) {
		d.handleBatch(c, frame)
		return
	}
	d.handleSingle(c, frame)
}

func (d *Dispatcher) handleSingle(c *Conn, frame []byte) {
	req, errResp := protocol.DecodeRequest(frame)
	if errResp != nil {
		d.reply(c, c.AllocSeq(), errResp)
		return
	}

	if req.IsNotification() {
		d.submitNotification(c, req)
		return
	}

	seq := c.AllocSeq()
	if resp := d.submitRequest(c, req, func(resp *protocol.Response) {
		d.reply(c, seq, resp)
	}); resp != nil {
		d.reply(c, seq, resp)
	}
}

// handleBatch answers a batch with one JSON array holding the responses
// of its non-notification elements in positional order. A batch of only
// notifications produces no response line at all.
func (d *Dispatcher) handleBatch(c *Conn, frame []byte) {
	elems, err := protocol.SplitBatch(frame)
	if err != nil {
		d.reply(c, c.AllocSeq(), protocol.ParseErrorResponse())
		return
	}
	if len(elems) == 0 {
		d.reply(c, c.AllocSeq(), protocol.InvalidRequestResponse(nil))
		return
	}

	type entry struct {
		req  *protocol.Request
		resp *protocol.Response // immediate envelope error
		slot int                // -1 for notifications
	}

	entries := make([]entry, 0, len(elems))
	responders := 0
	for _, raw := range elems {
		req, errResp := protocol.DecodeRequest(raw)
		if errResp != nil {
			entries = append(entries, entry{resp: errResp, slot: responders})
			responders++
			continue
		}
		if req.IsNotification() {
			entries = append(entries, entry{req: req, slot: -1})
			continue
		}
		entries = append(entries, entry{req: req, slot: responders})
		responders++
	}

	if responders == 0 {
		for _, e := range entries {
			d.submitNotification(c, e.req)
		}
		return
	}

	seq := c.AllocSeq()
	results := make([]*protocol.Response, responders)
	var mu sync.Mutex
	remaining := responders
	complete := func(slot int, resp *protocol.Response) {
		mu.Lock()
		results[slot] = resp
		remaining--
		done := remaining == 0
		mu.Unlock()
		if done {
			d.replyBatch(c, seq, results)
		}
	}

	for _, e := range entries {
		switch {
		case e.slot == -1:
			d.submitNotification(c, e.req)
		case e.resp != nil:
			complete(e.slot, e.resp)
		default:
			slot, req := e.slot, e.req
			if resp := d.submitRequest(c, req, func(resp *protocol.Response) {
				complete(slot, resp)
			}); resp != nil {
				complete(slot, resp)
			}
		}
	}
}

// submitRequest queues a job whose outcome is delivered to done. A
// non-nil return is an immediate error response the caller must route
// itself (done will never fire in that case).
func (d *Dispatcher) submitRequest(c *Conn, req *protocol.Request, done func(*protocol.Response)) *protocol.Response {
	m, ok := d.registry.Resolve(req.Method)
	if !ok {
		return protocol.NewError(req.ID, protocol.CodeMethodNotFound, "Method not found")
	}

	id := req.ID
	c.inflight.Add(1)
	job := &concurrency.Job{
		Method:     m,
		Params:     req.Params,
		EnqueuedAt: time.Now(),
		Done: func(result any, err error) {
			defer c.inflight.Add(-1)
			if err != nil {
				done(protocol.ErrorResponseFor(id, err))
				return
			}
			done(protocol.NewResult(id, result))
		},
	}
	if err := d.pool.Submit(job); err != nil {
		c.inflight.Add(-1)
		return protocol.ErrorResponseFor(id, err)
	}
	return nil
}

// submitNotification queues a job that produces no response line.
// Notifications are never answered, but their failures still have to
// be visible somewhere, so every drop path logs.
func (d *Dispatcher) submitNotification(c *Conn, req *protocol.Request) {
	m, ok := d.registry.Resolve(req.Method)
	if !ok {
		c.logf("notification dropped: unknown method %q", req.Method)
		return
	}
	method := req.Method
	job := &concurrency.Job{
		Method:     m,
		Params:     req.Params,
		EnqueuedAt: time.Now(),
		Done: func(_ any, err error) {
			if err != nil {
				c.logf("notification %s failed: %v", method, err)
			}
		},
	}
	if err := d.pool.Submit(job); err != nil {
		c.logf("notification %s rejected: %v", method, err)
	}
}

func (d *Dispatcher) reply(c *Conn, seq uint64, resp *protocol.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		log.Printf("⚠ Response marshal failed: %v", err)
		payload, _ = json.Marshal(protocol.NewError(nil, protocol.CodeInternalError, "Internal error"))
	}
	c.WriteSeq(seq, append(payload, '\n'))
}

func (d *Dispatcher) replyBatch(c *Conn, seq uint64, resps []*protocol.Response) {
	payload, err := json.Marshal(resps)
	if err != nil {
		log.Printf("⚠ Batch marshal failed: %v", err)
		payload, _ = json.Marshal(protocol.NewError(nil, protocol.CodeInternalError, "Internal error"))
	}
	c.WriteSeq(seq, append(payload, '\n'))
}
