package daemon

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxforge/voxd/pkg/client"
	"github.com/voxforge/voxd/pkg/core"
	"github.com/voxforge/voxd/pkg/protocol"
)

func startTestDaemon(t *testing.T, mutate func(*core.Config)) (*Daemon, string) {
	t.Helper()

	dir := t.TempDir()
	cfg := core.DefaultConfig()
	cfg.Server.SocketPath = filepath.Join(dir, "voxd.sock")
	cfg.Daemon.PIDFile = filepath.Join(dir, "voxd.pid")
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Workers.Count = 2
	cfg.Workers.QueueCapacity = 32
	cfg.Workers.DrainGrace = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	d, err := New(cfg, "", nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run() }()
	waitForSocket(t, cfg.Server.SocketPath)

	t.Cleanup(func() {
		d.Stop()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Run returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Daemon did not stop")
		}
	})
	return d, cfg.Server.SocketPath
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Socket %s never came up", path)
}

// rawConn is a bare socket for protocol-level tests the client type is
// too polite for.
type rawConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialRaw(t *testing.T, path string) *rawConn {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &rawConn{conn: conn, r: bufio.NewReader(conn)}
}

func (rc *rawConn) send(t *testing.T, line string) {
	t.Helper()
	if _, err := rc.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func (rc *rawConn) recv(t *testing.T) string {
	t.Helper()
	rc.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := rc.r.ReadString('\n')
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	return strings.TrimRight(line, "\n")
}

// logSink captures global log output for assertions. The daemon logs
// from several goroutines, so writes are serialized.
type logSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *logSink) contains(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Contains(s.buf.String(), substr)
}

func (s *logSink) waitFor(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.contains(substr) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("Log line %q never appeared", substr)
}

func captureLog(t *testing.T) *logSink {
	t.Helper()
	sink := &logSink{}
	prev := log.Writer()
	log.SetOutput(sink)
	t.Cleanup(func() { log.SetOutput(prev) })
	return sink
}

func errorCode(t *testing.T, line string) int {
	t.Helper()
	var resp struct {
		Error *protocol.ErrorObject `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("Malformed response %q: %v", line, err)
	}
	if resp.Error == nil {
		t.Fatalf("Expected an error response, got %q", line)
	}
	return resp.Error.Code
}

func TestPingOverSocket(t *testing.T) {
	_, socket := startTestDaemon(t, nil)

	c, err := client.Dial(socket)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	if err := c.Ping(); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestMalformedJSONGetsParseError(t *testing.T) {
	_, socket := startTestDaemon(t, nil)
	rc := dialRaw(t, socket)

	rc.send(t, `{"jsonrpc":"2.0","method":`)
	if code := errorCode(t, rc.recv(t)); code != protocol.CodeParseError {
		t.Errorf("Expected %d, got %d", protocol.CodeParseError, code)
	}
}

func TestInvalidEnvelopeGetsInvalidRequest(t *testing.T) {
	_, socket := startTestDaemon(t, nil)
	rc := dialRaw(t, socket)

	rc.send(t, `{"jsonrpc":"1.0","method":"ping","id":1}`)
	if code := errorCode(t, rc.recv(t)); code != protocol.CodeInvalidRequest {
		t.Errorf("Expected %d, got %d", protocol.CodeInvalidRequest, code)
	}
}

func TestUnknownMethod(t *testing.T) {
	_, socket := startTestDaemon(t, nil)
	rc := dialRaw(t, socket)

	rc.send(t, `{"jsonrpc":"2.0","method":"voxd.no_such","id":7}`)
	line := rc.recv(t)
	if code := errorCode(t, line); code != protocol.CodeMethodNotFound {
		t.Errorf("Expected %d, got %d", protocol.CodeMethodNotFound, code)
	}
	if !strings.Contains(line, `"id":7`) {
		t.Errorf("Error should carry the request id: %s", line)
	}
}

func TestNotificationIsNeverAnswered(t *testing.T) {
	_, socket := startTestDaemon(t, nil)
	rc := dialRaw(t, socket)

	// A notification followed by a request: the first line back must
	// belong to the request.
	rc.send(t, `{"jsonrpc":"2.0","method":"ping"}`)
	rc.send(t, `{"jsonrpc":"2.0","method":"ping","id":42}`)

	line := rc.recv(t)
	if !strings.Contains(line, `"id":42`) || !strings.Contains(line, "pong") {
		t.Errorf("First response should answer the request, got %s", line)
	}
}

func TestNotificationFailuresAreLogged(t *testing.T) {
	sink := captureLog(t)
	_, socket := startTestDaemon(t, nil)
	rc := dialRaw(t, socket)

	// Unknown method: dropped at dispatch.
	rc.send(t, `{"jsonrpc":"2.0","method":"voxd.no_such"}`)
	// Known method that fails in the engine: no open project.
	rc.send(t, `{"jsonrpc":"2.0","method":"voxd.remove_voxel","params":{"x":0,"y":0,"z":0}}`)

	sink.waitFor(t, `unknown method "voxd.no_such"`)
	sink.waitFor(t, "notification voxd.remove_voxel failed")
}

func TestRefusedConnectionIsLogged(t *testing.T) {
	sink := captureLog(t)
	_, socket := startTestDaemon(t, func(cfg *core.Config) {
		cfg.Server.MaxConnections = 1
	})

	first := dialRaw(t, socket)
	first.send(t, `{"jsonrpc":"2.0","method":"ping","id":1}`)
	first.recv(t)

	second := dialRaw(t, socket)
	line := second.recv(t)
	if code := errorCode(t, line); code != protocol.CodeServerBusy {
		t.Errorf("Expected %d, got %d", protocol.CodeServerBusy, code)
	}
	sink.waitFor(t, "Connection refused: limit of 1 reached")
}

func TestBatchPreservesPositionalOrder(t *testing.T) {
	_, socket := startTestDaemon(t, nil)
	rc := dialRaw(t, socket)

	rc.send(t, `[`+
		`{"jsonrpc":"2.0","method":"ping","id":1},`+
		`{"jsonrpc":"2.0","method":"ping"},`+
		`{"jsonrpc":"2.0","method":"voxd.no_such","id":2},`+
		`{"jsonrpc":"2.0","method":"version","id":3}]`)

	var resps []struct {
		ID     json.RawMessage       `json:"id"`
		Result json.RawMessage       `json:"result"`
		Error  *protocol.ErrorObject `json:"error"`
	}
	if err := json.Unmarshal([]byte(rc.recv(t)), &resps); err != nil {
		t.Fatalf("Batch response is not an array: %v", err)
	}
	if len(resps) != 3 {
		t.Fatalf("Expected 3 responses (notification excluded), got %d", len(resps))
	}
	wantIDs := []string{"1", "2", "3"}
	for i, r := range resps {
		if string(r.ID) != wantIDs[i] {
			t.Errorf("Position %d: expected id %s, got %s", i, wantIDs[i], r.ID)
		}
	}
	if resps[1].Error == nil || resps[1].Error.Code != protocol.CodeMethodNotFound {
		t.Error("Middle response should be a method-not-found error")
	}
}

func TestEmptyBatch(t *testing.T) {
	_, socket := startTestDaemon(t, nil)
	rc := dialRaw(t, socket)

	rc.send(t, `[]`)
	line := rc.recv(t)
	if strings.HasPrefix(line, "[") {
		t.Fatalf("Empty batch must get a single error object, got %s", line)
	}
	if code := errorCode(t, line); code != protocol.CodeInvalidRequest {
		t.Errorf("Expected %d, got %d", protocol.CodeInvalidRequest, code)
	}
}

func TestEditSessionOverSocket(t *testing.T) {
	_, socket := startTestDaemon(t, nil)

	c, err := client.Dial(socket)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	if _, err := c.Call("voxd.create_project", map[string]any{"name": "socket_test"}); err != nil {
		t.Fatalf("create_project failed: %v", err)
	}
	if _, err := c.Call("voxd.add_voxel", map[string]any{"x": 1, "y": 2, "z": 3, "color": "#123456"}); err != nil {
		t.Fatalf("add_voxel failed: %v", err)
	}

	var hit struct {
		Color string `json:"color"`
	}
	if err := c.CallInto("voxd.get_voxel", map[string]any{"x": 1, "y": 2, "z": 3}, &hit); err != nil {
		t.Fatalf("get_voxel failed: %v", err)
	}
	if hit.Color != "#123456" {
		t.Errorf("Expected #123456, got %s", hit.Color)
	}

	var saved struct {
		Path string `json:"path"`
	}
	if err := c.CallInto("voxd.save_project", nil, &saved); err != nil {
		t.Fatalf("save_project failed: %v", err)
	}
	if !strings.HasSuffix(saved.Path, ".vxp") {
		t.Errorf("Unexpected save path: %s", saved.Path)
	}
}

func TestEngineErrorsReachTheWire(t *testing.T) {
	_, socket := startTestDaemon(t, nil)

	c, err := client.Dial(socket)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	_, err = c.Call("voxd.get_voxel", map[string]any{"x": 0, "y": 0, "z": 0})
	var eo *protocol.ErrorObject
	if !errors.As(err, &eo) || eo.Code != protocol.CodeNoProject {
		t.Errorf("Expected no-project wire error, got %v", err)
	}
}

func TestConcurrentClients(t *testing.T) {
	_, socket := startTestDaemon(t, nil)

	const clients = 8
	done := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func() {
			c, err := client.Dial(socket)
			if err != nil {
				done <- err
				return
			}
			defer c.Close()
			for j := 0; j < 20; j++ {
				if err := c.Ping(); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}()
	}
	for i := 0; i < clients; i++ {
		if err := <-done; err != nil {
			t.Errorf("Client %d failed: %v", i, err)
		}
	}
}

func TestSecondInstanceRefusesToStart(t *testing.T) {
	d, _ := startTestDaemon(t, nil)

	second, err := New(d.cfg, "", nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := second.Run(); !errors.Is(err, core.ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}
}

func TestGracefulStopCleansUp(t *testing.T) {
	dir := t.TempDir()
	cfg := core.DefaultConfig()
	cfg.Server.SocketPath = filepath.Join(dir, "voxd.sock")
	cfg.Daemon.PIDFile = filepath.Join(dir, "voxd.pid")
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Workers.Count = 1
	cfg.Workers.DrainGrace = time.Second

	d, err := New(cfg, "", nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run() }()
	waitForSocket(t, cfg.Server.SocketPath)

	d.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Daemon did not stop")
	}

	if d.State() != StateStopped {
		t.Errorf("Expected stopped state, got %s", d.State())
	}
	if _, err := net.Dial("unix", cfg.Server.SocketPath); err == nil {
		t.Error("Socket should be gone after shutdown")
	}
}

func TestIdleConnectionIsDropped(t *testing.T) {
	_, socket := startTestDaemon(t, func(cfg *core.Config) {
		cfg.Server.IdleTimeout = 100 * time.Millisecond
	})
	rc := dialRaw(t, socket)

	rc.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := rc.r.ReadString('\n'); err == nil {
		t.Error("Idle connection should have been closed by the server")
	}
}

func TestOversizedFrameIsRejected(t *testing.T) {
	_, socket := startTestDaemon(t, func(cfg *core.Config) {
		cfg.Server.MaxMessageSize = 1024
		cfg.Server.ReadBufferSize = 512
	})
	rc := dialRaw(t, socket)

	rc.send(t, `{"jsonrpc":"2.0","method":"echo","id":1,"params":{"pad":"`+strings.Repeat("x", 4096)+`"}}`)
	line := rc.recv(t)
	if code := errorCode(t, line); code != protocol.CodeInvalidRequest {
		t.Errorf("Expected %d, got %d", protocol.CodeInvalidRequest, code)
	}
}

func TestStatusReportsDaemonSection(t *testing.T) {
	_, socket := startTestDaemon(t, nil)

	c, err := client.Dial(socket)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	var status map[string]any
	if err := c.CallInto("status", nil, &status); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	daemon, ok := status["daemon"].(map[string]any)
	if !ok {
		t.Fatal("Missing daemon section")
	}
	if daemon["state"] != "running" {
		t.Errorf("Expected running state, got %v", daemon["state"])
	}
	if _, ok := daemon["pool"]; !ok {
		t.Error("Missing pool stats")
	}
}

func TestStrictOrderingKeepsArrivalOrder(t *testing.T) {
	_, socket := startTestDaemon(t, func(cfg *core.Config) {
		cfg.Server.StrictOrdering = true
		cfg.Workers.Count = 4
	})
	rc := dialRaw(t, socket)

	const n = 16
	for i := 0; i < n; i++ {
		rc.send(t, `{"jsonrpc":"2.0","method":"ping","id":`+strconv.Itoa(i)+`}`)
	}
	for i := 0; i < n; i++ {
		var resp struct {
			ID int `json:"id"`
		}
		if err := json.Unmarshal([]byte(rc.recv(t)), &resp); err != nil {
			t.Fatalf("Bad response: %v", err)
		}
		if resp.ID != i {
			t.Fatalf("Response %d arrived out of order (id %d)", i, resp.ID)
		}
	}
}
