package daemon

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func setupTestConn(t *testing.T, ordered bool) (*Conn, *bufio.Reader) {
	t.Helper()
	server, peer := net.Pipe()
	var idle atomic.Int64
	c := newConn(server, 512, 4096, &idle, ordered)
	t.Cleanup(func() {
		c.Close()
		peer.Close()
	})
	return c, bufio.NewReader(peer)
}

func TestConnResequencerReleasesInOrder(t *testing.T) {
	c, r := setupTestConn(t, true)

	s0 := c.AllocSeq()
	s1 := c.AllocSeq()
	s2 := c.AllocSeq()

	// Complete out of order: nothing may be written until slot 0 lands.
	c.WriteSeq(s2, []byte("two\n"))
	c.WriteSeq(s1, []byte("one\n"))
	c.WriteSeq(s0, []byte("zero\n"))

	want := []string{"zero", "one", "two"}
	for i, w := range want {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		if strings.TrimSpace(line) != w {
			t.Errorf("Position %d: expected %q, got %q", i, w, line)
		}
	}
}

func TestConnUnorderedWritesImmediately(t *testing.T) {
	c, r := setupTestConn(t, false)

	c.WriteSeq(0, []byte("first\n"))
	line, err := r.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "first" {
		t.Errorf("Expected immediate write, got %q, %v", line, err)
	}
}

func TestConnDropsWritesAfterClose(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()
	var idle atomic.Int64
	c := newConn(server, 512, 4096, &idle, false)

	c.Close()
	done := make(chan struct{})
	go func() {
		// Must not block or panic.
		c.Write([]byte("late\n"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Write blocked on a closed connection")
	}
}

func TestConnWritesRacingCloseDoNotPanic(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()
	var idle atomic.Int64
	c := newConn(server, 512, 4096, &idle, false)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Write([]byte("race\n"))
			}
		}()
	}
	c.Close()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Writes did not unblock after Close")
	}
}
