package server

import (
	"bytes"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// pipeSession runs HandleConn over an in-memory connection and collects
// everything the server writes.
type pipeSession struct {
	conn net.Conn
	mu   sync.Mutex
	buf  bytes.Buffer
	done chan struct{}
}

func newPipeSession(t *testing.T, g *Game) *pipeSession {
	t.Helper()
	client, srv := net.Pipe()
	p := &pipeSession{conn: client, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		NewServer(g).HandleConn(srv, TransportTCP)
	}()
	go func() {
		chunk := make([]byte, 4096)
		for {
			n, err := client.Read(chunk)
			p.mu.Lock()
			p.buf.Write(chunk[:n])
			p.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() {
		client.Close()
		<-p.done
	})
	return p
}

func (p *pipeSession) waitFor(t *testing.T, sub string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		ok := strings.Contains(p.buf.String(), sub)
		p.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t.Fatalf("never saw %q in %q", sub, p.buf.String())
}

func TestHandleConnSurvivesLongLine(t *testing.T) {
	g := newTestGame(t, nil)
	p := newPipeSession(t, g)

	long := strings.Repeat("x", 3*MaxLineLength) + "\r\n"
	if _, err := p.conn.Write([]byte(long + "WHO\r\n")); err != nil {
		t.Fatal(err)
	}
	p.waitFor(t, "longer than 8192 bytes")
	p.waitFor(t, "logged in.")

	if _, err := p.conn.Write([]byte("connect Wizard " + wizPass + "\r\n")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !g.Conns.IsConnected(1) {
		if time.Now().After(deadline) {
			t.Fatal("session did not log in after the long line")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleConnStripsTelnet(t *testing.T) {
	g := newTestGame(t, nil)
	p := newPipeSession(t, g)
	if _, err := p.conn.Write([]byte("\xff\xfd\x01\xff\xf1WHO\r\n")); err != nil {
		t.Fatal(err)
	}
	p.waitFor(t, "logged in.")
}
