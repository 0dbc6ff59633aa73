package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"
)

// Server owns the network listeners that feed sessions into a Game.
type Server struct {
	Game *Game

	mu        sync.Mutex
	listeners []net.Listener
	ssh       *SSHServer
	web       *WebServer
	wg        sync.WaitGroup
}

// NewServer creates a server for game.
func NewServer(game *Game) *Server {
	return &Server{Game: game}
}

// Start opens every listener enabled in the game's configuration and
// returns once they are bound. Accept loops run until Stop.
func (s *Server) Start() error {
	conf := s.Game.Conf
	if conf.TelnetPort == 0 && conf.TLSPort == 0 && conf.SSHPort == 0 && conf.WebPort == 0 {
		return fmt.Errorf("every listener is disabled; nothing to listen on")
	}

	if conf.TelnetPort > 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", conf.TelnetPort))
		if err != nil {
			return fmt.Errorf("telnet listener: %w", err)
		}
		log.Printf("Listening (telnet) on port %d", conf.TelnetPort)
		s.serve(ln, TransportTCP)
	}

	if conf.TLSPort > 0 {
		result, err := SetupTLS(conf.WebDomain, conf.Path(conf.TLSCert), conf.Path(conf.TLSKey), conf.Path(conf.CertDir))
		if err != nil {
			s.Stop()
			return fmt.Errorf("TLS setup: %w", err)
		}
		ln, err := tls.Listen("tcp", fmt.Sprintf(":%d", conf.TLSPort), result.Config)
		if err != nil {
			s.Stop()
			return fmt.Errorf("TLS listener: %w", err)
		}
		log.Printf("Listening (TLS) on port %d", conf.TLSPort)
		s.serve(ln, TransportTLS)
	}

	if conf.SSHPort > 0 {
		srv, err := NewSSHServer(s.Game)
		if err != nil {
			s.Stop()
			return fmt.Errorf("ssh server: %w", err)
		}
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", conf.SSHPort))
		if err != nil {
			s.Stop()
			return fmt.Errorf("ssh listener: %w", err)
		}
		s.mu.Lock()
		s.ssh = srv
		s.mu.Unlock()
		log.Printf("Listening (ssh) on port %d", conf.SSHPort)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := srv.Serve(ln); err != nil {
				log.Printf("ssh server: %v", err)
			}
		}()
	}

	if conf.WebPort > 0 {
		web := NewWebServer(s.Game)
		s.mu.Lock()
		s.web = web
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := web.Start(); err != nil {
				log.Printf("web server: %v", err)
			}
		}()
	}
	return nil
}

func (s *Server) serve(ln net.Listener, transport TransportType) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln, transport)
	}()
}

// acceptLoop accepts connections on the given listener until it is closed.
func (s *Server) acceptLoop(ln net.Listener, transport TransportType) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("Accept error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		go s.HandleConn(conn, transport)
	}
}

// Wait blocks until every accept loop has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Stop closes all active listeners.
func (s *Server) Stop() {
	s.mu.Lock()
	lns, sshSrv, web := s.listeners, s.ssh, s.web
	s.listeners = nil
	s.mu.Unlock()

	for _, ln := range lns {
		ln.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if sshSrv != nil {
		sshSrv.Shutdown(ctx)
	}
	if web != nil {
		web.Stop(ctx)
	}
	for _, d := range s.Game.Conns.AllDescriptors() {
		d.Send("*** Server shutting down ***")
		d.Close()
	}
}

// MaxLineLength bounds one input line on line-oriented transports.
const MaxLineLength = 8192

// HandleConn runs one line-oriented session until the peer goes away or
// the session is closed.
func (s *Server) HandleConn(conn net.Conn, transport TransportType) {
	d := NewDescriptor(conn, transport)
	s.Game.Connect(d)
	defer func() {
		s.Game.Disconnect(d)
		d.Close()
	}()

	s.Game.Greet(d)

	r := bufio.NewReaderSize(conn, MaxLineLength)
	for {
		raw, long, err := readLine(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !d.IsClosed() && !errors.Is(err, net.ErrClosed) {
				log.Printf("[%s] read error: %v", d.ID, err)
			}
			return
		}
		if d.IsClosed() {
			return
		}
		if long {
			log.Printf("[%s] dropped a line over %d bytes", d.ID, MaxLineLength)
			d.Send(fmt.Sprintf("That line was longer than %d bytes and was ignored.", MaxLineLength))
			continue
		}
		line := stripTelnet(raw)
		DebugLog("[%s] input=%q", d.ID, line)
		s.Game.Submit(d, line)
	}
}

// readLine returns the next line without its terminator. A line that does
// not fit r's buffer is read to its end and reported as long.
func readLine(r *bufio.Reader) (string, bool, error) {
	frag, more, err := r.ReadLine()
	if err != nil {
		return "", false, err
	}
	line, long := string(frag), more
	for more {
		if _, more, err = r.ReadLine(); err != nil {
			return "", true, err
		}
	}
	return line, long, nil
}

// Greet sends the connect screen.
func (g *Game) Greet(d *Descriptor) {
	if txt := g.Texts.GetConnect(); txt != "" {
		d.SendNoNewline(txt)
		return
	}
	d.SendNoNewline(WelcomeText)
}

const (
	telnetSE   = 0xF0
	telnetSB   = 0xFA
	telnetWILL = 0xFB
	telnetDONT = 0xFE
	telnetIAC  = 0xFF
)

// stripTelnet removes IAC sequences and control characters other than
// tab from a line.
func stripTelnet(s string) string {
	var buf strings.Builder
	i := 0
	for i < len(s) {
		if s[i] == telnetIAC {
			i += iacLen(s[i:])
			continue
		}
		if s[i] < 32 && s[i] != '\t' {
			i++
			continue
		}
		buf.WriteByte(s[i])
		i++
	}
	return buf.String()
}

// iacLen is the length of the telnet command starting at s[0]. Option
// negotiation takes three bytes, subnegotiation runs through IAC SE, and
// everything else (IAC IAC included) takes two.
func iacLen(s string) int {
	if len(s) < 2 {
		return len(s)
	}
	switch cmd := s[1]; {
	case cmd >= telnetWILL && cmd <= telnetDONT:
		return min(3, len(s))
	case cmd == telnetSB:
		if end := strings.Index(s[2:], string([]byte{telnetIAC, telnetSE})); end >= 0 {
			return end + 4
		}
		return len(s)
	}
	return 2
}
