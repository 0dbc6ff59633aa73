package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/gliderlabs/ssh"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

type sshAccountKey struct{}

// SSHServer serves shell sessions. Password authentication logs the
// session straight into the account named by the SSH user.
type SSHServer struct {
	game *Game
	srv  *ssh.Server
}

// NewSSHServer loads or generates the host key and builds the server.
func NewSSHServer(game *Game) (*SSHServer, error) {
	keyPath := game.Conf.Path(game.Conf.HostKey)
	if keyPath == "" {
		keyPath = game.Conf.Path("ssh_host_rsa.pem")
	}
	pemBytes, err := loadHostKey(keyPath)
	if err != nil {
		return nil, err
	}
	signer, err := gossh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing host key %s: %w", keyPath, err)
	}
	log.Printf("ssh: host key %s", gossh.FingerprintSHA256(signer.PublicKey()))

	s := &SSHServer{game: game}
	s.srv = &ssh.Server{
		Handler:         s.handleSession,
		PasswordHandler: s.checkPassword,
	}
	if err := s.srv.SetOption(ssh.HostKeyPEM(pemBytes)); err != nil {
		return nil, err
	}
	return s, nil
}

// loadHostKey reads the PEM host key at path, generating an RSA key there
// on first run.
func loadHostKey(path string) ([]byte, error) {
	if b, err := os.ReadFile(path); err == nil {
		return b, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating host key dir: %w", err)
	}
	key, err := rsa.GenerateKey(rand.Reader, 3072)
	if err != nil {
		return nil, fmt.Errorf("generating host key: %w", err)
	}
	b := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, b, 0600); err != nil {
		return nil, fmt.Errorf("writing host key: %w", err)
	}
	log.Printf("ssh: generated host key in %s", path)
	return b, nil
}

// checkPassword admits everyone: a failed account login just lands the
// session on the login screen.
func (s *SSHServer) checkPassword(ctx ssh.Context, password string) bool {
	if acct, err := s.game.Authenticate(ctx.RemoteAddr().String(), ctx.User(), password); err == nil {
		ctx.SetValue(sshAccountKey{}, acct.Name)
	}
	return true
}

// Serve accepts sessions on ln until Shutdown.
func (s *SSHServer) Serve(ln net.Listener) error {
	err := s.srv.Serve(ln)
	if errors.Is(err, ssh.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting and closes open sessions.
func (s *SSHServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *SSHServer) handleSession(sess ssh.Session) {
	t := term.NewTerminal(sess, "")
	d := newDescriptor(sess.RemoteAddr().String(), TransportSSH)
	d.SendFunc = func(msg string) {
		io.WriteString(t, strings.TrimRight(msg, "\r\n")+"\n")
	}
	d.CloseFunc = func() { sess.Close() }

	g := s.game
	g.Connect(d)
	defer func() {
		g.Disconnect(d)
		d.Close()
	}()

	name, _ := sess.Context().Value(sshAccountKey{}).(string)
	if acct, err := g.Store.GetAccount(name); name != "" && err == nil {
		g.LoginSession(d, acct)
		g.announceArrival(d, fmt.Sprintf("Welcome back, %s!", g.Name(acct.Actor)), g.Texts.GetMotd())
	} else {
		g.Greet(d)
	}

	for {
		line, err := t.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !d.IsClosed() {
				log.Printf("[%s] ssh read: %v", d.ID, err)
			}
			return
		}
		if d.IsClosed() {
			return
		}
		s.game.Submit(d, line)
	}
}
