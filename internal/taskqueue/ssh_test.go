package taskqueue

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/minhtuancn/server-monitor-sub002/internal/vault"
)

const testPassword = "exec-test-password"

// execServer is an in-process SSH server that accepts exec requests and
// simulates remote commands. It records every command it actually ran so
// tests can assert that a cancelled task never executed.
//
// Recognized commands:
//
//	sleep <ms>   - wait, then exit 0
//	exit <n>     - exit with status n
//	spew <n>     - write n bytes to stdout, then exit 0
//	anything else is echoed to stdout with a "ran:" prefix and exits 0.
type execServer struct {
	addr string

	mu       sync.Mutex
	commands []string
}

func (s *execServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *execServer) record(cmd string) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()
}

func (s *execServer) Ran(cmd string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commands {
		if c == cmd {
			return true
		}
	}
	return false
}

// Port returns the TCP port the server listens on.
func (s *execServer) Port(t *testing.T) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(s.addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return port
}

func startExecServer(t *testing.T) *execServer {
	t.Helper()

	_, hostKeyPEM, err := vault.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := vault.ParsePrivateKey(hostKeyPEM)
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == testPassword {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong password")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := &execServer{addr: listener.Addr().String()}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(netConn, config)
		}
	}()
	t.Cleanup(func() {
		listener.Close()
		<-done
	})

	return srv
}

func (s *execServer) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *execServer) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "exec":
			if len(req.Payload) < 4 {
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			cmdLen := binary.BigEndian.Uint32(req.Payload[0:4])
			if int(cmdLen) > len(req.Payload)-4 {
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			cmd := string(req.Payload[4 : 4+cmdLen])
			if req.WantReply {
				req.Reply(true, nil)
			}
			s.record(cmd)
			go s.runCommand(ch, cmd)

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *execServer) runCommand(ch ssh.Channel, cmd string) {
	defer ch.Close()

	exitCode := 0
	fields := strings.Fields(cmd)
	switch {
	case len(fields) == 2 && fields[0] == "sleep":
		ms, _ := strconv.Atoi(fields[1])
		time.Sleep(time.Duration(ms) * time.Millisecond)

	case len(fields) == 2 && fields[0] == "exit":
		exitCode, _ = strconv.Atoi(fields[1])
		ch.Stderr().Write([]byte(fmt.Sprintf("error: exit %d\n", exitCode)))

	case len(fields) == 2 && fields[0] == "spew":
		n, _ := strconv.Atoi(fields[1])
		chunk := make([]byte, 4096)
		for i := range chunk {
			chunk[i] = 'x'
		}
		for n > 0 {
			if n < len(chunk) {
				chunk = chunk[:n]
			}
			if _, err := ch.Write(chunk); err != nil {
				return
			}
			n -= len(chunk)
		}

	default:
		ch.Write([]byte("ran:" + cmd + "\n"))
	}

	status := make([]byte, 4)
	binary.BigEndian.PutUint32(status, uint32(exitCode))
	ch.SendRequest("exit-status", false, status)
}
