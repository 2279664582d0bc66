package sshauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/minhtuancn/server-monitor-sub002/internal/database"
)

// ErrAuthentication marks an SSH handshake rejected by the remote host.
// It is a configuration problem and is never retried automatically.
var ErrAuthentication = errors.New("ssh authentication failed")

// ErrConnection marks a network or handshake failure before auth succeeded.
var ErrConnection = errors.New("ssh connection failed")

const dialTimeout = 10 * time.Second

// Dial opens one SSH connection to the server using the resolved credential.
// The dial runs in its own goroutine so cancellation of ctx abandons the
// attempt immediately; the credential is not scrubbed here because the
// caller owns its lifetime.
func Dial(ctx context.Context, srv *database.Server, cred *Ephemeral) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            cred.User,
		Auth:            []ssh.AuthMethod{cred.AuthMethod()},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(srv.Host, fmt.Sprintf("%d", srv.Port))

	var client *ssh.Client
	var dialErr error
	dialDone := make(chan struct{})
	go func() {
		defer close(dialDone)
		client, dialErr = ssh.Dial("tcp", addr, config)
	}()

	select {
	case <-ctx.Done():
		// The dial goroutine will close any connection it wins later.
		go func() {
			<-dialDone
			if client != nil {
				client.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %v", ErrConnection, ctx.Err())
	case <-dialDone:
	}

	if dialErr != nil {
		return nil, classifyDialError(dialErr)
	}
	return client, nil
}

// classifyDialError maps a raw dial error onto the authentication/connection
// split. The original error text is kept for logs but sanitized messages are
// derived by the caller; credential material never appears in either.
func classifyDialError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied") {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}
