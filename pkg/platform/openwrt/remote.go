package openwrt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// remote runs commands over one established SSH connection.
type remote interface {
	// Run executes cmd in its own channel and returns stdout once the remote
	// side has sent exit-status and closed the channel.
	Run(ctx context.Context, cmd string) (string, error)
	Close() error
}

type dialFunc func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (remote, error)

func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (remote, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(cfg.Timeout + handshakeGrace)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &sshRemote{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshRemote struct {
	client *ssh.Client
}

func (r *sshRemote) Run(ctx context.Context, cmd string) (string, error) {
	sess, err := r.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open channel: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if err := sess.Start(cmd); err != nil {
		return "", fmt.Errorf("start %q: %w", firstWord(cmd), err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return stdout.String(), fmt.Errorf("%q exited %d: %s",
					firstWord(cmd), exitErr.ExitStatus(), strings.TrimSpace(stderr.String()))
			}
			return stdout.String(), err
		}
		return stdout.String(), nil
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return "", ctx.Err()
	}
}

func (r *sshRemote) Close() error {
	return r.client.Close()
}

func firstWord(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}
