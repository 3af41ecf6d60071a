package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/drover-io/drover/internal/credentials"
)

const sshDefaultPort = 22

// SSHConnector serves method type "ssh" using password or private-key
// authentication. One Session wraps one ssh.Client; each Run opens a fresh
// ssh channel because the protocol allows a single exec per channel.
type SSHConnector struct {
	log *zap.Logger
}

// NewSSHConnector returns the ssh transport connector.
func NewSSHConnector(log *zap.Logger) *SSHConnector {
	return &SSHConnector{log: log.Named("ssh")}
}

func (c *SSHConnector) MethodType() string { return "ssh" }

// Connect dials the target and completes the handshake within
// connectTimeout. Authentication rejections classify as KindAuth so the
// retry policy treats them as fatal; network faults classify as
// KindConnection or KindTimeout and stay retriable.
func (c *SSHConnector) Connect(ctx context.Context, ep Endpoint, cred *credentials.Resolved, connectTimeout time.Duration) (Session, error) {
	if ep.Host == "" {
		return nil, &TransportError{Kind: KindConfig, Op: "connect", Err: errors.New("ssh: endpoint has no host")}
	}
	port := ep.Port
	if port == 0 {
		port = sshDefaultPort
	}
	addr := net.JoinHostPort(ep.Host, fmt.Sprintf("%d", port))

	auth, err := sshAuthMethods(cred)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User: cred.Username,
		Auth: auth,
		// Host keys are not pinned; targets are addressed by inventory, not
		// by key identity.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyDialError(addr, err)
	}

	// Bound the handshake too; cleared once the client is established.
	_ = conn.SetDeadline(time.Now().Add(connectTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, classifyHandshakeError(addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	c.log.Debug("ssh session established",
		zap.String("target", ep.Target),
		zap.String("addr", addr),
		zap.String("user", cred.Username))

	return &sshSession{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// sshAuthMethods maps a resolved credential onto ssh authentication.
// Unparseable key material is a configuration fault, not an auth failure:
// the remote end never saw the attempt.
func sshAuthMethods(cred *credentials.Resolved) ([]ssh.AuthMethod, error) {
	switch cred.Type {
	case credentials.TypePassword:
		return []ssh.AuthMethod{ssh.Password(cred.Password)}, nil

	case credentials.TypeSSHKey:
		var (
			signer ssh.Signer
			err    error
		)
		if cred.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(cred.PrivateKey), []byte(cred.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(cred.PrivateKey))
		}
		if err != nil {
			return nil, &TransportError{Kind: KindConfig, Op: "connect", Err: fmt.Errorf("ssh: failed to parse private key: %w", err)}
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	default:
		return nil, &TransportError{Kind: KindConfig, Op: "connect", Err: fmt.Errorf("ssh: unsupported credential type %q", cred.Type)}
	}
}

func classifyDialError(addr string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Kind: KindTimeout, Op: "connect", Err: fmt.Errorf("ssh: dial %s: %w", addr, err)}
	}
	return &TransportError{Kind: KindConnection, Op: "connect", Err: fmt.Errorf("ssh: dial %s: %w", addr, err)}
}

func classifyHandshakeError(addr string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "permission denied") {
		return &TransportError{Kind: KindAuth, Op: "connect", Err: fmt.Errorf("ssh: authentication failed for %s: %w", addr, err)}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Kind: KindTimeout, Op: "connect", Err: fmt.Errorf("ssh: handshake with %s: %w", addr, err)}
	}
	return &TransportError{Kind: KindConnection, Op: "connect", Err: fmt.Errorf("ssh: handshake with %s: %w", addr, err)}
}

type sshSession struct {
	client *ssh.Client
}

// Run executes one command over a fresh channel. A non-zero remote exit code
// is returned in the Result with a nil error; only transport-level faults
// produce errors.
func (s *sshSession) Run(ctx context.Context, command string, timeout time.Duration) (*Result, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, &TransportError{Kind: KindConnection, Op: "execute", Err: fmt.Errorf("ssh: failed to open channel: %w", err)}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-runCtx.Done():
		// Tear the channel down so the in-flight Run returns; the remote
		// command may keep running, which the protocol cannot prevent once
		// the signal is lost.
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Kind: KindTimeout, Op: "execute", Err: fmt.Errorf("ssh: command timed out after %s", timeout)}

	case err := <-done:
		res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			return nil, &TransportError{Kind: KindRemote, Op: "execute", Err: fmt.Errorf("ssh: remote closed without exit status: %w", err)}
		}
		return nil, &TransportError{Kind: KindConnection, Op: "execute", Err: fmt.Errorf("ssh: command transport failed: %w", err)}
	}
}

func (s *sshSession) Close() error {
	return s.client.Close()
}
