package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/masterzen/winrm"
	"go.uber.org/zap"

	"github.com/drover-io/drover/internal/credentials"
)

const winrmDefaultPort = 5985

// WinRMConnector serves method type "winrm" for Windows targets. Only
// password credentials are supported; the protocol has no key-based
// authentication mode the engine can drive.
type WinRMConnector struct {
	log *zap.Logger
}

// NewWinRMConnector returns the winrm transport connector.
func NewWinRMConnector(log *zap.Logger) *WinRMConnector {
	return &WinRMConnector{log: log.Named("winrm")}
}

func (c *WinRMConnector) MethodType() string { return "winrm" }

// Connect builds the client and probes the endpoint by opening and closing a
// remote shell, so credential rejections surface here rather than on the
// first action. WinRM itself is request-scoped: commands after the probe
// carry no server-side session state.
func (c *WinRMConnector) Connect(ctx context.Context, ep Endpoint, cred *credentials.Resolved, connectTimeout time.Duration) (Session, error) {
	if ep.Host == "" {
		return nil, &TransportError{Kind: KindConfig, Op: "connect", Err: errors.New("winrm: endpoint has no host")}
	}
	if cred.Type != credentials.TypePassword {
		return nil, &TransportError{Kind: KindConfig, Op: "connect", Err: fmt.Errorf("winrm: unsupported credential type %q, only password is supported", cred.Type)}
	}
	port := ep.Port
	if port == 0 {
		port = winrmDefaultPort
	}

	endpoint := winrm.NewEndpoint(ep.Host, port, false, true, nil, nil, nil, connectTimeout)
	client, err := winrm.NewClient(endpoint, cred.Username, cred.Password)
	if err != nil {
		return nil, &TransportError{Kind: KindConfig, Op: "connect", Err: fmt.Errorf("winrm: failed to build client: %w", err)}
	}

	shell, err := client.CreateShell()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyWinRMError("connect", ep.Host, err)
	}
	_ = shell.Close()

	c.log.Debug("winrm endpoint probed",
		zap.String("target", ep.Target),
		zap.String("host", ep.Host),
		zap.Int("port", port),
		zap.String("user", cred.Username))

	return &winrmSession{client: client}, nil
}

func classifyWinRMError(op, host string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "access is denied"):
		return &TransportError{Kind: KindAuth, Op: op, Err: fmt.Errorf("winrm: authentication failed for %s: %w", host, err)}
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return &TransportError{Kind: KindTimeout, Op: op, Err: fmt.Errorf("winrm: %s: %w", host, err)}
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &TransportError{Kind: KindTimeout, Op: op, Err: fmt.Errorf("winrm: %s: %w", host, err)}
		}
		return &TransportError{Kind: KindConnection, Op: op, Err: fmt.Errorf("winrm: %s: %w", host, err)}
	}
}

type winrmSession struct {
	client *winrm.Client
}

// Run executes one command through cmd.exe on the target, bounded by
// timeout. Exit codes come back in the Result; transport faults are
// classified for the retry policy.
func (s *winrmSession) Run(ctx context.Context, command string, timeout time.Duration) (*Result, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	exitCode, err := s.client.RunWithContext(runCtx, command, &stdout, &stderr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TransportError{Kind: KindTimeout, Op: "execute", Err: fmt.Errorf("winrm: command timed out after %s", timeout)}
		}
		return nil, classifyWinRMError("execute", "", err)
	}

	return &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}

// Close is a no-op: winrm carries no connection state between commands.
func (s *winrmSession) Close() error { return nil }
