// Package remote provides the transport adapters used to run commands on
// targets. Connectors are registered per communication method type (ssh,
// winrm, …) and consumed polymorphically by the branch executor; errors
// carry a structured kind so the retry policy can classify failures without
// parsing text.
package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drover-io/drover/internal/credentials"
)

// ErrorKind classifies a transport failure for the retry policy.
type ErrorKind int

const (
	// KindConnection covers dial failures, resets and other network-layer
	// faults. Retriable.
	KindConnection ErrorKind = iota
	// KindTimeout covers connect or execute deadlines. Retriable.
	KindTimeout
	// KindAuth covers rejected credentials. Fatal.
	KindAuth
	// KindUnsupported marks a method type with no registered connector. Fatal.
	KindUnsupported
	// KindConfig covers malformed endpoints, unparseable keys and other
	// configuration faults. Fatal.
	KindConfig
	// KindRemote covers remote-side protocol failures that fit none of the
	// above. Not retried.
	KindRemote
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "auth"
	case KindUnsupported:
		return "unsupported"
	case KindConfig:
		return "config"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// TransportError is the error type surfaced by connectors and sessions.
// Op names the failed operation ("connect", "execute").
type TransportError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("remote: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Endpoint addresses one communication method of a target. Port 0 selects
// the connector's protocol default. Target carries the target name for
// diagnostics only.
type Endpoint struct {
	Host   string
	Port   int
	Target string
}

// Result is the outcome of one remote command invocation. A non-zero
// ExitCode is a command-level failure, not a transport error: Run returns it
// with a nil error.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Session is an established connection to a target. Sessions are owned by a
// single branch executor and are not safe for concurrent use.
type Session interface {
	// Run executes one command, bounded by timeout. Timeouts surface as a
	// TransportError of KindTimeout; context cancellation surfaces as the
	// context's error.
	Run(ctx context.Context, command string, timeout time.Duration) (*Result, error)
	Close() error
}

// Connector establishes sessions for one communication method type.
type Connector interface {
	// MethodType is the communication method this connector serves ("ssh",
	// "winrm", …). Registry keys on it.
	MethodType() string
	// Connect establishes a session, bounded by connectTimeout.
	Connect(ctx context.Context, ep Endpoint, cred *credentials.Resolved, connectTimeout time.Duration) (Session, error)
}

// Registry holds the connectors available to the engine, keyed by method
// type. Registration happens at startup; lookups are concurrent.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry returns an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds a connector under its method type, replacing any previous
// registration for that type.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.MethodType()] = c
}

// Lookup returns the connector for the method type. An unknown type yields a
// TransportError of KindUnsupported, which the retry policy treats as fatal.
func (r *Registry) Lookup(methodType string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[methodType]
	if !ok {
		return nil, &TransportError{
			Kind: KindUnsupported,
			Op:   "connect",
			Err:  fmt.Errorf("unsupported communication method type %q", methodType),
		}
	}
	return c, nil
}

// MethodTypes lists the registered method types, for startup logging.
func (r *Registry) MethodTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.connectors))
	for t := range r.connectors {
		types = append(types, t)
	}
	return types
}
