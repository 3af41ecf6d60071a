// Package retry decides whether a failed action attempt should be retried
// and how long to wait before the next attempt. Classification prefers the
// structured error kinds surfaced by the transport layer and falls back to
// substring matching over the error text for errors of unknown provenance.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/drover-io/drover/internal/remote"
)

// Outcome is the classification of one attempt.
type Outcome int

const (
	// Success: the command ran and exited zero.
	Success Outcome = iota
	// RetriableFailure: a transient transport fault; the attempt loop may
	// try again after the back-off delay.
	RetriableFailure
	// FatalFailure: retrying cannot help (auth, config, unsupported method,
	// non-zero exit). The action fails immediately.
	FatalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetriableFailure:
		return "retriable"
	case FatalFailure:
		return "fatal"
	default:
		return "unknown"
	}
}

// retriableFragments drive the text fallback for errors that carry no
// structured kind.
var retriableFragments = []string{
	"timeout",
	"connection refused",
	"network",
	"unreachable",
	"temporary failure",
	"reset by peer",
	"broken pipe",
}

// Policy holds the retry configuration for one execution. With Enabled
// false, faults that would be retriable classify as fatal and the attempt
// loop never repeats.
type Policy struct {
	Enabled     bool
	MaxRetries  int
	BackoffBase float64 // seconds; delay for retry k (0-indexed) is base^k
}

// DefaultPolicy mirrors the stock configuration: three retries on a base-2
// exponential back-off.
func DefaultPolicy() Policy {
	return Policy{Enabled: true, MaxRetries: 3, BackoffBase: 2.0}
}

// Classify maps one attempt's result and error onto an Outcome.
//
// A nil error with exit code zero is success; a non-zero exit code is a
// command-level failure and never retried. Transport errors classify by
// kind: connection and timeout faults are retriable, auth/config/unsupported
// are fatal, and anything else falls back to substring matching.
func (p Policy) Classify(res *remote.Result, err error) Outcome {
	if err == nil {
		if res != nil && res.ExitCode == 0 {
			return Success
		}
		return FatalFailure
	}

	// Cancellation is handled by the caller before classification; if it
	// leaks through, never retry against a dead context.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FatalFailure
	}

	var terr *remote.TransportError
	if errors.As(err, &terr) {
		switch terr.Kind {
		case remote.KindConnection, remote.KindTimeout:
			return p.retriable()
		case remote.KindAuth, remote.KindUnsupported, remote.KindConfig:
			return FatalFailure
		}
		// KindRemote and future kinds fall through to the text match.
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range retriableFragments {
		if strings.Contains(msg, fragment) {
			return p.retriable()
		}
	}
	return FatalFailure
}

func (p Policy) retriable() Outcome {
	if !p.Enabled {
		return FatalFailure
	}
	return RetriableFailure
}

// Delay returns the back-off before retry k (0-indexed after the initial
// attempt): BackoffBase^k seconds.
func (p Policy) Delay(k int) time.Duration {
	if p.BackoffBase <= 0 {
		return 0
	}
	return time.Duration(math.Pow(p.BackoffBase, float64(k)) * float64(time.Second))
}

// Exhausted reports whether the attempt budget is spent. retriesUsed counts
// completed retries, not the initial attempt.
func (p Policy) Exhausted(retriesUsed int) bool {
	return retriesUsed >= p.MaxRetries
}

// ExhaustedError wraps the last retriable failure once the attempt budget is
// spent. Attempts counts every invocation, including the first.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }
