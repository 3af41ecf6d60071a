package executor

import (
	"fmt"
	"sync"
	"time"

	"github.com/drover-io/drover/internal/db"
)

// logBuffer accumulates execution log lines in memory while branches run.
// Branch tasks append concurrently; the orchestrator drains the buffer into
// one bulk insert at completion, keeping per-line writes off the execution
// hot path.
type logBuffer struct {
	mu          sync.Mutex
	executionID uint64
	lines       []db.ExecutionLog
}

func newLogBuffer(executionID uint64) *logBuffer {
	return &logBuffer{executionID: executionID}
}

func (b *logBuffer) Infof(format string, args ...any)  { b.append("info", format, args...) }
func (b *logBuffer) Warnf(format string, args ...any)  { b.append("warn", format, args...) }
func (b *logBuffer) Errorf(format string, args ...any) { b.append("error", format, args...) }

func (b *logBuffer) append(level, format string, args ...any) {
	line := db.ExecutionLog{
		ExecutionID: b.executionID,
		Level:       level,
		Message:     fmt.Sprintf(format, args...),
		Timestamp:   time.Now().UTC(),
	}
	b.mu.Lock()
	b.lines = append(b.lines, line)
	b.mu.Unlock()
}

// drain returns the buffered lines and empties the buffer.
func (b *logBuffer) drain() []db.ExecutionLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := b.lines
	b.lines = nil
	return lines
}
