// Package serial allocates and formats the permanent public identifiers used
// across the engine. Serials are dotted paths rooted at the job: a job is
// J-000042, its third execution J-000042.E-003, that execution's first branch
// J-000042.E-003.001, and the branch's second action result
// J-000042.E-003.001.A-002.
//
// Counters are scoped by (kind, parent serial) and only ever grow: numbers
// are never reused, even when the numbered children are deleted. Branch and
// action-result suffixes are positional (assigned at creation from the dense
// 1..N index) and need no counter row.
package serial

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/drover-io/drover/internal/db"
)

// Counter kinds. Jobs and targets allocate from a global scope (empty parent
// serial); executions allocate per job.
const (
	KindJob       = "job"
	KindTarget    = "target"
	KindExecution = "execution"
)

// Zero-pad widths per segment. Widths are minimums: a value wider than its
// segment is formatted unpadded rather than truncated, so J-1234567 stays
// parseable.
const (
	jobWidth       = 6
	targetWidth    = 6
	executionWidth = 3
	branchWidth    = 3
	actionWidth    = 3
)

// ErrExhausted is returned when a scope's counter would exceed the 32-bit
// allocation cap. Hitting it means the scope has allocated over two billion
// serials; treat as a configuration problem, not a transient fault.
var ErrExhausted = errors.New("serial: counter exhausted")

// Next increments and returns the counter for the (kind, parentSerial)
// scope. It must run inside the caller's transaction: the counter row update
// takes a row lock, so concurrent allocations in the same scope serialise on
// commit order. The first allocation in a scope creates the counter row.
func Next(tx *gorm.DB, kind, parentSerial string) (int64, error) {
	res := tx.Model(&db.SerialCounter{}).
		Where("kind = ? AND parent_serial = ?", kind, parentSerial).
		Update("value", gorm.Expr("value + 1"))
	if res.Error != nil {
		return 0, fmt.Errorf("serial: increment %s/%s: %w", kind, parentSerial, res.Error)
	}

	if res.RowsAffected == 0 {
		counter := db.SerialCounter{Kind: kind, ParentSerial: parentSerial, Value: 1}
		if err := tx.Create(&counter).Error; err == nil {
			return 1, nil
		}
		// Lost the insert race to a concurrent transaction in the same
		// scope; the row exists now, increment it.
		res = tx.Model(&db.SerialCounter{}).
			Where("kind = ? AND parent_serial = ?", kind, parentSerial).
			Update("value", gorm.Expr("value + 1"))
		if res.Error != nil {
			return 0, fmt.Errorf("serial: increment %s/%s: %w", kind, parentSerial, res.Error)
		}
	}

	var counter db.SerialCounter
	if err := tx.Where("kind = ? AND parent_serial = ?", kind, parentSerial).
		First(&counter).Error; err != nil {
		return 0, fmt.Errorf("serial: read back %s/%s: %w", kind, parentSerial, err)
	}
	if counter.Value > math.MaxInt32 {
		return 0, fmt.Errorf("serial: scope %s/%s: %w", kind, parentSerial, ErrExhausted)
	}
	return counter.Value, nil
}

// FormatJob renders a job serial, e.g. FormatJob(42) == "J-000042".
func FormatJob(n int64) string {
	return fmt.Sprintf("J-%0*d", jobWidth, n)
}

// FormatTarget renders a target serial, e.g. FormatTarget(7) == "T-000007".
func FormatTarget(n int64) string {
	return fmt.Sprintf("T-%0*d", targetWidth, n)
}

// FormatExecution renders an execution serial under its job,
// e.g. FormatExecution("J-000001", 3) == "J-000001.E-003".
func FormatExecution(jobSerial string, n int64) string {
	return fmt.Sprintf("%s.E-%0*d", jobSerial, executionWidth, n)
}

// FormatBranch renders a branch serial from its 1-based position within the
// execution, e.g. FormatBranch("J-000001.E-003", 2) == "J-000001.E-003.002".
func FormatBranch(executionSerial string, position int) string {
	return fmt.Sprintf("%s.%s", executionSerial, BranchID(position))
}

// BranchID renders the bare zero-padded branch index ("001", "002", …)
// stored on the branch row itself.
func BranchID(position int) string {
	return fmt.Sprintf("%0*d", branchWidth, position)
}

// FormatActionResult renders an action result serial from its 1-based action
// order, e.g. FormatActionResult("J-000001.E-003.002", 1) ==
// "J-000001.E-003.002.A-001".
func FormatActionResult(branchSerial string, order int) string {
	return fmt.Sprintf("%s.A-%0*d", branchSerial, actionWidth, order)
}

// SplitParent splits a dotted serial into its parent serial and the local
// segment, e.g. SplitParent("J-000001.E-003.002") == ("J-000001.E-003",
// "002"). A root serial has an empty parent.
func SplitParent(s string) (parent, local string) {
	i := strings.LastIndexByte(s, '.')
	if i < 0 {
		return "", s
	}
	return s[:i], s[i+1:]
}

// Number extracts the numeric index from one serial segment, accepting both
// prefixed ("J-000042", "E-007", "A-012") and bare ("002") forms. Indices
// wider than their segment's zero-pad width parse the same as padded ones.
func Number(segment string) (int64, error) {
	digits := segment
	if i := strings.LastIndexByte(segment, '-'); i >= 0 {
		digits = segment[i+1:]
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("serial: malformed segment %q", segment)
	}
	return n, nil
}
