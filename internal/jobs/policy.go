package jobs

import "errors"

// ErrAccessDenied is returned when the access policy refuses an operation.
// Callers translate it to their transport's permission error.
var ErrAccessDenied = errors.New("jobs: access denied")

// Actor identifies the caller of a lifecycle operation. ID is the opaque
// user id recorded in created_by and triggered_by_user; Admin marks callers
// the default policy lets bypass ownership checks.
type Actor struct {
	ID    string
	Admin bool
}

// System is the actor for engine-internal operations, currently only the
// scheduler dispatching due jobs.
var System = Actor{ID: "system", Admin: true}

// AccessPolicy decides whether an actor may mutate a job created by
// createdBy. The policy is injected so deployments can substitute their own;
// the engine ships OwnerPolicy.
type AccessPolicy interface {
	CanModify(actor Actor, createdBy string) bool
}

// OwnerPolicy permits the job's creator and administrators.
type OwnerPolicy struct{}

func (OwnerPolicy) CanModify(actor Actor, createdBy string) bool {
	if actor.Admin {
		return true
	}
	return actor.ID != "" && actor.ID == createdBy
}
