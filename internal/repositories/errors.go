package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database (or is soft-deleted and the caller did not
// ask for deleted records). Callers should check for this error explicitly
// using errors.Is to distinguish missing records from other database errors.
//
//	job, err := repo.GetByID(ctx, id, false)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example when two transactions race to allocate the same
// execution number.
var ErrConflict = errors.New("record already exists")

// ErrStateConflict is returned when an operation is illegal in the entity's
// current lifecycle state: updating a running job, deleting a running job
// without force, executing a job that is already running.
var ErrStateConflict = errors.New("operation not allowed in current state")

// ErrValidation is returned when caller-supplied data fails a check that
// needs the database, such as a job referencing a target that does not
// exist. Shape validation happens before the repository is reached.
var ErrValidation = errors.New("validation failed")
