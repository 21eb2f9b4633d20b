package store

import "errors"

var (
	// ErrNotFound is returned when an entity does not exist, or when no
	// task satisfies a ready-task query.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when creating a duplicate entity.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrConflict is returned when a compare-and-set lost the race: the
	// row's state no longer matches what the caller expected.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrCircularDependency is returned when an enqueue or dependency edit
	// would close a cycle in the task DAG.
	ErrCircularDependency = errors.New("circular task dependency")
)
