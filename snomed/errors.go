package snomed

import "errors"

// Error kinds shared across the store, pipeline and query layers.
// Callers test with errors.Is; wrapping keeps the original context.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrParentMissing   = errors.New("parent branch missing")
	ErrBranchLocked    = errors.New("branch locked")
	ErrConflict        = errors.New("conflict")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnsupported     = errors.New("unsupported")
	ErrCycleDetected   = errors.New("cycle detected")
	ErrIntegrity       = errors.New("integrity violation")
)
