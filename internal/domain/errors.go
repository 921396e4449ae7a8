package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the journaling engine. Stores and the engine wrap these
// with fmt.Errorf("...: %w") so callers can test with errors.Is.
var (
	// ErrValidation marks programmer errors such as malformed references or
	// amending an entity that has no journal history. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrConflict is returned when another writer claimed the next version
	// number first. The write coordinator retries on it. Appends always
	// number max+1, so a duplicate version is only ever a race and surfaces
	// here rather than as ErrValidation.
	ErrConflict = errors.New("journal version conflict")
	// ErrNotFound covers unresolvable locators and missing rows.
	ErrNotFound = errors.New("not found")
	// ErrBatchState is returned when a batching window is opened while
	// another control block is active on the same entity instance.
	ErrBatchState = errors.New("journal control block already active")
	// ErrNotEditable is returned when the host predicate denies a notes edit.
	ErrNotEditable = errors.New("journal entry not editable")
)

// ErrRetriesExhausted wraps ErrConflict once the coordinator gives up.
var ErrRetriesExhausted = fmt.Errorf("%w: retries exhausted", ErrConflict)
