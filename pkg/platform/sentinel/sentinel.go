package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers
// return these (optionally wrapped) so services can translate them into domain
// errors.
//
// These represent factual states about records, not validation failures:
// - ErrNotFound: record does not exist in store
// - ErrAlreadyUsed: unique key (code string, referee edge slot) already taken
// - ErrConflict: optimistic write lost against a concurrent transaction
// - ErrInvalidState: record in wrong state for requested mutation
// - ErrUnavailable: backing store temporarily unreachable
//
// For validation errors (bad input, malformed codes), use pkg/domain-errors
// directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
