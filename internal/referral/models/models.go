package models

import (
	"time"

	id "tally/pkg/domain"
)

// User is the authoritative record for "my code" and "who referred me".
// ReferralCode is set at most once, lazily, on first reservation.
// ReferredBy is set at most once and never overwritten afterwards.
// DirectCount equals the number of edges where this user is the referrer;
// the auditor re-verifies that equality.
type User struct {
	ID           id.UserID
	ReferralCode string
	ReferredBy   *id.UserID
	DirectCount  int
	Operator     bool
	CreatedAt    time.Time
}

// CodeRecord is the uniqueness anchor: the code string maps to at most one
// owner. A record, once created, is never reassigned to a different owner by
// normal operation; only the auditor may rewrite a record to re-align it with
// the authoritative User.ReferralCode.
type CodeRecord struct {
	Code       string
	OwnerID    id.UserID
	ReservedAt time.Time
}

// Edge is a single referrer→referee relationship. At most one edge exists per
// referee, globally.
type Edge struct {
	ReferrerID id.UserID
	RefereeID  id.UserID
	CreatedAt  time.Time
}

// ApplyReason explains the outcome of a successful apply call.
type ApplyReason string

const (
	ApplyReasonApplied        ApplyReason = "applied"
	ApplyReasonAlreadyApplied ApplyReason = "already_applied"
)

// ApplyResult is the tagged outcome of applying a referral code.
type ApplyResult struct {
	Applied bool        `json:"applied"`
	Reason  ApplyReason `json:"reason"`
}

// Stats is the read-only view of a user's referral standing.
type Stats struct {
	Code          string `json:"code"`
	DirectCount   int    `json:"direct_count"`
	IndirectCount int    `json:"indirect_count"`
}

// Discrepancy classifies drift found by the consistency auditor.
type Discrepancy string

const (
	DiscrepancyMissingCode    Discrepancy = "missing_code"
	DiscrepancyMismatchedCode Discrepancy = "mismatched_code_record"
	DiscrepancyDriftedCounter Discrepancy = "drifted_counter"
)

// RepairAction records what the auditor did about a discrepancy.
type RepairAction string

const (
	RepairActionReservedCode      RepairAction = "reserved_code"
	RepairActionRewroteCodeRecord RepairAction = "rewrote_code_record"
	RepairActionAdoptedOwnedCode  RepairAction = "adopted_owned_code"
	RepairActionRecountedEdges    RepairAction = "recounted_edges"
)

// Repair is one entry of the auditor's consistency report.
type Repair struct {
	UserID      id.UserID    `json:"user_id"`
	Discrepancy Discrepancy  `json:"discrepancy"`
	Action      RepairAction `json:"action"`
	Detail      string       `json:"detail,omitempty"`
}

// Report is the transient outcome of one auditor run. It is an audit trail,
// not authoritative state.
type Report struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Scanned    int       `json:"scanned"`
	Repairs    []Repair  `json:"repairs"`
}
