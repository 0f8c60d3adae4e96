package audit

import (
	"context"
	"time"

	id "tally/pkg/domain"
)

// Event is emitted from domain logic to capture key referral actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	UserID    id.UserID `json:"user_id"`
	Action    string    `json:"action"`
	// Code is the referral code involved, when one is.
	Code string `json:"code,omitempty"`
	// ActorID tracks who performed the action when different from UserID,
	// e.g. the operator triggering a consistency run.
	ActorID string `json:"actor_id,omitempty"`
	// Reason carries rejection reasons and repair detail.
	Reason string `json:"reason,omitempty"`
	// RequestID is the correlation ID from HTTP request context.
	RequestID string `json:"request_id,omitempty"`
}

type AuditEvent string

const (
	EventCodeReserved        AuditEvent = "code_reserved"
	EventReferralApplied     AuditEvent = "referral_applied"
	EventReferralRejected    AuditEvent = "referral_rejected"
	EventConsistencyRepaired AuditEvent = "consistency_repaired"
	EventOperatorSeeded      AuditEvent = "operator_seeded"
)

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByUser(ctx context.Context, userID id.UserID) ([]Event, error)
}
