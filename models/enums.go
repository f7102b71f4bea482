package models

import "errors"

type SessionStatus string

const (
	SessionStatusOpen      SessionStatus = "OPEN"
	SessionStatusFinalized SessionStatus = "FINALIZED"
)

type ParticipantStatus string

const (
	ParticipantStatusActive   ParticipantStatus = "ACTIVE"
	ParticipantStatusInactive ParticipantStatus = "INACTIVE"
)

type OutboxPublishStatus string

const (
	OutboxPublishStatusPending   OutboxPublishStatus = "PENDING"
	OutboxPublishStatusPublished OutboxPublishStatus = "PUBLISHED"
	OutboxPublishStatusFailed    OutboxPublishStatus = "FAILED"
)

// Terminal errors surfaced to API callers. Duplicate idempotency keys are
// NOT an error anywhere in this package; they are silently dropped.
var (
	ErrorSessionNotOpen          = errors.New("session is not open")
	ErrorSessionFinalized        = errors.New("session already finalized")
	ErrorParticipantNotInSession = errors.New("participant does not belong to session")
)
