package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeletionType selects the per-participant deletion policy.
type DeletionType string

const (
	DeletionFull      DeletionType = "FULL"
	DeletionAnonymize DeletionType = "ANONYMIZE"
)

func ParseDeletionType(s string) (DeletionType, error) {
	switch DeletionType(strings.ToUpper(strings.TrimSpace(s))) {
	case DeletionFull:
		return DeletionFull, nil
	case DeletionAnonymize:
		return DeletionAnonymize, nil
	}
	return "", fmt.Errorf("invalid deletion type %q: use FULL or ANONYMIZE", s)
}

// ExportRequest is published once per participant routing key. The same
// payload goes to every participant; only the routing key differs.
type ExportRequest struct {
	CorrelationID     uuid.UUID `json:"correlationId"`
	SubjectID         uuid.UUID `json:"subjectId"`
	SubjectExternalID string    `json:"subjectExternalId"`
	RequestedAt       time.Time `json:"requestedAt"`
}

// ExportReply is published by a participant on the shared reply routing key.
// Exactly one reply per participant per correlation id under normal operation.
type ExportReply struct {
	CorrelationID   uuid.UUID `json:"correlationId"`
	ParticipantName string    `json:"participantName"`
	SubjectID       uuid.UUID `json:"subjectId"`
	RespondedAt     time.Time `json:"respondedAt"`
	Success         bool      `json:"success"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	Data            any       `json:"data,omitempty"`
}

func SuccessReply(correlationID uuid.UUID, participant string, subjectID uuid.UUID, data any) ExportReply {
	return ExportReply{
		CorrelationID:   correlationID,
		ParticipantName: participant,
		SubjectID:       subjectID,
		RespondedAt:     time.Now().UTC(),
		Success:         true,
		Data:            data,
	}
}

func ErrorReply(correlationID uuid.UUID, participant string, subjectID uuid.UUID, msg string) ExportReply {
	return ExportReply{
		CorrelationID:   correlationID,
		ParticipantName: participant,
		SubjectID:       subjectID,
		RespondedAt:     time.Now().UTC(),
		Success:         false,
		ErrorMessage:    msg,
	}
}

// AggregatedExport is the terminal, caller-visible export artifact. Partial
// failure lives inside Errors; it is never surfaced as a transport error.
type AggregatedExport struct {
	CorrelationID uuid.UUID         `json:"correlationId"`
	SubjectID     uuid.UUID         `json:"subjectId"`
	ProducedAt    time.Time         `json:"producedAt"`
	Data          map[string]any    `json:"data"`
	Errors        map[string]string `json:"errors"`
}

func (a AggregatedExport) HasErrors() bool { return len(a.Errors) > 0 }

// TimeoutKey is the reserved Errors key for the synthetic entry added when the
// aggregation deadline expires before every participant has replied.
const TimeoutKey = "timeout"

// DeletionRequest is published once per participant routing key. Fire and
// forget: no reply type exists and no aggregation state is created.
type DeletionRequest struct {
	CorrelationID     uuid.UUID    `json:"correlationId"`
	SubjectID         uuid.UUID    `json:"subjectId"`
	SubjectExternalID string       `json:"subjectExternalId"`
	RequestedAt       time.Time    `json:"requestedAt"`
	DeletionType      DeletionType `json:"deletionType"`
}
