// Package profile is the identity/profile participant: it owns users, their
// skills and the privacy-event audit trail, and answers GDPR export and
// deletion requests for that partition of a subject's data.
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"skillswap/internal/domain"

	"github.com/google/uuid"
)

const ParticipantName = "user-service"

// ExportData is the participant-specific export payload.
type ExportData struct {
	ServiceName   string             `json:"serviceName"`
	ExportedAt    time.Time          `json:"exportedAt"`
	User          UserData           `json:"user"`
	Skills        []SkillData        `json:"skills"`
	PrivacyEvents []PrivacyEventData `json:"privacyEvents"`
	Summary       ExportSummary      `json:"summary"`
}

type UserData struct {
	ID            uuid.UUID `json:"id"`
	ExternalID    string    `json:"externalId"`
	Email         string    `json:"email"`
	DisplayName   string    `json:"displayName"`
	TimeZone      string    `json:"timeZone"`
	Bio           string    `json:"bio"`
	Active        bool      `json:"active"`
	AllowMatching bool      `json:"allowMatching"`
	AllowEmails   bool      `json:"allowEmails"`
	CreatedAt     time.Time `json:"createdAt"`
}

type SkillData struct {
	Name        string `json:"name"`
	Level       string `json:"level"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

type PrivacyEventData struct {
	EventType string    `json:"eventType"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type ExportSummary struct {
	TotalSkills        int `json:"totalSkills"`
	TotalPrivacyEvents int `json:"totalPrivacyEvents"`
}

// DeletionOutcome is local only: it is logged and audited, never transmitted
// back across the bus.
type DeletionOutcome struct {
	ServiceName   string
	ExternalID    string
	DeletedAt     time.Time
	Success       bool
	SkillsDeleted int
	Message       string
}

type Service struct {
	store  *Store
	logger *slog.Logger
}

func NewService(store *Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// ExportByExternalID reads everything the profile service holds about the
// subject. Every export is itself audited as a privacy event.
func (s *Service) ExportByExternalID(ctx context.Context, externalID string) (ExportData, error) {
	u, ok, err := s.store.UserByExternalID(ctx, externalID)
	if err != nil {
		return ExportData{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return ExportData{}, fmt.Errorf("user not found for external id %s", externalID)
	}

	skills, err := s.store.SkillsByUser(ctx, u.ID)
	if err != nil {
		return ExportData{}, fmt.Errorf("load skills: %w", err)
	}
	events, err := s.store.PrivacyEventsByUser(ctx, u.ID)
	if err != nil {
		return ExportData{}, fmt.Errorf("load privacy events: %w", err)
	}
	if err := s.store.RecordPrivacyEvent(ctx, u.ID, EventDataExported, ""); err != nil {
		return ExportData{}, fmt.Errorf("audit export: %w", err)
	}

	skillData := make([]SkillData, 0, len(skills))
	for _, sk := range skills {
		skillData = append(skillData, SkillData{Name: sk.Name, Level: sk.Level, Category: sk.Category, Description: sk.Description})
	}
	eventData := make([]PrivacyEventData, 0, len(events))
	for _, ev := range events {
		eventData = append(eventData, PrivacyEventData{EventType: ev.EventType, Details: ev.Details, CreatedAt: ev.CreatedAt})
	}

	s.logger.Info("profile export completed", "user_id", u.ID, "skills", len(skills), "privacy_events", len(events))
	return ExportData{
		ServiceName: ParticipantName,
		ExportedAt:  time.Now().UTC(),
		User: UserData{
			ID:            u.ID,
			ExternalID:    u.ExternalID,
			Email:         u.Email,
			DisplayName:   u.DisplayName,
			TimeZone:      u.TimeZone,
			Bio:           u.Bio,
			Active:        u.Active,
			AllowMatching: u.AllowMatching,
			AllowEmails:   u.AllowEmails,
			CreatedAt:     u.CreatedAt,
		},
		Skills:        skillData,
		PrivacyEvents: eventData,
		Summary:       ExportSummary{TotalSkills: len(skills), TotalPrivacyEvents: len(events)},
	}, nil
}

// DeleteByExternalID applies the deletion policy. FULL purges skills and soft
// deletes the account; ANONYMIZE scrubs identifying fields but keeps the row.
// Failures are returned as an outcome, never raised across the bus.
func (s *Service) DeleteByExternalID(ctx context.Context, externalID string, deletionType domain.DeletionType) DeletionOutcome {
	u, ok, err := s.store.UserByExternalID(ctx, externalID)
	if err != nil {
		return s.failure(externalID, fmt.Sprintf("load user: %v", err))
	}
	if !ok {
		s.logger.Warn("profile deletion: user not found", "external_id", externalID)
		return s.failure(externalID, "user not found")
	}

	now := time.Now().UTC()
	switch deletionType {
	case domain.DeletionFull:
		skillsDeleted, err := s.store.DeleteSkillsByUser(ctx, u.ID)
		if err != nil {
			return s.failure(externalID, err.Error())
		}
		if err := s.store.SoftDeleteUser(ctx, u.ID, now); err != nil {
			return s.failure(externalID, err.Error())
		}
		if err := s.store.RecordPrivacyEvent(ctx, u.ID, EventAccountDeleted, ""); err != nil {
			return s.failure(externalID, err.Error())
		}
		s.logger.Info("profile full deletion completed", "user_id", u.ID, "skills_deleted", skillsDeleted)
		return DeletionOutcome{ServiceName: ParticipantName, ExternalID: externalID, DeletedAt: now, Success: true, SkillsDeleted: skillsDeleted, Message: "user and skills deleted"}
	default:
		if err := s.store.AnonymizeUser(ctx, u.ID); err != nil {
			return s.failure(externalID, err.Error())
		}
		if err := s.store.RecordPrivacyEvent(ctx, u.ID, EventAccountDeleted, "anonymized"); err != nil {
			return s.failure(externalID, err.Error())
		}
		s.logger.Info("profile anonymization completed", "user_id", u.ID)
		return DeletionOutcome{ServiceName: ParticipantName, ExternalID: externalID, DeletedAt: now, Success: true, Message: "user data anonymized"}
	}
}

func (s *Service) failure(externalID, msg string) DeletionOutcome {
	s.logger.Error("profile deletion failed", "external_id", externalID, "error", msg)
	return DeletionOutcome{ServiceName: ParticipantName, ExternalID: externalID, DeletedAt: time.Now().UTC(), Success: false, Message: msg}
}
