// Package messaging is the messaging participant: it owns conversations and
// messages and answers GDPR export and deletion requests for that partition
// of a subject's data.
//
// Deletion is deliberately asymmetric. Messages the subject received are
// theirs alone and are purged; messages the subject sent are part of the
// counterpart's conversation history and are anonymized instead of deleted.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"skillswap/internal/domain"

	"github.com/google/uuid"
)

const ParticipantName = "message-service"

type ExportData struct {
	ServiceName      string               `json:"serviceName"`
	ExportedAt       time.Time            `json:"exportedAt"`
	Conversations    []ConversationExport `json:"conversations"`
	MessagesSent     []MessageExport      `json:"messagesSent"`
	MessagesReceived []MessageExport      `json:"messagesReceived"`
	Summary          ExportSummary        `json:"summary"`
}

type ConversationExport struct {
	ID               uuid.UUID `json:"id"`
	OtherParticipant uuid.UUID `json:"otherParticipant"`
	CreatedAt        time.Time `json:"createdAt"`
	LastMessageAt    time.Time `json:"lastMessageAt,omitempty"`
}

type MessageExport struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversationId"`
	Counterpart    uuid.UUID `json:"counterpart"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
	ReadAt         time.Time `json:"readAt,omitempty"`
	Sent           bool      `json:"sent"`
}

type ExportSummary struct {
	TotalConversations    int `json:"totalConversations"`
	TotalMessagesSent     int `json:"totalMessagesSent"`
	TotalMessagesReceived int `json:"totalMessagesReceived"`
}

// DeletionOutcome stays local; it is never transmitted back to the requester.
type DeletionOutcome struct {
	ServiceName          string
	SubjectID            uuid.UUID
	DeletedAt            time.Time
	MessagesAnonymized   int
	MessagesDeleted      int
	ConversationsDeleted int
	Success              bool
	ErrorMessage         string
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

// ExportUserData reads every conversation and message belonging to the user.
func (s *Service) ExportUserData(ctx context.Context, userID uuid.UUID) (ExportData, error) {
	conversations, err := s.store.ConversationsByUser(ctx, userID)
	if err != nil {
		return ExportData{}, fmt.Errorf("load conversations: %w", err)
	}
	sent, err := s.store.MessagesBySender(ctx, userID)
	if err != nil {
		return ExportData{}, fmt.Errorf("load sent messages: %w", err)
	}
	received, err := s.store.MessagesByRecipient(ctx, userID)
	if err != nil {
		return ExportData{}, fmt.Errorf("load received messages: %w", err)
	}

	convExports := make([]ConversationExport, 0, len(conversations))
	for _, c := range conversations {
		convExports = append(convExports, ConversationExport{
			ID:               c.ID,
			OtherParticipant: c.OtherParticipant(userID),
			CreatedAt:        c.CreatedAt,
			LastMessageAt:    c.LastMessageAt,
		})
	}
	sentExports := make([]MessageExport, 0, len(sent))
	for _, m := range sent {
		sentExports = append(sentExports, toMessageExport(m, true))
	}
	receivedExports := make([]MessageExport, 0, len(received))
	for _, m := range received {
		receivedExports = append(receivedExports, toMessageExport(m, false))
	}

	s.logger.Info("messaging export completed", "user_id", userID,
		"conversations", len(conversations), "sent", len(sent), "received", len(received))

	return ExportData{
		ServiceName:      ParticipantName,
		ExportedAt:       time.Now().UTC(),
		Conversations:    convExports,
		MessagesSent:     sentExports,
		MessagesReceived: receivedExports,
		Summary: ExportSummary{
			TotalConversations:    len(conversations),
			TotalMessagesSent:     len(sent),
			TotalMessagesReceived: len(received),
		},
	}, nil
}

// DeleteUserData applies the deletion policy for this participant. Both
// policies anonymize sent messages and purge received ones; they differ only
// upstream (the profile participant treats them differently). After the
// per-record pass, conversations left with zero messages are removed.
func (s *Service) DeleteUserData(ctx context.Context, userID uuid.UUID, deletionType domain.DeletionType) DeletionOutcome {
	s.logger.Info("messaging deletion requested", "user_id", userID, "type", deletionType)

	anonymized, err := s.store.AnonymizeMessagesBySender(ctx, userID)
	if err != nil {
		return s.failure(userID, err)
	}
	deleted, err := s.store.DeleteMessagesByRecipient(ctx, userID)
	if err != nil {
		return s.failure(userID, err)
	}
	conversationsDeleted, err := s.store.DeleteEmptyConversations(ctx, userID)
	if err != nil {
		return s.failure(userID, err)
	}

	s.logger.Info("messaging deletion completed", "user_id", userID,
		"anonymized", anonymized, "deleted", deleted, "conversations_removed", conversationsDeleted)
	return DeletionOutcome{
		ServiceName:          ParticipantName,
		SubjectID:            userID,
		DeletedAt:            time.Now().UTC(),
		MessagesAnonymized:   anonymized,
		MessagesDeleted:      deleted,
		ConversationsDeleted: conversationsDeleted,
		Success:              true,
	}
}

func (s *Service) failure(userID uuid.UUID, err error) DeletionOutcome {
	s.logger.Error("messaging deletion failed", "user_id", userID, "error", err)
	return DeletionOutcome{
		ServiceName:  ParticipantName,
		SubjectID:    userID,
		DeletedAt:    time.Now().UTC(),
		Success:      false,
		ErrorMessage: err.Error(),
	}
}

func toMessageExport(m Message, sent bool) MessageExport {
	counterpart := m.SenderID
	if sent {
		counterpart = m.RecipientID
	}
	return MessageExport{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Counterpart:    counterpart,
		Body:           m.Body,
		CreatedAt:      m.CreatedAt,
		ReadAt:         m.ReadAt,
		Sent:           sent,
	}
}
