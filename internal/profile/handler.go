package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"skillswap/internal/bus"
	"skillswap/internal/domain"
)

// Handler consumes the participant's GDPR queues. The export contract is
// exactly one reply per request: any failure becomes an error reply, because
// the aggregator cannot tell a silent failure from a slow participant.
type Handler struct {
	service *Service
	pub     bus.Publisher
	logger  *slog.Logger
}

func NewHandler(service *Service, pub bus.Publisher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, pub: pub, logger: logger}
}

func (h *Handler) Register(sub bus.Subscriber) error {
	if err := sub.Subscribe(bus.ExportRequestKey(ParticipantName), h.handleExport); err != nil {
		return err
	}
	return sub.Subscribe(bus.DeletionRequestKey(ParticipantName), h.handleDeletion)
}

func (h *Handler) handleExport(ctx context.Context, d bus.Delivery) error {
	var req domain.ExportRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		return fmt.Errorf("unmarshal export request: %w", err)
	}
	h.logger.Info("received gdpr export request", "correlation_id", req.CorrelationID, "subject_id", req.SubjectID)

	var reply domain.ExportReply
	data, err := h.service.ExportByExternalID(ctx, req.SubjectExternalID)
	if err != nil {
		h.logger.Error("gdpr export failed", "correlation_id", req.CorrelationID, "error", err)
		reply = domain.ErrorReply(req.CorrelationID, ParticipantName, req.SubjectID, err.Error())
	} else {
		reply = domain.SuccessReply(req.CorrelationID, ParticipantName, req.SubjectID, data)
	}

	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("marshal export reply: %w", err)
	}
	if err := h.pub.Publish(ctx, bus.ExportReplyKey(), body); err != nil {
		return fmt.Errorf("publish export reply: %w", err)
	}
	return nil
}

func (h *Handler) handleDeletion(ctx context.Context, d bus.Delivery) error {
	var req domain.DeletionRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		return fmt.Errorf("unmarshal deletion request: %w", err)
	}
	h.logger.Info("received gdpr deletion request", "correlation_id", req.CorrelationID, "subject_id", req.SubjectID, "type", req.DeletionType)

	// Fire and forget: the outcome stays local, success or not.
	outcome := h.service.DeleteByExternalID(ctx, req.SubjectExternalID, req.DeletionType)
	h.logger.Info("gdpr deletion handled",
		"correlation_id", req.CorrelationID,
		"success", outcome.Success,
		"skills_deleted", outcome.SkillsDeleted,
		"message", outcome.Message)
	return nil
}
