package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"skillswap/internal/bus"
	"skillswap/internal/domain"
)

// Handler consumes the participant's GDPR queues. Messages are stored under
// local user ids, so both paths first resolve the external subject id; a
// failed resolution is an error reply on export and a logged no-op on
// deletion.
type Handler struct {
	service  *Service
	resolver Resolver
	pub      bus.Publisher
	logger   *slog.Logger
}

func NewHandler(service *Service, resolver Resolver, pub bus.Publisher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, resolver: resolver, pub: pub, logger: logger}
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

	reply := h.buildExportReply(ctx, req)
	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("marshal export reply: %w", err)
	}
	if err := h.pub.Publish(ctx, bus.ExportReplyKey(), body); err != nil {
		return fmt.Errorf("publish export reply: %w", err)
	}
	return nil
}

func (h *Handler) buildExportReply(ctx context.Context, req domain.ExportRequest) domain.ExportReply {
	userID, err := h.resolver.ResolveExternalID(ctx, req.SubjectExternalID)
	if err != nil {
		h.logger.Error("gdpr export identity resolution failed", "correlation_id", req.CorrelationID, "error", err)
		return domain.ErrorReply(req.CorrelationID, ParticipantName, req.SubjectID, err.Error())
	}
	data, err := h.service.ExportUserData(ctx, userID)
	if err != nil {
		h.logger.Error("gdpr export failed", "correlation_id", req.CorrelationID, "error", err)
		return domain.ErrorReply(req.CorrelationID, ParticipantName, req.SubjectID, err.Error())
	}
	return domain.SuccessReply(req.CorrelationID, ParticipantName, req.SubjectID, data)
}

func (h *Handler) handleDeletion(ctx context.Context, d bus.Delivery) error {
	var req domain.DeletionRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		return fmt.Errorf("unmarshal deletion request: %w", err)
	}
	h.logger.Info("received gdpr deletion request", "correlation_id", req.CorrelationID, "subject_id", req.SubjectID, "type", req.DeletionType)

	userID, err := h.resolver.ResolveExternalID(ctx, req.SubjectExternalID)
	if err != nil {
		// Fire and forget: nothing to reply to, so the failure stays local.
		h.logger.Error("gdpr deletion identity resolution failed", "correlation_id", req.CorrelationID, "error", err)
		return nil
	}

	outcome := h.service.DeleteUserData(ctx, userID, req.DeletionType)
	h.logger.Info("gdpr deletion handled",
		"correlation_id", req.CorrelationID,
		"success", outcome.Success,
		"anonymized", outcome.MessagesAnonymized,
		"deleted", outcome.MessagesDeleted,
		"conversations_removed", outcome.ConversationsDeleted)
	return nil
}
