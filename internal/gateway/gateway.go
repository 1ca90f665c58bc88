// Package gateway is the coordinator-facing HTTP boundary. Export always
// answers 200 with the aggregated body (partial failure lives inside it);
// deletion answers 202 immediately after the fan-out is published.
package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"skillswap/internal/domain"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// subjectHeader carries the authenticated subject identity. Authentication
// itself happens upstream; the gateway trusts this header.
const subjectHeader = "X-Subject-Id"

// Orchestrator is the protocol surface the gateway drives.
type Orchestrator interface {
	RequestExport(ctx context.Context, subjectID uuid.UUID, subjectExternalID string) (domain.AggregatedExport, error)
	RequestDeletion(ctx context.Context, subjectID uuid.UUID, subjectExternalID string, deletionType domain.DeletionType) error
}

type API struct {
	orch   Orchestrator
	logger *slog.Logger
}

func NewAPI(orch Orchestrator, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{orch: orch, logger: logger}
}

func (a *API) Register(e *echo.Echo) {
	g := e.Group("/api/gdpr")
	g.GET("/export", a.export)
	g.DELETE("/delete", a.delete)
	g.GET("/info", a.info)
}

func (a *API) export(c echo.Context) error {
	subjectID, externalID, err := subjectFrom(c)
	if err != nil {
		return err
	}
	a.logger.Info("gdpr export requested", "subject", externalID)

	result, err := a.orch.RequestExport(c.Request().Context(), subjectID, externalID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if result.HasErrors() {
		a.logger.Warn("gdpr export completed with errors", "subject", externalID, "errors", result.Errors)
	}
	return c.JSON(http.StatusOK, result)
}

func (a *API) delete(c echo.Context) error {
	subjectID, externalID, err := subjectFrom(c)
	if err != nil {
		return err
	}

	typeParam := c.QueryParam("type")
	if typeParam == "" {
		typeParam = string(domain.DeletionAnonymize)
	}
	deletionType, err := domain.ParseDeletionType(typeParam)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	a.logger.Info("gdpr deletion requested", "subject", externalID, "type", deletionType)
	if err := a.orch.RequestDeletion(c.Request().Context(), subjectID, externalID, deletionType); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"message": "Deletion request has been submitted. Your data will be deleted/anonymized across all services.",
		"type":    string(deletionType),
	})
}

func (a *API) info(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"rights": map[string]string{
			"export":    "You can export all your personal data at any time",
			"delete":    "You can request deletion of your data",
			"anonymize": "You can request anonymization of your data",
		},
		"dataCategories": map[string]string{
			"user-service":    "Profile information, skills, preferences, privacy events",
			"message-service": "Conversations and messages",
		},
		"retentionPolicy": "Data is retained until you request deletion",
		"endpoints": map[string]string{
			"export": "GET /api/gdpr/export",
			"delete": "DELETE /api/gdpr/delete?type=FULL|ANONYMIZE",
		},
	})
}

func subjectFrom(c echo.Context) (uuid.UUID, string, error) {
	externalID := c.Request().Header.Get(subjectHeader)
	if externalID == "" {
		return uuid.Nil, "", echo.NewHTTPError(http.StatusUnauthorized, "missing subject identity")
	}
	subjectID, err := uuid.Parse(externalID)
	if err != nil {
		return uuid.Nil, "", echo.NewHTTPError(http.StatusBadRequest, "subject identity must be a UUID")
	}
	return subjectID, externalID, nil
}
