package profile

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// ResolveResponse maps an identity-provider subject to the local user id.
// Consumed by other participants that store records under local ids.
type ResolveResponse struct {
	DatabaseID  uuid.UUID `json:"databaseId"`
	ExternalID  string    `json:"externalId"`
	DisplayName string    `json:"displayName"`
}

// RegisterResolveAPI exposes the internal identity-resolution endpoint.
func RegisterResolveAPI(e *echo.Echo, store *Store) {
	e.GET("/internal/users/resolve/:externalId", func(c echo.Context) error {
		externalID := c.Param("externalId")
		u, ok, err := store.UserByExternalID(c.Request().Context(), externalID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "user not found")
		}
		return c.JSON(http.StatusOK, ResolveResponse{
			DatabaseID:  u.ID,
			ExternalID:  u.ExternalID,
			DisplayName: u.DisplayName,
		})
	})
}
