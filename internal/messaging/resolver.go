package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Resolver maps an identity-provider subject to the local user id messages
// are stored under. Resolution may itself fail; export treats that as a
// reportable error, deletion logs and gives up.
type Resolver interface {
	ResolveExternalID(ctx context.Context, externalID string) (uuid.UUID, error)
}

var ErrUserNotFound = fmt.Errorf("user not found")

// HTTPResolver asks the profile service's internal resolve endpoint.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewHTTPResolver(baseURL string, logger *slog.Logger) *HTTPResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
	}
}

func (r *HTTPResolver) ResolveExternalID(ctx context.Context, externalID string) (uuid.UUID, error) {
	target := fmt.Sprintf("%s/internal/users/resolve/%s", r.baseURL, url.PathEscape(externalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("build resolve request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve external id: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return uuid.Nil, fmt.Errorf("%w for external id %s", ErrUserNotFound, externalID)
	default:
		return uuid.Nil, fmt.Errorf("resolve external id: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		DatabaseID uuid.UUID `json:"databaseId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return uuid.Nil, fmt.Errorf("decode resolve response: %w", err)
	}
	if body.DatabaseID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w for external id %s", ErrUserNotFound, externalID)
	}
	return body.DatabaseID, nil
}
