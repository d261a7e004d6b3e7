package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/xerosync/internal/domain/model"
)

// SourceClient reads paginated remote entities for a tenant.
//
// Errors are marked with ErrRateLimited (retry the same cursor after a
// delay), ErrUnauthorized (refresh the token and retry once) or ErrNotFound.
type SourceClient interface {
	// FetchPage returns one page of raw records modified after modifiedSince
	// (nil for a full scan) starting at pageToken ("" for the first page).
	FetchPage(ctx context.Context, cred model.Credential, entity model.EntityType, modifiedSince *time.Time, pageToken string) (model.Page, error)
}
