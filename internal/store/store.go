// Package store persists sites, audit opportunities, and the dead
// letter queue behind a single interface with Postgres and SQLite
// backends. Postgres is the deployment target; SQLite serves local
// development and tests.
package store

import (
	"context"
	"time"

	"github.com/siteoptics/audit-worker/internal/model"
	"github.com/siteoptics/audit-worker/internal/resilience"
)

// SiteFilter specifies criteria for listing sites.
type SiteFilter struct {
	DeliveryType model.DeliveryType `json:"delivery_type,omitempty"`
	Limit        int                `json:"limit,omitempty"`
	Offset       int                `json:"offset,omitempty"`
}

// OpportunityFilter specifies criteria for listing opportunities.
// A zero CreatedAfter places no lower bound on creation time.
type OpportunityFilter struct {
	SiteID       string                  `json:"site_id,omitempty"`
	Status       model.OpportunityStatus `json:"status,omitempty"`
	CreatedAfter time.Time               `json:"created_after,omitempty"`
	Limit        int                     `json:"limit,omitempty"`
	Offset       int                     `json:"offset,omitempty"`
}

// Store defines the persistence interface for the audit worker.
// Single-record getters return (nil, nil) when nothing matches,
// reserving errors for lookup failures.
type Store interface {
	// Sites. ImportSites bulk-upserts keyed by base URL: existing
	// sites keep their id, name and delivery type are overwritten.
	CreateSite(ctx context.Context, site model.Site) (*model.Site, error)
	GetSite(ctx context.Context, siteID string) (*model.Site, error)
	GetSiteByBaseURL(ctx context.Context, baseURL string) (*model.Site, error)
	ListSites(ctx context.Context, filter SiteFilter) ([]model.Site, error)
	ImportSites(ctx context.Context, sites []model.Site) (int64, error)

	// Opportunities
	CreateOpportunity(ctx context.Context, opp model.Opportunity) (*model.Opportunity, error)
	UpdateOpportunityStatus(ctx context.Context, oppID string, status model.OpportunityStatus) error
	ListOpportunities(ctx context.Context, filter OpportunityFilter) ([]model.Opportunity, error)
	CountOpportunities(ctx context.Context, filter OpportunityFilter) (int, error)

	// Suggestions
	AddSuggestions(ctx context.Context, opportunityID string, suggestions []model.Suggestion) ([]model.Suggestion, error)
	ListSuggestions(ctx context.Context, opportunityID string) ([]model.Suggestion, error)

	// Dead letter queue. DequeueDLQ returns only entries due for
	// replay; ListDLQ returns everything matching the filter, including
	// exhausted and poison entries.
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
