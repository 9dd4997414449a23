package model

import "time"

// OpportunityStatus represents the review state of an opportunity.
type OpportunityStatus string

const (
	OpportunityStatusNew        OpportunityStatus = "new"
	OpportunityStatusInProgress OpportunityStatus = "in_progress"
	OpportunityStatusResolved   OpportunityStatus = "resolved"
	OpportunityStatusIgnored    OpportunityStatus = "ignored"
)

// Opportunity is an audit finding surfaced to the customer: a site has
// prompts without citation URLs, pages failing vitals, and so on. Each
// audit run writes at most one opportunity per type per site.
type Opportunity struct {
	ID          string            `json:"id"`
	SiteID      string            `json:"site_id"`
	AuditID     string            `json:"audit_id"`
	Type        string            `json:"type"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Status      OpportunityStatus `json:"status"`
	Data        map[string]any    `json:"data,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// SuggestionStatus represents the review state of a suggestion.
type SuggestionStatus string

const (
	SuggestionStatusNew      SuggestionStatus = "new"
	SuggestionStatusApproved SuggestionStatus = "approved"
	SuggestionStatusSkipped  SuggestionStatus = "skipped"
)

// Suggestion is one actionable item under an opportunity, ranked
// within its parent.
type Suggestion struct {
	ID            string           `json:"id"`
	OpportunityID string           `json:"opportunity_id"`
	Type          string           `json:"type"`
	Rank          int              `json:"rank"`
	Status        SuggestionStatus `json:"status"`
	Data          map[string]any   `json:"data,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}
