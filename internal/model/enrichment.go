package model

import "time"

// Prompt is one brand-presence prompt record stored in the prompts
// blob. Field names are part of the stored JSON contract and must not
// change.
type Prompt struct {
	Prompt     string `json:"prompt"`
	URL        string `json:"url,omitempty"`
	Source     string `json:"source,omitempty"`
	RelatedURL string `json:"relatedUrl,omitempty"`
	Region     string `json:"region,omitempty"`
	Category   string `json:"category,omitempty"`
	Topic      string `json:"topic,omitempty"`
}

// DateContext pins an enrichment job to the reporting period it was
// triggered for.
type DateContext struct {
	Date string `json:"date,omitempty"` // YYYY-MM-DD
	Week int    `json:"week,omitempty"` // ISO week
	Year int    `json:"year,omitempty"`
}

// JobMetadata describes one logical enrichment run. Written once when
// the job is triggered, read by every continuation, never mutated.
type JobMetadata struct {
	AuditID         string      `json:"auditId"`
	SiteID          string      `json:"siteId"`
	BaseURL         string      `json:"baseURL"`
	DeliveryType    string      `json:"deliveryType"`
	DateContext     DateContext `json:"dateContext"`
	ProvidersToUse  []string    `json:"providersToUse"`
	IsDaily         bool        `json:"isDaily"`
	ConfigVersion   string      `json:"configVersion,omitempty"`
	ConfigExists    bool        `json:"configExists"`
	IndicesToEnrich []int       `json:"indicesToEnrich"`
	// OpportunityID names the finding recorded when the job was
	// triggered, so the final continuation can mark it resolved.
	OpportunityID string    `json:"opportunityId,omitempty"`
	LockID        string    `json:"lockId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Lock is the mutual-exclusion record for one (siteId, lockId) pair.
// At most one non-expired lock should exist per pair; a lock older
// than the enrichment timeout is abandoned and may be taken over.
type Lock struct {
	AuditID   string    `json:"auditId"`
	SiteID    string    `json:"siteId"`
	LockID    string    `json:"lockId"`
	StartedAt time.Time `json:"startedAt"`
}
