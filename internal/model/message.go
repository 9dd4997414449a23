package model

// Queue message type tags. These are shared with the upstream trigger
// and the downstream detection service; changing them breaks both.
const (
	MessageTypeURLEnrichment = "enrich:geo-brand-presence-json"
	MessageTypeDetect        = "detect:geo-brand-presence"
	MessageTypeDetectDaily   = "detect:geo-brand-presence-daily"
)

// ContinuationMessage re-invokes the enrichment driver for the next
// batch of one job. batchStart is the only cursor state; everything
// else is reloaded from the object store.
type ContinuationMessage struct {
	Type       string `json:"type"`
	AuditID    string `json:"auditId"`
	SiteID     string `json:"siteId"`
	BatchStart int    `json:"batchStart"`
}

// DetectionMessage tells the downstream detection service to run
// brand-presence detection for one site/provider pair. ConfigVersion
// is a pointer so that "site has no detection config" serializes as
// an explicit null rather than being omitted.
type DetectionMessage struct {
	Type          string  `json:"type"`
	SiteID        string  `json:"siteId"`
	AuditID       string  `json:"auditId,omitempty"`
	Provider      string  `json:"provider,omitempty"`
	ConfigVersion *string `json:"config_version"`
	Date          string  `json:"date,omitempty"`
	Week          int     `json:"week,omitempty"`
	Year          int     `json:"year,omitempty"`
	BaseURL       string  `json:"url,omitempty"`
	DeliveryType  string  `json:"deliveryType,omitempty"`
}
