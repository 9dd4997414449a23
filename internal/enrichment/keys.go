package enrichment

import "fmt"

// Object-store key layout for one enrichment job. Other services read
// these blobs directly, so the layout is a compatibility contract.
const keyPrefix = "temp/url-enrichment"

// MetadataKey is where a job's immutable metadata lives.
func MetadataKey(auditID string) string {
	return fmt.Sprintf("%s/%s/metadata.json", keyPrefix, auditID)
}

// PromptsKey is where a job's prompt records live.
func PromptsKey(auditID string) string {
	return fmt.Sprintf("%s/%s/prompts.json", keyPrefix, auditID)
}

// LockKey is where the mutual-exclusion record for one site and
// reporting period lives.
func LockKey(siteID, lockID string) string {
	return fmt.Sprintf("%s/locks/%s/%s.json", keyPrefix, siteID, lockID)
}
