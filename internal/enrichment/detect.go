package enrichment

import (
	"strings"

	"github.com/siteoptics/audit-worker/internal/model"
)

// DetectionResult reports which prompt records still need a URL.
type DetectionResult struct {
	NeedsEnrichment bool
	IndicesToEnrich []int
}

// DetectIndicesNeedingEnrichment scans prompts in order and returns
// the indices of records that have prompt text but no usable URL.
// Records with blank prompt text are skipped regardless of their URL
// state. Returned indices preserve input order.
func DetectIndicesNeedingEnrichment(prompts []model.Prompt) DetectionResult {
	var indices []int
	for i, p := range prompts {
		if strings.TrimSpace(p.Prompt) == "" {
			continue
		}
		if strings.TrimSpace(p.URL) == "" {
			indices = append(indices, i)
		}
	}
	return DetectionResult{
		NeedsEnrichment: len(indices) > 0,
		IndicesToEnrich: indices,
	}
}
