package enrichment

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/siteoptics/audit-worker/internal/model"
	"github.com/siteoptics/audit-worker/internal/monitoring"
	"github.com/siteoptics/audit-worker/internal/queue"
)

// SendDetections publishes one detection message per configured
// provider (deduplicated, first-seen order), plus the daily variant
// when the job runs on a daily cadence. It is used for normal
// finalization, as the fallback notification on timeout or error,
// and directly by the trigger path when no prompt needs enrichment,
// so it must tolerate partial metadata.
func SendDetections(ctx context.Context, pub queue.Publisher, queueName string, meta *model.JobMetadata) error {
	var version *string
	if meta.ConfigExists {
		v := meta.ConfigVersion
		version = &v
	}

	var errs []error
	seen := make(map[string]struct{}, len(meta.ProvidersToUse))
	for _, provider := range meta.ProvidersToUse {
		if _, dup := seen[provider]; dup {
			continue
		}
		seen[provider] = struct{}{}

		msg := model.DetectionMessage{
			Type:          model.MessageTypeDetect,
			SiteID:        meta.SiteID,
			AuditID:       meta.AuditID,
			Provider:      provider,
			ConfigVersion: version,
			Week:          meta.DateContext.Week,
			Year:          meta.DateContext.Year,
			BaseURL:       meta.BaseURL,
			DeliveryType:  meta.DeliveryType,
		}
		if err := pub.Publish(ctx, queueName, msg); err != nil {
			errs = append(errs, eris.Wrapf(err, "enrichment: notify provider %s", provider))
			continue
		}
		monitoring.NotificationsSent.WithLabelValues(model.MessageTypeDetect).Inc()
	}

	if meta.IsDaily {
		msg := model.DetectionMessage{
			Type:          model.MessageTypeDetectDaily,
			SiteID:        meta.SiteID,
			AuditID:       meta.AuditID,
			ConfigVersion: version,
			Date:          meta.DateContext.Date,
			BaseURL:       meta.BaseURL,
			DeliveryType:  meta.DeliveryType,
		}
		if err := pub.Publish(ctx, queueName, msg); err != nil {
			errs = append(errs, eris.Wrap(err, "enrichment: notify daily"))
		} else {
			monitoring.NotificationsSent.WithLabelValues(model.MessageTypeDetectDaily).Inc()
		}
	}

	return errors.Join(errs...)
}

func (d *Driver) sendDetections(ctx context.Context, meta *model.JobMetadata) error {
	return SendDetections(ctx, d.deps.Queue, d.cfg.DetectionQueue, meta)
}
