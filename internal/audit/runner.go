// Package audit drives the lifecycle around one enrichment job: the
// trigger that starts a continuation chain (or short-circuits it when
// nothing needs work), the opportunity and suggestion records written
// for the customer, and the job-status read used by operators.
//
// The continuation chain itself lives in internal/enrichment; this
// package owns everything that happens before the first queue message
// and after the last one.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/siteoptics/audit-worker/internal/enrichment"
	"github.com/siteoptics/audit-worker/internal/model"
	"github.com/siteoptics/audit-worker/internal/monitoring"
	"github.com/siteoptics/audit-worker/internal/objstore"
	"github.com/siteoptics/audit-worker/internal/queue"
	"github.com/siteoptics/audit-worker/internal/resilience"
)

// DefaultMaxPrompts bounds how many prompt records one trigger may
// carry. The chain handles large sets fine; the cap exists to reject
// obviously broken uploads before they burn URL-generation quota.
const DefaultMaxPrompts = 5000

// Record types written for the customer when an audit runs.
const (
	OpportunityTypeBrandPresence = "geo-brand-presence"
	SuggestionTypeEnrichURL      = "enrich-url"
)

var (
	// ErrInvalidRequest reports a trigger request the runner refused
	// before doing any work: no prompts, too many prompts, an unknown
	// cadence, a malformed date, or no site named.
	ErrInvalidRequest = eris.New("audit: invalid trigger request")
	// ErrSiteNotFound reports that the trigger names no registered site.
	ErrSiteNotFound = eris.New("audit: site not found")
	// ErrJobRunning reports that a fresh lock for the same site and
	// reporting period is held by another audit.
	ErrJobRunning = eris.New("audit: enrichment already running for this site and period")
	// ErrJobNotFound reports that no metadata exists for the audit id.
	ErrJobNotFound = eris.New("audit: job not found")
)

// Config holds the runner settings. Bucket, queues, and timeout mirror
// the coordinator's so both ends of the chain agree on them.
type Config struct {
	Bucket            string
	ContinuationQueue string
	DetectionQueue    string
	Timeout           time.Duration
	MaxPrompts        int
	DefaultProviders  []string
	// Retry shapes the object store writes during triggering; the zero
	// value takes the resilience defaults.
	Retry resilience.RetryConfig
}

// RecordStore is the slice of the relational store the runner needs:
// site lookup plus writing the audit's findings.
type RecordStore interface {
	GetSite(ctx context.Context, id string) (*model.Site, error)
	GetSiteByBaseURL(ctx context.Context, baseURL string) (*model.Site, error)
	CreateOpportunity(ctx context.Context, opp model.Opportunity) (*model.Opportunity, error)
	AddSuggestions(ctx context.Context, opportunityID string, suggestions []model.Suggestion) ([]model.Suggestion, error)
}

// Deps are the collaborators the runner works through.
type Deps struct {
	Records  RecordStore
	ObjStore objstore.Store
	Queue    queue.Publisher
}

// TriggerRequest starts one enrichment job. SiteID wins over BaseURL
// when both are set. Blank Providers fall back to the runner's
// defaults, a blank Cadence means weekly, a blank Date means today.
type TriggerRequest struct {
	SiteID        string         `json:"siteId,omitempty"`
	BaseURL       string         `json:"url,omitempty"`
	Prompts       []model.Prompt `json:"prompts"`
	Providers     []string       `json:"providers,omitempty"`
	Cadence       string         `json:"cadence,omitempty"`
	Date          string         `json:"date,omitempty"` // YYYY-MM-DD
	ConfigVersion string         `json:"configVersion,omitempty"`
}

// TriggerResult reports what the trigger set in motion.
type TriggerResult struct {
	AuditID         string `json:"auditId"`
	SiteID          string `json:"siteId"`
	OpportunityID   string `json:"opportunityId"`
	LockID          string `json:"lockId"`
	NeedsEnrichment bool   `json:"needsEnrichment"`
	PromptsToEnrich int    `json:"promptsToEnrich"`
	TotalPrompts    int    `json:"totalPrompts"`
}

// Runner triggers enrichment jobs and records their findings.
type Runner struct {
	cfg   Config
	deps  Deps
	locks *enrichment.LockManager
	retry resilience.RetryConfig
	now   func() time.Time
	newID func() string
}

// NewRunner wires a runner and its lock manager from the given
// configuration and collaborators.
func NewRunner(cfg Config, deps Deps) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = enrichment.DefaultTimeout
	}
	if cfg.MaxPrompts <= 0 {
		cfg.MaxPrompts = DefaultMaxPrompts
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = resilience.DefaultRetryConfig()
	}
	retry.OnRetry = resilience.RetryLogger("objstore", "put_json")
	return &Runner{
		cfg:   cfg,
		deps:  deps,
		locks: enrichment.NewLockManager(deps.ObjStore, cfg.Bucket, cfg.Timeout),
		retry: retry,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Trigger starts one enrichment job end to end: resolve the site,
// detect which prompts need URLs, record the finding, then either
// start the continuation chain or notify downstream directly when
// nothing needs work. A fresh lock held by another audit aborts with
// ErrJobRunning before anything is written.
func (r *Runner) Trigger(ctx context.Context, req TriggerRequest) (*TriggerResult, error) {
	if len(req.Prompts) == 0 {
		monitoring.JobsTriggered.WithLabelValues("rejected").Inc()
		return nil, eris.Wrap(ErrInvalidRequest, "request carries no prompts")
	}
	if len(req.Prompts) > r.cfg.MaxPrompts {
		monitoring.JobsTriggered.WithLabelValues("rejected").Inc()
		return nil, eris.Wrapf(ErrInvalidRequest, "%d prompts exceeds limit of %d", len(req.Prompts), r.cfg.MaxPrompts)
	}
	if req.Cadence != "" && req.Cadence != CadenceWeekly && req.Cadence != CadenceDaily {
		monitoring.JobsTriggered.WithLabelValues("rejected").Inc()
		return nil, eris.Wrapf(ErrInvalidRequest, "unknown cadence %q", req.Cadence)
	}

	site, err := r.resolveSite(ctx, req)
	if err != nil {
		monitoring.JobsTriggered.WithLabelValues("rejected").Inc()
		return nil, err
	}

	isDaily := req.Cadence == CadenceDaily
	dateCtx, lockID, err := dateContextFor(r.now(), isDaily, req.Date)
	if err != nil {
		monitoring.JobsTriggered.WithLabelValues("rejected").Inc()
		return nil, err
	}

	providers := req.Providers
	if len(providers) == 0 {
		providers = r.cfg.DefaultProviders
	}

	auditID := r.newID()
	detection := enrichment.DetectIndicesNeedingEnrichment(req.Prompts)
	meta := &model.JobMetadata{
		AuditID:         auditID,
		SiteID:          site.ID,
		BaseURL:         site.BaseURL,
		DeliveryType:    string(site.DeliveryType),
		DateContext:     dateCtx,
		ProvidersToUse:  providers,
		IsDaily:         isDaily,
		ConfigVersion:   req.ConfigVersion,
		ConfigExists:    req.ConfigVersion != "",
		IndicesToEnrich: detection.IndicesToEnrich,
		LockID:          lockID,
		CreatedAt:       r.now(),
	}

	log := zap.L().With(
		zap.String("component", "audit.runner"),
		zap.String("audit_id", auditID),
		zap.String("site_id", site.ID),
		zap.String("lock_id", lockID),
	)

	// Nothing to enrich: record the clean finding and tell the
	// detection service to run right away. No lock, no blobs, no chain.
	if !detection.NeedsEnrichment {
		opp, err := r.recordFinding(ctx, site, auditID, detection, req.Prompts)
		if err != nil {
			monitoring.JobsTriggered.WithLabelValues("error").Inc()
			return nil, err
		}
		if err := enrichment.SendDetections(ctx, r.deps.Queue, r.cfg.DetectionQueue, meta); err != nil {
			monitoring.JobsTriggered.WithLabelValues("error").Inc()
			return nil, eris.Wrap(err, "audit: notify downstream")
		}
		log.Info("audit: no prompts need enrichment, notified downstream",
			zap.Int("total_prompts", len(req.Prompts)),
		)
		monitoring.JobsTriggered.WithLabelValues("no_enrichment").Inc()
		return &TriggerResult{
			AuditID:       auditID,
			SiteID:        site.ID,
			OpportunityID: opp.ID,
			LockID:        lockID,
			TotalPrompts:  len(req.Prompts),
		}, nil
	}

	acq, err := r.locks.Acquire(ctx, site.ID, lockID, auditID)
	if err != nil {
		monitoring.JobsTriggered.WithLabelValues("error").Inc()
		return nil, err
	}
	if !acq.Acquired {
		monitoring.JobsTriggered.WithLabelValues("conflict").Inc()
		return nil, eris.Wrapf(ErrJobRunning, "held by audit %s since %s",
			acq.Existing.AuditID, acq.Existing.StartedAt.Format(time.RFC3339))
	}

	// From here every failure releases the lock so a retried trigger
	// does not have to wait out the takeover window. The finding is
	// recorded first so its id rides along in the metadata; the chain's
	// final continuation marks it resolved. Failures past this point
	// leave the in_progress opportunity behind for the stall monitor to
	// surface if the operator's retry never lands.
	opp, err := r.recordFinding(ctx, site, auditID, detection, req.Prompts)
	if err != nil {
		r.abort(ctx, site.ID, lockID)
		return nil, err
	}
	meta.OpportunityID = opp.ID

	if err := r.putJSONRetry(ctx, enrichment.MetadataKey(auditID), meta); err != nil {
		r.abort(ctx, site.ID, lockID)
		return nil, eris.Wrap(err, "audit: write job metadata")
	}
	if err := r.putJSONRetry(ctx, enrichment.PromptsKey(auditID), req.Prompts); err != nil {
		r.abort(ctx, site.ID, lockID)
		return nil, eris.Wrap(err, "audit: write prompts")
	}

	cont := model.ContinuationMessage{
		Type:       model.MessageTypeURLEnrichment,
		AuditID:    auditID,
		SiteID:     site.ID,
		BatchStart: 0,
	}
	if err := r.deps.Queue.Publish(ctx, r.cfg.ContinuationQueue, cont); err != nil {
		r.abort(ctx, site.ID, lockID)
		return nil, eris.Wrap(err, "audit: enqueue first continuation")
	}

	log.Info("audit: enrichment chain started",
		zap.Int("prompts_to_enrich", len(detection.IndicesToEnrich)),
		zap.Int("total_prompts", len(req.Prompts)),
	)
	monitoring.JobsTriggered.WithLabelValues("started").Inc()
	return &TriggerResult{
		AuditID:         auditID,
		SiteID:          site.ID,
		OpportunityID:   opp.ID,
		LockID:          lockID,
		NeedsEnrichment: true,
		PromptsToEnrich: len(detection.IndicesToEnrich),
		TotalPrompts:    len(req.Prompts),
	}, nil
}

func (r *Runner) resolveSite(ctx context.Context, req TriggerRequest) (*model.Site, error) {
	switch {
	case req.SiteID != "":
		site, err := r.deps.Records.GetSite(ctx, req.SiteID)
		if err != nil {
			return nil, eris.Wrap(err, "audit: resolve site by id")
		}
		if site == nil {
			return nil, eris.Wrapf(ErrSiteNotFound, "id %s", req.SiteID)
		}
		return site, nil
	case req.BaseURL != "":
		site, err := r.deps.Records.GetSiteByBaseURL(ctx, req.BaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "audit: resolve site by url")
		}
		if site == nil {
			return nil, eris.Wrapf(ErrSiteNotFound, "url %s", req.BaseURL)
		}
		return site, nil
	default:
		return nil, eris.Wrap(ErrInvalidRequest, "request names no site")
	}
}

// recordFinding writes the opportunity for this run and, when prompts
// need enrichment, one ranked suggestion per missing URL.
func (r *Runner) recordFinding(ctx context.Context, site *model.Site, auditID string, detection enrichment.DetectionResult, prompts []model.Prompt) (*model.Opportunity, error) {
	total := len(prompts)
	missing := len(detection.IndicesToEnrich)

	opp := model.Opportunity{
		SiteID:  site.ID,
		AuditID: auditID,
		Type:    OpportunityTypeBrandPresence,
		Title:   "Prompts missing citation URLs",
		Status:  model.OpportunityStatusResolved,
		Data: map[string]any{
			"total_prompts": total,
			"missing_urls":  missing,
		},
	}
	if detection.NeedsEnrichment {
		opp.Status = model.OpportunityStatusInProgress
		opp.Description = fmt.Sprintf("%d of %d prompts lack citation URLs; URL enrichment is running.", missing, total)
	} else {
		opp.Description = fmt.Sprintf("All %d prompts already carry citation URLs.", total)
	}

	created, err := r.deps.Records.CreateOpportunity(ctx, opp)
	if err != nil {
		return nil, eris.Wrap(err, "audit: record opportunity")
	}
	if !detection.NeedsEnrichment {
		return created, nil
	}

	suggestions := make([]model.Suggestion, 0, missing)
	for pos, idx := range detection.IndicesToEnrich {
		suggestions = append(suggestions, model.Suggestion{
			Type: SuggestionTypeEnrichURL,
			Rank: pos + 1,
			Data: map[string]any{
				"prompt_index": idx,
				"prompt":       prompts[idx].Prompt,
			},
		})
	}
	if _, err := r.deps.Records.AddSuggestions(ctx, created.ID, suggestions); err != nil {
		return nil, eris.Wrap(err, "audit: record suggestions")
	}
	return created, nil
}

func (r *Runner) putJSONRetry(ctx context.Context, key string, v any) error {
	return resilience.Do(ctx, r.retry, func(ctx context.Context) error {
		return r.deps.ObjStore.PutJSON(ctx, r.cfg.Bucket, key, v)
	})
}

func (r *Runner) abort(ctx context.Context, siteID, lockID string) {
	r.locks.Release(ctx, siteID, lockID)
	monitoring.JobsTriggered.WithLabelValues("error").Inc()
}

// dateContextFor pins a job to its reporting period. Daily jobs key on
// the calendar date, weekly jobs on the ISO week. A blank date means
// the reference time, in UTC.
func dateContextFor(ref time.Time, isDaily bool, date string) (model.DateContext, string, error) {
	day := ref.UTC()
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return model.DateContext{}, "", eris.Wrapf(ErrInvalidRequest, "parse date %q: %v", date, err)
		}
		day = parsed
	}
	if isDaily {
		d := day.Format("2006-01-02")
		return model.DateContext{Date: d}, d, nil
	}
	year, week := day.ISOWeek()
	return model.DateContext{Week: week, Year: year}, fmt.Sprintf("w%d-%d", week, year), nil
}

// JobStatus is one job's metadata plus enrichment progress, assembled
// from the object store.
type JobStatus struct {
	Metadata    model.JobMetadata `json:"metadata"`
	LockHeld    bool              `json:"lockHeld"`
	LockAuditID string            `json:"lockAuditId,omitempty"`
	Enriched    int               `json:"enriched"`
	Pending     int               `json:"pending"`
	Done        bool              `json:"done"`
}

// Status reads back one job's progress. Missing metadata reports
// ErrJobNotFound; missing prompts degrade to metadata-only status,
// since finalized jobs keep their blobs only until temp cleanup.
func (r *Runner) Status(ctx context.Context, auditID string) (*JobStatus, error) {
	var meta model.JobMetadata
	err := r.deps.ObjStore.GetJSON(ctx, r.cfg.Bucket, enrichment.MetadataKey(auditID), &meta)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, eris.Wrapf(ErrJobNotFound, "audit %s", auditID)
		}
		return nil, eris.Wrap(err, "audit: load job metadata")
	}

	status := &JobStatus{Metadata: meta}

	var lock model.Lock
	err = r.deps.ObjStore.GetJSON(ctx, r.cfg.Bucket, enrichment.LockKey(meta.SiteID, meta.LockID), &lock)
	switch {
	case err == nil:
		status.LockHeld = true
		status.LockAuditID = lock.AuditID
	case !errors.Is(err, objstore.ErrNotFound):
		return nil, eris.Wrap(err, "audit: load lock")
	}

	var prompts []model.Prompt
	err = r.deps.ObjStore.GetJSON(ctx, r.cfg.Bucket, enrichment.PromptsKey(auditID), &prompts)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			status.Done = !status.LockHeld
			return status, nil
		}
		return nil, eris.Wrap(err, "audit: load prompts")
	}

	for _, idx := range meta.IndicesToEnrich {
		if idx < 0 || idx >= len(prompts) {
			continue
		}
		if prompts[idx].URL != "" {
			status.Enriched++
		} else {
			status.Pending++
		}
	}
	status.Done = status.Pending == 0 && !status.LockHeld
	return status, nil
}
