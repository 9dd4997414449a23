package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteoptics/audit-worker/internal/model"
	"github.com/siteoptics/audit-worker/internal/resilience"
	"github.com/siteoptics/audit-worker/internal/store"
)

// mockStore implements store.Store for testing.
type mockStore struct {
	opps     []model.Opportunity
	dlqCount int
	listErr  error
	dlqErr   error
}

func (m *mockStore) ListOpportunities(_ context.Context, filter store.OpportunityFilter) ([]model.Opportunity, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var filtered []model.Opportunity
	for _, o := range m.opps {
		if !filter.CreatedAfter.IsZero() && o.CreatedAt.Before(filter.CreatedAfter) {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		filtered = append(filtered, o)
	}
	return filtered, nil
}

func (m *mockStore) CountDLQ(_ context.Context) (int, error) {
	return m.dlqCount, m.dlqErr
}

// Unused store methods — satisfy the interface.
func (m *mockStore) CreateSite(context.Context, model.Site) (*model.Site, error) { return nil, nil }
func (m *mockStore) GetSite(context.Context, string) (*model.Site, error)        { return nil, nil }
func (m *mockStore) GetSiteByBaseURL(context.Context, string) (*model.Site, error) {
	return nil, nil
}
func (m *mockStore) ListSites(context.Context, store.SiteFilter) ([]model.Site, error) {
	return nil, nil
}
func (m *mockStore) ImportSites(context.Context, []model.Site) (int64, error) { return 0, nil }
func (m *mockStore) CreateOpportunity(context.Context, model.Opportunity) (*model.Opportunity, error) {
	return nil, nil
}
func (m *mockStore) UpdateOpportunityStatus(context.Context, string, model.OpportunityStatus) error {
	return nil
}
func (m *mockStore) CountOpportunities(context.Context, store.OpportunityFilter) (int, error) {
	return 0, nil
}
func (m *mockStore) AddSuggestions(context.Context, string, []model.Suggestion) ([]model.Suggestion, error) {
	return nil, nil
}
func (m *mockStore) ListSuggestions(context.Context, string) ([]model.Suggestion, error) {
	return nil, nil
}
func (m *mockStore) EnqueueDLQ(context.Context, resilience.DLQEntry) error { return nil }
func (m *mockStore) DequeueDLQ(context.Context, resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	return nil, nil
}
func (m *mockStore) ListDLQ(context.Context, resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	return nil, nil
}
func (m *mockStore) IncrementDLQRetry(context.Context, string, time.Time, string) error { return nil }
func (m *mockStore) RemoveDLQ(context.Context, string) error                            { return nil }
func (m *mockStore) Ping(context.Context) error                                         { return nil }
func (m *mockStore) Migrate(context.Context) error                                      { return nil }
func (m *mockStore) Close() error                                                       { return nil }

func TestCollector_EmptyStore(t *testing.T) {
	st := &mockStore{}
	c := NewCollector(st)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 0, snap.AuditsRun)
	assert.Equal(t, 0, snap.AuditsStalled)
	assert.Equal(t, 0.0, snap.FailureRate)
	assert.Equal(t, 0, snap.DLQDepth)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_AuditMetrics(t *testing.T) {
	now := time.Now().UTC()
	st := &mockStore{
		opps: []model.Opportunity{
			{ID: "1", Status: model.OpportunityStatusResolved, CreatedAt: now.Add(-1 * time.Hour), UpdatedAt: now.Add(-30 * time.Minute)},
			{ID: "2", Status: model.OpportunityStatusResolved, CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-1 * time.Hour)},
			{ID: "3", Status: model.OpportunityStatusIgnored, CreatedAt: now.Add(-3 * time.Hour), UpdatedAt: now.Add(-2 * time.Hour)},
			// Stalled: in progress, last touched two hours ago.
			{ID: "4", Status: model.OpportunityStatusInProgress, CreatedAt: now.Add(-3 * time.Hour), UpdatedAt: now.Add(-2 * time.Hour)},
			// Active: in progress, touched recently.
			{ID: "5", Status: model.OpportunityStatusInProgress, CreatedAt: now.Add(-20 * time.Minute), UpdatedAt: now.Add(-1 * time.Minute)},
			{ID: "6", Status: model.OpportunityStatusNew, CreatedAt: now.Add(-10 * time.Minute), UpdatedAt: now.Add(-10 * time.Minute)},
			// Outside lookback window — should be filtered out.
			{ID: "7", Status: model.OpportunityStatusResolved, CreatedAt: now.Add(-48 * time.Hour), UpdatedAt: now.Add(-48 * time.Hour)},
		},
		dlqCount: 3,
	}

	c := NewCollector(st)
	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 6, snap.AuditsRun)
	assert.Equal(t, 1, snap.AuditsNew)
	assert.Equal(t, 2, snap.AuditsInProgress)
	assert.Equal(t, 2, snap.AuditsResolved)
	assert.Equal(t, 1, snap.AuditsIgnored)
	assert.Equal(t, 1, snap.AuditsStalled)
	assert.InDelta(t, 1.0/4.0, snap.FailureRate, 0.001) // 1 stalled / 4 finished
	assert.Equal(t, 3, snap.DLQDepth)
}

func TestCollector_FailureRateZeroFinished(t *testing.T) {
	now := time.Now().UTC()
	st := &mockStore{
		opps: []model.Opportunity{
			{ID: "1", Status: model.OpportunityStatusNew, CreatedAt: now.Add(-1 * time.Hour), UpdatedAt: now.Add(-1 * time.Hour)},
			{ID: "2", Status: model.OpportunityStatusInProgress, CreatedAt: now.Add(-5 * time.Minute), UpdatedAt: now.Add(-1 * time.Minute)},
		},
	}

	c := NewCollector(st)
	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	// Nothing finished, so the rate stays 0.
	assert.Equal(t, 0.0, snap.FailureRate)
	assert.Equal(t, 0, snap.AuditsStalled)
}

func TestCollector_ListError(t *testing.T) {
	st := &mockStore{listErr: assert.AnError}
	c := NewCollector(st)

	_, err := c.Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list opportunities")
}

func TestCollector_DLQError(t *testing.T) {
	st := &mockStore{dlqErr: assert.AnError}
	c := NewCollector(st)

	_, err := c.Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count dlq")
}
