package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteoptics/audit-worker/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Ping(context.Background()))
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	// Helper already ran Migrate once; running again must not fail or
	// disturb existing rows.
	site, err := st.CreateSite(ctx, model.Site{BaseURL: "https://migrate.example"})
	require.NoError(t, err)

	require.NoError(t, st.Migrate(ctx))

	got, err := st.GetSite(ctx, site.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "https://migrate.example", got.BaseURL)
}

func TestSQLite_OpportunityDataRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	site, err := st.CreateSite(ctx, model.Site{BaseURL: "https://data.example"})
	require.NoError(t, err)

	opp, err := st.CreateOpportunity(ctx, model.Opportunity{
		SiteID:  site.ID,
		AuditID: "audit-rt",
		Type:    "geo-brand-presence",
		Data: map[string]any{
			"providers":   []any{"chatgpt", "perplexity"},
			"batch_size":  float64(10),
			"has_prompts": true,
		},
	})
	require.NoError(t, err)

	opps, err := st.ListOpportunities(ctx, OpportunityFilter{SiteID: site.ID})
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.Equal(t, opp.ID, opps[0].ID)
	assert.Equal(t, []any{"chatgpt", "perplexity"}, opps[0].Data["providers"])
	assert.Equal(t, float64(10), opps[0].Data["batch_size"])
	assert.Equal(t, true, opps[0].Data["has_prompts"])
}

func TestSQLite_NilOpportunityData(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	site, err := st.CreateSite(ctx, model.Site{BaseURL: "https://nildata.example"})
	require.NoError(t, err)

	_, err = st.CreateOpportunity(ctx, model.Opportunity{SiteID: site.ID, AuditID: "audit-nil", Type: "geo-brand-presence"})
	require.NoError(t, err)

	opps, err := st.ListOpportunities(ctx, OpportunityFilter{SiteID: site.ID})
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.Nil(t, opps[0].Data)
}
