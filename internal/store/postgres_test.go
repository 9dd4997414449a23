package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteoptics/audit-worker/internal/model"
	"github.com/siteoptics/audit-worker/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetSite(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now()

	rows := pgxmock.NewRows([]string{"id", "base_url", "name", "delivery_type", "created_at", "updated_at"}).
		AddRow("site-1", "https://acme.com", "Acme Corp", model.DeliveryTypeEdge, now, now)
	mock.ExpectQuery(`SELECT id, base_url, name, delivery_type, created_at, updated_at FROM sites WHERE id = \$1`).
		WithArgs("site-1").
		WillReturnRows(rows)

	site, err := s.GetSite(context.Background(), "site-1")
	require.NoError(t, err)
	require.NotNil(t, site)
	assert.Equal(t, "https://acme.com", site.BaseURL)
	assert.Equal(t, model.DeliveryTypeEdge, site.DeliveryType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSite_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, base_url, name, delivery_type, created_at, updated_at FROM sites WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	site, err := s.GetSite(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, site)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSiteByBaseURL_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM sites WHERE base_url = \$1`).
		WithArgs("https://unknown.example").
		WillReturnError(pgx.ErrNoRows)

	site, err := s.GetSiteByBaseURL(context.Background(), "https://unknown.example")
	require.NoError(t, err)
	assert.Nil(t, site)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateSite(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO sites`).
		WithArgs(pgxmock.AnyArg(), "https://acme.com", "Acme Corp", "edge", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	site, err := s.CreateSite(context.Background(), model.Site{
		BaseURL:      "https://acme.com",
		Name:         "Acme Corp",
		DeliveryType: model.DeliveryTypeEdge,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, site.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateOpportunityStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE opportunities SET status = \$1`).
		WithArgs("resolved", pgxmock.AnyArg(), "nonexistent").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateOpportunityStatus(context.Background(), "nonexistent", model.OpportunityStatusResolved)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddSuggestions_CopyFrom(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"suggestions"},
		[]string{"id", "opportunity_id", "type", "rank", "status", "data", "created_at", "updated_at"}).
		WillReturnResult(2)

	added, err := s.AddSuggestions(context.Background(), "opp-1", []model.Suggestion{
		{Type: "enrich-url", Rank: 1, Data: map[string]any{"url": "https://acme.com/a"}},
		{Type: "enrich-url", Rank: 2, Data: map[string]any{"url": "https://acme.com/b"}},
	})
	require.NoError(t, err)
	require.Len(t, added, 2)
	assert.Equal(t, "opp-1", added[0].OpportunityID)
	assert.NotEmpty(t, added[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ImportSites_BulkUpsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// BulkUpsert: Begin -> CREATE TEMP TABLE -> COPY -> INSERT ON CONFLICT -> Commit.
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_sites"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_sites"},
		[]string{"id", "base_url", "name", "delivery_type", "created_at", "updated_at"}).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "sites" .* ON CONFLICT \("base_url"\) DO UPDATE SET`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.ImportSites(context.Background(), []model.Site{
		{BaseURL: "https://acme.com", Name: "Acme", DeliveryType: model.DeliveryTypeEdge},
		{BaseURL: "https://bravo.example"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListSuggestions(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now()

	rows := pgxmock.NewRows([]string{"id", "opportunity_id", "type", "rank", "status", "data", "created_at", "updated_at"}).
		AddRow("sug-1", "opp-1", "enrich-url", 1, model.SuggestionStatusNew, []byte(`{"url":"https://acme.com/a"}`), now, now)
	mock.ExpectQuery(`FROM suggestions WHERE opportunity_id = \$1`).
		WithArgs("opp-1").
		WillReturnRows(rows)

	sugs, err := s.ListSuggestions(context.Background(), "opp-1")
	require.NoError(t, err)
	require.Len(t, sugs, 1)
	assert.Equal(t, 1, sugs[0].Rank)
	assert.Equal(t, "https://acme.com/a", sugs[0].Data["url"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnqueueDLQ_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO dead_letter_queue`).
		WithArgs("dlq-1", "url-enrichment-continuations", pgxmock.AnyArg(), "audit-1", "site-1",
			"bad payload", "permanent", 0, 3, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.EnqueueDLQ(context.Background(), resilience.DLQEntry{
		ID:          "dlq-1",
		Queue:       "url-enrichment-continuations",
		Message:     json.RawMessage(`{"type":"enrich:geo-brand-presence-json"}`),
		AuditID:     "audit-1",
		SiteID:      "site-1",
		Error:       "bad payload",
		ErrorType:   "permanent",
		MaxRetries:  3,
		NextRetryAt: time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM dead_letter_queue`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	count, err := s.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT 1`).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
