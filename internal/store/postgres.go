package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/siteoptics/audit-worker/internal/db"
	"github.com/siteoptics/audit-worker/internal/model"
	"github.com/siteoptics/audit-worker/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations. GetSite
// runs once per consumed queue message, so it leads the list.
var preparedStatements = map[string]string{
	"get_site":                  `SELECT id, base_url, name, delivery_type, created_at, updated_at FROM sites WHERE id = $1`,
	"get_site_by_url":           `SELECT id, base_url, name, delivery_type, created_at, updated_at FROM sites WHERE base_url = $1`,
	"insert_site":               `INSERT INTO sites (id, base_url, name, delivery_type, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
	"insert_opportunity":        `INSERT INTO opportunities (id, site_id, audit_id, type, title, description, status, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
	"update_opportunity_status": `UPDATE opportunities SET status = $1, updated_at = $2 WHERE id = $3`,
	"count_dlq":                 `SELECT COUNT(*) FROM dead_letter_queue`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for use by subsystems that
// need direct query access (e.g., bulk site import).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sites (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	base_url      TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL DEFAULT '',
	delivery_type TEXT NOT NULL DEFAULT 'other',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS opportunities (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	site_id     TEXT NOT NULL REFERENCES sites(id),
	audit_id    TEXT NOT NULL,
	type        TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'new',
	data        JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS suggestions (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	opportunity_id TEXT NOT NULL REFERENCES opportunities(id),
	type           TEXT NOT NULL,
	rank           INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'new',
	data           JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	queue          TEXT NOT NULL,
	message        JSONB NOT NULL,
	audit_id       TEXT NOT NULL DEFAULT '',
	site_id        TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sites_base_url ON sites(base_url);
CREATE INDEX IF NOT EXISTS idx_opportunities_site_id ON opportunities(site_id);
CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities(status);
CREATE INDEX IF NOT EXISTS idx_opportunities_audit_id ON opportunities(audit_id);
CREATE INDEX IF NOT EXISTS idx_suggestions_opportunity_id ON suggestions(opportunity_id);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateSite(ctx context.Context, site model.Site) (*model.Site, error) {
	if site.ID == "" {
		site.ID = uuid.New().String()
	}
	if site.DeliveryType == "" {
		site.DeliveryType = model.DeliveryTypeOther
	}
	now := time.Now().UTC()
	site.CreatedAt = now
	site.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO sites (id, base_url, name, delivery_type, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		site.ID, site.BaseURL, site.Name, string(site.DeliveryType), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert site %s", site.BaseURL)
	}
	return &site, nil
}

func (s *PostgresStore) GetSite(ctx context.Context, siteID string) (*model.Site, error) {
	return s.getSite(ctx,
		`SELECT id, base_url, name, delivery_type, created_at, updated_at FROM sites WHERE id = $1`,
		siteID,
	)
}

func (s *PostgresStore) GetSiteByBaseURL(ctx context.Context, baseURL string) (*model.Site, error) {
	return s.getSite(ctx,
		`SELECT id, base_url, name, delivery_type, created_at, updated_at FROM sites WHERE base_url = $1`,
		baseURL,
	)
}

func (s *PostgresStore) getSite(ctx context.Context, query, arg string) (*model.Site, error) {
	var site model.Site
	err := s.pool.QueryRow(ctx, query, arg).
		Scan(&site.ID, &site.BaseURL, &site.Name, &site.DeliveryType, &site.CreatedAt, &site.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get site")
	}
	return &site, nil
}

func (s *PostgresStore) ListSites(ctx context.Context, filter SiteFilter) ([]model.Site, error) {
	query := `SELECT id, base_url, name, delivery_type, created_at, updated_at FROM sites WHERE true`
	args := []any{}
	argIdx := 1

	if filter.DeliveryType != "" {
		query += fmt.Sprintf(` AND delivery_type = $%d`, argIdx)
		args = append(args, string(filter.DeliveryType))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sites")
	}
	defer rows.Close()

	var sites []model.Site
	for rows.Next() {
		var site model.Site
		if err := rows.Scan(&site.ID, &site.BaseURL, &site.Name, &site.DeliveryType, &site.CreatedAt, &site.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan site")
		}
		sites = append(sites, site)
	}
	return sites, eris.Wrap(rows.Err(), "postgres: list sites iterate")
}

func (s *PostgresStore) ImportSites(ctx context.Context, sites []model.Site) (int64, error) {
	if len(sites) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(sites))
	for _, site := range sites {
		if site.ID == "" {
			site.ID = uuid.New().String()
		}
		if site.DeliveryType == "" {
			site.DeliveryType = model.DeliveryTypeOther
		}
		rows = append(rows, []any{site.ID, site.BaseURL, site.Name, string(site.DeliveryType), now, now})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "sites",
		Columns:      []string{"id", "base_url", "name", "delivery_type", "created_at", "updated_at"},
		ConflictKeys: []string{"base_url"},
		UpdateCols:   []string{"name", "delivery_type", "updated_at"},
	}, rows)
	return n, eris.Wrap(err, "postgres: import sites")
}

func (s *PostgresStore) CreateOpportunity(ctx context.Context, opp model.Opportunity) (*model.Opportunity, error) {
	if opp.ID == "" {
		opp.ID = uuid.New().String()
	}
	if opp.Status == "" {
		opp.Status = model.OpportunityStatusNew
	}
	now := time.Now().UTC()
	opp.CreatedAt = now
	opp.UpdatedAt = now

	dataJSON, err := json.Marshal(opp.Data)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal opportunity data")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO opportunities (id, site_id, audit_id, type, title, description, status, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		opp.ID, opp.SiteID, opp.AuditID, opp.Type, opp.Title, opp.Description,
		string(opp.Status), dataJSON, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert opportunity for site %s", opp.SiteID)
	}
	return &opp, nil
}

func (s *PostgresStore) UpdateOpportunityStatus(ctx context.Context, oppID string, status model.OpportunityStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE opportunities SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), oppID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update opportunity status %s", oppID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("opportunity not found: %s", oppID)
	}
	return nil
}

func (s *PostgresStore) ListOpportunities(ctx context.Context, filter OpportunityFilter) ([]model.Opportunity, error) {
	query := `SELECT id, site_id, audit_id, type, title, description, status, data, created_at, updated_at
	          FROM opportunities WHERE true`
	args := []any{}
	argIdx := 1

	if filter.SiteID != "" {
		query += fmt.Sprintf(` AND site_id = $%d`, argIdx)
		args = append(args, filter.SiteID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.CreatedAfter)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list opportunities")
	}
	defer rows.Close()

	var opps []model.Opportunity
	for rows.Next() {
		var opp model.Opportunity
		var dataJSON []byte
		if err := rows.Scan(&opp.ID, &opp.SiteID, &opp.AuditID, &opp.Type, &opp.Title, &opp.Description,
			&opp.Status, &dataJSON, &opp.CreatedAt, &opp.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan opportunity")
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &opp.Data); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal opportunity data")
			}
		}
		opps = append(opps, opp)
	}
	return opps, eris.Wrap(rows.Err(), "postgres: list opportunities iterate")
}

func (s *PostgresStore) CountOpportunities(ctx context.Context, filter OpportunityFilter) (int, error) {
	query := `SELECT COUNT(*) FROM opportunities WHERE true`
	args := []any{}
	argIdx := 1

	if filter.SiteID != "" {
		query += fmt.Sprintf(` AND site_id = $%d`, argIdx)
		args = append(args, filter.SiteID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.CreatedAfter)
	}

	var count int
	err := s.pool.QueryRow(ctx, query, args...).Scan(&count)
	return count, eris.Wrap(err, "postgres: count opportunities")
}

func (s *PostgresStore) AddSuggestions(ctx context.Context, opportunityID string, suggestions []model.Suggestion) ([]model.Suggestion, error) {
	if len(suggestions) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	out := make([]model.Suggestion, 0, len(suggestions))
	rows := make([][]any, 0, len(suggestions))
	for _, sug := range suggestions {
		if sug.ID == "" {
			sug.ID = uuid.New().String()
		}
		if sug.Status == "" {
			sug.Status = model.SuggestionStatusNew
		}
		sug.OpportunityID = opportunityID
		sug.CreatedAt = now
		sug.UpdatedAt = now

		dataJSON, err := json.Marshal(sug.Data)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal suggestion data")
		}

		rows = append(rows, []any{sug.ID, sug.OpportunityID, sug.Type, sug.Rank, string(sug.Status), dataJSON, now, now})
		out = append(out, sug)
	}

	_, err := db.CopyFrom(ctx, s.pool, "suggestions",
		[]string{"id", "opportunity_id", "type", "rank", "status", "data", "created_at", "updated_at"},
		rows,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: add suggestions for opportunity %s", opportunityID)
	}
	return out, nil
}

func (s *PostgresStore) ListSuggestions(ctx context.Context, opportunityID string) ([]model.Suggestion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, opportunity_id, type, rank, status, data, created_at, updated_at
		 FROM suggestions WHERE opportunity_id = $1 ORDER BY rank ASC, created_at ASC`,
		opportunityID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list suggestions")
	}
	defer rows.Close()

	var sugs []model.Suggestion
	for rows.Next() {
		var sug model.Suggestion
		var dataJSON []byte
		if err := rows.Scan(&sug.ID, &sug.OpportunityID, &sug.Type, &sug.Rank, &sug.Status, &dataJSON, &sug.CreatedAt, &sug.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan suggestion")
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &sug.Data); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal suggestion data")
			}
		}
		sugs = append(sugs, sug)
	}
	return sugs, eris.Wrap(rows.Err(), "postgres: list suggestions iterate")
}

// Dead letter queue methods

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, queue, message, audit_id, site_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $6, error_type = $7, retry_count = $8,
		   next_retry_at = $10, last_failed_at = $12`,
		entry.ID, entry.Queue, []byte(entry.Message), entry.AuditID, entry.SiteID,
		entry.Error, entry.ErrorType, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, queue, message, audit_id, site_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	if filter.Queue != "" {
		query += fmt.Sprintf(` AND queue = $%d`, argIdx)
		args = append(args, filter.Queue)
		argIdx++
	}

	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var message []byte
		if err := rows.Scan(&e.ID, &e.Queue, &message, &e.AuditID, &e.SiteID,
			&e.Error, &e.ErrorType, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		e.Message = json.RawMessage(message)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, queue, message, audit_id, site_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	if filter.Queue != "" {
		query += fmt.Sprintf(` AND queue = $%d`, argIdx)
		args = append(args, filter.Queue)
		argIdx++
	}

	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var message []byte
		if err := rows.Scan(&e.ID, &e.Queue, &message, &e.AuditID, &e.SiteID,
			&e.Error, &e.ErrorType, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		e.Message = json.RawMessage(message)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("dlq_entry not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}
