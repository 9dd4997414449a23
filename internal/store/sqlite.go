package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/siteoptics/audit-worker/internal/model"
	"github.com/siteoptics/audit-worker/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sites (
	id            TEXT PRIMARY KEY,
	base_url      TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL DEFAULT '',
	delivery_type TEXT NOT NULL DEFAULT 'other',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS opportunities (
	id          TEXT PRIMARY KEY,
	site_id     TEXT NOT NULL REFERENCES sites(id),
	audit_id    TEXT NOT NULL,
	type        TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'new',
	data        TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS suggestions (
	id             TEXT PRIMARY KEY,
	opportunity_id TEXT NOT NULL REFERENCES opportunities(id),
	type           TEXT NOT NULL,
	rank           INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'new',
	data           TEXT,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	queue          TEXT NOT NULL,
	message        TEXT NOT NULL,
	audit_id       TEXT NOT NULL DEFAULT '',
	site_id        TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	last_failed_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_sites_base_url ON sites(base_url);
CREATE INDEX IF NOT EXISTS idx_opportunities_site_id ON opportunities(site_id);
CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities(status);
CREATE INDEX IF NOT EXISTS idx_opportunities_audit_id ON opportunities(audit_id);
CREATE INDEX IF NOT EXISTS idx_suggestions_opportunity_id ON suggestions(opportunity_id);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSite(ctx context.Context, site model.Site) (*model.Site, error) {
	if site.ID == "" {
		site.ID = uuid.New().String()
	}
	if site.DeliveryType == "" {
		site.DeliveryType = model.DeliveryTypeOther
	}
	now := time.Now().UTC()
	site.CreatedAt = now
	site.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sites (id, base_url, name, delivery_type, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		site.ID, site.BaseURL, site.Name, string(site.DeliveryType), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert site %s", site.BaseURL)
	}
	return &site, nil
}

func (s *SQLiteStore) GetSite(ctx context.Context, siteID string) (*model.Site, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, base_url, name, delivery_type, created_at, updated_at FROM sites WHERE id = ?`,
		siteID,
	)
	return scanSQLiteSite(row)
}

func (s *SQLiteStore) GetSiteByBaseURL(ctx context.Context, baseURL string) (*model.Site, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, base_url, name, delivery_type, created_at, updated_at FROM sites WHERE base_url = ?`,
		baseURL,
	)
	return scanSQLiteSite(row)
}

func (s *SQLiteStore) ListSites(ctx context.Context, filter SiteFilter) ([]model.Site, error) {
	query := `SELECT id, base_url, name, delivery_type, created_at, updated_at FROM sites WHERE 1=1`
	var args []any

	if filter.DeliveryType != "" {
		query += ` AND delivery_type = ?`
		args = append(args, string(filter.DeliveryType))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sites")
	}
	defer rows.Close()

	var sites []model.Site
	for rows.Next() {
		var site model.Site
		if err := rows.Scan(&site.ID, &site.BaseURL, &site.Name, &site.DeliveryType, &site.CreatedAt, &site.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan site")
		}
		sites = append(sites, site)
	}
	return sites, eris.Wrap(rows.Err(), "sqlite: list sites iterate")
}

func (s *SQLiteStore) ImportSites(ctx context.Context, sites []model.Site) (int64, error) {
	if len(sites) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import sites begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO sites (id, base_url, name, delivery_type, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(base_url) DO UPDATE SET name = excluded.name, delivery_type = excluded.delivery_type, updated_at = excluded.updated_at`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import sites prepare")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	var n int64
	for _, site := range sites {
		if site.ID == "" {
			site.ID = uuid.New().String()
		}
		if site.DeliveryType == "" {
			site.DeliveryType = model.DeliveryTypeOther
		}
		if _, err := stmt.ExecContext(ctx, site.ID, site.BaseURL, site.Name, string(site.DeliveryType), now, now); err != nil {
			return 0, eris.Wrapf(err, "sqlite: import site %s", site.BaseURL)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: import sites commit")
	}
	return n, nil
}

func (s *SQLiteStore) CreateOpportunity(ctx context.Context, opp model.Opportunity) (*model.Opportunity, error) {
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
		return nil, eris.Wrap(err, "sqlite: marshal opportunity data")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO opportunities (id, site_id, audit_id, type, title, description, status, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		opp.ID, opp.SiteID, opp.AuditID, opp.Type, opp.Title, opp.Description,
		string(opp.Status), string(dataJSON), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert opportunity for site %s", opp.SiteID)
	}
	return &opp, nil
}

func (s *SQLiteStore) UpdateOpportunityStatus(ctx context.Context, oppID string, status model.OpportunityStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE opportunities SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), oppID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update opportunity status %s", oppID)
	}
	return checkRowsAffected(res, "opportunity", oppID)
}

func (s *SQLiteStore) ListOpportunities(ctx context.Context, filter OpportunityFilter) ([]model.Opportunity, error) {
	query := `SELECT id, site_id, audit_id, type, title, description, status, data, created_at, updated_at
	          FROM opportunities WHERE 1=1`
	var args []any

	if filter.SiteID != "" {
		query += ` AND site_id = ?`
		args = append(args, filter.SiteID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list opportunities")
	}
	defer rows.Close()

	var opps []model.Opportunity
	for rows.Next() {
		opp, err := scanSQLiteOpportunity(rows)
		if err != nil {
			return nil, err
		}
		opps = append(opps, *opp)
	}
	return opps, eris.Wrap(rows.Err(), "sqlite: list opportunities iterate")
}

func (s *SQLiteStore) CountOpportunities(ctx context.Context, filter OpportunityFilter) (int, error) {
	query := `SELECT COUNT(*) FROM opportunities WHERE 1=1`
	var args []any

	if filter.SiteID != "" {
		query += ` AND site_id = ?`
		args = append(args, filter.SiteID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.CreatedAfter.UTC())
	}

	var count int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count opportunities")
}

func (s *SQLiteStore) AddSuggestions(ctx context.Context, opportunityID string, suggestions []model.Suggestion) ([]model.Suggestion, error) {
	if len(suggestions) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin add suggestions")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	out := make([]model.Suggestion, 0, len(suggestions))
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
			return nil, eris.Wrap(err, "sqlite: marshal suggestion data")
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO suggestions (id, opportunity_id, type, rank, status, data, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sug.ID, sug.OpportunityID, sug.Type, sug.Rank, string(sug.Status), string(dataJSON), now, now,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert suggestion for opportunity %s", opportunityID)
		}
		out = append(out, sug)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit add suggestions")
	}
	return out, nil
}

func (s *SQLiteStore) ListSuggestions(ctx context.Context, opportunityID string) ([]model.Suggestion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, opportunity_id, type, rank, status, data, created_at, updated_at
		 FROM suggestions WHERE opportunity_id = ? ORDER BY rank ASC, created_at ASC`,
		opportunityID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list suggestions")
	}
	defer rows.Close()

	var sugs []model.Suggestion
	for rows.Next() {
		var sug model.Suggestion
		var dataJSON sql.NullString
		if err := rows.Scan(&sug.ID, &sug.OpportunityID, &sug.Type, &sug.Rank, &sug.Status, &dataJSON, &sug.CreatedAt, &sug.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan suggestion")
		}
		if dataJSON.Valid && dataJSON.String != "" {
			if err := json.Unmarshal([]byte(dataJSON.String), &sug.Data); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal suggestion data")
			}
		}
		sugs = append(sugs, sug)
	}
	return sugs, eris.Wrap(rows.Err(), "sqlite: list suggestions iterate")
}

// Dead letter queue methods

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, queue, message, audit_id, site_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type,
		   retry_count = excluded.retry_count, next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.Queue, string(entry.Message), entry.AuditID, entry.SiteID,
		entry.Error, entry.ErrorType, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, queue, message, audit_id, site_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= datetime('now') AND retry_count < max_retries`
	var args []any

	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	if filter.Queue != "" {
		query += ` AND queue = ?`
		args = append(args, filter.Queue)
	}

	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var message string
		if err := rows.Scan(&e.ID, &e.Queue, &message, &e.AuditID, &e.SiteID,
			&e.Error, &e.ErrorType, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.Message = json.RawMessage(message)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, queue, message, audit_id, site_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue WHERE 1=1`
	var args []any

	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	if filter.Queue != "" {
		query += ` AND queue = ?`
		args = append(args, filter.Queue)
	}

	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var message string
		if err := rows.Scan(&e.ID, &e.Queue, &message, &e.AuditID, &e.SiteID,
			&e.Error, &e.ErrorType, &e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.Message = json.RawMessage(message)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt.UTC(), lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteSite(row scannable) (*model.Site, error) {
	var site model.Site
	err := row.Scan(&site.ID, &site.BaseURL, &site.Name, &site.DeliveryType, &site.CreatedAt, &site.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan site")
	}
	return &site, nil
}

func scanSQLiteOpportunity(row scannable) (*model.Opportunity, error) {
	var opp model.Opportunity
	var dataJSON sql.NullString

	err := row.Scan(&opp.ID, &opp.SiteID, &opp.AuditID, &opp.Type, &opp.Title, &opp.Description,
		&opp.Status, &dataJSON, &opp.CreatedAt, &opp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan opportunity")
	}

	if dataJSON.Valid && dataJSON.String != "" {
		if err := json.Unmarshal([]byte(dataJSON.String), &opp.Data); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal opportunity data")
		}
	}
	return &opp, nil
}
