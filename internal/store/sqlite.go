package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/slabdeck/cardsync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Used for local
// development and by the idempotency tests; production runs on Postgres.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given DSN and configures WAL
// mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqldb.Exec(pragma); err != nil {
			sqldb.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sqldb}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS card_sets (
	code TEXT PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cards (
	slug     TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	subject  TEXT NOT NULL DEFAULT '',
	set_name TEXT NOT NULL,
	set_code TEXT NOT NULL REFERENCES card_sets(code),
	year     INTEGER,
	number   TEXT NOT NULL,
	language TEXT NOT NULL DEFAULT 'en'
);

CREATE TABLE IF NOT EXISTS printings (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	card_slug TEXT NOT NULL REFERENCES cards(slug),
	set_code  TEXT NOT NULL REFERENCES card_sets(code),
	number    TEXT NOT NULL,
	finish    TEXT NOT NULL DEFAULT 'NON_HOLO',
	edition   TEXT NOT NULL DEFAULT 'unlimited',
	stamp     TEXT,
	rarity    TEXT
);

CREATE INDEX IF NOT EXISTS idx_printings_set_code ON printings(set_code);

CREATE TABLE IF NOT EXISTS provider_set_map (
	provider         TEXT NOT NULL,
	set_code         TEXT NOT NULL,
	provider_set_id  TEXT NOT NULL,
	confidence       REAL NOT NULL DEFAULT 0,
	source           TEXT NOT NULL DEFAULT '',
	last_verified_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (provider, set_code)
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id             TEXT PRIMARY KEY,
	job            TEXT NOT NULL,
	source         TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'started',
	ok             INTEGER NOT NULL DEFAULT 0,
	items_fetched  INTEGER NOT NULL DEFAULT 0,
	items_upserted INTEGER NOT NULL DEFAULT 0,
	items_failed   INTEGER NOT NULL DEFAULT 0,
	started_at     DATETIME NOT NULL,
	ended_at       DATETIME,
	meta           TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_job_started ON sync_runs(job, started_at DESC);

CREATE TABLE IF NOT EXISTS raw_payloads (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	provider     TEXT NOT NULL,
	endpoint     TEXT NOT NULL,
	params       TEXT NOT NULL DEFAULT '',
	body         BLOB,
	http_status  INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL UNIQUE,
	fetched_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_ingest (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	provider     TEXT NOT NULL,
	set_code     TEXT NOT NULL,
	provider_ref TEXT NOT NULL,
	matched      INTEGER NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	card_slug    TEXT,
	printing_id  INTEGER,
	variant_key  TEXT,
	grade        TEXT NOT NULL DEFAULT 'raw',
	raw          TEXT,
	observed_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS price_snapshots (
	provider     TEXT NOT NULL,
	provider_ref TEXT NOT NULL,
	card_slug    TEXT NOT NULL,
	printing_id  INTEGER NOT NULL,
	variant_key  TEXT NOT NULL,
	grade        TEXT NOT NULL DEFAULT 'raw',
	price        REAL NOT NULL,
	currency     TEXT NOT NULL DEFAULT 'USD',
	fetched_at   DATETIME NOT NULL,
	PRIMARY KEY (provider, provider_ref)
);

CREATE TABLE IF NOT EXISTS price_history (
	card_slug     TEXT NOT NULL,
	variant_key   TEXT NOT NULL,
	provider      TEXT NOT NULL,
	ts            DATETIME NOT NULL,
	price         REAL NOT NULL,
	source_window TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (card_slug, variant_key, provider, ts)
);

CREATE TABLE IF NOT EXISTS card_metrics (
	card_slug       TEXT NOT NULL,
	printing_id     INTEGER NOT NULL,
	grade           TEXT NOT NULL DEFAULT 'raw',
	median_price    REAL,
	trimmed_median  REAL,
	volatility      REAL,
	trend_slope_7d  REAL,
	cov_price_30d   REAL,
	all_time_low    REAL,
	all_time_high   REAL,
	signal_trend    REAL,
	signal_breakout REAL,
	signal_value    REAL,
	updated_at      DATETIME NOT NULL,
	PRIMARY KEY (card_slug, printing_id, grade)
);
`

// Migrate applies the schema. Idempotent.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ListSetsAfter(ctx context.Context, afterCode string, limit int) ([]model.Set, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, name FROM card_sets WHERE code > ? ORDER BY code ASC LIMIT ?`,
		afterCode, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sets")
	}
	defer rows.Close()

	var sets []model.Set
	for rows.Next() {
		var st model.Set
		if err := rows.Scan(&st.Code, &st.Name); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan set")
		}
		sets = append(sets, st)
	}
	return sets, rows.Err()
}

func (s *SQLiteStore) PrintingsBySet(ctx context.Context, setCode string) ([]model.Printing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, card_slug, set_code, number, finish, edition, COALESCE(stamp, ''), COALESCE(rarity, '')
		 FROM printings WHERE set_code = ? ORDER BY id`,
		setCode,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: printings for %s", setCode)
	}
	defer rows.Close()

	var printings []model.Printing
	for rows.Next() {
		var p model.Printing
		if err := rows.Scan(&p.ID, &p.CardSlug, &p.SetCode, &p.Number, &p.Finish, &p.Edition, &p.Stamp, &p.Rarity); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan printing")
		}
		printings = append(printings, p)
	}
	return printings, rows.Err()
}

func (s *SQLiteStore) GetSetMapping(ctx context.Context, provider, setCode string) (*model.SetMapping, error) {
	var m model.SetMapping
	err := s.db.QueryRowContext(ctx,
		`SELECT provider, set_code, provider_set_id, confidence, source, last_verified_at
		 FROM provider_set_map WHERE provider = ? AND set_code = ?`,
		provider, setCode,
	).Scan(&m.Provider, &m.SetCode, &m.ProviderSetID, &m.Confidence, &m.Source, &m.LastVerifiedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get mapping %s/%s", provider, setCode)
	}
	return &m, nil
}

func (s *SQLiteStore) UpsertSetMapping(ctx context.Context, m model.SetMapping) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_set_map (provider, set_code, provider_set_id, confidence, source, last_verified_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, set_code) DO UPDATE SET
		   provider_set_id = excluded.provider_set_id,
		   confidence = excluded.confidence,
		   source = excluded.source,
		   last_verified_at = excluded.last_verified_at`,
		m.Provider, m.SetCode, m.ProviderSetID, m.Confidence, m.Source, m.LastVerifiedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert mapping %s/%s", m.Provider, m.SetCode)
	}
	return nil
}

func (s *SQLiteStore) StartRun(ctx context.Context, job, source string) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.NewString(),
		Job:       job,
		Source:    source,
		Status:    model.RunStarted,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, job, source, status, ok, started_at) VALUES (?, ?, ?, ?, 0, ?)`,
		run.ID, run.Job, run.Source, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: start run for %s", job)
	}
	return run, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, res *model.RunResult) error {
	meta, err := runMeta(res)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = ?, ok = ?, items_fetched = ?, items_upserted = ?,
		   items_failed = ?, ended_at = ?, meta = ?
		 WHERE id = ?`,
		string(model.RunFinished), res.OK, res.ItemsFetched, res.ItemsUpserted,
		res.ItemsFailed, time.Now().UTC(), string(meta), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return nil
}

func (s *SQLiteStore) LastFinishedOK(ctx context.Context, job string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, job, source, status, ok, items_fetched, items_upserted, items_failed, started_at, ended_at, meta
		 FROM sync_runs
		 WHERE job = ? AND status = ? AND ok = 1
		 ORDER BY started_at DESC LIMIT 1`,
		job, string(model.RunFinished),
	)
	run, err := scanRunSQL(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: last ok run for %s", job)
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, job string, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job, source, status, ok, items_fetched, items_upserted, items_failed, started_at, ended_at, meta
		 FROM sync_runs WHERE (? = '' OR job = ?) ORDER BY started_at DESC LIMIT ?`,
		job, job, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRunSQL(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) InsertRawPayload(ctx context.Context, p model.RawPayload) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO raw_payloads (provider, endpoint, params, body, http_status, content_hash, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (content_hash) DO NOTHING`,
		p.Provider, p.Endpoint, p.Params, p.Body, p.HTTPStatus, p.ContentHash, p.FetchedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert raw payload %s/%s", p.Provider, p.Endpoint)
	}
	return nil
}

func (s *SQLiteStore) InsertObservations(ctx context.Context, obs []model.Observation) (int, error) {
	if len(obs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin observations")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO provider_ingest (provider, set_code, provider_ref, matched, reason,
		   card_slug, printing_id, variant_key, grade, raw, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare observations")
	}
	defer stmt.Close()

	for _, o := range obs {
		if _, err := stmt.ExecContext(ctx,
			o.Provider, o.SetCode, o.Card.ProviderRef, o.Matched, o.Reason,
			nullString(o.CardSlug), nullInt64(o.PrintingID), nullString(o.VariantKey),
			o.Grade, string(o.Card.Raw), o.ObservedAt,
		); err != nil {
			return 0, eris.Wrap(err, "sqlite: insert observation")
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit observations")
	}
	return len(obs), nil
}

func (s *SQLiteStore) UpsertSnapshots(ctx context.Context, snaps []model.PriceSnapshot) (int, error) {
	if len(snaps) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin snapshots")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO price_snapshots (provider, provider_ref, card_slug, printing_id, variant_key, grade, price, currency, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, provider_ref) DO UPDATE SET
		   card_slug = excluded.card_slug,
		   printing_id = excluded.printing_id,
		   variant_key = excluded.variant_key,
		   grade = excluded.grade,
		   price = excluded.price,
		   currency = excluded.currency,
		   fetched_at = excluded.fetched_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare snapshots")
	}
	defer stmt.Close()

	for _, sn := range snaps {
		if _, err := stmt.ExecContext(ctx,
			sn.Provider, sn.ProviderRef, sn.CardSlug, sn.PrintingID, sn.VariantKey,
			sn.Grade, sn.Price, sn.Currency, sn.FetchedAt,
		); err != nil {
			return 0, eris.Wrap(err, "sqlite: upsert snapshot")
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit snapshots")
	}
	return len(snaps), nil
}

func (s *SQLiteStore) InsertHistory(ctx context.Context, points []model.HistoryPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin history")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO price_history (card_slug, variant_key, provider, ts, price, source_window)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (card_slug, variant_key, provider, ts) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare history")
	}
	defer stmt.Close()

	inserted := 0
	for _, p := range points {
		res, err := stmt.ExecContext(ctx, p.CardSlug, p.VariantKey, p.Provider, p.TS, p.Price, p.SourceWindow)
		if err != nil {
			return inserted, eris.Wrap(err, "sqlite: insert history point")
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return inserted, eris.Wrap(err, "sqlite: commit history")
	}
	return inserted, nil
}

func (s *SQLiteStore) UpsertMetrics(ctx context.Context, updates []model.MetricsUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin metrics")
	}
	defer tx.Rollback()

	// Column-scoped on conflict: the aggregation job's columns
	// (median_price, trimmed_median, volatility) stay untouched.
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO card_metrics (card_slug, printing_id, grade, trend_slope_7d, cov_price_30d,
		   all_time_low, all_time_high, signal_trend, signal_breakout, signal_value, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (card_slug, printing_id, grade) DO UPDATE SET
		   trend_slope_7d = excluded.trend_slope_7d,
		   cov_price_30d = excluded.cov_price_30d,
		   all_time_low = excluded.all_time_low,
		   all_time_high = excluded.all_time_high,
		   signal_trend = excluded.signal_trend,
		   signal_breakout = excluded.signal_breakout,
		   signal_value = excluded.signal_value,
		   updated_at = excluded.updated_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare metrics")
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx,
			u.CardSlug, u.PrintingID, u.Grade, u.TrendSlope7d, u.CovPrice30d,
			u.AllTimeLow, u.AllTimeHigh, u.SignalTrend, u.SignalBreak,
			u.SignalValue, u.UpdatedAt,
		); err != nil {
			return 0, eris.Wrap(err, "sqlite: upsert metric")
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit metrics")
	}
	return len(updates), nil
}

// RefreshMetrics is a no-op on SQLite; the statistical aggregation job
// only runs against the Postgres deployment.
func (s *SQLiteStore) RefreshMetrics(ctx context.Context, slugs []string) error {
	zap.L().Debug("sqlite: skipping metrics refresh", zap.Int("slugs", len(slugs)))
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRunSQL(row scanner) (*model.Run, error) {
	var run model.Run
	var status string
	var ok int
	var endedAt sql.NullTime
	var meta sql.NullString
	if err := row.Scan(&run.ID, &run.Job, &run.Source, &status, &ok,
		&run.ItemsFetched, &run.ItemsUpserted, &run.ItemsFailed,
		&run.StartedAt, &endedAt, &meta); err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	run.OK = ok != 0
	if endedAt.Valid {
		t := endedAt.Time
		run.EndedAt = &t
	}
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &run.Meta)
	}
	return &run, nil
}

// helpers for seeding catalog fixtures in tests and local development.

// SeedSet inserts a canonical set row.
func (s *SQLiteStore) SeedSet(ctx context.Context, set model.Set) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO card_sets (code, name) VALUES (?, ?) ON CONFLICT (code) DO NOTHING`,
		set.Code, set.Name)
	return eris.Wrap(err, "sqlite: seed set")
}

// SeedCard inserts a canonical card row.
func (s *SQLiteStore) SeedCard(ctx context.Context, c model.Card) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cards (slug, name, subject, set_name, set_code, year, number, language)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (slug) DO NOTHING`,
		c.Slug, c.Name, c.Subject, c.SetName, c.SetCode, c.Year, c.Number, c.Language)
	return eris.Wrap(err, "sqlite: seed card")
}

// SeedPrinting inserts a printing row and returns its id.
func (s *SQLiteStore) SeedPrinting(ctx context.Context, p model.Printing) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO printings (card_slug, set_code, number, finish, edition, stamp, rarity)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.CardSlug, p.SetCode, p.Number, string(p.Finish), string(p.Edition), p.Stamp, p.Rarity)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: seed printing")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: seed printing id")
	}
	return id, nil
}

// CountRows returns the row count of a known table. Test helper.
func (s *SQLiteStore) CountRows(ctx context.Context, table string) (int, error) {
	allowed := map[string]bool{
		"raw_payloads": true, "provider_ingest": true, "price_snapshots": true,
		"price_history": true, "card_metrics": true, "sync_runs": true,
	}
	if !allowed[table] {
		return 0, eris.Errorf("sqlite: count: unknown table %s", table)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "sqlite: count %s", table)
	}
	return n, nil
}
