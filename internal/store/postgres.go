package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/slabdeck/cardsync/internal/db"
	"github.com/slabdeck/cardsync/internal/model"
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

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

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

// NewPostgresFromPool wraps an existing pool (used by tests with pgxmock).
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: func() {}}
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.closeFn()
	return nil
}

func (s *PostgresStore) ListSetsAfter(ctx context.Context, afterCode string, limit int) ([]model.Set, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT code, name FROM card_sets WHERE code > $1 ORDER BY code ASC LIMIT $2`,
		afterCode, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sets")
	}
	defer rows.Close()

	var sets []model.Set
	for rows.Next() {
		var st model.Set
		if err := rows.Scan(&st.Code, &st.Name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan set")
		}
		sets = append(sets, st)
	}
	return sets, rows.Err()
}

func (s *PostgresStore) PrintingsBySet(ctx context.Context, setCode string) ([]model.Printing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, card_slug, set_code, number, finish, edition, COALESCE(stamp, ''), COALESCE(rarity, '')
		 FROM printings WHERE set_code = $1 ORDER BY id`,
		setCode,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: printings for %s", setCode)
	}
	defer rows.Close()

	var printings []model.Printing
	for rows.Next() {
		var p model.Printing
		if err := rows.Scan(&p.ID, &p.CardSlug, &p.SetCode, &p.Number, &p.Finish, &p.Edition, &p.Stamp, &p.Rarity); err != nil {
			return nil, eris.Wrap(err, "postgres: scan printing")
		}
		printings = append(printings, p)
	}
	return printings, rows.Err()
}

func (s *PostgresStore) GetSetMapping(ctx context.Context, provider, setCode string) (*model.SetMapping, error) {
	var m model.SetMapping
	err := s.pool.QueryRow(ctx,
		`SELECT provider, set_code, provider_set_id, confidence, source, last_verified_at
		 FROM provider_set_map WHERE provider = $1 AND set_code = $2`,
		provider, setCode,
	).Scan(&m.Provider, &m.SetCode, &m.ProviderSetID, &m.Confidence, &m.Source, &m.LastVerifiedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get mapping %s/%s", provider, setCode)
	}
	return &m, nil
}

func (s *PostgresStore) UpsertSetMapping(ctx context.Context, m model.SetMapping) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO provider_set_map (provider, set_code, provider_set_id, confidence, source, last_verified_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (provider, set_code) DO UPDATE SET
		   provider_set_id = EXCLUDED.provider_set_id,
		   confidence = EXCLUDED.confidence,
		   source = EXCLUDED.source,
		   last_verified_at = EXCLUDED.last_verified_at`,
		m.Provider, m.SetCode, m.ProviderSetID, m.Confidence, m.Source, m.LastVerifiedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert mapping %s/%s", m.Provider, m.SetCode)
	}
	return nil
}

func (s *PostgresStore) StartRun(ctx context.Context, job, source string) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.NewString(),
		Job:       job,
		Source:    source,
		Status:    model.RunStarted,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_runs (id, job, source, status, ok, started_at) VALUES ($1, $2, $3, $4, false, $5)`,
		run.ID, run.Job, run.Source, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: start run for %s", job)
	}
	return run, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, res *model.RunResult) error {
	meta, err := runMeta(res)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE sync_runs SET status = $1, ok = $2, items_fetched = $3, items_upserted = $4,
		   items_failed = $5, ended_at = $6, meta = $7
		 WHERE id = $8`,
		string(model.RunFinished), res.OK, res.ItemsFetched, res.ItemsUpserted,
		res.ItemsFailed, time.Now().UTC(), meta, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	return nil
}

func (s *PostgresStore) LastFinishedOK(ctx context.Context, job string) (*model.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job, source, status, ok, items_fetched, items_upserted, items_failed, started_at, ended_at, meta
		 FROM sync_runs
		 WHERE job = $1 AND status = $2 AND ok = true
		 ORDER BY started_at DESC LIMIT 1`,
		job, string(model.RunFinished),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: last ok run for %s", job)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	run, err := scanRun(rows)
	if err != nil {
		return nil, err
	}
	return run, rows.Err()
}

func (s *PostgresStore) ListRuns(ctx context.Context, job string, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, job, source, status, ok, items_fetched, items_upserted, items_failed, started_at, ended_at, meta
		 FROM sync_runs WHERE ($1 = '' OR job = $1) ORDER BY started_at DESC LIMIT $2`,
		job, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) InsertRawPayload(ctx context.Context, p model.RawPayload) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO raw_payloads (provider, endpoint, params, body, http_status, content_hash, fetched_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (content_hash) DO NOTHING`,
		p.Provider, p.Endpoint, p.Params, p.Body, p.HTTPStatus, p.ContentHash, p.FetchedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert raw payload %s/%s", p.Provider, p.Endpoint)
	}
	return nil
}

var observationColumns = []string{
	"provider", "set_code", "provider_ref", "matched", "reason",
	"card_slug", "printing_id", "variant_key", "grade", "raw", "observed_at",
}

func (s *PostgresStore) InsertObservations(ctx context.Context, obs []model.Observation) (int, error) {
	if len(obs) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(obs))
	for i, o := range obs {
		rows[i] = []any{
			o.Provider, o.SetCode, o.Card.ProviderRef, o.Matched, o.Reason,
			nullString(o.CardSlug), nullInt64(o.PrintingID), nullString(o.VariantKey),
			o.Grade, []byte(o.Card.Raw), o.ObservedAt,
		}
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO provider_ingest (`+joinCols(observationColumns)+`) VALUES `+valuesPlaceholders(len(obs), len(observationColumns)),
		db.FlattenRows(rows)...,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert observations")
	}
	return int(tag.RowsAffected()), nil
}

var snapshotUpsert = db.UpsertConfig{
	Table: "price_snapshots",
	Columns: []string{
		"provider", "provider_ref", "card_slug", "printing_id", "variant_key",
		"grade", "price", "currency", "fetched_at",
	},
	ConflictKeys: []string{"provider", "provider_ref"},
}

func (s *PostgresStore) UpsertSnapshots(ctx context.Context, snaps []model.PriceSnapshot) (int, error) {
	if len(snaps) == 0 {
		return 0, nil
	}
	sql, err := db.BuildUpsertSQL(snapshotUpsert, len(snaps))
	if err != nil {
		return 0, err
	}
	rows := make([][]any, len(snaps))
	for i, sn := range snaps {
		rows[i] = []any{
			sn.Provider, sn.ProviderRef, sn.CardSlug, sn.PrintingID, sn.VariantKey,
			sn.Grade, sn.Price, sn.Currency, sn.FetchedAt,
		}
	}
	tag, err := s.pool.Exec(ctx, sql, db.FlattenRows(rows)...)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert snapshots")
	}
	return int(tag.RowsAffected()), nil
}

var historyInsert = db.UpsertConfig{
	Table:            "price_history",
	Columns:          []string{"card_slug", "variant_key", "provider", "ts", "price", "source_window"},
	ConflictKeys:     []string{"card_slug", "variant_key", "provider", "ts"},
	IgnoreDuplicates: true,
}

func (s *PostgresStore) InsertHistory(ctx context.Context, points []model.HistoryPoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	sql, err := db.BuildUpsertSQL(historyInsert, len(points))
	if err != nil {
		return 0, err
	}
	rows := make([][]any, len(points))
	for i, p := range points {
		rows[i] = []any{p.CardSlug, p.VariantKey, p.Provider, p.TS, p.Price, p.SourceWindow}
	}
	tag, err := s.pool.Exec(ctx, sql, db.FlattenRows(rows)...)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert history")
	}
	return int(tag.RowsAffected()), nil
}

// metricsUpsert scopes the update set to the provider-owned columns; the
// aggregation job's columns (median, trimmed median, volatility) are never
// written here.
var metricsUpsert = db.UpsertConfig{
	Table: "card_metrics",
	Columns: []string{
		"card_slug", "printing_id", "grade", "trend_slope_7d", "cov_price_30d",
		"all_time_low", "all_time_high", "signal_trend", "signal_breakout",
		"signal_value", "updated_at",
	},
	ConflictKeys: []string{"card_slug", "printing_id", "grade"},
	UpdateCols: []string{
		"trend_slope_7d", "cov_price_30d", "all_time_low", "all_time_high",
		"signal_trend", "signal_breakout", "signal_value", "updated_at",
	},
}

func (s *PostgresStore) UpsertMetrics(ctx context.Context, updates []model.MetricsUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	sql, err := db.BuildUpsertSQL(metricsUpsert, len(updates))
	if err != nil {
		return 0, err
	}
	rows := make([][]any, len(updates))
	for i, u := range updates {
		rows[i] = []any{
			u.CardSlug, u.PrintingID, u.Grade, u.TrendSlope7d, u.CovPrice30d,
			u.AllTimeLow, u.AllTimeHigh, u.SignalTrend, u.SignalBreak,
			u.SignalValue, u.UpdatedAt,
		}
	}
	tag, err := s.pool.Exec(ctx, sql, db.FlattenRows(rows)...)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert metrics")
	}
	return int(tag.RowsAffected()), nil
}

// RefreshMetrics calls the store-side aggregation function that recomputes
// the internal statistics columns for the given slugs.
func (s *PostgresStore) RefreshMetrics(ctx context.Context, slugs []string) error {
	if len(slugs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `SELECT refresh_card_metrics($1::text[])`, slugs)
	if err != nil {
		return eris.Wrap(err, "postgres: refresh metrics")
	}
	return nil
}

const postgresMigration = `
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
	year     INT,
	number   TEXT NOT NULL,
	language TEXT NOT NULL DEFAULT 'en'
);

CREATE TABLE IF NOT EXISTS printings (
	id        BIGSERIAL PRIMARY KEY,
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
	confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
	source           TEXT NOT NULL DEFAULT '',
	last_verified_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (provider, set_code)
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id             TEXT PRIMARY KEY,
	job            TEXT NOT NULL,
	source         TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'started',
	ok             BOOLEAN NOT NULL DEFAULT false,
	items_fetched  INT NOT NULL DEFAULT 0,
	items_upserted INT NOT NULL DEFAULT 0,
	items_failed   INT NOT NULL DEFAULT 0,
	started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	ended_at       TIMESTAMPTZ,
	meta           JSONB
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_job_started ON sync_runs(job, started_at DESC);

CREATE TABLE IF NOT EXISTS raw_payloads (
	id           BIGSERIAL PRIMARY KEY,
	provider     TEXT NOT NULL,
	endpoint     TEXT NOT NULL,
	params       TEXT NOT NULL DEFAULT '',
	body         BYTEA,
	http_status  INT NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL UNIQUE,
	fetched_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS provider_ingest (
	id           BIGSERIAL PRIMARY KEY,
	provider     TEXT NOT NULL,
	set_code     TEXT NOT NULL,
	provider_ref TEXT NOT NULL,
	matched      BOOLEAN NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	card_slug    TEXT,
	printing_id  BIGINT,
	variant_key  TEXT,
	grade        TEXT NOT NULL DEFAULT 'raw',
	raw          JSONB,
	observed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_provider_ingest_slug ON provider_ingest(card_slug);

CREATE TABLE IF NOT EXISTS price_snapshots (
	provider     TEXT NOT NULL,
	provider_ref TEXT NOT NULL,
	card_slug    TEXT NOT NULL,
	printing_id  BIGINT NOT NULL,
	variant_key  TEXT NOT NULL,
	grade        TEXT NOT NULL DEFAULT 'raw',
	price        DOUBLE PRECISION NOT NULL,
	currency     TEXT NOT NULL DEFAULT 'USD',
	fetched_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (provider, provider_ref)
);

CREATE INDEX IF NOT EXISTS idx_price_snapshots_slug ON price_snapshots(card_slug, printing_id);

CREATE TABLE IF NOT EXISTS price_history (
	card_slug     TEXT NOT NULL,
	variant_key   TEXT NOT NULL,
	provider      TEXT NOT NULL,
	ts            TIMESTAMPTZ NOT NULL,
	price         DOUBLE PRECISION NOT NULL,
	source_window TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (card_slug, variant_key, provider, ts)
);

CREATE TABLE IF NOT EXISTS card_metrics (
	card_slug       TEXT NOT NULL,
	printing_id     BIGINT NOT NULL,
	grade           TEXT NOT NULL DEFAULT 'raw',
	-- owned by the aggregation job, never written by the sync core
	median_price    DOUBLE PRECISION,
	trimmed_median  DOUBLE PRECISION,
	volatility      DOUBLE PRECISION,
	-- provider-owned columns
	trend_slope_7d  DOUBLE PRECISION,
	cov_price_30d   DOUBLE PRECISION,
	all_time_low    DOUBLE PRECISION,
	all_time_high   DOUBLE PRECISION,
	signal_trend    DOUBLE PRECISION,
	signal_breakout DOUBLE PRECISION,
	signal_value    DOUBLE PRECISION,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (card_slug, printing_id, grade)
);
`

// Migrate applies the schema. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

func scanRun(rows pgx.Rows) (*model.Run, error) {
	var run model.Run
	var status string
	var endedAt *time.Time
	var meta []byte
	if err := rows.Scan(&run.ID, &run.Job, &run.Source, &status, &run.OK,
		&run.ItemsFetched, &run.ItemsUpserted, &run.ItemsFailed,
		&run.StartedAt, &endedAt, &meta); err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}
	run.Status = model.RunStatus(status)
	run.EndedAt = endedAt
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &run.Meta)
	}
	return &run, nil
}

// runMeta serializes the finalized result as the run's metadata blob; the
// next run reads its cursor back out of this.
func runMeta(res *model.RunResult) ([]byte, error) {
	meta := map[string]any{
		"cursor":    res.Cursor,
		"full_pass": res.FullPass,
	}
	if res.FirstError != "" {
		meta["first_error"] = res.FirstError
	}
	if len(res.LayerCounts) > 0 {
		meta["layer_counts"] = res.LayerCounts
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal run meta")
	}
	return b, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt64(n int64) *int64 {
	if n == 0 {
		return nil
	}
	return &n
}

func joinCols(cols []string) string {
	return strings.Join(cols, ", ")
}

func valuesPlaceholders(nRows, nCols int) string {
	var sb strings.Builder
	arg := 1
	for r := 0; r < nRows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < nCols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(arg))
			arg++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}
