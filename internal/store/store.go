// Package store persists reconciled report rows in a relational table and
// exposes the transaction scope the reconciliation runs inside.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dvloznov/payu-reconciler/internal/domain"
	"github.com/dvloznov/payu-reconciler/internal/logger"
	"github.com/dvloznov/payu-reconciler/internal/report"
)

// snapshotChunk bounds the IN list of one snapshot query.
const snapshotChunk = 500

// Bookkeeping columns maintained next to the report fields.
const (
	colIdentity    = "identity_key"
	colChecksum    = "last_seen_checksum"
	colFirstSeen   = "first_seen_at"
	colLastUpdated = "last_updated_at"
	colLastRun     = "last_run_id"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Tx is the read-then-write scope of one reconciliation run.
type Tx interface {
	// LoadSnapshot returns the stored rows for keys. Absent keys are omitted.
	LoadSnapshot(ctx context.Context, keys []domain.IdentityKey) (map[domain.IdentityKey]domain.PersistedRow, error)
	// Apply writes every insert and update of cs.
	Apply(ctx context.Context, cs *domain.ChangeSet, runID string) (domain.ApplyResult, error)
}

// Store is a database/sql backed report table.
type Store struct {
	db      *sql.DB
	dialect Dialect
	table   string
	schema  *report.Schema
	now     func() time.Time
}

// Open connects to driver/dsn and verifies the connection.
func Open(ctx context.Context, driver, dsn string, maxOpenConns int) (*sql.DB, Dialect, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, Dialect{}, fmt.Errorf("Open: %w", err)
	}
	db, err := sql.Open(dialect.Name, dsn)
	if err != nil {
		return nil, Dialect{}, fmt.Errorf("Open: %w", err)
	}

	if dialect.Name == SQLite.Name {
		// One connection: SQLite allows a single writer, and an in-memory
		// database is private to its connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, Dialect{}, classify("Open: pragma", err)
		}
	} else if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, Dialect{}, classify("Open: ping", err)
	}
	return db, dialect, nil
}

// New creates a Store over an open database for the given report schema.
func New(db *sql.DB, dialect Dialect, table string, schema *report.Schema) (*Store, error) {
	if !identRe.MatchString(table) {
		return nil, &domain.ValidationError{Field: "database.table", Msg: fmt.Sprintf("invalid table name %q", table)}
	}
	for _, col := range schema.Columns() {
		if !identRe.MatchString(col) || strings.Contains(col, ".") {
			return nil, &domain.ValidationError{Field: "schema", Msg: fmt.Sprintf("invalid column name %q", col)}
		}
		switch col {
		case colIdentity, colChecksum, colFirstSeen, colLastUpdated, colLastRun:
			return nil, &domain.ValidationError{Field: "schema", Msg: fmt.Sprintf("column %q is reserved", col)}
		}
	}
	return &Store{db: db, dialect: dialect, table: table, schema: schema, now: time.Now}, nil
}

// WithClock overrides the timestamp source for bookkeeping columns.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return classify("Ping", s.db.PingContext(ctx))
}

// EnsureSchema creates the report table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	cols := []string{colIdentity + " TEXT PRIMARY KEY"}
	for _, f := range s.schema.Fields {
		cols = append(cols, f.Column+" "+s.dialect.columnType(f.Kind))
	}
	cols = append(cols,
		colChecksum+" TEXT NOT NULL",
		colFirstSeen+" "+s.dialect.timeType+" NOT NULL",
		colLastUpdated+" "+s.dialect.timeType+" NOT NULL",
		colLastRun+" TEXT",
	)
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", s.table, strings.Join(cols, ",\n\t"))

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return classify("EnsureSchema", err)
	}
	log := logger.FromContext(ctx)
	log.Info().Str("table", s.table).Str("driver", s.dialect.Name).Msg("Report table ready")
	return nil
}

// InTx runs fn inside one database transaction. The transaction commits when
// fn returns nil and rolls back when fn returns an error or panics.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	log := logger.FromContext(ctx)

	sqlTx, err := s.db.BeginTx(ctx, s.dialect.txOptions())
	if err != nil {
		return classify("InTx: begin", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Error().Err(rbErr).Msg("Failed to roll back transaction")
		}
	}()

	if err := fn(ctx, &txn{store: s, tx: sqlTx}); err != nil {
		log.Warn().Err(err).Msg("Rolling back transaction")
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify("InTx: commit", err)
	}
	committed = true
	return nil
}

type txn struct {
	store *Store
	tx    *sql.Tx
}

func (t *txn) LoadSnapshot(ctx context.Context, keys []domain.IdentityKey) (map[domain.IdentityKey]domain.PersistedRow, error) {
	s := t.store
	snapshot := make(map[domain.IdentityKey]domain.PersistedRow, len(keys))
	fieldCols := s.schema.Columns()
	selectCols := append([]string{colIdentity, colChecksum, colLastUpdated}, fieldCols...)

	for start := 0; start < len(keys); start += snapshotChunk {
		end := min(start+snapshotChunk, len(keys))
		chunk := keys[start:end]

		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)%s",
			strings.Join(selectCols, ", "), s.table, colIdentity,
			s.dialect.placeholders(1, len(chunk)), s.dialect.LockClause)
		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = string(k)
		}

		if err := t.scanSnapshot(ctx, query, args, fieldCols, snapshot); err != nil {
			return nil, err
		}
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Int("requested", len(keys)).
		Int("found", len(snapshot)).
		Msg("Loaded snapshot")
	return snapshot, nil
}

func (t *txn) scanSnapshot(ctx context.Context, query string, args []any, fieldCols []string, into map[domain.IdentityKey]domain.PersistedRow) error {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return classify("LoadSnapshot: query", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key         string
			checksum    string
			lastUpdated sql.NullTime
			values      = make([]sql.NullString, len(fieldCols))
		)
		dest := []any{&key, &checksum, &lastUpdated}
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return classify("LoadSnapshot: scan", err)
		}

		id := domain.IdentityKey(key)
		if _, dup := into[id]; dup {
			return integrityError("LoadSnapshot", fmt.Sprintf("identity key %q maps to more than one stored row", key))
		}

		fields := make(map[string]string, len(fieldCols))
		for i, col := range fieldCols {
			if values[i].Valid {
				fields[col] = values[i].String
			}
		}
		into[id] = domain.PersistedRow{
			Key:           id,
			Fields:        fields,
			Checksum:      checksum,
			LastUpdatedAt: lastUpdated.Time,
		}
	}
	return classify("LoadSnapshot: rows", rows.Err())
}

func (t *txn) Apply(ctx context.Context, cs *domain.ChangeSet, runID string) (domain.ApplyResult, error) {
	var res domain.ApplyResult
	if cs == nil || cs.IsEmpty() {
		return res, nil
	}
	now := t.store.now().UTC()

	inserted, err := t.insert(ctx, cs.ToInsert, runID, now)
	if err != nil {
		return res, err
	}
	res.Inserted = inserted

	updated, err := t.update(ctx, cs.ToUpdate, runID, now)
	if err != nil {
		return res, err
	}
	res.Updated = updated

	log := logger.FromContext(ctx)
	log.Info().
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("unchanged", len(cs.Unchanged)).
		Msg("Applied change set")
	return res, nil
}

func (t *txn) insert(ctx context.Context, records []domain.TransactionRecord, runID string, now time.Time) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	s := t.store
	fieldCols := s.schema.Columns()
	cols := append([]string{colIdentity}, fieldCols...)
	cols = append(cols, colChecksum, colFirstSeen, colLastUpdated, colLastRun)

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.table, strings.Join(cols, ", "), s.dialect.placeholders(1, len(cols)))
	stmt, err := t.tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, classify("Apply: prepare insert", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		args := make([]any, 0, len(cols))
		args = append(args, string(rec.Key))
		for _, col := range fieldCols {
			args = append(args, rec.Fields[col].DBValue())
		}
		args = append(args, rec.Checksum, now, now, runID)

		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, classify(fmt.Sprintf("Apply: insert %s", rec.Key), err)
		}
	}
	return len(records), nil
}

func (t *txn) update(ctx context.Context, updates []domain.Update, runID string, now time.Time) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	s := t.store
	log := logger.FromContext(ctx)
	fieldCols := s.schema.Columns()

	sets := make([]string, 0, len(fieldCols)+3)
	n := 1
	for _, col := range append(fieldCols, colChecksum, colLastUpdated, colLastRun) {
		sets = append(sets, col+" = "+s.dialect.Placeholder(n))
		n++
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s AND %s = %s",
		s.table, strings.Join(sets, ", "),
		colIdentity, s.dialect.Placeholder(n),
		colChecksum, s.dialect.Placeholder(n+1))

	stmt, err := t.tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, classify("Apply: prepare update", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		args := make([]any, 0, n+1)
		for _, col := range fieldCols {
			args = append(args, u.New.Fields[col].DBValue())
		}
		args = append(args, u.New.Checksum, now, runID, string(u.New.Key), u.Old.Checksum)

		result, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return 0, classify(fmt.Sprintf("Apply: update %s", u.New.Key), err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, classify("Apply: rows affected", err)
		}
		if affected == 0 {
			return 0, conflictError("Apply", fmt.Sprintf("row %q changed since snapshot (expected checksum %s)", u.New.Key, u.Old.Checksum))
		}

		log.Debug().
			Str("key", string(u.New.Key)).
			Strs("changed", u.ChangedColumns()).
			Msg("Updated row")
	}
	return len(updates), nil
}
