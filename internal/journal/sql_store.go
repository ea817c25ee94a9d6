package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported SQL dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// SQLStore persists entries in a journal_entries table on SQLite or
// Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// OpenSQLStore opens the database and runs migrations. For SQLite, dsn is a
// file path; WAL mode and a busy timeout are applied unless the dsn already
// carries parameters.
func OpenSQLStore(ctx context.Context, dialect, dsn string) (*SQLStore, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported journal dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("journal store opened", "dialect", dialect)
	return s, nil
}

// NewSQLStore wraps an existing handle. The caller is responsible for
// having run migrations, or calls Migrate.
func NewSQLStore(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Migrate creates the journal schema if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return s.migrate(ctx)
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS journal_entries (
			seq BIGINT PRIMARY KEY,
			run_seq BIGINT NOT NULL,
			run_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			ts_unix_nano BIGINT NOT NULL,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL,
			UNIQUE (run_id, run_seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_agent ON journal_entries(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_type ON journal_entries(event_type)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Append(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e.Event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var head sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM journal_entries`).Scan(&head); err != nil {
		return err
	}
	if want := uint64(head.Int64) + 1; e.Seq != want {
		return fmt.Errorf("%w: got seq %d, want %d", ErrSequenceConflict, e.Seq, want)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO journal_entries
		(seq, run_seq, run_id, agent_id, iteration, event_type, payload, ts_unix_nano, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		int64(e.Seq), int64(e.RunSeq), e.RunID, e.AgentID, e.Iteration,
		string(e.Event.Type()), string(payload), e.Timestamp.UnixNano(), e.PrevHash, e.Hash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ErrSequenceConflict, err)
		}
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const selectColumns = `SELECT seq, run_seq, run_id, agent_id, iteration, event_type, payload, ts_unix_nano, prev_hash, hash FROM journal_entries`

func (s *SQLStore) Head(ctx context.Context) (Entry, bool, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY seq DESC LIMIT 1`)
	if err != nil {
		return Entry{}, false, err
	}
	entries, err := scanEntries(rows)
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	return entries[0], true, nil
}

func (s *SQLStore) RunHead(ctx context.Context, runID string) (uint64, error) {
	var head sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT MAX(run_seq) FROM journal_entries WHERE run_id = ?`), runID).Scan(&head)
	if err != nil {
		return 0, err
	}
	return uint64(head.Int64), nil
}

func (s *SQLStore) Query(ctx context.Context, q Query) ([]Entry, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if q.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, int64(q.AfterSeq))
	}
	if len(q.Types) > 0 {
		marks := make([]string, len(q.Types))
		for i, t := range q.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "event_type IN ("+strings.Join(marks, ", ")+")")
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if q.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			seq       int64
			runSeq    int64
			eventType string
			payload   string
			tsNano    int64
		)
		if err := rows.Scan(&seq, &runSeq, &e.RunID, &e.AgentID, &e.Iteration, &eventType, &payload, &tsNano, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		ev, err := DecodeEvent(EventType(eventType), []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("seq %d: %w", seq, err)
		}
		e.Seq = uint64(seq)
		e.RunSeq = uint64(runSeq)
		e.Event = ev
		e.Timestamp = time.Unix(0, tsNano).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
