package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// currentToken is the row key of the live state.
const currentToken = "current"

const schema = `
CREATE TABLE IF NOT EXISTS records (
	token TEXT NOT NULL,
	kind  TEXT NOT NULL,
	data  BLOB NOT NULL,
	PRIMARY KEY (token, kind)
);
CREATE TABLE IF NOT EXISTS snapshots (
	token      TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	iteration  INTEGER NOT NULL DEFAULT 0,
	phase      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
`

// SQLiteStore keeps state in a single SQLite database. Each state is a set
// of rows in records keyed by (token, part), written in one transaction.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
	now    func() time.Time
	logger *zap.Logger

	tracer trace.Tracer
	writes metric.Int64Counter
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = FULL",
		schema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initializing state database: %w", err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		now:    time.Now,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}
	s.writes = newWriteCounter(logger)
	return s, nil
}

// Save replaces the current state.
func (s *SQLiteStore) Save(ctx context.Context, st *LoopState) error {
	ctx, span := s.tracer.Start(ctx, "state.save")
	defer span.End()

	if err := s.write(ctx, currentToken, st, nil); err != nil {
		span.RecordError(err)
		return err
	}
	countWrite(ctx, s.writes, "save")
	return nil
}

// Load returns the current state.
func (s *SQLiteStore) Load(ctx context.Context) (*LoopState, error) {
	return s.read(ctx, currentToken)
}

// Snapshot stores an immutable copy of st.
func (s *SQLiteStore) Snapshot(ctx context.Context, st *LoopState) (Token, error) {
	token := NewToken(s.now())
	if err := s.write(ctx, string(token), st, &SnapshotInfo{Token: token, Kind: KindSnapshot}); err != nil {
		return "", err
	}
	countWrite(ctx, s.writes, "snapshot")
	return token, nil
}

// Checkpoint stores a named snapshot.
func (s *SQLiteStore) Checkpoint(ctx context.Context, name string, st *LoopState) (Token, error) {
	token := NewToken(s.now())
	if err := s.write(ctx, string(token), st, &SnapshotInfo{Token: token, Kind: KindCheckpoint, Name: name}); err != nil {
		return "", err
	}
	countWrite(ctx, s.writes, "checkpoint")
	return token, nil
}

// Restore returns the state stored under token.
func (s *SQLiteStore) Restore(ctx context.Context, token Token) (*LoopState, error) {
	if token == currentToken {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, token)
	}
	return s.read(ctx, string(token))
}

// List returns every snapshot, checkpoint and archive, oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]SnapshotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT token, kind, name, session_id, iteration, phase, created_at
		 FROM snapshots ORDER BY created_at, token`)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var infos []SnapshotInfo
	for rows.Next() {
		var (
			info    SnapshotInfo
			created int64
		)
		if err := rows.Scan(&info.Token, &info.Kind, &info.Name, &info.SessionID, &info.Iteration, &info.Phase, &created); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		info.CreatedAt = time.Unix(0, created)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Archive stores st in history under its session id.
func (s *SQLiteStore) Archive(ctx context.Context, st *LoopState) error {
	if st.SessionID == "" {
		return errors.New("archive requires a session id")
	}
	token := ArchiveToken(st.SessionID)
	if err := s.write(ctx, string(token), st, &SnapshotInfo{Token: token, Kind: KindArchive}); err != nil {
		return err
	}
	countWrite(ctx, s.writes, "archive")
	s.logger.Info("session archived", zap.String("session_id", st.SessionID), zap.Int("iterations", st.Iteration))
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) write(ctx context.Context, token string, st *LoopState, info *SnapshotInfo) error {
	parts, err := encode(st)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning state write: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, name := range partNames {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO records (token, kind, data) VALUES (?, ?, ?)
			 ON CONFLICT(token, kind) DO UPDATE SET data = excluded.data`,
			token, name, parts[name]); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	if info != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (token, kind, name, session_id, iteration, phase, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(token) DO UPDATE SET iteration = excluded.iteration,
			   phase = excluded.phase, created_at = excluded.created_at`,
			string(info.Token), string(info.Kind), info.Name, st.SessionID, st.Iteration,
			string(st.Phase), s.now().UnixNano()); err != nil {
			return fmt.Errorf("indexing snapshot: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing state write: %w", err)
	}
	return nil
}

func (s *SQLiteStore) read(ctx context.Context, token string) (*LoopState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT kind, data FROM records WHERE token = ?`, token)
	if err != nil {
		return nil, fmt.Errorf("reading state: %w", err)
	}
	defer rows.Close()

	parts := make(map[string][]byte, len(partNames))
	for rows.Next() {
		var (
			kind string
			data []byte
		)
		if err := rows.Scan(&kind, &data); err != nil {
			return nil, fmt.Errorf("scanning state: %w", err)
		}
		parts[kind] = data
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading state: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, token)
	}
	return decode(parts, s.logger), nil
}
