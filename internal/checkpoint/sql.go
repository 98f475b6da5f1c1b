package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/circuitbreaker"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/metrics"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type row struct {
	ThreadID           string         `db:"thread_id"`
	CheckpointID       string         `db:"checkpoint_id"`
	ParentCheckpointID sql.NullString `db:"parent_checkpoint_id"`
	State              string         `db:"state"`
	Metadata           string         `db:"metadata"`
	CreatedAt          time.Time      `db:"created_at"`
}

func (r row) checkpoint() Checkpoint {
	return Checkpoint{
		ThreadID:           r.ThreadID,
		CheckpointID:       r.CheckpointID,
		ParentCheckpointID: r.ParentCheckpointID.String,
		State:              []byte(r.State),
		Metadata:           decodeMetadata(r.Metadata),
		CreatedAt:          r.CreatedAt.UTC(),
	}
}

const columns = `thread_id, checkpoint_id, parent_checkpoint_id, state, metadata, created_at`

// SQLStore keeps checkpoints in Postgres or SQLite behind the database
// circuit breaker.
type SQLStore struct {
	db     *circuitbreaker.DB
	logger *zap.Logger
	now    func() time.Time
}

// OpenSQL connects to driver/dsn and verifies the connection.
func OpenSQL(ctx context.Context, driver, dsn string, breaker circuitbreaker.Settings, logger *zap.Logger) (*SQLStore, error) {
	raw, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite && strings.Contains(dsn, ":memory:") {
		// each connection of an in-memory database is a separate database
		raw.SetMaxOpenConns(1)
	} else {
		raw.SetMaxOpenConns(25)
		raw.SetMaxIdleConns(5)
		raw.SetConnMaxLifetime(5 * time.Minute)
	}
	s := NewSQLStore(raw, breaker, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("Checkpoint database connected", zap.String("driver", driver))
	return s, nil
}

func NewSQLStore(db *sqlx.DB, breaker circuitbreaker.Settings, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:     circuitbreaker.NewDB(db, breaker, logger),
		logger: logger,
		now:    time.Now,
	}
}

// DB exposes the wrapped handle for health checks.
func (s *SQLStore) DB() *circuitbreaker.DB { return s.db }

func (s *SQLStore) migrations() (*goose.Provider, error) {
	dialect := goose.DialectPostgres
	if s.db.DriverName() == DriverSQLite {
		dialect = goose.DialectSQLite3
	}
	fsys, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return nil, err
	}
	provider, err := goose.NewProvider(dialect, s.db.Unwrap().DB, fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	return provider, nil
}

// Migrate applies the embedded goose migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	provider, err := s.migrations()
	if err != nil {
		return err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		s.logger.Info("Applied migration",
			zap.Int64("version", r.Source.Version),
			zap.Duration("duration", r.Duration),
		)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func (s *SQLStore) MigrateDown(ctx context.Context) error {
	provider, err := s.migrations()
	if err != nil {
		return err
	}
	r, err := provider.Down(ctx)
	if err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	s.logger.Info("Rolled back migration", zap.Int64("version", r.Source.Version))
	return nil
}

// MigrationStatus reports every known migration and whether it is applied.
func (s *SQLStore) MigrationStatus(ctx context.Context) ([]*goose.MigrationStatus, error) {
	provider, err := s.migrations()
	if err != nil {
		return nil, err
	}
	return provider.Status(ctx)
}

func (s *SQLStore) Put(ctx context.Context, cp Checkpoint) error {
	if cp.ThreadID == "" || cp.CheckpointID == "" {
		return fmt.Errorf("thread_id and checkpoint_id are required")
	}
	md, err := encodeMetadata(cp.Metadata)
	if err != nil {
		return err
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	var parent any
	if cp.ParentCheckpointID != "" {
		parent = cp.ParentCheckpointID
	}
	q := s.db.Rebind(`
		INSERT INTO agent_checkpoints (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (thread_id, checkpoint_id) DO UPDATE SET
			parent_checkpoint_id = EXCLUDED.parent_checkpoint_id,
			state = EXCLUDED.state,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at`)
	_, err = s.db.ExecContext(ctx, q,
		cp.ThreadID, cp.CheckpointID, parent, string(cp.State), md, cp.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	var (
		r   row
		err error
	)
	if checkpointID == "" {
		err = s.db.GetContext(ctx, &r, s.db.Rebind(`
			SELECT `+columns+` FROM agent_checkpoints
			WHERE thread_id = ?
			ORDER BY created_at DESC
			LIMIT 1`), threadID)
	} else {
		err = s.db.GetContext(ctx, &r, s.db.Rebind(`
			SELECT `+columns+` FROM agent_checkpoints
			WHERE thread_id = ? AND checkpoint_id = ?`), threadID, checkpointID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp := r.checkpoint()
	return &cp, nil
}

func (s *SQLStore) List(ctx context.Context, threadID string, limit int) ([]Checkpoint, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT `+columns+` FROM agent_checkpoints
		WHERE thread_id = ?
		ORDER BY created_at DESC
		LIMIT ?`), threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	out := make([]Checkpoint, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.checkpoint())
	}
	return out, nil
}

func (s *SQLStore) Delete(ctx context.Context, threadID, checkpointID string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if checkpointID == "" {
		res, err = s.db.ExecContext(ctx, s.db.Rebind(
			`DELETE FROM agent_checkpoints WHERE thread_id = ?`), threadID)
	} else {
		res, err = s.db.ExecContext(ctx, s.db.Rebind(
			`DELETE FROM agent_checkpoints WHERE thread_id = ? AND checkpoint_id = ?`), threadID, checkpointID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) Sweep(ctx context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-ttl).UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM agent_checkpoints WHERE created_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	metrics.CheckpointsSwept.Add(float64(n))
	if n > 0 {
		s.logger.Info("Swept expired checkpoints", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }
