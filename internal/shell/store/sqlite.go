package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/ensemble/internal/core/rollout"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is fixed width so that stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	// Open database connection
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	// Run migrations
	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) RecordArchive(ctx context.Context, archive *Archive) error {
	return recordArchive(ctx, s.db, archive)
}

func (s *SQLiteStore) LatestArchive(ctx context.Context, physicalName string) (*Archive, error) {
	return latestArchive(ctx, s.db, physicalName)
}

func (s *SQLiteStore) ListArchives(ctx context.Context, physicalName string, opts ListOptions) ([]Archive, error) {
	return listArchives(ctx, s.db, physicalName, opts)
}

func (s *SQLiteStore) CreateDeployment(ctx context.Context, deployment *Deployment) error {
	return createDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) FinishDeployment(ctx context.Context, deployment *Deployment) error {
	return finishDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	return getDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) ListDeployments(ctx context.Context, target string, opts ListOptions) ([]Deployment, error) {
	return listDeployments(ctx, s.db, target, opts)
}

// WithTx runs fn within a transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) RecordArchive(ctx context.Context, archive *Archive) error {
	return recordArchive(ctx, s.tx, archive)
}

func (s *txSQLiteStore) LatestArchive(ctx context.Context, physicalName string) (*Archive, error) {
	return latestArchive(ctx, s.tx, physicalName)
}

func (s *txSQLiteStore) ListArchives(ctx context.Context, physicalName string, opts ListOptions) ([]Archive, error) {
	return listArchives(ctx, s.tx, physicalName, opts)
}

func (s *txSQLiteStore) CreateDeployment(ctx context.Context, deployment *Deployment) error {
	return createDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) FinishDeployment(ctx context.Context, deployment *Deployment) error {
	return finishDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	return getDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListDeployments(ctx context.Context, target string, opts ListOptions) ([]Deployment, error) {
	return listDeployments(ctx, s.tx, target, opts)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	return NewStoreError("WithTx", "", "", "nested transactions are not supported", ErrTxFailed)
}

func (s *txSQLiteStore) Close() error {
	return nil
}

// =============================================================================
// Archive Operations
// =============================================================================

// archiveRow represents an archive row in the database.
type archiveRow struct {
	Seq          int64  `db:"seq"`
	PhysicalName string `db:"physical_name"`
	Digest       string `db:"digest"`
	URI          string `db:"uri"`
	Size         int64  `db:"size"`
	CreatedAt    string `db:"created_at"`
}

// recordArchive inserts an archive. Recording a digest again for the same
// physical name makes it the latest one.
func recordArchive(ctx context.Context, exec executor, archive *Archive) error {
	if archive.PhysicalName == "" || archive.Digest == "" {
		return NewStoreError("RecordArchive", "archive", archive.PhysicalName, "physical name and digest are required", ErrInvalidData)
	}
	if archive.CreatedAt.IsZero() {
		archive.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO archives (physical_name, digest, uri, size, created_at)
		VALUES (:physical_name, :digest, :uri, :size, :created_at)
		ON CONFLICT (physical_name, digest) DO UPDATE SET
			uri = excluded.uri,
			size = excluded.size,
			created_at = excluded.created_at`

	row := map[string]any{
		"physical_name": archive.PhysicalName,
		"digest":        archive.Digest,
		"uri":           archive.URI,
		"size":          archive.Size,
		"created_at":    formatTime(archive.CreatedAt),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("RecordArchive", "archive", archive.PhysicalName, err.Error(), err)
	}
	return nil
}

func latestArchive(ctx context.Context, exec executor, physicalName string) (*Archive, error) {
	query := `SELECT * FROM archives WHERE physical_name = ? ORDER BY created_at DESC, seq DESC LIMIT 1`

	var row archiveRow
	err := exec.GetContext(ctx, &row, query, physicalName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("LatestArchive", "archive", physicalName, "no archive recorded", ErrNotFound)
		}
		return nil, NewStoreError("LatestArchive", "archive", physicalName, err.Error(), err)
	}

	archive := rowToArchive(&row)
	return &archive, nil
}

func listArchives(ctx context.Context, exec executor, physicalName string, opts ListOptions) ([]Archive, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM archives WHERE physical_name = ? ORDER BY created_at DESC, seq DESC LIMIT ? OFFSET ?`

	var rows []archiveRow
	if err := exec.SelectContext(ctx, &rows, query, physicalName, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListArchives", "archive", physicalName, err.Error(), err)
	}

	archives := make([]Archive, 0, len(rows))
	for i := range rows {
		archives = append(archives, rowToArchive(&rows[i]))
	}
	return archives, nil
}

func rowToArchive(row *archiveRow) Archive {
	return Archive{
		PhysicalName: row.PhysicalName,
		Digest:       row.Digest,
		URI:          row.URI,
		Size:         row.Size,
		CreatedAt:    parseTime(row.CreatedAt),
	}
}

// =============================================================================
// Deployment Operations
// =============================================================================

// deploymentRow represents a deployment row in the database.
type deploymentRow struct {
	ID          string  `db:"id"`
	Target      string  `db:"target"`
	Fingerprint string  `db:"fingerprint"`
	Outcome     string  `db:"outcome"`
	ChangeID    string  `db:"change_id"`
	Error       string  `db:"error"`
	Trace       *string `db:"trace"`
	StartedAt   string  `db:"started_at"`
	FinishedAt  *string `db:"finished_at"`
}

func createDeployment(ctx context.Context, exec executor, deployment *Deployment) error {
	if deployment.ID == "" || deployment.Target == "" {
		return NewStoreError("CreateDeployment", "deployment", deployment.ID, "id and target are required", ErrInvalidData)
	}
	if deployment.StartedAt.IsZero() {
		deployment.StartedAt = time.Now()
	}

	row, err := deploymentToRow("CreateDeployment", deployment)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO deployments (
			id, target, fingerprint, outcome, change_id, error, trace, started_at, finished_at
		) VALUES (
			:id, :target, :fingerprint, :outcome, :change_id, :error, :trace, :started_at, :finished_at
		)`

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return NewStoreError("CreateDeployment", "deployment", deployment.ID, "deployment already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateDeployment", "deployment", deployment.ID, err.Error(), err)
	}
	return nil
}

// finishDeployment stores the outcome of a created deployment.
func finishDeployment(ctx context.Context, exec executor, deployment *Deployment) error {
	if deployment.FinishedAt == nil {
		now := time.Now()
		deployment.FinishedAt = &now
	}

	row, err := deploymentToRow("FinishDeployment", deployment)
	if err != nil {
		return err
	}

	query := `
		UPDATE deployments SET
			fingerprint = :fingerprint,
			outcome = :outcome,
			change_id = :change_id,
			error = :error,
			trace = :trace,
			finished_at = :finished_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("FinishDeployment", "deployment", deployment.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("FinishDeployment", "deployment", deployment.ID, "deployment not found", ErrNotFound)
	}
	return nil
}

func getDeployment(ctx context.Context, exec executor, id string) (*Deployment, error) {
	query := `SELECT * FROM deployments WHERE id = ?`

	var row deploymentRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeployment", "deployment", id, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeployment", "deployment", id, err.Error(), err)
	}

	return rowToDeployment(&row)
}

// listDeployments returns the deployments of target, newest first.
func listDeployments(ctx context.Context, exec executor, target string, opts ListOptions) ([]Deployment, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM deployments WHERE target = ? ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?`

	var rows []deploymentRow
	if err := exec.SelectContext(ctx, &rows, query, target, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListDeployments", "deployment", target, err.Error(), err)
	}

	deployments := make([]Deployment, 0, len(rows))
	for i := range rows {
		deployment, err := rowToDeployment(&rows[i])
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *deployment)
	}
	return deployments, nil
}

// =============================================================================
// Helper Functions
// =============================================================================

func deploymentToRow(op string, deployment *Deployment) (map[string]any, error) {
	var trace *string
	if len(deployment.Trace) > 0 {
		b, err := json.Marshal(deployment.Trace)
		if err != nil {
			return nil, NewStoreError(op, "deployment", deployment.ID, "failed to serialize trace", ErrInvalidData)
		}
		s := string(b)
		trace = &s
	}

	var finishedAt *string
	if deployment.FinishedAt != nil {
		s := formatTime(*deployment.FinishedAt)
		finishedAt = &s
	}

	return map[string]any{
		"id":          deployment.ID,
		"target":      deployment.Target,
		"fingerprint": deployment.Fingerprint,
		"outcome":     string(deployment.Outcome),
		"change_id":   deployment.ChangeID,
		"error":       deployment.Error,
		"trace":       trace,
		"started_at":  formatTime(deployment.StartedAt),
		"finished_at": finishedAt,
	}, nil
}

// rowToDeployment converts a database row to a Deployment.
func rowToDeployment(row *deploymentRow) (*Deployment, error) {
	var trace []rollout.State
	if row.Trace != nil && *row.Trace != "" {
		if err := json.Unmarshal([]byte(*row.Trace), &trace); err != nil {
			return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse trace", ErrInvalidData)
		}
	}

	var finishedAt *time.Time
	if row.FinishedAt != nil && *row.FinishedAt != "" {
		t := parseTime(*row.FinishedAt)
		finishedAt = &t
	}

	return &Deployment{
		ID:          row.ID,
		Target:      row.Target,
		Fingerprint: row.Fingerprint,
		Outcome:     rollout.Outcome(row.Outcome),
		ChangeID:    row.ChangeID,
		Error:       row.Error,
		Trace:       trace,
		StartedAt:   parseTime(row.StartedAt),
		FinishedAt:  finishedAt,
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}
