package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/cursiveterminal/deployctl/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// defaultListLimit applies when a list call passes no limit.
const defaultListLimit = 50

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.Path == ":memory:" {
		// Every connection to :memory: is a separate database.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	} else {
		if cfg.MaxOpenConns == 0 {
			cfg.MaxOpenConns = 25
		}
		if cfg.MaxIdleConns == 0 {
			cfg.MaxIdleConns = 5
		}
		if cfg.ConnMaxLifetime == 0 {
			cfg.ConnMaxLifetime = 5 * time.Minute
		}
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// --- targets ---

const targetColumns = `id, hostname, address, os_type, architecture, auth, tags, metadata, created_at, updated_at`

// AddTarget inserts a target, assigning an ID when empty.
func (s *SQLiteStore) AddTarget(ctx context.Context, target *engine.Target) error {
	if target.ID == "" {
		target.ID = uuid.New().String()
	}
	if target.Hostname == "" {
		return engine.NewPermanentError("hostname is required", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(target.ID)
	}

	now := time.Now().UTC()
	if target.CreatedAt.IsZero() {
		target.CreatedAt = now
	}
	target.UpdatedAt = now
	target.Tags = engine.NormalizeTags(target.Tags)

	auth, tags, metadata, err := encodeTargetColumns(target)
	if err != nil {
		return err
	}

	query := `INSERT INTO targets (` + targetColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		target.ID,
		target.Hostname,
		target.Address,
		target.OSType,
		target.Architecture,
		auth,
		tags,
		metadata,
		target.CreatedAt.UTC(),
		target.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.NewConflictError("target already exists", err).
				WithCode(engine.ErrCodeAlreadyExists).
				WithResource(target.ID)
		}
		return fmt.Errorf("failed to add target: %w", err)
	}

	return nil
}

// GetTarget implements engine.Registry.
func (s *SQLiteStore) GetTarget(ctx context.Context, id string) (*engine.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets WHERE id = ?`

	target, err := scanTarget(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("target", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target: %w", err)
	}

	return target, nil
}

// ListTargets returns every target ordered by hostname.
func (s *SQLiteStore) ListTargets(ctx context.Context) ([]*engine.Target, error) {
	return s.ListTargetsByTags(ctx, nil)
}

// ListTargetsByTags returns the targets carrying any of tags. No tags selects all.
func (s *SQLiteStore) ListTargetsByTags(ctx context.Context, tags []string) ([]*engine.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets`
	args := make([]interface{}, 0, len(tags))

	if len(tags) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(tags)), ", ")
		query += ` WHERE EXISTS (SELECT 1 FROM json_each(targets.tags) WHERE json_each.value IN (` + placeholders + `))`
		for _, tag := range tags {
			args = append(args, tag)
		}
	}
	query += ` ORDER BY hostname, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	defer rows.Close()

	targets := []*engine.Target{}
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		targets = append(targets, target)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating targets: %w", err)
	}

	return targets, nil
}

// UpdateTarget applies update to the stored target and returns the result.
func (s *SQLiteStore) UpdateTarget(ctx context.Context, id string, update TargetUpdate) (*engine.Target, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	target, err := scanTarget(tx.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("target", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target: %w", err)
	}

	if update.Hostname != nil {
		target.Hostname = *update.Hostname
	}
	if update.Address != nil {
		target.Address = *update.Address
	}
	if update.Auth != nil {
		target.Auth = update.Auth
	}
	if update.Tags != nil {
		target.Tags = engine.NormalizeTags(update.Tags)
	}
	if update.Metadata != nil {
		if target.Metadata == nil {
			target.Metadata = make(map[string]interface{}, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			if v == nil {
				delete(target.Metadata, k)
				continue
			}
			target.Metadata[k] = v
		}
	}
	target.UpdatedAt = time.Now().UTC()

	auth, tags, metadata, err := encodeTargetColumns(target)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE targets
		SET hostname = ?, address = ?, auth = ?, tags = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`
	if _, err := tx.ExecContext(ctx, query, target.Hostname, target.Address, auth, tags, metadata, target.UpdatedAt, id); err != nil {
		return nil, fmt.Errorf("failed to update target: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit target update: %w", err)
	}

	return target, nil
}

// RemoveTarget deletes a target by ID. Tasks that referenced it are kept.
func (s *SQLiteStore) RemoveTarget(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove target: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return engine.NewNotFoundError("target", id)
	}

	return nil
}

// --- deployments ---

const deploymentColumns = `id, name, description, target_ids, method, script_template, variables, status,
	timeout_seconds, parallel_limit, success_count, failure_count, created_at, started_at, completed_at`

const taskColumns = `id, deployment_id, target_id, method, script, status, started_at, completed_at,
	output, error, exit_code, retry_count, max_retries`

// SaveDeployment implements engine.Registry. The deployment row and all of its
// tasks are written in one transaction.
func (s *SQLiteStore) SaveDeployment(ctx context.Context, d *engine.Deployment) error {
	targetIDs, err := json.Marshal(d.TargetIDs)
	if err != nil {
		return fmt.Errorf("failed to encode target ids: %w", err)
	}
	variables, err := json.Marshal(d.Variables)
	if err != nil {
		return fmt.Errorf("failed to encode variables: %w", err)
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO deployments (` + deploymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`
	_, err = tx.ExecContext(ctx, query,
		d.ID,
		d.Name,
		d.Description,
		string(targetIDs),
		d.Method,
		d.ScriptTemplate,
		string(variables),
		d.Status,
		d.TimeoutSeconds,
		d.ParallelLimit,
		d.SuccessCount,
		d.FailureCount,
		d.CreatedAt.UTC(),
		nullTime(d.StartedAt),
		nullTime(d.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save deployment: %w", err)
	}

	taskQuery := `
		INSERT INTO tasks (position, ` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			output = excluded.output,
			error = excluded.error,
			exit_code = excluded.exit_code,
			retry_count = excluded.retry_count
	`
	for i, task := range d.Tasks {
		var exitCode interface{}
		if task.ExitCode != nil {
			exitCode = *task.ExitCode
		}
		_, err := tx.ExecContext(ctx, taskQuery,
			i,
			task.ID,
			d.ID,
			task.TargetID,
			task.Method,
			task.Script,
			task.Status,
			nullTime(task.StartedAt),
			nullTime(task.CompletedAt),
			task.Output,
			task.Error,
			exitCode,
			task.RetryCount,
			task.MaxRetries,
		)
		if err != nil {
			return fmt.Errorf("failed to save task %s: %w", task.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit deployment: %w", err)
	}

	return nil
}

// GetDeployment implements engine.Registry.
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*engine.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = ?`

	d, err := scanDeployment(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("deployment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}

	tasks, err := s.listTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Tasks = tasks

	return d, nil
}

// ListDeployments returns deployments newest first, without their tasks.
func (s *SQLiteStore) ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*engine.Deployment, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}

	var status interface{}
	if filter.Status != "" {
		status = string(filter.Status)
	}

	query := `
		SELECT ` + deploymentColumns + `
		FROM deployments
		WHERE (? IS NULL OR status = ?)
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, status, status, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	deployments := []*engine.Deployment{}
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}

	return deployments, nil
}

// DeleteDeployment removes a deployment with its tasks and events.
func (s *SQLiteStore) DeleteDeployment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete deployment: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return engine.NewNotFoundError("deployment", id)
	}

	return nil
}

func (s *SQLiteStore) listTasks(ctx context.Context, deploymentID string) ([]*engine.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE deployment_id = ? ORDER BY position`

	rows, err := s.db.QueryContext(ctx, query, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*engine.Task{}
	for rows.Next() {
		task := &engine.Task{}
		var startedAt, completedAt sql.NullTime
		var exitCode sql.NullInt64
		err := rows.Scan(
			&task.ID,
			&task.DeploymentID,
			&task.TargetID,
			&task.Method,
			&task.Script,
			&task.Status,
			&startedAt,
			&completedAt,
			&task.Output,
			&task.Error,
			&exitCode,
			&task.RetryCount,
			&task.MaxRetries,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task.StartedAt = timePtr(startedAt)
		task.CompletedAt = timePtr(completedAt)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			task.ExitCode = &code
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// --- events ---

// AppendEvent implements engine.EventSink.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}

	query := `
		INSERT INTO deployment_events (id, deployment_id, task_id, type, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.DeploymentID,
		event.TaskID,
		event.Type,
		string(data),
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents returns a deployment's events oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, deploymentID string, limit, offset int) ([]*engine.Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT id, deployment_id, task_id, type, data, timestamp
		FROM deployment_events
		WHERE deployment_id = ?
		ORDER BY timestamp, rowid
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, deploymentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		event := &engine.Event{}
		var data string
		err := rows.Scan(
			&event.ID,
			&event.DeploymentID,
			&event.TaskID,
			&event.Type,
			&data,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &event.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event data: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTarget(row rowScanner) (*engine.Target, error) {
	target := &engine.Target{}
	var auth sql.NullString
	var tags, metadata string

	err := row.Scan(
		&target.ID,
		&target.Hostname,
		&target.Address,
		&target.OSType,
		&target.Architecture,
		&auth,
		&tags,
		&metadata,
		&target.CreatedAt,
		&target.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if auth.Valid && auth.String != "" {
		target.Auth = &engine.AuthRef{}
		if err := json.Unmarshal([]byte(auth.String), target.Auth); err != nil {
			return nil, fmt.Errorf("failed to decode auth: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(tags), &target.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &target.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if len(target.Metadata) == 0 {
		target.Metadata = nil
	}

	return target, nil
}

func encodeTargetColumns(target *engine.Target) (auth interface{}, tags, metadata string, err error) {
	if target.Auth != nil {
		data, err := json.Marshal(target.Auth)
		if err != nil {
			return nil, "", "", fmt.Errorf("failed to encode auth: %w", err)
		}
		auth = string(data)
	}

	tagData, err := json.Marshal(engine.NormalizeTags(target.Tags))
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to encode tags: %w", err)
	}

	meta := target.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to encode metadata: %w", err)
	}

	return auth, string(tagData), string(metaData), nil
}

func scanDeployment(row rowScanner) (*engine.Deployment, error) {
	d := &engine.Deployment{}
	var targetIDs, variables string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.Description,
		&targetIDs,
		&d.Method,
		&d.ScriptTemplate,
		&variables,
		&d.Status,
		&d.TimeoutSeconds,
		&d.ParallelLimit,
		&d.SuccessCount,
		&d.FailureCount,
		&d.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(targetIDs), &d.TargetIDs); err != nil {
		return nil, fmt.Errorf("failed to decode target ids: %w", err)
	}
	if err := json.Unmarshal([]byte(variables), &d.Variables); err != nil {
		return nil, fmt.Errorf("failed to decode variables: %w", err)
	}
	d.StartedAt = timePtr(startedAt)
	d.CompletedAt = timePtr(completedAt)

	return d, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
