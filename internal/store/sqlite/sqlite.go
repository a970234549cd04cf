// Package sqlite implements store.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"modelchain/internal/store"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS model3d (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  owner_id       INTEGER NOT NULL,
  name           TEXT    NOT NULL DEFAULT '',
  ordering       INTEGER NOT NULL DEFAULT 0,
  command        TEXT    NOT NULL DEFAULT 'STOP',
  state          TEXT    NOT NULL DEFAULT 'STOPPED',
  error          TEXT    NOT NULL DEFAULT '',
  delete_request INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS process (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  model3d_id INTEGER NOT NULL,
  ordering   INTEGER NOT NULL DEFAULT 0,
  name       TEXT    NOT NULL DEFAULT '',
  state      TEXT    NOT NULL DEFAULT 'PAUSED'
);
CREATE INDEX IF NOT EXISTS idx_process_model3d ON process(model3d_id);
CREATE TABLE IF NOT EXISTS step (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  process_id INTEGER NOT NULL,
  ordering   INTEGER NOT NULL DEFAULT 0,
  name       TEXT    NOT NULL DEFAULT '',
  state      TEXT    NOT NULL DEFAULT 'PAUSED',
  progress   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_step_process ON step(process_id);
CREATE TABLE IF NOT EXISTS file (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  model3d_id INTEGER NOT NULL,
  code       TEXT    NOT NULL,
  path       TEXT    NOT NULL,
  size       INTEGER NOT NULL DEFAULT 0,
  UNIQUE (model3d_id, code)
);
CREATE TABLE IF NOT EXISTS param (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  model3d_id    INTEGER NOT NULL,
  code          TEXT    NOT NULL,
  value         TEXT,
  value_default TEXT    NOT NULL DEFAULT '',
  UNIQUE (model3d_id, code)
);
`

// Options tunes the connection.
type Options struct {
	BusyTimeoutMS int
	WALMode       bool
}

// Store is a store.Store backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
// ":memory:" is accepted for tests.
func Open(path string, opts Options, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// modernc.org/sqlite registers as "sqlite"
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serialises writers and keeps pragmas and :memory: state stable.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.configure(opts); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info("SQLite store opened", "path", path)
	return s, nil
}

func (s *Store) configure(opts Options) error {
	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = 5000
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeoutMS),
		"PRAGMA synchronous = NORMAL",
	}
	if opts.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const jobColumns = `id, owner_id, name, ordering, command, state, error, delete_request`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (store.JobRecord, error) {
	var (
		rec     store.JobRecord
		command string
		state   string
	)
	if err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Name, &rec.Ordering, &command, &state, &rec.Error, &rec.DeleteRequest); err != nil {
		return store.JobRecord{}, err
	}
	rec.Command = store.Command(command)
	rec.State = store.State(state)
	return rec, nil
}

// Jobs lists jobs matching filter ordered by ordering then id.
func (s *Store) Jobs(ctx context.Context, filter store.JobFilter) ([]store.JobRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.Command != "" {
		where = append(where, "command = ?")
		args = append(args, string(filter.Command))
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.DeleteRequest {
		where = append(where, "delete_request = 1")
	}
	if filter.OwnerID != 0 {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}

	query := "SELECT " + jobColumns + " FROM model3d"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ordering ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Job reads a single job.
func (s *Store) Job(ctx context.Context, id int64) (store.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM model3d WHERE id = ?", id)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.JobRecord{}, store.ErrNotFound
	}
	return rec, err
}

// PendingCommand returns the desired command of a job when it differs from
// the job's state. A missing job yields store.ErrNotFound.
func (s *Store) PendingCommand(ctx context.Context, jobID int64) (*store.PendingCommand, error) {
	var (
		command string
		state   string
		del     bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT command, state, delete_request FROM model3d WHERE id = ?`, jobID,
	).Scan(&command, &state, &del)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !del && commandMatchesState(store.Command(command), store.State(state)) {
		return nil, nil
	}
	return &store.PendingCommand{Command: store.Command(command), DeleteRequest: del}, nil
}

func commandMatchesState(c store.Command, s store.State) bool {
	switch c {
	case store.CommandRun:
		return s == store.StateRunning
	case store.CommandPause:
		return s == store.StatePaused
	case store.CommandStop:
		return s == store.StateStopped
	}
	return false
}

// CreateJob inserts a job. Empty command and state default to STOP/STOPPED.
func (s *Store) CreateJob(ctx context.Context, rec store.JobRecord) (store.JobRecord, error) {
	if rec.Command == "" {
		rec.Command = store.CommandStop
	}
	if rec.State == "" {
		rec.State = store.StateStopped
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO model3d (owner_id, name, ordering, command, state, error, delete_request)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.OwnerID, rec.Name, rec.Ordering, string(rec.Command), string(rec.State), rec.Error, rec.DeleteRequest,
	)
	if err != nil {
		return store.JobRecord{}, err
	}
	rec.ID, err = res.LastInsertId()
	return rec, err
}

// UpdateJob writes the non-nil fields of patch.
func (s *Store) UpdateJob(ctx context.Context, id int64, patch store.JobPatch) error {
	var (
		sets []string
		args []any
	)
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.Ordering != nil {
		sets = append(sets, "ordering = ?")
		args = append(args, *patch.Ordering)
	}
	if patch.Command != nil {
		sets = append(sets, "command = ?")
		args = append(args, string(*patch.Command))
	}
	if patch.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*patch.State))
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	}
	if patch.DeleteRequest != nil {
		sets = append(sets, "delete_request = ?")
		args = append(args, *patch.DeleteRequest)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	return s.execOne(ctx, "UPDATE model3d SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
}

// DeleteJob removes the job row.
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM model3d WHERE id = ?`, id)
	return err
}

// Stages lists the job's stages ordered by ordering then id.
func (s *Store) Stages(ctx context.Context, jobID int64) ([]store.StageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, model3d_id, ordering, name, state FROM process
       WHERE model3d_id = ? ORDER BY ordering ASC, id ASC`, jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.StageRecord
	for rows.Next() {
		var (
			rec   store.StageRecord
			state string
		)
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.Ordering, &rec.Name, &state); err != nil {
			return nil, err
		}
		rec.State = store.State(state)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CreateStage inserts a stage. An empty state defaults to PAUSED.
func (s *Store) CreateStage(ctx context.Context, rec store.StageRecord) (store.StageRecord, error) {
	if rec.State == "" {
		rec.State = store.StatePaused
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO process (model3d_id, ordering, name, state) VALUES (?, ?, ?, ?)`,
		rec.JobID, rec.Ordering, rec.Name, string(rec.State),
	)
	if err != nil {
		return store.StageRecord{}, err
	}
	rec.ID, err = res.LastInsertId()
	return rec, err
}

// UpdateStage writes the stage state.
func (s *Store) UpdateStage(ctx context.Context, id int64, state store.State) error {
	return s.execOne(ctx, `UPDATE process SET state = ? WHERE id = ?`, string(state), id)
}

// DeleteStages removes the job's stages and their units in one transaction.
func (s *Store) DeleteStages(ctx context.Context, jobID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM step WHERE process_id IN (SELECT id FROM process WHERE model3d_id = ?)`, jobID,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM process WHERE model3d_id = ?`, jobID); err != nil {
		return err
	}
	return tx.Commit()
}

// Units lists the stage's units ordered by ordering then id.
func (s *Store) Units(ctx context.Context, stageID int64) ([]store.UnitRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, process_id, ordering, name, state, progress FROM step
       WHERE process_id = ? ORDER BY ordering ASC, id ASC`, stageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.UnitRecord
	for rows.Next() {
		var (
			rec   store.UnitRecord
			state string
		)
		if err := rows.Scan(&rec.ID, &rec.StageID, &rec.Ordering, &rec.Name, &state, &rec.Progress); err != nil {
			return nil, err
		}
		rec.State = store.State(state)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CreateUnit inserts a unit. An empty state defaults to PAUSED.
func (s *Store) CreateUnit(ctx context.Context, rec store.UnitRecord) (store.UnitRecord, error) {
	if rec.State == "" {
		rec.State = store.StatePaused
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO step (process_id, ordering, name, state, progress) VALUES (?, ?, ?, ?, ?)`,
		rec.StageID, rec.Ordering, rec.Name, string(rec.State), rec.Progress,
	)
	if err != nil {
		return store.UnitRecord{}, err
	}
	rec.ID, err = res.LastInsertId()
	return rec, err
}

// UpdateUnit writes the non-nil fields of patch.
func (s *Store) UpdateUnit(ctx context.Context, id int64, patch store.UnitPatch) error {
	var (
		sets []string
		args []any
	)
	if patch.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*patch.State))
	}
	if patch.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *patch.Progress)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	return s.execOne(ctx, "UPDATE step SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
}

// Files lists the job's files, optionally narrowed to one code.
func (s *Store) Files(ctx context.Context, jobID int64, code string) ([]store.FileRecord, error) {
	query := `SELECT id, model3d_id, code, path, size FROM file WHERE model3d_id = ?`
	args := []any{jobID}
	if code != "" {
		query += " AND code = ?"
		args = append(args, code)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.FileRecord
	for rows.Next() {
		var rec store.FileRecord
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.Code, &rec.Path, &rec.Size); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CreateFile inserts a file record.
func (s *Store) CreateFile(ctx context.Context, rec store.FileRecord) (store.FileRecord, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO file (model3d_id, code, path, size) VALUES (?, ?, ?, ?)`,
		rec.JobID, rec.Code, rec.Path, rec.Size,
	)
	if err != nil {
		return store.FileRecord{}, err
	}
	rec.ID, err = res.LastInsertId()
	return rec, err
}

// UpdateFile rewrites path and size of a file record.
func (s *Store) UpdateFile(ctx context.Context, id int64, path string, size int64) error {
	return s.execOne(ctx, `UPDATE file SET path = ?, size = ? WHERE id = ?`, path, size, id)
}

// DeleteFiles removes every file record of the job.
func (s *Store) DeleteFiles(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM file WHERE model3d_id = ?`, jobID)
	return err
}

// Params lists the job's parameters, optionally narrowed to one code.
func (s *Store) Params(ctx context.Context, jobID int64, code string) ([]store.ParamRecord, error) {
	query := `SELECT id, model3d_id, code, value, value_default FROM param WHERE model3d_id = ?`
	args := []any{jobID}
	if code != "" {
		query += " AND code = ?"
		args = append(args, code)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ParamRecord
	for rows.Next() {
		var (
			rec   store.ParamRecord
			value sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.Code, &value, &rec.Default); err != nil {
			return nil, err
		}
		if value.Valid {
			v := value.String
			rec.Value = &v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CreateParam inserts a parameter.
func (s *Store) CreateParam(ctx context.Context, rec store.ParamRecord) (store.ParamRecord, error) {
	var value sql.NullString
	if rec.Value != nil {
		value = sql.NullString{String: *rec.Value, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO param (model3d_id, code, value, value_default) VALUES (?, ?, ?, ?)`,
		rec.JobID, rec.Code, value, rec.Default,
	)
	if err != nil {
		return store.ParamRecord{}, err
	}
	rec.ID, err = res.LastInsertId()
	return rec, err
}

// DeleteParams removes every parameter of the job.
func (s *Store) DeleteParams(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM param WHERE model3d_id = ?`, jobID)
	return err
}

// ResetRunning rewrites RUNNING rows to PAUSED so interrupted work resumes.
func (s *Store) ResetRunning(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var total int64
	for _, table := range []string{"model3d", "process", "step"} {
		res, err := tx.ExecContext(ctx,
			"UPDATE "+table+" SET state = ? WHERE state = ?",
			string(store.StatePaused), string(store.StateRunning),
		)
		if err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if total > 0 {
		s.logger.Info("Reset interrupted rows to paused", "rows", total)
	}
	return nil
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
