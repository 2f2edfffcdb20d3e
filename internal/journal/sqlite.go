package journal

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sijadev/chunkflow/internal/domain"
)

var ErrNotFound = errors.New("journal: not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS runs (
  id TEXT PRIMARY KEY,
  course_id TEXT NOT NULL,
  started_at DATETIME NOT NULL,
  finished_at DATETIME NOT NULL,
  total_chunks INTEGER NOT NULL DEFAULT 0,
  successful_chunks INTEGER NOT NULL DEFAULT 0,
  failed_chunks INTEGER NOT NULL DEFAULT 0,
  total_sections INTEGER NOT NULL DEFAULT 0,
  total_activities INTEGER NOT NULL DEFAULT 0,
  successful_activities INTEGER NOT NULL DEFAULT 0,
  avg_processing_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_course ON runs(course_id, started_at);
CREATE TABLE IF NOT EXISTS run_failures (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  chunk_id TEXT NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  retry_count INTEGER NOT NULL DEFAULT 0,
  FOREIGN KEY(run_id) REFERENCES runs(id)
);
CREATE INDEX IF NOT EXISTS idx_run_failures_run ON run_failures(run_id);
CREATE TABLE IF NOT EXISTS import_schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  course_id TEXT NOT NULL,
  source TEXT NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_import_schedules_next_run ON import_schedules(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

// Repository persists finished runs and recurring import schedules.
type Repository interface {
	RecordRun(ctx context.Context, run domain.Run) (string, error)
	GetRun(ctx context.Context, id string) (domain.Run, error)
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)

	CreateSchedule(ctx context.Context, s domain.ImportSchedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.ImportSchedule, error)
	ListSchedules(ctx context.Context) ([]domain.ImportSchedule, error)
	UpdateSchedule(ctx context.Context, s domain.ImportSchedule) error
	DeleteSchedule(ctx context.Context, id string) error
	GetDueSchedules(ctx context.Context, now time.Time) ([]domain.ImportSchedule, error)
	UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) RecordRun(ctx context.Context, run domain.Run) (string, error) {
	id := run.ID
	if id == "" {
		id = "run_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO runs (id,course_id,started_at,finished_at,total_chunks,successful_chunks,failed_chunks,total_sections,total_activities,successful_activities,avg_processing_ms)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
`, id, run.CourseID, run.StartedAt, run.FinishedAt,
		run.Summary.TotalChunks, run.Summary.SuccessfulChunks, run.Summary.FailedChunks,
		run.Summary.TotalSections, run.Summary.TotalActivities, run.Summary.SuccessfulActivities,
		run.Summary.AverageProcessingTime.Milliseconds())
	if err != nil {
		return "", err
	}
	for _, f := range run.Summary.FailedChunkDetails {
		if _, err := r.db.ExecContext(ctx, `
INSERT INTO run_failures (run_id,chunk_id,error,retry_count) VALUES (?,?,?,?)
`, id, f.ChunkID, f.Error, f.RetryCount); err != nil {
			return "", err
		}
	}
	return id, nil
}

func (r *sqliteRepo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,course_id,started_at,finished_at,total_chunks,successful_chunks,failed_chunks,total_sections,total_activities,successful_activities,avg_processing_ms
FROM runs WHERE id=?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return domain.Run{}, ErrNotFound
	}
	if err != nil {
		return domain.Run{}, err
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT chunk_id,error,retry_count FROM run_failures WHERE run_id=? ORDER BY id`, id)
	if err != nil {
		return domain.Run{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var f domain.FailedChunk
		if err := rows.Scan(&f.ChunkID, &f.Error, &f.RetryCount); err != nil {
			return domain.Run{}, err
		}
		run.Summary.FailedChunkDetails = append(run.Summary.FailedChunkDetails, f)
	}
	return run, rows.Err()
}

func (r *sqliteRepo) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,course_id,started_at,finished_at,total_chunks,successful_chunks,failed_chunks,total_sections,total_activities,successful_activities,avg_processing_ms
FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (domain.Run, error) {
	var run domain.Run
	var avgMS int64
	err := s.Scan(&run.ID, &run.CourseID, &run.StartedAt, &run.FinishedAt,
		&run.Summary.TotalChunks, &run.Summary.SuccessfulChunks, &run.Summary.FailedChunks,
		&run.Summary.TotalSections, &run.Summary.TotalActivities, &run.Summary.SuccessfulActivities,
		&avgMS)
	if err != nil {
		return domain.Run{}, err
	}
	run.Summary.AverageProcessingTime = time.Duration(avgMS) * time.Millisecond
	if run.Summary.TotalChunks > 0 {
		run.Summary.SuccessRate = float64(run.Summary.SuccessfulChunks) / float64(run.Summary.TotalChunks)
	}
	if run.Summary.TotalActivities > 0 {
		run.Summary.ActivitySuccessRate = float64(run.Summary.SuccessfulActivities) / float64(run.Summary.TotalActivities)
	}
	return run, nil
}

func (r *sqliteRepo) CreateSchedule(ctx context.Context, s domain.ImportSchedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "imp_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO import_schedules (id,name,cron_expr,course_id,source,enabled,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, s.Name, s.CronExpr, s.CourseID, s.Source, s.Enabled, s.LastRun, s.NextRun)
	return id, err
}

func (r *sqliteRepo) GetSchedule(ctx context.Context, id string) (domain.ImportSchedule, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,name,cron_expr,course_id,source,enabled,last_run,next_run,created_at,updated_at
FROM import_schedules WHERE id=?`, id)
	s, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return domain.ImportSchedule{}, ErrNotFound
	}
	return s, err
}

func (r *sqliteRepo) ListSchedules(ctx context.Context) ([]domain.ImportSchedule, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,name,cron_expr,course_id,source,enabled,last_run,next_run,created_at,updated_at
FROM import_schedules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (r *sqliteRepo) UpdateSchedule(ctx context.Context, s domain.ImportSchedule) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE import_schedules SET name=?,cron_expr=?,course_id=?,source=?,enabled=?,next_run=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`, s.Name, s.CronExpr, s.CourseID, s.Source, s.Enabled, s.NextRun, s.ID)
	return err
}

func (r *sqliteRepo) DeleteSchedule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM import_schedules WHERE id=?", id)
	return err
}

func (r *sqliteRepo) GetDueSchedules(ctx context.Context, now time.Time) ([]domain.ImportSchedule, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,name,cron_expr,course_id,source,enabled,last_run,next_run,created_at,updated_at
FROM import_schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (r *sqliteRepo) UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE import_schedules SET last_run=?,next_run=?,updated_at=CURRENT_TIMESTAMP WHERE id=?`, lastRun, nextRun, id)
	return err
}

func scanSchedule(s scanner) (domain.ImportSchedule, error) {
	var sch domain.ImportSchedule
	var lastRun sql.NullTime
	if err := s.Scan(&sch.ID, &sch.Name, &sch.CronExpr, &sch.CourseID, &sch.Source,
		&sch.Enabled, &lastRun, &sch.NextRun, &sch.CreatedAt, &sch.UpdatedAt); err != nil {
		return domain.ImportSchedule{}, err
	}
	if lastRun.Valid {
		sch.LastRun = &lastRun.Time
	}
	return sch, nil
}

func collectSchedules(rows *sql.Rows) ([]domain.ImportSchedule, error) {
	var schedules []domain.ImportSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}
