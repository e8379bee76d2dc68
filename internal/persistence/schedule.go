package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrScheduledJobExists is returned by RegisterScheduledJob when job_id is
// already registered.
var ErrScheduledJobExists = errors.New("persistence: scheduled job already registered")

// ErrScheduledJobNotFound is returned when a job_id lookup misses.
var ErrScheduledJobNotFound = errors.New("persistence: scheduled job not found")

// RegisterScheduledJob inserts a new job with the given first next_run.
func (s *Store) RegisterScheduledJob(ctx context.Context, jobID, jobName, cronExpr string, autoResume bool, nextRun time.Time) error {
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(1) FROM scheduled_jobs WHERE job_id = ?;`, jobID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return ErrScheduledJobExists
	}
	_, err := s.exec(ctx, `
		INSERT INTO scheduled_jobs (job_id, job_name, cron_expression, is_enabled, is_running, next_run, auto_resume)
		VALUES (?, ?, ?, 1, 0, ?, ?);
	`, jobID, jobName, cronExpr, nextRun, autoResume)
	return err
}

// ToggleScheduledJob enables or disables a job.
func (s *Store) ToggleScheduledJob(ctx context.Context, jobID string, enabled bool) error {
	res, err := s.exec(ctx, `UPDATE scheduled_jobs SET is_enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE job_id = ?;`, enabled, jobID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, ErrScheduledJobNotFound)
}

// GetScheduledJobs returns every registered job.
func (s *Store) GetScheduledJobs(ctx context.Context) ([]ScheduledJob, error) {
	rows, err := s.query(ctx, `
		SELECT id, job_id, job_name, cron_expression, is_enabled, is_running, last_run, next_run, last_status, last_checkpoint_id, auto_resume, created_at, updated_at
		FROM scheduled_jobs ORDER BY job_name ASC;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanScheduledJobs(rows)
}

// DueScheduledJobs returns enabled, non-running jobs whose next_run has
// arrived (or is unset).
func (s *Store) DueScheduledJobs(ctx context.Context, now time.Time) ([]ScheduledJob, error) {
	rows, err := s.query(ctx, `
		SELECT id, job_id, job_name, cron_expression, is_enabled, is_running, last_run, next_run, last_status, last_checkpoint_id, auto_resume, created_at, updated_at
		FROM scheduled_jobs
		WHERE is_enabled = 1 AND is_running = 0 AND (next_run IS NULL OR next_run <= ?);
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanScheduledJobs(rows)
}

// BeginJobRun marks a job running and stamps last_run.
func (s *Store) BeginJobRun(ctx context.Context, jobID string, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE scheduled_jobs SET is_running = 1, last_run = ? WHERE job_id = ?;`, at, jobID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, ErrScheduledJobNotFound)
}

// EndJobRun clears the running flag, records the outcome and the computed
// next_run (nil leaves next_run unset, matching an invalid cron expression
// being logged rather than scheduled).
func (s *Store) EndJobRun(ctx context.Context, jobID string, status string, nextRun *time.Time) error {
	var nr interface{}
	if nextRun != nil {
		nr = *nextRun
	}
	res, err := s.exec(ctx, `
		UPDATE scheduled_jobs SET is_running = 0, last_status = ?, next_run = ?, updated_at = CURRENT_TIMESTAMP WHERE job_id = ?;
	`, status, nr, jobID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, ErrScheduledJobNotFound)
}

// SetJobCheckpoint records the checkpoint a job run produced, so the next
// auto_resume fire can hand it back to the executor.
func (s *Store) SetJobCheckpoint(ctx context.Context, jobID string, checkpointID int64) error {
	res, err := s.exec(ctx, `UPDATE scheduled_jobs SET last_checkpoint_id = ?, updated_at = CURRENT_TIMESTAMP WHERE job_id = ?;`, checkpointID, jobID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, ErrScheduledJobNotFound)
}

func scanScheduledJobs(rows *sql.Rows) ([]ScheduledJob, error) {
	var out []ScheduledJob
	for rows.Next() {
		var j ScheduledJob
		var lastRun, nextRun sql.NullTime
		var lastStatus sql.NullString
		var lastCheckpointID sql.NullInt64
		if err := rows.Scan(&j.ID, &j.JobID, &j.JobName, &j.CronExpression, &j.IsEnabled, &j.IsRunning, &lastRun, &nextRun, &lastStatus, &lastCheckpointID, &j.AutoResume, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			j.LastRun = &lastRun.Time
		}
		if nextRun.Valid {
			j.NextRun = &nextRun.Time
		}
		j.LastStatus = lastStatus.String
		if lastCheckpointID.Valid {
			j.LastCheckpointID = &lastCheckpointID.Int64
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
