package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTaskExists is returned by RegisterTask when the task_id is already
// registered, matching the original tracker's collision check.
var ErrTaskExists = errors.New("persistence: task already registered")

// ErrTaskNotFound is returned whenever a task_id lookup misses.
var ErrTaskNotFound = errors.New("persistence: task not found")

// RegisterTask inserts a new active_tasks row with status running. It
// returns ErrTaskExists if task_id is already registered.
func (s *Store) RegisterTask(ctx context.Context, t ActiveTask) error {
	return s.retryOnBusy(ctx, 5, func() error {
		exists, err := s.TaskExists(ctx, t.TaskID)
		if err != nil {
			return err
		}
		if exists {
			return ErrTaskExists
		}
		_, err = s.exec(ctx, `
			INSERT INTO active_tasks
				(task_id, task_type, subagent_name, status, started_at, last_heartbeat, current_state, progress_percentage, project_id, description)
			VALUES (?, ?, ?, 'running', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, ?, 0, ?, ?);
		`, t.TaskID, t.TaskType, t.SubagentName, nullString(t.CurrentState), t.ProjectID, t.Description)
		return err
	})
}

// TaskExists reports whether task_id is registered, regardless of status.
func (s *Store) TaskExists(ctx context.Context, taskID string) (bool, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(1) FROM active_tasks WHERE task_id = ?;`, taskID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UnregisterTask marks a task completed, optionally overwriting its final
// recorded state.
func (s *Store) UnregisterTask(ctx context.Context, taskID string, finalState *string) error {
	return s.retryOnBusy(ctx, 5, func() error {
		var res sql.Result
		var err error
		if finalState != nil {
			res, err = s.exec(ctx, `UPDATE active_tasks SET status = 'completed', current_state = ? WHERE task_id = ?;`, *finalState, taskID)
		} else {
			res, err = s.exec(ctx, `UPDATE active_tasks SET status = 'completed' WHERE task_id = ?;`, taskID)
		}
		if err != nil {
			return err
		}
		return requireRowsAffected(res, ErrTaskNotFound)
	})
}

// UpdateHeartbeat refreshes last_heartbeat for a live task.
func (s *Store) UpdateHeartbeat(ctx context.Context, taskID string) error {
	res, err := s.exec(ctx, `UPDATE active_tasks SET last_heartbeat = CURRENT_TIMESTAMP WHERE task_id = ?;`, taskID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, ErrTaskNotFound)
}

// UpdateProgress clamps progress to [0,100] and stores it.
func (s *Store) UpdateProgress(ctx context.Context, taskID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	res, err := s.exec(ctx, `UPDATE active_tasks SET progress_percentage = ? WHERE task_id = ?;`, progress, taskID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, ErrTaskNotFound)
}

// UpdateState overwrites the opaque serialized state blob for a task.
func (s *Store) UpdateState(ctx context.Context, taskID string, state string) error {
	res, err := s.exec(ctx, `UPDATE active_tasks SET current_state = ? WHERE task_id = ?;`, state, taskID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, ErrTaskNotFound)
}

// GetTaskState returns the task's current state blob, or "" if none set.
func (s *Store) GetTaskState(ctx context.Context, taskID string) (string, error) {
	var state sql.NullString
	err := s.queryRow(ctx, `SELECT current_state FROM active_tasks WHERE task_id = ?;`, taskID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrTaskNotFound
	}
	if err != nil {
		return "", err
	}
	return state.String, nil
}

// GetActiveTasks returns running tasks, optionally filtered by project and
// subagent name (empty string / nil skip the filter).
func (s *Store) GetActiveTasks(ctx context.Context, projectID *int64, subagentName string) ([]ActiveTask, error) {
	query := `
		SELECT id, task_id, task_type, subagent_name, status, started_at, last_heartbeat, current_state, progress_percentage, project_id, description
		FROM active_tasks WHERE status = 'running'`
	var args []interface{}
	if projectID != nil {
		query += ` AND project_id = ?`
		args = append(args, *projectID)
	}
	if subagentName != "" {
		query += ` AND subagent_name = ?`
		args = append(args, subagentName)
	}
	query += ` ORDER BY started_at ASC;`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActiveTasks(rows)
}

// GetActiveTasksByStatus returns every active_tasks row in the given status,
// regardless of whether that status is "running". Used by recovery
// reporting to list paused tasks.
func (s *Store) GetActiveTasksByStatus(ctx context.Context, status TaskStatus) ([]ActiveTask, error) {
	rows, err := s.query(ctx, `
		SELECT id, task_id, task_type, subagent_name, status, started_at, last_heartbeat, current_state, progress_percentage, project_id, description
		FROM active_tasks WHERE status = ? ORDER BY started_at ASC;
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActiveTasks(rows)
}

// GetActiveCount returns the number of running tasks. Wired as the queue
// manager's default worker-count callback.
func (s *Store) GetActiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(1) FROM active_tasks WHERE status = 'running';`).Scan(&n)
	return n, err
}

// PauseTask transitions a running task to paused, writing a pre_deploy
// checkpoint first if the task has recorded state.
func (s *Store) PauseTask(ctx context.Context, taskID string) error {
	return s.retryOnBusy(ctx, 5, func() error {
		tx, err := s.begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var status string
		var state sql.NullString
		err = tx.QueryRowContext(ctx, s.rebind(`SELECT status, current_state FROM active_tasks WHERE task_id = ?;`), taskID).Scan(&status, &state)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		if TaskStatus(status) != TaskStatusRunning {
			return fmt.Errorf("persistence: task %s is %s, not running", taskID, status)
		}

		if state.Valid && state.String != "" {
			if _, err := tx.ExecContext(ctx, s.rebind(`
				INSERT INTO task_checkpoints (task_id, serialized_state, checkpoint_type, is_active)
				VALUES (?, ?, 'pre_deploy', 1);
			`), taskID, state.String); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE active_tasks SET status = 'paused' WHERE task_id = ?;`), taskID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ResumeTask transitions a paused task back to running, restoring state
// from the latest active checkpoint if one exists and deactivating it.
func (s *Store) ResumeTask(ctx context.Context, taskID string) error {
	return s.retryOnBusy(ctx, 5, func() error {
		tx, err := s.begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var status string
		err = tx.QueryRowContext(ctx, s.rebind(`SELECT status FROM active_tasks WHERE task_id = ?;`), taskID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		if TaskStatus(status) != TaskStatusPaused {
			return fmt.Errorf("persistence: task %s is %s, not paused", taskID, status)
		}

		var checkpointID int64
		var serialized string
		err = tx.QueryRowContext(ctx, s.rebind(`
			SELECT id, serialized_state FROM task_checkpoints
			WHERE task_id = ? AND is_active = 1
			ORDER BY created_at DESC LIMIT 1;
		`), taskID).Scan(&checkpointID, &serialized)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// No checkpoint to restore; resume with state unchanged.
		case err != nil:
			return err
		default:
			if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE active_tasks SET current_state = ? WHERE task_id = ?;`), serialized, taskID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE task_checkpoints SET is_active = 0 WHERE id = ?;`), checkpointID); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE active_tasks SET status = 'running' WHERE task_id = ?;`), taskID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ForcePauseTask transitions a task straight to paused without writing a
// checkpoint of its own, used by startup recovery after it has already
// written a "recovery"-typed checkpoint for the task's prior state.
func (s *Store) ForcePauseTask(ctx context.Context, taskID string) error {
	res, err := s.exec(ctx, `UPDATE active_tasks SET status = 'paused' WHERE task_id = ?;`, taskID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, ErrTaskNotFound)
}

// PauseAllActive pauses every running task, writing a pre_deploy checkpoint
// for any that carry state. Used before a destructive deployment runs.
func (s *Store) PauseAllActive(ctx context.Context) (int, error) {
	var count int
	err := s.retryOnBusy(ctx, 5, func() error {
		count = 0
		tx, err := s.begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, s.rebind(`SELECT task_id, current_state FROM active_tasks WHERE status = 'running';`))
		if err != nil {
			return err
		}
		type pending struct {
			taskID string
			state  sql.NullString
		}
		var items []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.taskID, &p.state); err != nil {
				rows.Close()
				return err
			}
			items = append(items, p)
		}
		rows.Close()

		for _, p := range items {
			if p.state.Valid && p.state.String != "" {
				if _, err := tx.ExecContext(ctx, s.rebind(`
					INSERT INTO task_checkpoints (task_id, serialized_state, checkpoint_type, is_active)
					VALUES (?, ?, 'pre_deploy', 1);
				`), p.taskID, p.state.String); err != nil {
					return err
				}
			}
			if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE active_tasks SET status = 'paused' WHERE task_id = ?;`), p.taskID); err != nil {
				return err
			}
			count++
		}
		return tx.Commit()
	})
	return count, err
}

// ResumePausedTasks resumes every paused task without restoring state; the
// task itself is expected to pull its latest checkpoint back in once it
// checks in again, matching the coordinator's bulk post-deployment resume.
func (s *Store) ResumePausedTasks(ctx context.Context) (int, error) {
	res, err := s.exec(ctx, `UPDATE active_tasks SET status = 'running' WHERE status = 'paused';`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CleanupStaleTasks fails any running task whose heartbeat is older than
// maxAge, returning the count affected.
func (s *Store) CleanupStaleTasks(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.exec(ctx, `UPDATE active_tasks SET status = 'failed' WHERE status = 'running' AND last_heartbeat < ?;`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RunningTasks returns every active_tasks row currently marked running,
// used by the startup recovery pass.
func (s *Store) RunningTasks(ctx context.Context) ([]ActiveTask, error) {
	rows, err := s.query(ctx, `
		SELECT id, task_id, task_type, subagent_name, status, started_at, last_heartbeat, current_state, progress_percentage, project_id, description
		FROM active_tasks WHERE status = 'running';
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActiveTasks(rows)
}

// CreateCheckpoint inserts a new active checkpoint and returns its id.
func (s *Store) CreateCheckpoint(ctx context.Context, taskID, state, checkpointType string) (int64, error) {
	if checkpointType == "" {
		checkpointType = "manual"
	}
	res, err := s.exec(ctx, `
		INSERT INTO task_checkpoints (task_id, serialized_state, checkpoint_type, is_active)
		VALUES (?, ?, ?, 1);
	`, taskID, state, checkpointType)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LatestCheckpoint returns the most recent active checkpoint for a task.
func (s *Store) LatestCheckpoint(ctx context.Context, taskID string) (*TaskCheckpoint, error) {
	var cp TaskCheckpoint
	var dqID sql.NullInt64
	err := s.queryRow(ctx, `
		SELECT id, task_id, deployment_queue_id, serialized_state, checkpoint_type, created_at, is_active
		FROM task_checkpoints WHERE task_id = ? AND is_active = 1 ORDER BY created_at DESC LIMIT 1;
	`, taskID).Scan(&cp.ID, &cp.TaskID, &dqID, &cp.SerializedState, &cp.CheckpointType, &cp.CreatedAt, &cp.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if dqID.Valid {
		cp.DeploymentQueueID = &dqID.Int64
	}
	return &cp, nil
}

// RecentCheckpoints returns up to limit most recent active checkpoints for
// a task, newest first.
func (s *Store) RecentCheckpoints(ctx context.Context, taskID string, limit int) ([]TaskCheckpoint, error) {
	rows, err := s.query(ctx, `
		SELECT id, task_id, deployment_queue_id, serialized_state, checkpoint_type, created_at, is_active
		FROM task_checkpoints WHERE task_id = ? AND is_active = 1 ORDER BY created_at DESC LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskCheckpoint
	for rows.Next() {
		var cp TaskCheckpoint
		var dqID sql.NullInt64
		if err := rows.Scan(&cp.ID, &cp.TaskID, &dqID, &cp.SerializedState, &cp.CheckpointType, &cp.CreatedAt, &cp.IsActive); err != nil {
			return nil, err
		}
		if dqID.Valid {
			cp.DeploymentQueueID = &dqID.Int64
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// AllActiveCheckpoints returns every checkpoint still marked active, used
// for recovery reporting.
func (s *Store) AllActiveCheckpoints(ctx context.Context) ([]TaskCheckpoint, error) {
	rows, err := s.query(ctx, `
		SELECT id, task_id, deployment_queue_id, serialized_state, checkpoint_type, created_at, is_active
		FROM task_checkpoints WHERE is_active = 1 ORDER BY created_at DESC;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskCheckpoint
	for rows.Next() {
		var cp TaskCheckpoint
		var dqID sql.NullInt64
		if err := rows.Scan(&cp.ID, &cp.TaskID, &dqID, &cp.SerializedState, &cp.CheckpointType, &cp.CreatedAt, &cp.IsActive); err != nil {
			return nil, err
		}
		if dqID.Valid {
			cp.DeploymentQueueID = &dqID.Int64
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// CleanupOldCheckpoints deletes inactive checkpoints older than the cutoff,
// returning the count removed.
func (s *Store) CleanupOldCheckpoints(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.exec(ctx, `DELETE FROM task_checkpoints WHERE is_active = 0 AND created_at < ?;`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanActiveTasks(rows *sql.Rows) ([]ActiveTask, error) {
	var out []ActiveTask
	for rows.Next() {
		var t ActiveTask
		var state sql.NullString
		var projectID sql.NullInt64
		var description sql.NullString
		if err := rows.Scan(&t.ID, &t.TaskID, &t.TaskType, &t.SubagentName, &t.Status, &t.StartedAt, &t.LastHeartbeat, &state, &t.ProgressPercentage, &projectID, &description); err != nil {
			return nil, err
		}
		t.CurrentState = state.String
		t.Description = description.String
		if projectID.Valid {
			t.ProjectID = &projectID.Int64
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func requireRowsAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
