package persistence

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"
)

// ErrQueueItemNotFound is returned when a queue id lookup misses.
var ErrQueueItemNotFound = errors.New("persistence: queue item not found")

// AddToQueue inserts a pending deployment. requires_state_pause is derived
// from the deployment type, not accepted as an argument.
func (s *Store) AddToQueue(ctx context.Context, item DeploymentQueueItem) (int64, error) {
	var scheduledAt interface{}
	if item.ScheduledAt != nil {
		scheduledAt = *item.ScheduledAt
	}
	res, err := s.exec(ctx, `
		INSERT INTO deployment_queue
			(deployment_type, target_service, priority, status, requested_by, reason, scheduled_at, requires_state_pause, max_retries)
		VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?);
	`, item.DeploymentType, item.TargetService, item.Priority, nullString(item.RequestedBy), nullString(item.Reason), scheduledAt, item.DeploymentType.IsDestructive(), defaultOr(item.MaxRetries, 3))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func defaultOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// GetNextPending returns the highest-priority, oldest eligible pending
// item, or nil if none are eligible. Candidates are fetched and sorted in
// memory by (priority DESC, created_at ASC) rather than relying on an
// engine-specific ORDER BY over an enum column.
func (s *Store) GetNextPending(ctx context.Context) (*DeploymentQueueItem, error) {
	items, err := s.pendingEligible(ctx)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (s *Store) pendingEligible(ctx context.Context) ([]DeploymentQueueItem, error) {
	rows, err := s.query(ctx, `
		SELECT id, deployment_type, target_service, priority, status, requested_by, reason, created_at, scheduled_at, started_at, completed_at, requires_state_pause, error_message, retry_count, max_retries
		FROM deployment_queue
		WHERE status = 'pending' AND (scheduled_at IS NULL OR scheduled_at <= ?);
	`, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items, err := scanQueueItems(rows)
	if err != nil {
		return nil, err
	}
	sortByPriorityThenRecency(items)
	return items, nil
}

// GetQueueStatus returns every queue item regardless of status, sorted the
// same way GetNextPending orders its candidates (priority DESC, created_at
// DESC), matching get_queue_status's "list of view records" contract: an
// operator inspecting queue health must still see processing/completed/
// failed/cancelled rows, not just pending ones.
func (s *Store) GetQueueStatus(ctx context.Context) ([]DeploymentQueueItem, error) {
	return s.allQueueItems(ctx)
}

func (s *Store) allQueueItems(ctx context.Context) ([]DeploymentQueueItem, error) {
	rows, err := s.query(ctx, `
		SELECT id, deployment_type, target_service, priority, status, requested_by, reason, created_at, scheduled_at, started_at, completed_at, requires_state_pause, error_message, retry_count, max_retries
		FROM deployment_queue;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items, err := scanQueueItems(rows)
	if err != nil {
		return nil, err
	}
	sortByPriorityThenRecency(items)
	return items, nil
}

func sortByPriorityThenRecency(items []DeploymentQueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}

// GetQueueItem fetches a single queue row by id.
func (s *Store) GetQueueItem(ctx context.Context, id int64) (*DeploymentQueueItem, error) {
	row := s.queryRow(ctx, `
		SELECT id, deployment_type, target_service, priority, status, requested_by, reason, created_at, scheduled_at, started_at, completed_at, requires_state_pause, error_message, retry_count, max_retries
		FROM deployment_queue WHERE id = ?;
	`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQueueItemNotFound
	}
	return item, err
}

// UpdateQueueStatus sets a queue item's status, stamping started_at /
// completed_at as appropriate and recording an error message if given.
func (s *Store) UpdateQueueStatus(ctx context.Context, id int64, status QueueStatus, errMsg string) error {
	query := `UPDATE deployment_queue SET status = ?`
	args := []interface{}{status}

	if status == QueueStatusProcessing {
		query += `, started_at = CURRENT_TIMESTAMP`
	}
	if status == QueueStatusCompleted || status == QueueStatusFailed || status == QueueStatusCancelled {
		query += `, completed_at = CURRENT_TIMESTAMP`
	}
	if errMsg != "" {
		query += `, error_message = ?`
		args = append(args, errMsg)
	}
	query += ` WHERE id = ?;`
	args = append(args, id)

	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, ErrQueueItemNotFound)
}

// CancelQueueItem marks a pending item cancelled.
func (s *Store) CancelQueueItem(ctx context.Context, id int64) error {
	return s.UpdateQueueStatus(ctx, id, QueueStatusCancelled, "")
}

// MarkWaitingForWorkers transitions a destructive item to waiting while
// workers are still active. Returns ErrQueueItemNotFound if missing.
func (s *Store) MarkWaitingForWorkers(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `UPDATE deployment_queue SET status = 'waiting_for_workers' WHERE id = ?;`, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, ErrQueueItemNotFound)
}

// RetryFailedItems resets every failed item still under its retry budget
// back to pending, clearing the error message, and returns the count
// retried.
func (s *Store) RetryFailedItems(ctx context.Context) (int, error) {
	res, err := s.exec(ctx, `
		UPDATE deployment_queue
		SET status = 'pending', retry_count = retry_count + 1, error_message = NULL
		WHERE status = 'failed' AND retry_count < max_retries;
	`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RetryDeployment resets a single failed item back to pending if it is
// still under its retry budget. Distinct from RetryFailedItems, which acts
// in bulk; both are kept because the facade exposes single-item retry for
// operator-driven recovery.
func (s *Store) RetryDeployment(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `
		UPDATE deployment_queue
		SET status = 'pending', retry_count = retry_count + 1, error_message = NULL, started_at = NULL, completed_at = NULL
		WHERE id = ? AND status = 'failed' AND retry_count < max_retries;
	`, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res, ErrQueueItemNotFound)
}

// ProcessingItems returns every item currently marked processing, used by
// startup recovery.
func (s *Store) ProcessingItems(ctx context.Context) ([]DeploymentQueueItem, error) {
	rows, err := s.query(ctx, `
		SELECT id, deployment_type, target_service, priority, status, requested_by, reason, created_at, scheduled_at, started_at, completed_at, requires_state_pause, error_message, retry_count, max_retries
		FROM deployment_queue WHERE status = 'processing';
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

// RetryableFailedItems returns failed items still under their retry
// budget, used for recovery reporting.
func (s *Store) RetryableFailedItems(ctx context.Context) ([]DeploymentQueueItem, error) {
	rows, err := s.query(ctx, `
		SELECT id, deployment_type, target_service, priority, status, requested_by, reason, created_at, scheduled_at, started_at, completed_at, requires_state_pause, error_message, retry_count, max_retries
		FROM deployment_queue WHERE status = 'failed' AND retry_count < max_retries;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueueItems(rows)
}

func scanQueueItems(rows *sql.Rows) ([]DeploymentQueueItem, error) {
	var out []DeploymentQueueItem
	for rows.Next() {
		item, err := scanQueueItemRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueueItem(row rowScanner) (*DeploymentQueueItem, error) {
	item, err := scanQueueItemRow(row)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func scanQueueItemRow(row rowScanner) (DeploymentQueueItem, error) {
	var item DeploymentQueueItem
	var requestedBy, reason, errMsg sql.NullString
	var scheduledAt, startedAt, completedAt sql.NullTime

	err := row.Scan(&item.ID, &item.DeploymentType, &item.TargetService, &item.Priority, &item.Status,
		&requestedBy, &reason, &item.CreatedAt, &scheduledAt, &startedAt, &completedAt,
		&item.RequiresStatePause, &errMsg, &item.RetryCount, &item.MaxRetries)
	if err != nil {
		return item, err
	}
	item.RequestedBy = requestedBy.String
	item.Reason = reason.String
	item.ErrorMessage = errMsg.String
	if scheduledAt.Valid {
		item.ScheduledAt = &scheduledAt.Time
	}
	if startedAt.Valid {
		item.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		item.CompletedAt = &completedAt.Time
	}
	return item, nil
}
