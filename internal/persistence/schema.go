package persistence

import "fmt"

// tableStatements returns CREATE TABLE statements for every entity in the
// data model, adapted per dialect. Column names and constraints mirror the
// original SQLAlchemy models table for table: project_contexts,
// deployment_queue, active_tasks, task_checkpoints, scheduled_jobs,
// notification_log.
func (s *Store) tableStatements() []string {
	pk := s.autoincrementPrimaryKey()
	ts := s.timestampType()
	boolT := s.booleanType()

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS project_contexts (
			id %s,
			name TEXT NOT NULL UNIQUE,
			absolute_path TEXT NOT NULL,
			git_remote TEXT,
			is_active %s NOT NULL DEFAULT 1,
			metadata_json TEXT,
			created_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`, pk, boolT, ts, ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS deployment_queue (
			id %s,
			deployment_type TEXT NOT NULL CHECK(deployment_type IN ('deploy','redeploy','restart','scale','rollback')),
			target_service TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 2,
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','waiting_for_workers','processing','completed','failed','cancelled')),
			requested_by TEXT,
			reason TEXT,
			created_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP,
			scheduled_at %s,
			started_at %s,
			completed_at %s,
			requires_state_pause %s NOT NULL DEFAULT 0,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3
		);`, pk, ts, ts, ts, ts, boolT),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS active_tasks (
			id %s,
			task_id TEXT NOT NULL UNIQUE,
			task_type TEXT NOT NULL,
			subagent_name TEXT,
			status TEXT NOT NULL DEFAULT 'running' CHECK(status IN ('running','paused','completed','failed')),
			started_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_heartbeat %s NOT NULL DEFAULT CURRENT_TIMESTAMP,
			current_state TEXT,
			progress_percentage INTEGER NOT NULL DEFAULT 0,
			project_id INTEGER,
			description TEXT
		);`, pk, ts, ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS task_checkpoints (
			id %s,
			task_id TEXT NOT NULL,
			deployment_queue_id INTEGER REFERENCES deployment_queue(id),
			serialized_state TEXT NOT NULL,
			checkpoint_type TEXT NOT NULL DEFAULT 'manual',
			created_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP,
			is_active %s NOT NULL DEFAULT 1
		);`, pk, ts, boolT),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id %s,
			job_id TEXT NOT NULL UNIQUE,
			job_name TEXT NOT NULL,
			cron_expression TEXT NOT NULL,
			is_enabled %s NOT NULL DEFAULT 1,
			is_running %s NOT NULL DEFAULT 0,
			last_run %s,
			next_run %s,
			last_status TEXT,
			last_checkpoint_id INTEGER,
			auto_resume %s NOT NULL DEFAULT 1,
			created_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`, pk, boolT, boolT, ts, ts, boolT, ts, ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS notification_log (
			id %s,
			user_id TEXT,
			chat_id TEXT,
			message_type TEXT NOT NULL,
			message TEXT NOT NULL,
			is_sent %s NOT NULL DEFAULT 0,
			sent_at %s,
			created_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`, pk, boolT, ts, ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS audit_log (
			id %s,
			correlation_id TEXT,
			subject TEXT,
			operation TEXT NOT NULL,
			outcome TEXT NOT NULL,
			reason TEXT,
			created_at %s NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`, pk, ts),
	}
}

func (s *Store) indexStatements() []string {
	return []string{
		`CREATE INDEX IF NOT EXISTS idx_deployment_queue_status ON deployment_queue(status);`,
		`CREATE INDEX IF NOT EXISTS idx_deployment_queue_scheduled_at ON deployment_queue(scheduled_at);`,
		`CREATE INDEX IF NOT EXISTS idx_active_tasks_task_id ON active_tasks(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_active_tasks_status ON active_tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_active_tasks_project_id ON active_tasks(project_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_checkpoints_task_id ON task_checkpoints(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_checkpoints_active ON task_checkpoints(task_id, is_active);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_job_id ON scheduled_jobs(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_notification_log_user_id ON notification_log(user_id);`,
	}
}
