package store

import (
	"fmt"

	"github.com/chorushq/chorus/internal/db/dialect"
)

// initSchema creates the tables and indexes if they don't exist. The DDL is
// restricted to the subset both SQLite and Postgres accept; the one
// driver-dependent fragment comes from the dialect package.
func (s *Store) initSchema() error {
	if err := s.initRequestSchema(); err != nil {
		return err
	}
	if err := s.initTaskSchema(); err != nil {
		return err
	}
	if err := s.initAgentSchema(); err != nil {
		return err
	}
	if err := s.initAuditSchema(); err != nil {
		return err
	}
	return s.initIndexes()
}

func (s *Store) initRequestSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		requester TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		intent TEXT NOT NULL DEFAULT '{}',
		state TEXT NOT NULL DEFAULT 'received',
		failure TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		risk_level TEXT NOT NULL DEFAULT 'low',
		estimated_duration_seconds INTEGER NOT NULL DEFAULT 0,
		budget TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending_approval',
		approved_by TEXT NOT NULL DEFAULT '',
		approved_at TIMESTAMP,
		rejection_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (request_id) REFERENCES requests(id) ON DELETE CASCADE
	);
	`)
	return err
}

func (s *Store) initTaskSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL DEFAULT 0,
		work_type TEXT NOT NULL,
		parameters TEXT NOT NULL DEFAULT '{}',
		hints TEXT NOT NULL DEFAULT '{}',
		agent_id TEXT,
		status TEXT NOT NULL DEFAULT 'received',
		retry_count INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT NOT NULL DEFAULT '',
		estimated_resources TEXT NOT NULL DEFAULT '',
		actual_resources TEXT NOT NULL DEFAULT '',
		services_touched TEXT NOT NULL DEFAULT '[]',
		outcome TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		approved_at TIMESTAMP,
		dispatched_at TIMESTAMP,
		completed_at TIMESTAMP,
		FOREIGN KEY (plan_id) REFERENCES plans(id) ON DELETE CASCADE
	);
	`)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS execution_steps (
		id %s,
		task_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(task_id, ordinal, status),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	`, dialect.AutoIncrementPK(s.driver())))
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
	CREATE TABLE IF NOT EXISTS pause_entries (
		task_id TEXT PRIMARY KEY,
		reason TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		paused_at TIMESTAMP NOT NULL,
		not_before TIMESTAMP NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	`)
	return err
}

func (s *Store) initAgentSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		capabilities TEXT NOT NULL DEFAULT '[]',
		token_hash TEXT NOT NULL DEFAULT '',
		declared_capacity INTEGER NOT NULL DEFAULT 1,
		free_capacity_percent INTEGER NOT NULL DEFAULT 100,
		active_task_count INTEGER NOT NULL DEFAULT 0,
		last_heartbeat TIMESTAMP NOT NULL,
		breaker TEXT NOT NULL DEFAULT 'closed',
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		cooldown_until TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

func (s *Store) initAuditSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS audit_retries (
		task_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 1,
		alerted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS llm_quota (
		provider TEXT NOT NULL,
		month TEXT NOT NULL,
		spent_cents INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (provider, month)
	);
	`)
	return err
}

func (s *Store) initIndexes() error {
	_, err := s.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_plans_request_id ON plans(request_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_plan_id ON tasks(plan_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_agent_id ON tasks(agent_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_idempotency_key ON tasks(idempotency_key);
	CREATE INDEX IF NOT EXISTS idx_steps_task_id ON execution_steps(task_id);
	CREATE INDEX IF NOT EXISTS idx_pause_entries_not_before ON pause_entries(not_before);
	CREATE INDEX IF NOT EXISTS idx_pause_entries_paused_at ON pause_entries(paused_at);
	CREATE INDEX IF NOT EXISTS idx_agents_type ON agents(type);
	`)
	return err
}
