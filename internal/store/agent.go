package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	v1 "github.com/chorushq/chorus/pkg/api/v1"
)

// UpsertAgent inserts or refreshes an agent registration. Re-registering an
// existing ID resets its breaker: a restarted agent starts from a clean
// failure record.
func (s *Store) UpsertAgent(ctx context.Context, agent *Agent) error {
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	if agent.LastHeartbeat.IsZero() {
		agent.LastHeartbeat = now
	}
	agent.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agents (id, type, capabilities, token_hash, declared_capacity,
			free_capacity_percent, active_task_count, last_heartbeat, breaker,
			consecutive_failures, cooldown_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			type = excluded.type,
			capabilities = excluded.capabilities,
			token_hash = excluded.token_hash,
			declared_capacity = excluded.declared_capacity,
			free_capacity_percent = excluded.free_capacity_percent,
			active_task_count = excluded.active_task_count,
			last_heartbeat = excluded.last_heartbeat,
			breaker = 'closed',
			consecutive_failures = 0,
			cooldown_until = NULL,
			updated_at = excluded.updated_at
	`), agent.ID, agent.Type, jsonText(agent.Capabilities, "[]"), agent.TokenHash,
		agent.DeclaredCapacity, agent.FreeCapacityPercent, agent.ActiveTaskCount,
		agent.LastHeartbeat, v1.BreakerClosed, 0, agent.CooldownUntil,
		agent.CreatedAt, agent.UpdatedAt)
	return err
}

// UpdateAgentMetrics records a heartbeat's capacity report.
func (s *Store) UpdateAgentMetrics(ctx context.Context, id string, freePct, activeCount int, heartbeat time.Time) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents
		SET free_capacity_percent = ?, active_task_count = ?, last_heartbeat = ?, updated_at = ?
		WHERE id = ?
	`), freePct, activeCount, heartbeat.UTC(), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireAgentRow(result, id)
}

// UpdateAgentBreaker persists a circuit breaker state change.
func (s *Store) UpdateAgentBreaker(ctx context.Context, id string, state v1.BreakerState, failures int, cooldownUntil *time.Time) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents
		SET breaker = ?, consecutive_failures = ?, cooldown_until = ?, updated_at = ?
		WHERE id = ?
	`), state, failures, cooldownUntil, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireAgentRow(result, id)
}

// GetAgent retrieves an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(selectAgent+` WHERE id = ?`), id)
	agent, err := scanAgent(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return agent, err
}

// ListAgents returns all registered agents.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.ro.QueryContext(ctx, selectAgent+` ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

// DeleteAgent removes an agent registration.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return requireAgentRow(result, id)
}

const selectAgent = `
	SELECT id, type, capabilities, token_hash, declared_capacity,
		free_capacity_percent, active_task_count, last_heartbeat, breaker,
		consecutive_failures, cooldown_until, created_at, updated_at
	FROM agents`

func scanAgent(row rowScanner) (*Agent, error) {
	agent := &Agent{}
	var capabilities string
	var cooldown sql.NullTime

	err := row.Scan(&agent.ID, &agent.Type, &capabilities, &agent.TokenHash,
		&agent.DeclaredCapacity, &agent.FreeCapacityPercent, &agent.ActiveTaskCount,
		&agent.LastHeartbeat, &agent.Breaker, &agent.ConsecutiveFailures,
		&cooldown, &agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if cooldown.Valid {
		agent.CooldownUntil = &cooldown.Time
	}
	if err := fromJSONText(capabilities, &agent.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to deserialize agent capabilities: %w", err)
	}
	return agent, nil
}

func requireAgentRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}
