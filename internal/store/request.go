package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	v1 "github.com/chorushq/chorus/pkg/api/v1"
)

// CreateRequest persists a new change request.
func (s *Store) CreateRequest(ctx context.Context, req *Request) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.State == "" {
		req.State = v1.RequestStateReceived
	}
	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO requests (id, requester, text, intent, state, failure, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), req.ID, req.Requester, req.Text, jsonText(req.Intent, "{}"), req.State,
		jsonText(req.Failure, ""), req.CreatedAt, req.UpdatedAt)
	return err
}

// GetRequest retrieves a request by ID.
func (s *Store) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, requester, text, intent, state, failure, created_at, updated_at
		FROM requests WHERE id = ?
	`), id)
	req, err := scanRequest(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return req, err
}

// ListRequests returns requests newest-first.
func (s *Store) ListRequests(ctx context.Context, limit, offset int) ([]*Request, error) {
	limit, offset = clampPage(limit, offset)
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, requester, text, intent, state, failure, created_at, updated_at
		FROM requests
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`), limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// ListRequestsByState returns requests in any of the given states, oldest
// first.
func (s *Store) ListRequestsByState(ctx context.Context, states ...v1.RequestState) ([]*Request, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT id, requester, text, intent, state, failure, created_at, updated_at
		FROM requests WHERE state IN (?)
		ORDER BY created_at ASC
	`, states)
	if err != nil {
		return nil, err
	}
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// SetRequestState transitions a request, compare-and-set on the prior state.
func (s *Store) SetRequestState(ctx context.Context, id string, from, to v1.RequestState) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE requests SET state = ?, updated_at = ? WHERE id = ? AND state = ?
	`), to, time.Now().UTC(), id, from)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, getErr := s.GetRequest(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("request %s: expected state %s: %w", id, from, ErrStatusConflict)
	}
	return nil
}

// SetRequestIntent stores the parsed intent produced by the planner.
func (s *Store) SetRequestIntent(ctx context.Context, id string, intent map[string]interface{}) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE requests SET intent = ?, updated_at = ? WHERE id = ?
	`), jsonText(intent, "{}"), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetRequestFailure records the structured failure view and moves the
// request to the given state (failed or rejected).
func (s *Store) SetRequestFailure(ctx context.Context, id string, state v1.RequestState, failure *v1.Failure) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE requests SET state = ?, failure = ?, updated_at = ? WHERE id = ?
	`), state, jsonText(failure, ""), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*Request, error) {
	req := &Request{}
	var intent, failure string
	err := row.Scan(&req.ID, &req.Requester, &req.Text, &intent, &req.State,
		&failure, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := fromJSONText(intent, &req.Intent); err != nil {
		return nil, fmt.Errorf("failed to deserialize request intent: %w", err)
	}
	if failure != "" {
		req.Failure = &v1.Failure{}
		if err := fromJSONText(failure, req.Failure); err != nil {
			return nil, fmt.Errorf("failed to deserialize request failure: %w", err)
		}
	}
	return req, nil
}
