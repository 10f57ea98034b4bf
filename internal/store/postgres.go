package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const maxListLimit = 500

// Postgres implements Store on top of a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// InsertEvent appends one event. created_at is assigned by the database so
// the log stays monotonic regardless of caller clocks.
func (s *Postgres) InsertEvent(ctx context.Context, in NewEvent) (*SecurityEvent, error) {
	event := &SecurityEvent{
		ID:        uuid.New(),
		EventType: in.EventType,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
		UserID:    in.UserID,
		Email:     in.Email,
		Details:   in.Details,
	}

	details, err := marshalDetails(in.Details)
	if err != nil {
		return nil, fmt.Errorf("encode event details: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO security_events (id, event_type, ip_address, user_agent, user_id, email, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		event.ID, in.EventType, in.IPAddress, in.UserAgent, in.UserID, nullableText(in.Email), details,
	).Scan(&event.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert security event: %w", err)
	}
	return event, nil
}

// CountEvents counts events of one type from one address since the given
// instant. Used for the sliding failure window.
func (s *Postgres) CountEvents(ctx context.Context, eventType, ipAddress string, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM security_events
		 WHERE event_type = $1 AND ip_address = $2 AND created_at >= $3`,
		eventType, ipAddress, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count security events: %w", err)
	}
	return count, nil
}

// ListEvents returns events newest-first, optionally filtered by type.
func (s *Postgres) ListEvents(ctx context.Context, filter EventFilter) ([]*SecurityEvent, error) {
	conditions := []string{}
	args := []any{}
	if filter.EventType != "" {
		conditions = append(conditions, "event_type = $1")
		args = append(args, filter.EventType)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := clampLimit(filter.Limit)
	args = append(args, limit)

	query := fmt.Sprintf(
		`SELECT id, event_type, ip_address, user_agent, user_id, email, details, created_at
		 FROM security_events%s
		 ORDER BY created_at DESC
		 LIMIT $%d`, where, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list security events: %w", err)
	}
	defer rows.Close()

	var events []*SecurityEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// UpsertBlock installs or refreshes the block for an address. The unique
// constraint on ip_address makes concurrent upserts converge to one row.
func (s *Postgres) UpsertBlock(ctx context.Context, in BlockUpsert) (*BlockRecord, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO blocked_ips (id, ip_address, reason, blocked_by, blocked_at, expires_at, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		 ON CONFLICT (ip_address) DO UPDATE SET
			reason     = EXCLUDED.reason,
			blocked_by = EXCLUDED.blocked_by,
			blocked_at = EXCLUDED.blocked_at,
			expires_at = EXCLUDED.expires_at,
			is_active  = TRUE
		 RETURNING id, ip_address, reason, blocked_by, blocked_at, expires_at, is_active`,
		uuid.New(), in.IPAddress, in.Reason, in.BlockedBy, in.BlockedAt, in.ExpiresAt,
	)
	record, err := scanBlock(row)
	if err != nil {
		return nil, fmt.Errorf("upsert block: %w", err)
	}
	return record, nil
}

// BlockByAddress looks up the registry record for an address, active or not.
func (s *Postgres) BlockByAddress(ctx context.Context, address string) (*BlockRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, ip_address, reason, blocked_by, blocked_at, expires_at, is_active
		 FROM blocked_ips WHERE ip_address = $1`,
		address,
	)
	record, err := scanBlock(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup block: %w", err)
	}
	return record, nil
}

// SetBlockActive flips the active flag without touching history.
func (s *Postgres) SetBlockActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE blocked_ips SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set block active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBlock removes the record entirely, regardless of its active state.
func (s *Postgres) DeleteBlock(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM blocked_ips WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBlocks returns registry records newest-first.
func (s *Postgres) ListBlocks(ctx context.Context, activeOnly bool) ([]*BlockRecord, error) {
	query := `SELECT id, ip_address, reason, blocked_by, blocked_at, expires_at, is_active
		 FROM blocked_ips`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY blocked_at DESC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	var records []*BlockRecord
	for rows.Next() {
		record, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func scanEvent(row pgx.Row) (*SecurityEvent, error) {
	event := &SecurityEvent{}
	var email *string
	var details []byte
	err := row.Scan(&event.ID, &event.EventType, &event.IPAddress, &event.UserAgent,
		&event.UserID, &email, &details, &event.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan security event: %w", err)
	}
	if email != nil {
		event.Email = *email
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &event.Details); err != nil {
			return nil, fmt.Errorf("decode event details: %w", err)
		}
	}
	return event, nil
}

func scanBlock(row pgx.Row) (*BlockRecord, error) {
	record := &BlockRecord{}
	err := row.Scan(&record.ID, &record.IPAddress, &record.Reason,
		&record.BlockedBy, &record.BlockedAt, &record.ExpiresAt, &record.IsActive)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func marshalDetails(details map[string]any) ([]byte, error) {
	if details == nil {
		return nil, nil
	}
	return json.Marshal(details)
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
