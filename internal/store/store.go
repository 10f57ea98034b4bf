package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event types the detector reacts to or emits. The vocabulary is open:
// callers may record other strings, the detector only cares about these.
const (
	EventLoginAttempt       = "login_attempt"
	EventLoginSuccess       = "login_success"
	EventLoginFailure       = "login_failure"
	EventLogout             = "logout"
	EventBlockedAccess      = "blocked_access"
	EventAutoBlock          = "auto_block"
	EventRateLimitExceeded  = "rate_limit_exceeded"
	EventSuspiciousActivity = "suspicious_activity"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("record not found")

// SecurityEvent is an immutable, append-only audit row.
type SecurityEvent struct {
	ID        uuid.UUID      `json:"id"`
	EventType string         `json:"event_type"`
	IPAddress string         `json:"ip_address"`
	UserAgent string         `json:"user_agent"`
	UserID    *uuid.UUID     `json:"user_id,omitempty"`
	Email     string         `json:"email,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewEvent carries the caller-supplied portion of an event. Timestamps are
// always assigned at insert; callers cannot backdate.
type NewEvent struct {
	EventType string
	IPAddress string
	UserAgent string
	UserID    *uuid.UUID
	Email     string
	Details   map[string]any
}

// EventFilter narrows event listings. A zero Limit falls back to 100;
// listings are always newest-first.
type EventFilter struct {
	EventType string
	Limit     int
}

// BlockRecord is the single registry row for a blocked source address.
type BlockRecord struct {
	ID        uuid.UUID  `json:"id"`
	IPAddress string     `json:"ip_address"`
	Reason    string     `json:"reason"`
	BlockedBy *uuid.UUID `json:"blocked_by,omitempty"`
	BlockedAt time.Time  `json:"blocked_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IsActive  bool       `json:"is_active"`
}

// Expired reports whether the record carries an expiry that has passed.
func (b *BlockRecord) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

// Blocking reports whether the record denies requests at the given instant.
// Expiry is evaluated lazily here; an expired-but-active record never blocks.
func (b *BlockRecord) Blocking(now time.Time) bool {
	return b.IsActive && !b.Expired(now)
}

// BlockUpsert describes a block to install or refresh. The upsert is keyed
// on IPAddress: at most one record per address ever exists.
type BlockUpsert struct {
	IPAddress string
	Reason    string
	BlockedBy *uuid.UUID
	BlockedAt time.Time
	ExpiresAt *time.Time
}

// EventStore persists and queries the append-only event log.
type EventStore interface {
	InsertEvent(ctx context.Context, in NewEvent) (*SecurityEvent, error)
	CountEvents(ctx context.Context, eventType, ipAddress string, since time.Time) (int, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*SecurityEvent, error)
}

// BlockStore manages the per-address block registry. UpsertBlock must be
// atomic on the address key so concurrent escalations converge to one row.
type BlockStore interface {
	UpsertBlock(ctx context.Context, in BlockUpsert) (*BlockRecord, error)
	BlockByAddress(ctx context.Context, address string) (*BlockRecord, error)
	SetBlockActive(ctx context.Context, id uuid.UUID, active bool) error
	DeleteBlock(ctx context.Context, id uuid.UUID) error
	ListBlocks(ctx context.Context, activeOnly bool) ([]*BlockRecord, error)
}

// Store is the full persistence surface injected into the services.
type Store interface {
	EventStore
	BlockStore
}
