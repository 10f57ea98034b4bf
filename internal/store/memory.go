package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used by tests and local development.
// It mirrors the Postgres semantics: server-assigned timestamps, one block
// row per address with the original id preserved across upserts.
type Memory struct {
	mu     sync.Mutex
	events []*SecurityEvent
	blocks map[string]*BlockRecord

	// now is overridable so tests can steer the clock.
	now func() time.Time
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		blocks: make(map[string]*BlockRecord),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the timestamp source. Test hook.
func (s *Memory) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Memory) InsertEvent(_ context.Context, in NewEvent) (*SecurityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event := &SecurityEvent{
		ID:        uuid.New(),
		EventType: in.EventType,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
		UserID:    in.UserID,
		Email:     in.Email,
		Details:   in.Details,
		CreatedAt: s.now(),
	}
	s.events = append(s.events, event)
	return copyEvent(event), nil
}

func (s *Memory) CountEvents(_ context.Context, eventType, ipAddress string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, event := range s.events {
		if event.EventType == eventType && event.IPAddress == ipAddress && !event.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *Memory) ListEvents(_ context.Context, filter EventFilter) ([]*SecurityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []*SecurityEvent
	for _, event := range s.events {
		if filter.EventType != "" && event.EventType != filter.EventType {
			continue
		}
		events = append(events, copyEvent(event))
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})
	if limit := clampLimit(filter.Limit); len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *Memory) UpsertBlock(_ context.Context, in BlockUpsert) (*BlockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	if existing, ok := s.blocks[in.IPAddress]; ok {
		id = existing.ID
	}
	record := &BlockRecord{
		ID:        id,
		IPAddress: in.IPAddress,
		Reason:    in.Reason,
		BlockedBy: in.BlockedBy,
		BlockedAt: in.BlockedAt,
		ExpiresAt: in.ExpiresAt,
		IsActive:  true,
	}
	s.blocks[in.IPAddress] = record
	return copyBlock(record), nil
}

func (s *Memory) BlockByAddress(_ context.Context, address string) (*BlockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.blocks[address]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBlock(record), nil
}

func (s *Memory) SetBlockActive(_ context.Context, id uuid.UUID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.blocks {
		if record.ID == id {
			record.IsActive = active
			return nil
		}
	}
	return ErrNotFound
}

func (s *Memory) DeleteBlock(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for address, record := range s.blocks {
		if record.ID == id {
			delete(s.blocks, address)
			return nil
		}
	}
	return ErrNotFound
}

func (s *Memory) ListBlocks(_ context.Context, activeOnly bool) ([]*BlockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []*BlockRecord
	for _, record := range s.blocks {
		if activeOnly && !record.IsActive {
			continue
		}
		records = append(records, copyBlock(record))
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].BlockedAt.After(records[j].BlockedAt)
	})
	return records, nil
}

func copyEvent(event *SecurityEvent) *SecurityEvent {
	clone := *event
	if event.Details != nil {
		clone.Details = make(map[string]any, len(event.Details))
		for k, v := range event.Details {
			clone.Details[k] = v
		}
	}
	return &clone
}

func copyBlock(record *BlockRecord) *BlockRecord {
	clone := *record
	return &clone
}
