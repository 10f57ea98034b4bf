package registry

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/carelink/security-service/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrInvalidAddress is returned when a manual block targets a string
	// that is not an IP address.
	ErrInvalidAddress = errors.New("invalid ip address")
	// ErrReasonRequired is returned when a manual block carries no reason.
	ErrReasonRequired = errors.New("block reason is required")
	// ErrInvalidDuration is returned for negative block durations.
	ErrInvalidDuration = errors.New("block duration must not be negative")
)

// Service exposes the operator surface of the block registry.
type Service struct {
	store  store.BlockStore
	logger *zap.Logger
	now    func() time.Time
}

// New constructs the registry service.
func New(blockStore store.BlockStore, logger *zap.Logger) *Service {
	return &Service{
		store:  blockStore,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// BlockInput captures a manual block request. DurationHours of zero means
// the block is permanent until explicitly lifted.
type BlockInput struct {
	Address       string
	Reason        string
	BlockedBy     *uuid.UUID
	DurationHours int
}

// BlockAddress installs or refreshes a manual block. The upsert is keyed on
// the address, so a repeated block replaces the prior record entirely.
func (s *Service) BlockAddress(ctx context.Context, in BlockInput) (*store.BlockRecord, error) {
	address := strings.TrimSpace(in.Address)
	if net.ParseIP(address) == nil {
		return nil, ErrInvalidAddress
	}
	if strings.TrimSpace(in.Reason) == "" {
		return nil, ErrReasonRequired
	}
	if in.DurationHours < 0 {
		return nil, ErrInvalidDuration
	}

	now := s.now()
	var expiresAt *time.Time
	if in.DurationHours > 0 {
		t := now.Add(time.Duration(in.DurationHours) * time.Hour)
		expiresAt = &t
	}

	record, err := s.store.UpsertBlock(ctx, store.BlockUpsert{
		IPAddress: address,
		Reason:    in.Reason,
		BlockedBy: in.BlockedBy,
		BlockedAt: now,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("address blocked by operator",
		zap.String("ip_address", record.IPAddress),
		zap.Int("duration_hours", in.DurationHours),
	)
	return record, nil
}

// Unblock deactivates a block without deleting its history.
func (s *Service) Unblock(ctx context.Context, id uuid.UUID) error {
	return s.store.SetBlockActive(ctx, id, false)
}

// DeleteBlock hard-deletes a registry record regardless of its active state.
func (s *Service) DeleteBlock(ctx context.Context, id uuid.UUID) error {
	return s.store.DeleteBlock(ctx, id)
}

// List returns registry records newest-first.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]*store.BlockRecord, error) {
	return s.store.ListBlocks(ctx, activeOnly)
}
