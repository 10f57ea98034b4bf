package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carelink/security-service/internal/config"
	"github.com/carelink/security-service/internal/events"
	"github.com/carelink/security-service/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AutoBlockReason is the registry reason written by the detector.
const AutoBlockReason = "Automatic block: Too many failed login attempts"

// Service gates every incoming security event through the block registry and
// escalates bursts of login failures into time-bounded automatic blocks.
type Service struct {
	store    store.Store
	recorder *events.Recorder
	cfg      config.DetectorConfig
	logger   *zap.Logger
	now      func() time.Time
}

// Dependencies aggregates constructor inputs.
type Dependencies struct {
	Store    store.Store
	Recorder *events.Recorder
	Config   config.DetectorConfig
	Logger   *zap.Logger
}

// New initialises the gate.
func New(deps Dependencies) *Service {
	return &Service{
		store:    deps.Store,
		recorder: deps.Recorder,
		cfg:      deps.Config,
		logger:   deps.Logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Input captures one inbound security event from the authentication flow.
type Input struct {
	EventType string
	IPAddress string
	UserAgent string
	UserID    *uuid.UUID
	Email     string
	Details   map[string]any
}

// Result is the gate's decision. Allowed=false is a policy denial, not an
// error: the caller must refuse the underlying action outright.
type Result struct {
	Allowed        bool
	Event          *store.SecurityEvent
	BlockReason    string
	AutoBlocked    bool
	FailedAttempts int
}

// Guard runs the pre-check / record / escalate sequence for one event.
//
// A currently blocking registry record short-circuits: the original event is
// not persisted, a blocked_access event is written instead, and the caller
// gets a denial. Otherwise the event is recorded and, for login failures,
// the sliding failure window is evaluated for escalation.
func (s *Service) Guard(ctx context.Context, in Input) (*Result, error) {
	if in.EventType == "" {
		return nil, events.ErrEventTypeRequired
	}
	if in.IPAddress == "" {
		in.IPAddress = "unknown"
	}

	denied, reason, err := s.precheck(ctx, in)
	if err != nil {
		return nil, err
	}
	if denied {
		return &Result{Allowed: false, BlockReason: reason}, nil
	}

	event, err := s.recorder.Record(ctx, store.NewEvent{
		EventType: in.EventType,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
		UserID:    in.UserID,
		Email:     in.Email,
		Details:   in.Details,
	})
	if err != nil {
		return nil, err
	}

	result := &Result{Allowed: true, Event: event}
	if in.EventType == store.EventLoginFailure {
		s.escalate(ctx, in, result)
	}
	return result, nil
}

// precheck consults the registry for the source address. Expired records are
// deactivated in place the first time they are observed.
func (s *Service) precheck(ctx context.Context, in Input) (denied bool, reason string, err error) {
	record, err := s.store.BlockByAddress(ctx, in.IPAddress)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("pre-check block lookup: %w", err)
	}

	if !record.IsActive {
		return false, "", nil
	}

	if record.Expired(s.now()) {
		if err := s.store.SetBlockActive(ctx, record.ID, false); err != nil {
			// The record already reads as non-blocking; cleanup retries on
			// the next observation.
			s.logger.Warn("failed to deactivate expired block",
				zap.String("ip_address", record.IPAddress),
				zap.Error(err),
			)
		}
		return false, "", nil
	}

	details := cloneDetails(in.Details)
	details["block_reason"] = record.Reason
	if _, err := s.recorder.Record(ctx, store.NewEvent{
		EventType: store.EventBlockedAccess,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
		UserID:    in.UserID,
		Email:     in.Email,
		Details:   details,
	}); err != nil {
		// The denial stands regardless of whether the audit write landed.
		s.logger.Error("failed to record blocked access",
			zap.String("ip_address", in.IPAddress),
			zap.Error(err),
		)
	}
	return true, record.Reason, nil
}

// escalate evaluates the failure window after a login_failure was recorded.
// The original event is already durable: every error here is logged and the
// caller still gets a success, so escalation is strictly additive.
//
// The count is read-then-decide with no lock. Two concurrent failures can
// both observe threshold-1 and skip escalation; the next failure inside the
// window then triggers it. The registry upsert itself is atomic on the
// address key, so racing escalations converge to a single record.
func (s *Service) escalate(ctx context.Context, in Input, result *Result) {
	now := s.now()
	since := now.Add(-s.cfg.FailureWindow)

	count, err := s.store.CountEvents(ctx, store.EventLoginFailure, in.IPAddress, since)
	if err != nil {
		s.logger.Error("failed to count login failures",
			zap.String("ip_address", in.IPAddress),
			zap.Error(err),
		)
		return
	}
	if count < s.cfg.FailureThreshold {
		return
	}

	expiresAt := now.Add(s.cfg.AutoBlockDuration)
	if _, err := s.store.UpsertBlock(ctx, store.BlockUpsert{
		IPAddress: in.IPAddress,
		Reason:    AutoBlockReason,
		BlockedAt: now,
		ExpiresAt: &expiresAt,
	}); err != nil {
		s.logger.Error("failed to install automatic block",
			zap.String("ip_address", in.IPAddress),
			zap.Error(err),
		)
		return
	}

	result.AutoBlocked = true
	result.FailedAttempts = count

	s.logger.Info("address automatically blocked",
		zap.String("ip_address", in.IPAddress),
		zap.Int("failed_attempts", count),
		zap.Time("expires_at", expiresAt),
	)

	if _, err := s.recorder.Record(ctx, store.NewEvent{
		EventType: store.EventAutoBlock,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
		Details: map[string]any{
			"reason":          "Too many failed login attempts",
			"failed_attempts": count,
			"expires_at":      expiresAt.Format(time.RFC3339),
		},
	}); err != nil {
		s.logger.Error("failed to record auto block event",
			zap.String("ip_address", in.IPAddress),
			zap.Error(err),
		)
	}
}

func cloneDetails(details map[string]any) map[string]any {
	clone := make(map[string]any, len(details)+1)
	for k, v := range details {
		clone[k] = v
	}
	return clone
}
