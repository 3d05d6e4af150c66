// Package lockdown implements the panic lock: blacklist a device in the fast
// cache, block it durably and force every live session of the identity off.
package lockdown

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/cipherrelay/internal/common"
	"github.com/dmitrijs2005/cipherrelay/internal/logging"
	"github.com/dmitrijs2005/cipherrelay/internal/server/models"
	"github.com/prometheus/client_golang/prometheus"
)

// DisconnectReason is sent to sessions closed by a panic lock.
const DisconnectReason = "panic_lock"

type DeviceStore interface {
	GetDevice(ctx context.Context, id string) (*models.Device, error)
	ListDevices(ctx context.Context, userID string) ([]*models.Device, error)
	BlockDevice(ctx context.Context, id string) error
	BlockAllDevices(ctx context.Context, userID string) (int64, error)
	BlockDevices(ctx context.Context, ids []string) (int64, error)
}

type Blacklist interface {
	Add(ctx context.Context, deviceID string) error
	Contains(ctx context.Context, deviceID string) (bool, error)
	Devices(ctx context.Context) ([]string, error)
}

type Disconnector interface {
	DisconnectIdentity(identityID, reason string) int
}

// DisconnectorFunc adapts a function to Disconnector.
type DisconnectorFunc func(identityID, reason string) int

func (f DisconnectorFunc) DisconnectIdentity(identityID, reason string) int {
	return f(identityID, reason)
}

type Service struct {
	store        DeviceStore
	blacklist    Blacklist
	disconnector Disconnector
	logger       logging.Logger
	metrics      *lockdownMetrics
}

func NewService(store DeviceStore, blacklist Blacklist, disconnector Disconnector, reg prometheus.Registerer, logger logging.Logger) *Service {
	return &Service{
		store:        store,
		blacklist:    blacklist,
		disconnector: disconnector,
		logger:       logger.With("module", "lockdown"),
		metrics:      newLockdownMetrics(reg),
	}
}

// lookupTimeout bounds the ownership lookup so a slow store cannot delay
// the blacklist write.
var lookupTimeout = 2 * time.Second

// LockDevice locks one device of identityID. A device known to be missing or
// owned by someone else yields common.ErrorNotFound and changes nothing.
// Otherwise the blacklist entry is written and every session of the identity
// is disconnected even when the store cannot be read; the durable flag is set
// only once ownership is confirmed and is otherwise left to reconciliation.
func (s *Service) LockDevice(ctx context.Context, identityID, deviceID string) error {
	if deviceID == "" {
		return common.ErrInvalidPayload
	}

	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	d, err := s.store.GetDevice(lookupCtx, deviceID)
	cancel()

	owned := err == nil && d.UserID == identityID
	if (err == nil && !owned) || errors.Is(err, common.ErrorNotFound) {
		return common.ErrorNotFound
	}
	if err != nil {
		s.logger.Warn(ctx, "device lookup failed during panic lock", "identity_id", identityID,
			"device_id", deviceID, "error", err)
	}

	if err := s.blacklist.Add(ctx, deviceID); err != nil {
		s.logger.Warn(ctx, "blacklist write failed", "device_id", deviceID, "error", err)
	}
	if owned {
		if err := s.store.BlockDevice(ctx, deviceID); err != nil {
			s.logger.Error(ctx, "durable block failed, reconciliation will retry", "device_id", deviceID, "error", err)
		}
	}

	n := s.disconnector.DisconnectIdentity(identityID, DisconnectReason)
	s.metrics.locks.WithLabelValues("device").Inc()
	s.logger.Info(ctx, "device locked", "identity_id", identityID, "device_id", deviceID, "sessions_closed", n)
	return nil
}

// LockAllDevices locks every device of identityID and returns how many were
// blocked. Store failures are logged; the forced disconnect always runs and
// the call succeeds once it has.
func (s *Service) LockAllDevices(ctx context.Context, identityID string) (int, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	devices, err := s.store.ListDevices(lookupCtx, identityID)
	cancel()

	if err != nil {
		// Without the list the blacklist cannot be written; the durable
		// flag is scoped by identity and can be set directly.
		s.logger.Warn(ctx, "device listing failed during panic lock", "identity_id", identityID, "error", err)
		blocked, berr := s.store.BlockAllDevices(ctx, identityID)
		n := s.disconnector.DisconnectIdentity(identityID, DisconnectReason)
		s.metrics.locks.WithLabelValues("all").Inc()
		if berr != nil {
			s.logger.Error(ctx, "durable block failed", "identity_id", identityID, "sessions_closed", n, "error", berr)
			return 0, nil
		}
		s.logger.Info(ctx, "all devices locked", "identity_id", identityID, "devices", blocked, "sessions_closed", n)
		return int(blocked), nil
	}

	for _, d := range devices {
		if err := s.blacklist.Add(ctx, d.ID); err != nil {
			s.logger.Warn(ctx, "blacklist write failed", "device_id", d.ID, "error", err)
		}
	}
	if _, err := s.store.BlockAllDevices(ctx, identityID); err != nil {
		s.logger.Error(ctx, "durable block failed, reconciliation will retry", "identity_id", identityID, "error", err)
	}

	n := s.disconnector.DisconnectIdentity(identityID, DisconnectReason)
	s.metrics.locks.WithLabelValues("all").Inc()
	s.logger.Info(ctx, "all devices locked", "identity_id", identityID, "devices", len(devices), "sessions_closed", n)
	return len(devices), nil
}

// CheckDevice is consulted once per handshake. It rejects a device that is
// blacklisted, durably blocked, unknown or owned by another identity with
// common.ErrAuthenticationFailed. When the blacklist is unreachable the
// durable flag decides; when the store is unreachable too, the error is
// returned and the handshake fails closed.
func (s *Service) CheckDevice(ctx context.Context, identityID, deviceID string) error {
	blocked, err := s.blacklist.Contains(ctx, deviceID)
	if err != nil {
		s.logger.Warn(ctx, "blacklist unavailable, using durable flag", "device_id", deviceID, "error", err)
	}
	if blocked {
		return common.ErrAuthenticationFailed
	}

	d, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return common.ErrAuthenticationFailed
		}
		return err
	}
	if d.UserID != identityID || d.IsBlocked {
		return common.ErrAuthenticationFailed
	}
	return nil
}

// Reconcile copies every blacklist entry into the durable blocked flag and
// returns how many devices changed.
func (s *Service) Reconcile(ctx context.Context) (int64, error) {
	ids, err := s.blacklist.Devices(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	n, err := s.store.BlockDevices(ctx, ids)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.reconciled.Add(float64(n))
		s.logger.Info(ctx, "blocked flags reconciled", "devices", n)
	}
	return n, nil
}

// DefaultReconcileInterval is used when Run gets a non-positive interval.
const DefaultReconcileInterval = 10 * time.Minute

// Run reconciles every interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Reconcile(ctx); err != nil {
				s.logger.Warn(ctx, "reconciliation failed", "error", err)
			}
		}
	}
}
