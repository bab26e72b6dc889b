package safety

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/protocol-bank/payroll/internal/storage"
)

var (
	ErrGloballyDisabled = errors.New("payouts disabled globally")
	ErrOwnerDisabled    = errors.New("payouts disabled for owner")
)

func GlobalPayoutKey() string {
	return "payout.global"
}

func OwnerPayoutKey(owner string) string {
	return "payout.owner." + strings.ToLower(owner)
}

// Gate consults control flags before any money moves. A missing flag means
// enabled.
type Gate struct {
	db     storage.ControlFlagRepository
	logger *logrus.Entry
}

func NewGate(db storage.ControlFlagRepository, logger *logrus.Logger) *Gate {
	return &Gate{
		db:     db,
		logger: logger.WithField("pkg", "safety.Gate"),
	}
}

func (g *Gate) EnforcePayout(ctx context.Context, owner string) error {
	globalKey := GlobalPayoutKey()
	ownerKey := OwnerPayoutKey(owner)

	flags, err := g.db.GetControlFlags(ctx, globalKey, ownerKey)
	if err != nil {
		g.logger.WithFields(logrus.Fields{
			"owner": owner,
			"err":   err,
		}).Error("control flag check failed")
		return fmt.Errorf("GetControlFlags failed: %w", err)
	}

	globalEnabled, ok := flags[globalKey]
	if !ok {
		globalEnabled = true
	}
	ownerEnabled, ok := flags[ownerKey]
	if !ok {
		ownerEnabled = true
	}

	if !globalEnabled {
		g.logger.WithFields(logrus.Fields{
			"key":   globalKey,
			"owner": owner,
		}).Warn("blocked by global control flag")
		return fmt.Errorf("payout: %w", ErrGloballyDisabled)
	}

	if !ownerEnabled {
		g.logger.WithFields(logrus.Fields{
			"key":   ownerKey,
			"owner": owner,
		}).Warn("blocked by owner control flag")
		return fmt.Errorf("payout %s: %w", owner, ErrOwnerDisabled)
	}

	return nil
}

func (g *Gate) SetGlobal(ctx context.Context, enabled bool) error {
	return g.db.SetControlFlag(ctx, GlobalPayoutKey(), enabled)
}

func (g *Gate) SetOwner(ctx context.Context, owner string, enabled bool) error {
	return g.db.SetControlFlag(ctx, OwnerPayoutKey(owner), enabled)
}

func IsDisabledError(err error) bool {
	return errors.Is(err, ErrGloballyDisabled) || errors.Is(err, ErrOwnerDisabled)
}
