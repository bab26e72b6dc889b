package safety

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protocol-bank/payroll/internal/storage/memory"
)

type failingFlags struct{}

func (failingFlags) GetControlFlags(context.Context, ...string) (map[string]bool, error) {
	return nil, errors.New("db down")
}

func (failingFlags) SetControlFlag(context.Context, string, bool) error {
	return errors.New("db down")
}

func TestGate_EnforcePayout(t *testing.T) {
	ctx := context.Background()
	owner := "0xABCdef0000000000000000000000000000000001"

	tests := []struct {
		name    string
		flags   map[string]bool
		wantErr error
	}{
		{name: "no flags means enabled"},
		{
			name:  "explicitly enabled",
			flags: map[string]bool{GlobalPayoutKey(): true, OwnerPayoutKey(owner): true},
		},
		{
			name:    "global kill switch",
			flags:   map[string]bool{GlobalPayoutKey(): false},
			wantErr: ErrGloballyDisabled,
		},
		{
			name:    "owner disabled",
			flags:   map[string]bool{OwnerPayoutKey(owner): false},
			wantErr: ErrOwnerDisabled,
		},
		{
			name:    "global wins over owner",
			flags:   map[string]bool{GlobalPayoutKey(): false, OwnerPayoutKey(owner): false},
			wantErr: ErrGloballyDisabled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewStore()
			for k, v := range tt.flags {
				require.NoError(t, store.SetControlFlag(ctx, k, v))
			}
			gate := NewGate(store, logrus.New())

			err := gate.EnforcePayout(ctx, owner)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsDisabledError(err))
		})
	}
}

func TestGate_OwnerKeyIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	gate := NewGate(memory.NewStore(), logrus.New())

	require.NoError(t, gate.SetOwner(ctx, "0xABC", false))
	assert.ErrorIs(t, gate.EnforcePayout(ctx, "0xabc"), ErrOwnerDisabled)

	require.NoError(t, gate.SetOwner(ctx, "0xabc", true))
	assert.NoError(t, gate.EnforcePayout(ctx, "0xABC"))
}

func TestGate_StorageFailureBlocks(t *testing.T) {
	gate := NewGate(failingFlags{}, logrus.New())
	err := gate.EnforcePayout(context.Background(), "0xabc")
	require.Error(t, err)
	assert.False(t, IsDisabledError(err))
}
