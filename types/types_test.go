package types

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ChainID
		wantErr bool
	}{
		{name: "numeric", input: `137`, want: ChainPolygon},
		{name: "string", input: `"8453"`, want: ChainBase},
		{name: "named", input: `"solana"`, want: ChainSolana},
		{name: "null", input: `null`, want: ""},
		{name: "negative", input: `-1`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c ChainID
			err := json.Unmarshal([]byte(tt.input), &c)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c)
		})
	}
}

func TestChainID_AddressKind(t *testing.T) {
	assert.Equal(t, AddressEVM, ChainArbitrum.AddressKind())
	assert.Equal(t, AddressSolana, ChainSolana.AddressKind())
	assert.Equal(t, AddressBitcoin, ChainBitcoin.AddressKind())
	assert.True(t, ChainBSC.IsEVM())
	assert.False(t, ChainBitcoin.IsEVM())
}

func TestSchedule_ExecutionModeJSON(t *testing.T) {
	in := Schedule{
		Name: "team",
		SplitRule: SplitRule{
			TotalAmount: decimal.NewFromInt(1000),
			Token:       TokenUSDC,
			ChainID:     ChainPolygon,
			Method:      AllocationPercentage,
		},
		Mode:   ApprovalMode{Approvers: []string{"0xaaa", "0xbbb"}},
		Status: ScheduleActive,
	}

	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"execution_mode":{"kind":"approval","approvers":["0xaaa","0xbbb"]}`)

	var out Schedule
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, ModeApproval, out.ModeKind())
	assert.Equal(t, []string{"0xaaa", "0xbbb"}, out.Approvers())
	assert.True(t, in.SplitRule.TotalAmount.Equal(out.SplitRule.TotalAmount))
}

func TestSchedule_UnmarshalRejectsApprovalWithoutApprovers(t *testing.T) {
	var s Schedule
	err := json.Unmarshal([]byte(`{"execution_mode":{"kind":"approval"}}`), &s)
	assert.Error(t, err)
}

func TestSchedule_MissingModeDefaultsToAuto(t *testing.T) {
	var s Schedule
	require.NoError(t, json.Unmarshal([]byte(`{"name":"x"}`), &s))
	assert.Equal(t, ModeAuto, s.ModeKind())
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()

	assert.True(t, r.IsSupportedToken("usdc"))
	assert.False(t, r.IsSupportedToken("DOGE"))
	assert.Equal(t, int32(6), r.Decimals(TokenUSDT))
	assert.Equal(t, int32(8), r.Decimals(TokenBTC))
	assert.Equal(t, int32(18), r.Decimals("UNKNOWN"))
	assert.True(t, r.IsStablecoin(TokenDAI))
	assert.False(t, r.IsStablecoin(TokenETH))
	assert.True(t, r.IsTokenOnChain(TokenMATIC, ChainPolygon))
	assert.False(t, r.IsTokenOnChain(TokenBTC, ChainPolygon))
	assert.Equal(t, []TokenSymbol{TokenBTC}, r.TokensForChain(ChainBitcoin))
	assert.Len(t, r.Chains(), 8)
	assert.Contains(t, r.ChainsForToken(TokenSOL), ChainSolana)
}

func TestBatchStatus_Recount(t *testing.T) {
	s := BatchStatus{
		Status: BatchProcessing,
		Items: []BatchItemStatus{
			{Status: ItemCompleted},
			{Status: ItemFailed},
			{Status: ItemProcessing},
		},
	}
	s.Recount()
	assert.Equal(t, BatchProcessing, s.Status)
	assert.InDelta(t, 66.66, s.Progress(), 0.01)

	s.Items[2].Status = ItemCompleted
	s.Recount()
	assert.Equal(t, BatchPartial, s.Status)
	assert.Equal(t, 100.0, s.Progress())

	s.Items[1].Status = ItemCompleted
	s.Recount()
	assert.Equal(t, BatchCompleted, s.Status)
}
