package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignalValidate(t *testing.T) {
	tests := []struct {
		name    string
		sig     Signal
		wantErr bool
	}{
		{"valid long", Signal{Symbol: "BTC/USD", Type: SignalLong, EntryPrice: 100, StopLoss: 95, TakeProfit: 110}, false},
		{"valid short", Signal{Symbol: "BTC/USD", Type: SignalShort, EntryPrice: 100, StopLoss: 105, TakeProfit: 90}, false},
		{"no signal skips checks", Signal{Type: SignalNone}, false},
		{"long stop above entry", Signal{Type: SignalLong, EntryPrice: 100, StopLoss: 101}, true},
		{"long tp below entry", Signal{Type: SignalLong, EntryPrice: 100, StopLoss: 95, TakeProfit: 99}, true},
		{"short stop below entry", Signal{Type: SignalShort, EntryPrice: 100, StopLoss: 99}, true},
		{"short tp above entry", Signal{Type: SignalShort, EntryPrice: 100, StopLoss: 105, TakeProfit: 101}, true},
		{"zero entry", Signal{Type: SignalLong, EntryPrice: 0, StopLoss: 95}, true},
		{"zero stop", Signal{Type: SignalLong, EntryPrice: 100, StopLoss: 0}, true},
		{"tp optional", Signal{Type: SignalLong, EntryPrice: 100, StopLoss: 95}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sig.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSignalRiskAndReward(t *testing.T) {
	long := Signal{Type: SignalLong, EntryPrice: 100, StopLoss: 95, TakeProfit: 110}
	assert.Equal(t, 5.0, long.RiskDistance())
	assert.Equal(t, 2.0, long.RewardRisk())

	short := Signal{Type: SignalShort, EntryPrice: 100, StopLoss: 104, TakeProfit: 92}
	assert.Equal(t, 4.0, short.RiskDistance())
	assert.Equal(t, 2.0, short.RewardRisk())

	assert.Equal(t, 0.0, Signal{EntryPrice: 100, StopLoss: 100}.RewardRisk())
	assert.Equal(t, 0.0, Signal{EntryPrice: 100, StopLoss: 95}.RewardRisk(), "no tp, no ratio")
}

func TestSignalActionable(t *testing.T) {
	assert.True(t, Signal{Type: SignalLong}.IsActionable())
	assert.True(t, Signal{Type: SignalShort}.IsActionable())
	assert.False(t, Signal{Type: SignalNone}.IsActionable())
	assert.False(t, Signal{}.IsActionable())
}

func TestSignalCluster(t *testing.T) {
	sig := Signal{Regime: RegimeTightSMC, Setup: SetupOB}
	assert.Equal(t, "tight_smc_OB", sig.Cluster())
}

func TestScoreBreakdownTotal(t *testing.T) {
	b := ScoreBreakdown{SMC: 20, Fib: 15, HTF: 18, ADX: 10, Cost: 12}
	assert.Equal(t, 75.0, b.Total())
}
