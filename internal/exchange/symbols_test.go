package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToCCXTSymbol(t *testing.T) {
	cases := map[string]string{
		"PF_XBTUSD":        "BTC/USD:USD",
		"PF_ETHUSD":        "ETH/USD:USD",
		"PI_XBTUSD":        "BTC/USD:USD",
		"FI_SOLUSD_240927": "SOL/USD:USD",
		"pf_dogeusd":       "DOGE/USD:USD",
		"PF_XBTEUR":        "", // not USD quoted
	}
	for raw, want := range cases {
		assert.Equal(t, want, ToCCXTSymbol(raw), raw)
	}
}

func TestFromCCXTSymbol(t *testing.T) {
	assert.Equal(t, "PF_XBTUSD", FromCCXTSymbol("BTC/USD:USD"))
	assert.Equal(t, "PF_ETHUSD", FromCCXTSymbol("ETH/USD:USD"))
	assert.Equal(t, "PF_SOLUSD", FromCCXTSymbol("SOL/USD"))
}

func TestNormalizeBaseAliases(t *testing.T) {
	assert.Equal(t, "BTC", NormalizeBase("XBT"))
	assert.Equal(t, "BTC", NormalizeBase("btc"))
	assert.Equal(t, "ETH", NormalizeBase(" eth "))
}

func TestSameMarketAcrossSpellings(t *testing.T) {
	assert.True(t, SameMarket("BTC/USD:USD", "PF_XBTUSD"))
	assert.True(t, SameMarket("BTC/USD", "XBT/USD:USD"))
	assert.True(t, SameMarket("pf_ethusd", "ETH/USD:USD"))
	assert.False(t, SameMarket("BTC/USD:USD", "ETH/USD:USD"))
}

func TestIsStablecoin(t *testing.T) {
	assert.True(t, IsStablecoin("USDT/USD:USD"))
	assert.True(t, IsStablecoin("USDC/USD"))
	assert.False(t, IsStablecoin("BTC/USD:USD"))
}
