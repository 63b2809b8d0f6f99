package exchange

import "strings"

// Kraken spells bitcoin XBT; everything downstream uses BTC.
var baseAliases = map[string]string{
	"XBT": "BTC",
}

// symbolOverrides wins over the mechanical mapping for venue oddities.
var symbolOverrides = map[string]string{}

// NormalizeBase canonicalizes an asset code so that venue spellings and
// canonical spellings of the same asset compare equal.
func NormalizeBase(base string) string {
	b := strings.ToUpper(strings.TrimSpace(base))
	if alias, ok := baseAliases[b]; ok {
		return alias
	}
	return b
}

// ToCCXTSymbol maps a raw venue futures symbol (PF_XBTUSD, PI_ETHUSD,
// FI_SOLUSD_240927) to the CCXT perpetual form BASE/USD:USD.
func ToCCXTSymbol(raw string) string {
	if v, ok := symbolOverrides[raw]; ok {
		return v
	}
	s := strings.ToUpper(strings.TrimSpace(raw))
	for _, prefix := range []string{"PF_", "PI_", "FI_"} {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimPrefix(s, prefix)
			break
		}
	}
	// Strip a dated-contract suffix.
	if i := strings.Index(s, "_"); i > 0 {
		s = s[:i]
	}
	base := strings.TrimSuffix(s, "USD")
	if base == s {
		return "" // not a USD-quoted contract
	}
	return NormalizeBase(base) + "/USD:USD"
}

// FromCCXTSymbol maps BASE/USD:USD back to the raw perpetual symbol PF_BASEUSD.
func FromCCXTSymbol(ccxt string) string {
	for raw, v := range symbolOverrides {
		if v == ccxt {
			return raw
		}
	}
	base := BaseOf(ccxt)
	if base == "" {
		return ""
	}
	// The venue spells bitcoin XBT.
	for venue, canonical := range baseAliases {
		if canonical == base {
			base = venue
		}
	}
	return "PF_" + base + "USD"
}

// BaseOf extracts the normalized base asset from a CCXT symbol or a plain
// pair like "BTC/USD".
func BaseOf(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.Index(s, "/"); i > 0 {
		s = s[:i]
	}
	return NormalizeBase(s)
}

// SameMarket reports whether two symbols, in any spelling, refer to the same
// underlying market. "BTC/USD:USD" and "PF_XBTUSD" compare equal.
func SameMarket(a, b string) bool {
	return marketKey(a) == marketKey(b)
}

func marketKey(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if strings.HasPrefix(s, "PF_") || strings.HasPrefix(s, "PI_") || strings.HasPrefix(s, "FI_") {
		if ccxt := ToCCXTSymbol(s); ccxt != "" {
			return BaseOf(ccxt)
		}
	}
	return BaseOf(s)
}

// stablecoinBases are never traded: a stablecoin perp has no directional edge.
var stablecoinBases = map[string]bool{
	"USDT": true,
	"USDC": true,
	"DAI":  true,
	"TUSD": true,
	"EURT": true,
}

// IsStablecoin reports whether the symbol's base asset is a stablecoin.
func IsStablecoin(symbol string) bool {
	return stablecoinBases[BaseOf(symbol)]
}
