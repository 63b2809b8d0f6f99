// Package specs maintains the instrument specification registry: venue
// listing in, authoritative per-symbol trading constraints out. Parsed specs
// are cached to disk so a venue outage does not blind the executor.
package specs

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rdelgatto/permabull/internal/exchange"
	"github.com/rdelgatto/permabull/internal/models"
)

const (
	// CacheTTL bounds how stale the disk cache may be before a refresh is
	// forced.
	CacheTTL = 12 * time.Hour

	// fallbackMinSize is the loud last resort when the listing carries no
	// usable minimum.
	fallbackMinSize = 0.001

	cacheEnvVar      = "INSTRUMENT_SPECS_CACHE_PATH"
	skipSanityEnvVar = "TRADING_SYSTEM_SKIP_SPEC_SANITY"
)

// Registry holds parsed instrument specs keyed by CCXT symbol.
type Registry struct {
	mu       sync.RWMutex
	specs    map[string]models.InstrumentSpec
	loadedAt time.Time

	ex        exchange.Exchange
	log       *logrus.Logger
	cachePath string
}

// cacheFile is the on-disk representation.
type cacheFile struct {
	LoadedAt time.Time                          `json:"loaded_at"`
	Specs    map[string]models.InstrumentSpec   `json:"specs"`
}

// NewRegistry creates a registry. cachePath may be empty; the env var or a
// default under the working directory is used instead.
func NewRegistry(ex exchange.Exchange, cachePath string, log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.New()
	}
	if cachePath == "" {
		cachePath = os.Getenv(cacheEnvVar)
	}
	if cachePath == "" {
		cachePath = "data/instrument_specs_cache.json"
	}
	return &Registry{
		ex:        ex,
		log:       log,
		cachePath: cachePath,
		specs:     map[string]models.InstrumentSpec{},
	}
}

// Load populates the registry: a fresh disk cache wins, otherwise the venue
// listing is fetched, parsed and cached.
func (r *Registry) Load(ctx context.Context) error {
	if r.loadCache() {
		return nil
	}
	return r.Refresh(ctx)
}

// Refresh fetches and re-parses the venue listing unconditionally.
func (r *Registry) Refresh(ctx context.Context) error {
	raw, err := r.ex.GetFuturesInstruments(ctx)
	if err != nil {
		return fmt.Errorf("fetch instruments: %w", err)
	}

	parsed := map[string]models.InstrumentSpec{}
	for _, inst := range raw {
		spec, ok := r.parse(inst)
		if !ok {
			continue
		}
		if err := r.sanityCheck(spec); err != nil {
			return err
		}
		parsed[spec.SymbolCCXT] = spec
	}
	if len(parsed) == 0 {
		return fmt.Errorf("instrument listing parsed to zero tradable perpetuals")
	}

	r.mu.Lock()
	r.specs = parsed
	r.loadedAt = time.Now().UTC()
	r.mu.Unlock()

	if err := r.saveCache(); err != nil {
		r.log.WithError(err).Warn("instrument spec cache write failed")
	}
	r.log.WithField("count", len(parsed)).Info("instrument specs refreshed")
	return nil
}

// Get returns the spec for a symbol in any spelling.
func (r *Registry) Get(symbol string) (models.InstrumentSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.specs[symbol]; ok {
		return s, true
	}
	for _, s := range r.specs {
		if exchange.SameMarket(s.SymbolCCXT, symbol) {
			return s, true
		}
	}
	return models.InstrumentSpec{}, false
}

// Symbols returns all known CCXT symbols, sorted.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.specs))
	for s := range r.specs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Age returns how old the loaded specs are.
func (r *Registry) Age() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.loadedAt.IsZero() {
		return time.Duration(math.MaxInt64)
	}
	return time.Since(r.loadedAt)
}

// parse extracts one spec from a raw listing entry. Only USD-quoted
// perpetuals survive.
func (r *Registry) parse(inst exchange.RawInstrument) (models.InstrumentSpec, bool) {
	sym := strings.ToUpper(inst.Symbol)
	if !strings.HasPrefix(sym, "PF_") {
		return models.InstrumentSpec{}, false
	}
	if tradeable, ok := inst.Raw["tradeable"].(bool); ok && !tradeable {
		return models.InstrumentSpec{}, false
	}
	ccxt := exchange.ToCCXTSymbol(sym)
	if ccxt == "" {
		return models.InstrumentSpec{}, false
	}

	spec := models.InstrumentSpec{
		SymbolRaw:          sym,
		SymbolCCXT:         ccxt,
		Base:               exchange.BaseOf(ccxt),
		Quote:              "USD",
		ContractSize:       floatField(inst.Raw, "contractSize", 1),
		PriceTick:          floatField(inst.Raw, "tickSize", 0),
		MaxLeverage:        floatField(inst.Raw, "maxLeverage", 1),
		SupportsReduceOnly: true,
	}

	// Size step comes from the amount precision only. The price tick is a
	// price grid and must never leak into quantity math.
	if prec, ok := numField(inst.Raw, "contractValueTradePrecision"); ok {
		spec.SizeStep = math.Pow(10, -prec)
		spec.SizeStepSource = "contractValueTradePrecision"
	} else {
		spec.SizeStep = fallbackMinSize
		spec.SizeStepSource = "fallback"
		r.log.WithField("symbol", ccxt).Warn("no amount precision in listing, size step falls back to 0.001")
	}

	// Minimum size precedence: explicit limits, then minSize, then the loud
	// fallback.
	switch {
	case hasNested(inst.Raw, "limits", "amount", "min"):
		spec.MinSize = nestedFloat(inst.Raw, "limits", "amount", "min")
	case fieldPresent(inst.Raw, "minSize"):
		spec.MinSize = floatField(inst.Raw, "minSize", 0)
	default:
		spec.MinSize = fallbackMinSize
		r.log.WithField("symbol", ccxt).Warn("no minimum size in listing, falling back to 0.001")
	}

	if flexible, ok := inst.Raw["flexibleLeverage"].(bool); ok {
		if flexible {
			spec.LeverageMode = models.LeverageFlexible
		} else {
			spec.LeverageMode = models.LeverageFixed
			spec.AllowedLeverages = leverageLevels(inst.Raw)
		}
	} else {
		spec.LeverageMode = models.LeverageUnknown
	}

	return spec, true
}

// sanityCheck rejects specs whose derived quantities are implausible enough
// to indicate a listing format change.
func (r *Registry) sanityCheck(spec models.InstrumentSpec) error {
	if os.Getenv(skipSanityEnvVar) == "1" {
		return nil
	}
	if spec.SizeStep <= 0 {
		return fmt.Errorf("spec sanity: %s size step %.10g not positive", spec.SymbolCCXT, spec.SizeStep)
	}
	if spec.MinSize <= 0 {
		return fmt.Errorf("spec sanity: %s min size %.10g not positive", spec.SymbolCCXT, spec.MinSize)
	}
	// A step coarser than the minimum means the first tradable quantity above
	// the minimum is several minimums away; that only happens when the listing
	// format changed under us.
	ratio := spec.SizeStep / spec.MinSize
	switch {
	case ratio > 10:
		return fmt.Errorf("spec sanity: %s size step %.10g is %.0fx its min size %.10g, listing format likely changed",
			spec.SymbolCCXT, spec.SizeStep, ratio, spec.MinSize)
	case ratio > 2:
		r.log.WithFields(logrus.Fields{
			"symbol": spec.SymbolCCXT,
			"ratio":  ratio,
		}).Warn("size step unusually coarse relative to min size")
	}
	return nil
}

// loadCache reads the disk cache; returns true when it was fresh and usable.
func (r *Registry) loadCache() bool {
	data, err := os.ReadFile(r.cachePath)
	if err != nil {
		return false
	}
	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		r.log.WithError(err).Warn("instrument spec cache unreadable, refetching")
		return false
	}
	if time.Since(cf.LoadedAt) > CacheTTL || len(cf.Specs) == 0 {
		return false
	}
	r.mu.Lock()
	r.specs = cf.Specs
	r.loadedAt = cf.LoadedAt
	r.mu.Unlock()
	r.log.WithFields(logrus.Fields{
		"count": len(cf.Specs),
		"age":   time.Since(cf.LoadedAt).Round(time.Minute).String(),
	}).Info("instrument specs loaded from cache")
	return true
}

// saveCache writes atomically: temp file in the same directory, then rename.
func (r *Registry) saveCache() error {
	r.mu.RLock()
	cf := cacheFile{LoadedAt: r.loadedAt, Specs: r.specs}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal spec cache: %w", err)
	}
	dir := filepath.Dir(r.cachePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "specs-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp cache file: %w", err)
	}
	if err := os.Rename(tmpName, r.cachePath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}

// leverageLevels extracts the discrete leverage ladder for fixed-leverage
// listings, ascending.
func leverageLevels(raw map[string]any) []float64 {
	levels, ok := raw["marginLevels"].([]any)
	if !ok {
		return nil
	}
	var out []float64
	for _, lv := range levels {
		m, ok := lv.(map[string]any)
		if !ok {
			continue
		}
		if imf, ok := numField(m, "initialMargin"); ok && imf > 0 {
			out = append(out, math.Round(1/imf))
		}
	}
	sort.Float64s(out)
	return out
}

func fieldPresent(raw map[string]any, key string) bool {
	_, ok := raw[key]
	return ok
}

func numField(raw map[string]any, key string) (float64, bool) {
	switch v := raw[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func floatField(raw map[string]any, key string, def float64) float64 {
	if v, ok := numField(raw, key); ok {
		return v
	}
	return def
}

func hasNested(raw map[string]any, keys ...string) bool {
	cur := raw
	for i, k := range keys {
		v, ok := cur[k]
		if !ok {
			return false
		}
		if i == len(keys)-1 {
			return true
		}
		cur, ok = v.(map[string]any)
		if !ok {
			return false
		}
	}
	return false
}

func nestedFloat(raw map[string]any, keys ...string) float64 {
	cur := raw
	for i, k := range keys {
		v, ok := cur[k]
		if !ok {
			return 0
		}
		if i == len(keys)-1 {
			if f, ok := numField(cur, k); ok {
				return f
			}
			return 0
		}
		cur, ok = v.(map[string]any)
		if !ok {
			return 0
		}
	}
	_ = cur
	return 0
}
