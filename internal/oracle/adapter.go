package oracle

import (
	"fmt"
	"math/big"
	"time"

	"SynthVault/internal/observability"
)

// DefaultStalenessTimeout is the maximum tolerated age of an
// observation. An observation exactly at the boundary is accepted.
const DefaultStalenessTimeout = 3 * time.Hour

// Adapter is the single entry point for external price data. Every
// consumer goes through it so the staleness policy is enforced
// uniformly. The asset registry is fixed at construction: every
// registered asset has exactly one source.
type Adapter struct {
	assets  []string
	sources map[string]PriceSource
	timeout time.Duration
	now     func() time.Time
	metrics *observability.Metrics
}

// NewAdapter builds an adapter from matched-length asset and source
// lists. Mismatched lengths or a duplicate asset are construction-time
// failures.
func NewAdapter(assets []string, sources []PriceSource) (*Adapter, error) {
	if len(assets) != len(sources) {
		return nil, fmt.Errorf("asset/oracle list length mismatch: %d assets, %d oracles",
			len(assets), len(sources))
	}

	byAsset := make(map[string]PriceSource, len(assets))
	ordered := make([]string, 0, len(assets))
	for i, asset := range assets {
		if _, dup := byAsset[asset]; dup {
			return nil, fmt.Errorf("duplicate asset in registry: %s", asset)
		}
		byAsset[asset] = sources[i]
		ordered = append(ordered, asset)
	}

	return &Adapter{
		assets:  ordered,
		sources: byAsset,
		timeout: DefaultStalenessTimeout,
		now:     time.Now,
	}, nil
}

// SetClock overrides the wall clock. Test hook.
func (a *Adapter) SetClock(now func() time.Time) {
	a.now = now
}

// SetStalenessTimeout overrides the default staleness policy.
func (a *Adapter) SetStalenessTimeout(d time.Duration) {
	a.timeout = d
}

// SetMetrics attaches lookup and staleness counters. Nil-safe.
func (a *Adapter) SetMetrics(m *observability.Metrics) {
	a.metrics = m
}

// Price returns the latest fresh price for asset, in unit-of-account
// per whole token, 1e18 fixed-point. Read-only.
func (a *Adapter) Price(asset string) (*big.Int, error) {
	src, ok := a.sources[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if a.metrics != nil {
		a.metrics.OracleLookups.WithLabelValues(asset).Inc()
	}

	obs, err := src.Latest()
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", asset, err)
	}

	age := a.now().Sub(obs.ObservedAt)
	if age > a.timeout || obs.AnsweredInRound < obs.Round {
		if a.metrics != nil {
			a.metrics.OracleStaleRejects.WithLabelValues(asset).Inc()
		}
		return nil, &StalePriceError{Asset: asset, Age: age}
	}

	return new(big.Int).Set(obs.Price), nil
}

// Assets returns the registry in registration order.
func (a *Adapter) Assets() []string {
	out := make([]string, len(a.assets))
	copy(out, a.assets)
	return out
}

// Supported reports whether asset is in the registry.
func (a *Adapter) Supported(asset string) bool {
	_, ok := a.sources[asset]
	return ok
}

// SourceFor returns the registered source for asset, for the
// asset→oracle read surface.
func (a *Adapter) SourceFor(asset string) (PriceSource, bool) {
	src, ok := a.sources[asset]
	return src, ok
}
