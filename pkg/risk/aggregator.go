// Package risk derives per-district risk tiers from baseline area data and
// the batches currently on the chain.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var ErrNotFound = errors.New("district not found")

// Baseline is the authored part of a district: its name and area.
type Baseline struct {
	Name      string  `yaml:"name" json:"name"`
	TotalArea float64 `yaml:"total_area" json:"total_area"`
}

// DistrictStat is the derived risk view of one district.
type DistrictStat struct {
	Name         string  `json:"district"`
	TotalArea    float64 `json:"total_area"`
	RecordsCount int     `json:"records_count"`
	RiskLevel    Tier    `json:"risk_level"`
	Priority     bool    `json:"priority"`
}

// BatchSource supplies the batch identifiers to attribute to districts.
type BatchSource interface {
	BatchIDs() []string
}

type snapshot struct {
	stats        map[string]DistrictStat
	unattributed int
	computedAt   time.Time
	version      uint64
}

// Aggregator is a read-through cache over the district risk view.
// Recomputes are coalesced so at most one full scan runs at a time.
type Aggregator struct {
	rules     *RuleSet
	source    BatchSource
	staleness time.Duration
	clock     func() time.Time
	logger    *slog.Logger
	group     singleflight.Group

	mu       sync.RWMutex
	baseline map[string]float64
	version  uint64
	snap     *snapshot
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithStaleness bounds the age of a snapshot served to readers.
// Zero disables age-based expiry.
func WithStaleness(d time.Duration) AggregatorOption {
	return func(a *Aggregator) { a.staleness = d }
}

func WithClock(clock func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.clock = clock }
}

func WithLogger(l *slog.Logger) AggregatorOption {
	return func(a *Aggregator) { a.logger = l }
}

// NewAggregator creates an aggregator with an empty baseline.
func NewAggregator(rules *RuleSet, source BatchSource, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		rules:     rules,
		source:    source,
		staleness: 30 * time.Second,
		clock:     time.Now,
		logger:    slog.Default().With("component", "risk"),
		baseline:  make(map[string]float64),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// IngestBaseline replaces the known districts. Names are normalised; when a
// name repeats, the later entry wins.
func (a *Aggregator) IngestBaseline(districts []Baseline) error {
	next := make(map[string]float64, len(districts))
	for i, d := range districts {
		name := NormalizeDistrict(d.Name)
		if name == "" {
			return fmt.Errorf("baseline entry %d has no name", i)
		}
		if d.TotalArea < 0 {
			return fmt.Errorf("baseline entry %q has negative area %v", name, d.TotalArea)
		}
		next[name] = d.TotalArea
	}

	a.mu.Lock()
	a.baseline = next
	a.version++
	a.mu.Unlock()

	a.logger.Info("baseline ingested", "districts", len(next))
	return nil
}

// MarkStale forces the next read to recompute.
func (a *Aggregator) MarkStale() {
	a.mu.Lock()
	a.version++
	a.mu.Unlock()
}

// Names returns every known district, alphabetically.
func (a *Aggregator) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.baseline))
	for name := range a.baseline {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Recompute rebuilds the risk view. Concurrent callers share one
// computation; a caller whose context ends stops waiting while the
// computation itself runs to completion.
func (a *Aggregator) Recompute(ctx context.Context) (map[string]DistrictStat, error) {
	snap, err := a.recompute(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]DistrictStat, len(snap.stats))
	for k, v := range snap.stats {
		out[k] = v
	}
	return out, nil
}

func (a *Aggregator) recompute(ctx context.Context) (*snapshot, error) {
	ch := a.group.DoChan("recompute", func() (any, error) {
		return a.compute()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*snapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Aggregator) compute() (*snapshot, error) {
	a.mu.RLock()
	version := a.version
	baseline := make(map[string]float64, len(a.baseline))
	for k, v := range a.baseline {
		baseline[k] = v
	}
	a.mu.RUnlock()

	counts := make(map[string]int, len(baseline))
	unattributed := 0
	if a.source != nil {
		for _, id := range a.source.BatchIDs() {
			district, err := DistrictOf(id)
			if err != nil {
				unattributed++
				continue
			}
			if _, known := baseline[district]; !known {
				unattributed++
				continue
			}
			counts[district]++
		}
	}

	stats := make(map[string]DistrictStat, len(baseline))
	for name, area := range baseline {
		tier, err := a.rules.Classify(name, area, counts[name])
		if err != nil {
			return nil, fmt.Errorf("classify %s: %w", name, err)
		}
		stats[name] = DistrictStat{
			Name:         name,
			TotalArea:    area,
			RecordsCount: counts[name],
			RiskLevel:    tier,
			Priority:     tier == a.rules.Top(),
		}
	}

	snap := &snapshot{
		stats:        stats,
		unattributed: unattributed,
		computedAt:   a.clock(),
		version:      version,
	}

	a.mu.Lock()
	if a.snap == nil || a.snap.version <= version {
		a.snap = snap
	}
	a.mu.Unlock()

	a.logger.Debug("risk view recomputed", "districts", len(stats), "unattributed", unattributed)
	return snap, nil
}

// current returns a snapshot that is fresh enough to serve. A coalesced
// recompute that began before the version seen here is not accepted: the
// caller may already have observed the write that bumped it.
func (a *Aggregator) current(ctx context.Context) (*snapshot, error) {
	a.mu.RLock()
	snap := a.snap
	want := a.version
	fresh := snap != nil && snap.version == want &&
		(a.staleness <= 0 || a.clock().Sub(snap.computedAt) <= a.staleness)
	a.mu.RUnlock()
	if fresh {
		return snap, nil
	}
	for {
		snap, err := a.recompute(ctx)
		if err != nil {
			return nil, err
		}
		if snap.version >= want {
			return snap, nil
		}
	}
}

// Get returns the risk view of one district.
func (a *Aggregator) Get(ctx context.Context, district string) (DistrictStat, error) {
	snap, err := a.current(ctx)
	if err != nil {
		return DistrictStat{}, err
	}
	name := NormalizeDistrict(district)
	stat, ok := snap.stats[name]
	if !ok {
		return DistrictStat{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return stat, nil
}

// TopN returns up to n districts ordered by tier severity, then area
// descending, then name ascending. n <= 0 returns every district.
func (a *Aggregator) TopN(ctx context.Context, n int) ([]DistrictStat, error) {
	snap, err := a.current(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DistrictStat, 0, len(snap.stats))
	for _, s := range snap.stats {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := a.rules.Rank(out[i].RiskLevel), a.rules.Rank(out[j].RiskLevel)
		if ri != rj {
			return ri < rj
		}
		if out[i].TotalArea != out[j].TotalArea {
			return out[i].TotalArea > out[j].TotalArea
		}
		return out[i].Name < out[j].Name
	})
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out, nil
}

// Unattributed returns how many batches in the last snapshot matched no
// known district.
func (a *Aggregator) Unattributed(ctx context.Context) (int, error) {
	snap, err := a.current(ctx)
	if err != nil {
		return 0, err
	}
	return snap.unattributed, nil
}

// Run refreshes the view every interval until ctx ends.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.recompute(ctx); err != nil && ctx.Err() == nil {
				a.logger.ErrorContext(ctx, "background recompute failed", "error", err)
			}
		}
	}
}
