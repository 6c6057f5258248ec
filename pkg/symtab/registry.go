package symtab

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
)

type lookupKey struct {
	addr uint64
	as   AddressSpace
}

type lookupResult struct {
	sym   Symbol
	table *Table
	found bool
}

// Registry resolves addresses against every registered table, the most
// recently created table first.
//
// Tables are never removed. The table list is safe for concurrent use, the
// tables themselves must be fully populated and sorted before they are
// queried concurrently.
type Registry struct {
	logger  log.Logger
	cfg     Config
	metrics *Metrics

	mu     sync.RWMutex
	tables []*Table // most recent last
	gen    uint64   // bumped on every cache purge

	cache *lru.Cache[lookupKey, lookupResult]
}

func NewRegistry(logger log.Logger, cfg Config, reg prometheus.Registerer) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		logger:  logger,
		cfg:     cfg,
		metrics: NewMetrics(reg),
	}
	if cfg.LookupCacheSize > 0 {
		cache, err := lru.New[lookupKey, lookupResult](cfg.LookupCacheSize)
		if err != nil {
			return nil, fmt.Errorf("create lookup cache: %w", err)
		}
		r.cache = cache
	}
	return r, nil
}

// CreateTable registers an empty table with room for capacity symbols.
// The caller fills it, sets its end and sorts it. The new table shadows
// previously created tables with overlapping ranges.
//
// CreateTable fails with ErrAllocation when capacity can not be reserved,
// in which case nothing is registered.
func (r *Registry) CreateTable(capacity int, as AddressSpace, base uint64, source string) (*Table, error) {
	if err := r.checkCapacity(capacity); err != nil {
		return nil, err
	}
	t := newTable(capacity, as, base, source, r)

	r.mu.Lock()
	r.tables = append(r.tables, t)
	r.purgeLocked()
	r.mu.Unlock()

	r.metrics.TablesCreated.Inc()
	level.Debug(r.logger).Log("msg", "created symbol table", "id", t.id, "as", as, "base", fmt.Sprintf("%#x", base), "capacity", capacity, "source", source)
	return t, nil
}

func (r *Registry) checkCapacity(capacity int) error {
	if capacity < 0 || capacity > r.cfg.MaxTableSymbols {
		r.metrics.AllocationErrs.Inc()
		return fmt.Errorf("%w: table capacity %d, max %d", ErrAllocation, capacity, r.cfg.MaxTableSymbols)
	}
	return nil
}

// Reserve checks that every table the pending sources would create can be
// allocated. Registering sources that passed Reserve together does not
// fail with ErrAllocation halfway.
func (r *Registry) Reserve(pending ...Pending) error {
	for _, p := range pending {
		for _, c := range p.Capacities() {
			if err := r.checkCapacity(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// Tables returns the registered tables, most recent first.
func (r *Registry) Tables() []*Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := slices.Clone(r.tables)
	slices.Reverse(res)
	return res
}

// FindSymbol returns the symbol containing addr in the first eligible
// table. A table is eligible when its address space matches as and its
// range covers addr. The returned symbol is a copy.
func (r *Registry) FindSymbol(addr uint64, as AddressSpace) (Symbol, bool) {
	s, _, ok := r.FindSymbolTable(addr, as)
	return s, ok
}

// FindSymbolTable is FindSymbol that also returns the table the symbol
// belongs to.
func (r *Registry) FindSymbolTable(addr uint64, as AddressSpace) (Symbol, *Table, bool) {
	key := lookupKey{addr: addr, as: as}
	if r.cache != nil {
		if res, ok := r.cache.Get(key); ok {
			r.metrics.CacheHits.Inc()
			r.observe(res.found)
			return res.sym, res.table, res.found
		}
	}

	res, gen := r.find(addr, as)
	r.cacheResult(key, res, gen)
	r.observe(res.found)
	return res.sym, res.table, res.found
}

// find returns the lookup result together with the cache generation it was
// computed in.
func (r *Registry) find(addr uint64, as AddressSpace) (lookupResult, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.tables) - 1; i >= 0; i-- {
		t := r.tables[i]
		if !t.eligible(addr, as) {
			continue
		}
		if s, ok := t.lookup(addr); ok {
			return lookupResult{sym: s, table: t, found: true}, r.gen
		}
	}
	return lookupResult{}, r.gen
}

// cacheResult stores res unless the cache was purged since it was computed.
func (r *Registry) cacheResult(key lookupKey, res lookupResult, gen uint64) {
	if r.cache == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.gen == gen {
		r.cache.Add(key, res)
	}
}

// FindSource returns the source of the first eligible table covering
// addr. Unlike FindSymbol it does not look at symbols, so the table does
// not need to be sorted. The source may be empty even if ok is true.
func (r *Registry) FindSource(addr uint64, as AddressSpace) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.tables) - 1; i >= 0; i-- {
		t := r.tables[i]
		if t.eligible(addr, as) {
			return t.source, true
		}
	}
	return "", false
}

// HasSeenAddressSpace reports whether a table was created for exactly as.
// AnyAddressSpace only matches tables created for AnyAddressSpace.
func (r *Registry) HasSeenAddressSpace(as AddressSpace) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.ContainsBy(r.tables, func(t *Table) bool {
		return t.as == as
	})
}

// AddressSpaces returns the distinct address spaces of registered tables in
// creation order.
func (r *Registry) AddressSpaces() []AddressSpace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Uniq(lo.Map(r.tables, func(t *Table, _ int) AddressSpace {
		return t.as
	}))
}

func (r *Registry) observe(found bool) {
	if found {
		r.metrics.Lookups.WithLabelValues(lookupHit).Inc()
	} else {
		r.metrics.Lookups.WithLabelValues(lookupMiss).Inc()
	}
}

func (r *Registry) purgeCache() {
	r.mu.Lock()
	r.purgeLocked()
	r.mu.Unlock()
}

func (r *Registry) purgeLocked() {
	r.gen++
	if r.cache != nil {
		r.cache.Purge()
	}
}

// ReportLoadError logs a failed symbol source and counts it by error type.
func (r *Registry) ReportLoadError(source string, err error) {
	if errors.Is(err, errKallsymsRestricted) {
		level.Error(r.logger).Log("msg", "kallsyms is empty. check your permissions kptr_restrict==0 && sysctl_perf_event_paranoid <= 1 or kptr_restrict==1 &&  CAP_SYSLOG", "f", source)
	}
	level.Error(r.logger).Log("msg", "failed to load symbols", "err", err, "f", source)
	r.metrics.LoadErrors.WithLabelValues(errorType(err)).Inc()
}
