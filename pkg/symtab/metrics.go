package symtab

import "github.com/prometheus/client_golang/prometheus"

const (
	lookupHit  = "hit"
	lookupMiss = "miss"
)

type Metrics struct {
	TablesCreated  prometheus.Counter
	SymbolsLoaded  prometheus.Counter
	Lookups        *prometheus.CounterVec
	CacheHits      prometheus.Counter
	LoadErrors     *prometheus.CounterVec
	AllocationErrs prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TablesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symreg_tables_created_total",
			Help: "Total number of symbol tables registered",
		}),
		SymbolsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symreg_symbols_loaded_total",
			Help: "Total number of symbols added to tables by loaders",
		}),
		Lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symreg_lookups_total",
			Help: "Total number of symbol lookups by result",
		}, []string{"result"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symreg_lookup_cache_hits_total",
			Help: "Total number of symbol lookups answered from the lookup cache",
		}),
		LoadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symreg_load_errors_total",
			Help: "Total number of errors while loading symbol sources",
		}, []string{"error"}),
		AllocationErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symreg_allocation_errors_total",
			Help: "Total number of rejected table allocations",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TablesCreated,
			m.SymbolsLoaded,
			m.Lookups,
			m.CacheHits,
			m.LoadErrors,
			m.AllocationErrs,
		)
	}

	return m
}
