package symtab

import (
	"flag"
	"fmt"
)

const defaultMaxTableSymbols = 1 << 26

type Config struct {
	// LookupCacheSize is the number of (address, address space) results
	// kept by the registry. Zero disables the cache.
	LookupCacheSize int `yaml:"lookup_cache_size"`
	// MaxTableSymbols bounds the capacity requested for a single table.
	MaxTableSymbols int `yaml:"max_table_symbols" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.LookupCacheSize, "symtab.lookup-cache-size", 4096, "Number of resolved addresses to cache. 0 disables the cache.")
	f.IntVar(&cfg.MaxTableSymbols, "symtab.max-table-symbols", defaultMaxTableSymbols, "Maximum number of symbols a single table may be created with.")
}

func (cfg *Config) Validate() error {
	if cfg.LookupCacheSize < 0 {
		return fmt.Errorf("invalid lookup-cache-size value, must not be negative")
	}
	if cfg.MaxTableSymbols < 1 {
		return fmt.Errorf("invalid max-table-symbols value, must be positive")
	}
	return nil
}

// DefaultConfig returns the configuration RegisterFlags would produce
// without any flags set.
func DefaultConfig() Config {
	var cfg Config
	fs := flag.NewFlagSet("", flag.PanicOnError)
	cfg.RegisterFlags(fs)
	return cfg
}
