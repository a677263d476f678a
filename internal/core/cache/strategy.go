package cache

import "time"

// Strategy tags an entry with a caching profile chosen by the caller at write
// time. Each strategy binds a default TTL, a per-entry size cap, an eviction
// priority and a persistence flag, configured once at store construction.
type Strategy uint8

const (
	// StrategyPersistent holds reference data that rarely changes (customer
	// hierarchies, territory definitions).
	StrategyPersistent Strategy = iota
	// StrategyDynamic holds regular API reads with moderate churn.
	StrategyDynamic
	// StrategyCritical holds regulatory submission state that must survive
	// restarts and is never evicted under memory pressure.
	StrategyCritical
	// StrategyRealtime holds data refreshed by the realtime channel.
	StrategyRealtime
	// StrategyTemporary holds short-lived derived values.
	StrategyTemporary
)

func (s Strategy) String() string {
	switch s {
	case StrategyPersistent:
		return "persistent"
	case StrategyDynamic:
		return "dynamic"
	case StrategyCritical:
		return "critical"
	case StrategyRealtime:
		return "realtime"
	case StrategyTemporary:
		return "temporary"
	default:
		return "unknown"
	}
}

// EvictionPriority orders entries during a capacity-driven eviction pass.
// EvictionCritical entries are exempt from eviction entirely.
type EvictionPriority uint8

const (
	EvictionLow EvictionPriority = iota
	EvictionMedium
	EvictionHigh
	EvictionCritical
)

// Profile is the behavior bundle behind a Strategy.
type Profile struct {
	TTL          time.Duration
	MaxEntrySize int64
	Priority     EvictionPriority
	Persist      bool
}

// DefaultProfiles returns the stock strategy table.
func DefaultProfiles() map[Strategy]Profile {
	return map[Strategy]Profile{
		StrategyPersistent: {TTL: 24 * time.Hour, MaxEntrySize: 1 << 20, Priority: EvictionHigh, Persist: true},
		StrategyDynamic:    {TTL: 30 * time.Minute, MaxEntrySize: 512 << 10, Priority: EvictionMedium, Persist: false},
		StrategyCritical:   {TTL: 12 * time.Hour, MaxEntrySize: 2 << 20, Priority: EvictionCritical, Persist: true},
		StrategyRealtime:   {TTL: time.Minute, MaxEntrySize: 256 << 10, Priority: EvictionLow, Persist: false},
		StrategyTemporary:  {TTL: 5 * time.Minute, MaxEntrySize: 128 << 10, Priority: EvictionLow, Persist: false},
	}
}
