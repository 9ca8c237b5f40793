package queue

import "fmt"

// Strategy selects how the ring selector orders members for a caller.
type Strategy int

const (
	// StrategyRingAll rings every candidate in the best metric band at once.
	StrategyRingAll Strategy = iota
	// StrategyLeastRecent prefers the member idle the longest.
	StrategyLeastRecent
	// StrategyFewestCalls prefers the member with the fewest completed calls.
	StrategyFewestCalls
	// StrategyRandom orders candidates uniformly at random.
	StrategyRandom
	// StrategyRRMemory round-robins with a queue-wide cursor remembered
	// across callers.
	StrategyRRMemory
	// StrategyLinear walks members in insertion order with a per-caller cursor.
	StrategyLinear
	// StrategyWeightedRandom orders randomly with spread proportional to
	// penalty.
	StrategyWeightedRandom
	// StrategyRROrdered is RRMemory with iteration pinned to insertion order.
	StrategyRROrdered
)

// String returns the configuration name of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyRingAll:
		return "ringall"
	case StrategyLeastRecent:
		return "leastrecent"
	case StrategyFewestCalls:
		return "fewestcalls"
	case StrategyRandom:
		return "random"
	case StrategyRRMemory:
		return "rrmemory"
	case StrategyLinear:
		return "linear"
	case StrategyWeightedRandom:
		return "wrandom"
	case StrategyRROrdered:
		return "rrordered"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a configuration string to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "ringall", "":
		return StrategyRingAll, nil
	case "leastrecent":
		return StrategyLeastRecent, nil
	case "fewestcalls":
		return StrategyFewestCalls, nil
	case "random":
		return StrategyRandom, nil
	case "rrmemory", "roundrobin":
		return StrategyRRMemory, nil
	case "linear":
		return StrategyLinear, nil
	case "wrandom":
		return StrategyWeightedRandom, nil
	case "rrordered":
		return StrategyRROrdered, nil
	default:
		return StrategyRingAll, fmt.Errorf("unknown strategy %q", name)
	}
}
