package laneq

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Strategy names one of the closed set of lane-selection policies.
type Strategy string

const (
	// StrategyFixed always selects the single configured lane.
	StrategyFixed Strategy = "fixed"
	// StrategyRoundRobin cycles through the available lanes in order.
	StrategyRoundRobin Strategy = "round-robin"
	// StrategyPriority selects the first available lane from an ordered list.
	StrategyPriority Strategy = "priority"
	// StrategyWeighted selects lanes proportionally to configured weights.
	StrategyWeighted Strategy = "weighted"
	// StrategyMessage follows the lane hint carried by the job itself.
	StrategyMessage Strategy = "message"
)

// ParseStrategy converts a string into a Strategy, returning an error for
// unknown values. Matching is case-insensitive.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(s)) {
	case StrategyFixed:
		return StrategyFixed, nil
	case StrategyRoundRobin:
		return StrategyRoundRobin, nil
	case StrategyPriority:
		return StrategyPriority, nil
	case StrategyWeighted:
		return StrategyWeighted, nil
	case StrategyMessage:
		return StrategyMessage, nil
	default:
		return "", ErrUnknownStrategy
	}
}

// SelectorConfig is the immutable strategy configuration, loaded once per process.
type SelectorConfig struct {
	// Strategy selects the policy.
	Strategy Strategy
	// FixedLane is the target of the fixed strategy.
	FixedLane string
	// Priority is the ordered lane list for the priority strategy.
	Priority []string
	// Weights maps lane names to integer weights for the weighted strategy.
	// Weights do not need to sum to any particular total.
	Weights map[string]int
}

// Selector names one target lane for each job. Selection is a pure function
// of (job, config, available lanes) except for the round-robin cursor, which
// is the selector's only mutable state.
type Selector struct {
	cfg   SelectorConfig
	lanes *Lanes

	mu     sync.Mutex
	cursor int
	rng    *rand.Rand
}

// NewSelector builds a selector for the given strategy configuration and lane
// table. An unknown strategy or a reference to an unconfigured lane is a
// configuration error.
func NewSelector(cfg SelectorConfig, lanes *Lanes) (*Selector, error) {
	if _, err := ParseStrategy(string(cfg.Strategy)); err != nil {
		return nil, err
	}
	if cfg.FixedLane != "" {
		if _, ok := lanes.Get(cfg.FixedLane); !ok {
			return nil, ErrUnknownLane
		}
	}
	for _, name := range cfg.Priority {
		if _, ok := lanes.Get(name); !ok {
			return nil, ErrUnknownLane
		}
	}
	for name := range cfg.Weights {
		if _, ok := lanes.Get(name); !ok {
			return nil, ErrUnknownLane
		}
	}
	return &Selector{
		cfg:   cfg,
		lanes: lanes,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Select returns the target lane name for the job given the currently
// available lanes. Unavailable lanes are filtered out before any policy
// runs, so a disabled lane is never returned even transiently. Every
// fallback lands on the default lane, never drops.
func (s *Selector) Select(job *Job, available []string) string {
	avail := s.filterKnown(available)

	switch s.cfg.Strategy {
	case StrategyFixed:
		if s.cfg.FixedLane != "" {
			return s.lanes.Resolve(s.cfg.FixedLane).Name
		}
		return s.lanes.Default().Name

	case StrategyRoundRobin:
		if len(avail) == 0 {
			return s.lanes.Default().Name
		}
		s.mu.Lock()
		lane := avail[s.cursor%len(avail)]
		s.cursor = (s.cursor + 1) % len(avail)
		s.mu.Unlock()
		return lane

	case StrategyPriority:
		for _, want := range s.cfg.Priority {
			for _, have := range avail {
				if strings.EqualFold(want, have) {
					return have
				}
			}
		}
		return s.lanes.Default().Name

	case StrategyWeighted:
		total := 0
		for _, name := range avail {
			if w := s.weightOf(name); w > 0 {
				total += w
			}
		}
		if total == 0 {
			return s.lanes.Default().Name
		}
		s.mu.Lock()
		draw := s.rng.Intn(total)
		s.mu.Unlock()
		acc := 0
		for _, name := range avail {
			w := s.weightOf(name)
			if w <= 0 {
				continue
			}
			acc += w
			if draw < acc {
				return name
			}
		}
		return s.lanes.Default().Name

	case StrategyMessage:
		if job != nil && job.LaneHint != "" {
			for _, have := range avail {
				if strings.EqualFold(job.LaneHint, have) {
					return have
				}
			}
		}
		return s.lanes.Default().Name
	}

	return s.lanes.Default().Name
}

// filterKnown drops lane names that are not in the configured table and
// canonicalizes the spelling of the rest.
func (s *Selector) filterKnown(available []string) []string {
	out := make([]string, 0, len(available))
	for _, name := range available {
		if l, ok := s.lanes.Get(name); ok {
			out = append(out, l.Name)
		}
	}
	return out
}

func (s *Selector) weightOf(lane string) int {
	for name, w := range s.cfg.Weights {
		if strings.EqualFold(name, lane) {
			return w
		}
	}
	return 0
}
