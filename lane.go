package laneq

import (
	"fmt"
	"strings"
	"time"
)

// Lane is a named route to one backend-processing pool: one primary queue,
// one delay queue, and a rate budget shared across all dispatcher replicas.
type Lane struct {
	// Name identifies the lane. The primary queue carries the same name.
	Name string
	// Capacity is the number of permits per rolling minute.
	Capacity int
	// DelayTTL is how long a job rejected by the rate check sits in the
	// delay queue before re-entering the primary queue.
	DelayTTL time.Duration
}

// Queue returns the name of the lane's primary queue.
func (l Lane) Queue() string { return l.Name }

// DelayQueue returns the name of the lane's delay queue. The name is derived
// from the lane and the hold time so repeated declarations are idempotent.
func (l Lane) DelayQueue() string {
	return fmt.Sprintf("%s-delayed-%dms", l.Name, l.DelayTTL.Milliseconds())
}

// Lanes is the immutable lane table loaded once per process. Lookups are
// case-insensitive; the canonical spelling from configuration is returned.
type Lanes struct {
	byName map[string]Lane
	names  []string
	def    string
}

// NewLanes builds a lane table. The default lane must be one of the given
// lanes; unknown names presented to the router later fall back to it.
func NewLanes(defaultLane string, lanes ...Lane) (*Lanes, error) {
	if len(lanes) == 0 {
		return nil, ErrNoLanes
	}
	ls := &Lanes{byName: make(map[string]Lane, len(lanes))}
	for _, l := range lanes {
		if l.Name == "" {
			return nil, fmt.Errorf("laneq: lane with empty name")
		}
		key := strings.ToLower(l.Name)
		if _, dup := ls.byName[key]; dup {
			return nil, fmt.Errorf("laneq: duplicate lane %q", l.Name)
		}
		ls.byName[key] = l
		ls.names = append(ls.names, l.Name)
	}
	def, ok := ls.byName[strings.ToLower(defaultLane)]
	if !ok {
		return nil, fmt.Errorf("laneq: default lane %q: %w", defaultLane, ErrUnknownLane)
	}
	ls.def = def.Name
	return ls, nil
}

// Get resolves a lane name case-insensitively.
func (ls *Lanes) Get(name string) (Lane, bool) {
	l, ok := ls.byName[strings.ToLower(name)]
	return l, ok
}

// Resolve maps a lane name to the lane it routes to, falling back to the
// default lane for unknown names. Unknown names never drop a job.
func (ls *Lanes) Resolve(name string) Lane {
	if l, ok := ls.Get(name); ok {
		return l
	}
	return ls.Default()
}

// Default returns the configured default lane.
func (ls *Lanes) Default() Lane {
	l, _ := ls.byName[strings.ToLower(ls.def)]
	return l
}

// Names returns the configured lane names in declaration order.
func (ls *Lanes) Names() []string {
	out := make([]string, len(ls.names))
	copy(out, ls.names)
	return out
}
