package laneq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testLanes(t *testing.T, def string, names ...string) *Lanes {
	t.Helper()
	lanes := make([]Lane, 0, len(names))
	for _, n := range names {
		lanes = append(lanes, Lane{Name: n, Capacity: 60, DelayTTL: 30_000_000_000})
	}
	ls, err := NewLanes(def, lanes...)
	require.NoError(t, err)
	return ls
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("Round-Robin")
	require.NoError(t, err)
	require.Equal(t, StrategyRoundRobin, s)

	_, err = ParseStrategy("best-effort")
	require.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestSelector_Fixed(t *testing.T) {
	ls := testLanes(t, "gemini", "gemini", "openai")
	s, err := NewSelector(SelectorConfig{Strategy: StrategyFixed, FixedLane: "openai"}, ls)
	require.NoError(t, err)
	require.Equal(t, "openai", s.Select(&Job{ID: "j"}, ls.Names()))
}

func TestSelector_Fixed_UnsetFallsBackToDefault(t *testing.T) {
	ls := testLanes(t, "gemini", "gemini", "openai")
	s, err := NewSelector(SelectorConfig{Strategy: StrategyFixed}, ls)
	require.NoError(t, err)
	require.Equal(t, "gemini", s.Select(&Job{ID: "j"}, ls.Names()))
}

func TestSelector_RoundRobin_Sequence(t *testing.T) {
	ls := testLanes(t, "a", "a", "b", "c")
	s, err := NewSelector(SelectorConfig{Strategy: StrategyRoundRobin}, ls)
	require.NoError(t, err)

	avail := []string{"a", "b", "c"}
	want := []string{"a", "b", "c", "a", "b"}
	for i, w := range want {
		// job content must not influence the rotation
		require.Equal(t, w, s.Select(&Job{ID: "j", LaneHint: "c"}, avail), "draw %d", i)
	}
}

func TestSelector_RoundRobin_EmptyAvailableKeepsCursor(t *testing.T) {
	ls := testLanes(t, "a", "a", "b", "c")
	s, err := NewSelector(SelectorConfig{Strategy: StrategyRoundRobin}, ls)
	require.NoError(t, err)

	avail := []string{"a", "b", "c"}
	require.Equal(t, "a", s.Select(&Job{ID: "j"}, avail))
	// empty list falls back to the default lane and leaves the cursor alone
	require.Equal(t, "a", s.Select(&Job{ID: "j"}, nil))
	require.Equal(t, "b", s.Select(&Job{ID: "j"}, avail))
}

func TestSelector_Priority_FirstAvailableWins(t *testing.T) {
	ls := testLanes(t, "c", "a", "b", "c")
	s, err := NewSelector(SelectorConfig{
		Strategy: StrategyPriority,
		Priority: []string{"a", "b", "c"},
	}, ls)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.Equal(t, "b", s.Select(&Job{ID: "j"}, []string{"b", "c"}))
	}
}

func TestSelector_Priority_NoneAvailableFallsBack(t *testing.T) {
	ls := testLanes(t, "c", "a", "b", "c")
	s, err := NewSelector(SelectorConfig{
		Strategy: StrategyPriority,
		Priority: []string{"a", "b"},
	}, ls)
	require.NoError(t, err)
	require.Equal(t, "c", s.Select(&Job{ID: "j"}, []string{"c"}))
}

func TestSelector_Weighted_Converges(t *testing.T) {
	ls := testLanes(t, "a", "a", "b")
	s, err := NewSelector(SelectorConfig{
		Strategy: StrategyWeighted,
		Weights:  map[string]int{"a": 70, "b": 30},
	}, ls)
	require.NoError(t, err)

	const draws = 100_000
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		counts[s.Select(&Job{ID: "j"}, []string{"a", "b"})]++
	}
	require.Equal(t, draws, counts["a"]+counts["b"])
	require.InDelta(t, 0.70, float64(counts["a"])/draws, 0.03)
	require.InDelta(t, 0.30, float64(counts["b"])/draws, 0.03)
}

func TestSelector_Weighted_ZeroTotalFallsBack(t *testing.T) {
	ls := testLanes(t, "a", "a", "b")
	s, err := NewSelector(SelectorConfig{
		Strategy: StrategyWeighted,
		Weights:  map[string]int{"a": 0, "b": 0},
	}, ls)
	require.NoError(t, err)
	require.Equal(t, "a", s.Select(&Job{ID: "j"}, []string{"a", "b"}))
}

func TestSelector_Weighted_UnavailableLaneExcluded(t *testing.T) {
	ls := testLanes(t, "b", "a", "b")
	s, err := NewSelector(SelectorConfig{
		Strategy: StrategyWeighted,
		Weights:  map[string]int{"a": 100, "b": 1},
	}, ls)
	require.NoError(t, err)
	// a carries nearly all the weight but is unavailable
	for i := 0; i < 50; i++ {
		require.Equal(t, "b", s.Select(&Job{ID: "j"}, []string{"b"}))
	}
}

func TestSelector_Message_HintHonoredCaseInsensitively(t *testing.T) {
	ls := testLanes(t, "gemini", "gemini", "openai")
	s, err := NewSelector(SelectorConfig{Strategy: StrategyMessage}, ls)
	require.NoError(t, err)

	require.Equal(t, "openai", s.Select(&Job{ID: "j", LaneHint: "OpenAI"}, ls.Names()))
}

func TestSelector_Message_InvalidOrMissingHintFallsBack(t *testing.T) {
	ls := testLanes(t, "gemini", "gemini", "openai")
	s, err := NewSelector(SelectorConfig{Strategy: StrategyMessage}, ls)
	require.NoError(t, err)

	require.Equal(t, "gemini", s.Select(&Job{ID: "j"}, ls.Names()))
	require.Equal(t, "gemini", s.Select(&Job{ID: "j", LaneHint: "mistral"}, ls.Names()))
	// hinted lane exists but is unavailable right now
	require.Equal(t, "gemini", s.Select(&Job{ID: "j", LaneHint: "openai"}, []string{"gemini"}))
}

func TestNewSelector_RejectsUnknownReferences(t *testing.T) {
	ls := testLanes(t, "a", "a", "b")

	_, err := NewSelector(SelectorConfig{Strategy: StrategyFixed, FixedLane: "nope"}, ls)
	require.ErrorIs(t, err, ErrUnknownLane)

	_, err = NewSelector(SelectorConfig{Strategy: StrategyPriority, Priority: []string{"a", "nope"}}, ls)
	require.ErrorIs(t, err, ErrUnknownLane)

	_, err = NewSelector(SelectorConfig{Strategy: StrategyWeighted, Weights: map[string]int{"nope": 1}}, ls)
	require.ErrorIs(t, err, ErrUnknownLane)

	_, err = NewSelector(SelectorConfig{Strategy: "guess"}, ls)
	require.ErrorIs(t, err, ErrUnknownStrategy)
}
