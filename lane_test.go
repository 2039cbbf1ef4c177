package laneq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLane_DelayQueueName(t *testing.T) {
	l := Lane{Name: "gemini", Capacity: 60, DelayTTL: 30 * time.Second}
	require.Equal(t, "gemini", l.Queue())
	require.Equal(t, "gemini-delayed-30000ms", l.DelayQueue())

	l.DelayTTL = 1500 * time.Millisecond
	require.Equal(t, "gemini-delayed-1500ms", l.DelayQueue())
}

func TestNewLanes_Validation(t *testing.T) {
	_, err := NewLanes("gemini")
	require.ErrorIs(t, err, ErrNoLanes)

	_, err = NewLanes("gemini", Lane{Name: ""})
	require.Error(t, err)

	_, err = NewLanes("gemini", Lane{Name: "gemini"}, Lane{Name: "GEMINI"})
	require.Error(t, err, "lane names collide case-insensitively")

	_, err = NewLanes("mistral", Lane{Name: "gemini"})
	require.ErrorIs(t, err, ErrUnknownLane)
}

func TestLanes_CaseInsensitiveResolve(t *testing.T) {
	ls, err := NewLanes("gemini",
		Lane{Name: "gemini", Capacity: 60},
		Lane{Name: "openai", Capacity: 120})
	require.NoError(t, err)

	l, ok := ls.Get("OpenAI")
	require.True(t, ok)
	require.Equal(t, "openai", l.Name)

	// unknown names resolve to the default lane, never to nothing
	require.Equal(t, "gemini", ls.Resolve("mistral").Name)
	require.Equal(t, "gemini", ls.Default().Name)
	require.Equal(t, []string{"gemini", "openai"}, ls.Names())
}
