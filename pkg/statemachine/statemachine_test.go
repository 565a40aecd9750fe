package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	hits int
}

func TestSingleArcTransition(t *testing.T) {
	table := NewTable[*counter, string, string, int]()
	table.AddTransition("a", "b", "go", func(c *counter, ev int) {
		c.hits += ev
	})

	c := &counter{}
	next, err := table.Apply(c, "a", "go", 3)
	require.NoError(t, err)
	assert.Equal(t, "b", next)
	assert.Equal(t, 3, c.hits)
}

func TestMultiArcTransitionPicksTarget(t *testing.T) {
	table := NewTable[*counter, string, string, int]()
	table.AddMultiTransition("a", "go", func(c *counter, ev int) string {
		if ev > 0 {
			return "b"
		}
		return "a"
	})

	c := &counter{}
	next, err := table.Apply(c, "a", "go", 1)
	require.NoError(t, err)
	assert.Equal(t, "b", next)

	next, err = table.Apply(c, "a", "go", 0)
	require.NoError(t, err)
	assert.Equal(t, "a", next)
}

func TestNilHookRecordsStateChangeOnly(t *testing.T) {
	table := NewTable[*counter, string, string, int]()
	table.AddTransition("a", "b", "go", nil)

	next, err := table.Apply(&counter{}, "a", "go", 0)
	require.NoError(t, err)
	assert.Equal(t, "b", next)
}

func TestMissingArcReturnsInvalidTransition(t *testing.T) {
	table := NewTable[*counter, string, string, int]()
	table.AddTransition("a", "b", "go", nil)

	c := &counter{}
	next, err := table.Apply(c, "b", "go", 0)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, "b", next, "state must be unchanged on an invalid transition")
	assert.Zero(t, c.hits)
}

func TestHasAndLen(t *testing.T) {
	table := NewTable[*counter, string, string, int]()
	table.AddTransition("a", "b", "go", nil)
	table.AddTransition("b", "c", "go", nil)

	assert.True(t, table.Has("a", "go"))
	assert.False(t, table.Has("c", "go"))
	assert.Equal(t, 2, table.Len())
}
