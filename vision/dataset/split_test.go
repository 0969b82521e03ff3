package dataset

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSizes(t *testing.T) {
	tests := []struct {
		n        int
		fraction float64
		a, b     int
	}{
		{4, 0.15, 0, 4},
		{10, 0.15, 1, 9},
		{20, 0.25, 5, 15},
		{7, 0.5, 3, 4},
		{0, 0.3, 0, 0},
		{5, 1, 5, 0},
		{5, 0, 0, 5},
	}
	for _, tt := range tests {
		a, b, err := SplitSizes(tt.n, tt.fraction)
		require.NoError(t, err)
		assert.Equal(t, tt.a, a, "n=%d f=%v", tt.n, tt.fraction)
		assert.Equal(t, tt.b, b, "n=%d f=%v", tt.n, tt.fraction)
	}

	_, _, err := SplitSizes(3, 1.5)
	assert.Error(t, err)
}

func TestRandomSplitDeterministicAndComplete(t *testing.T) {
	for _, n := range []int{0, 1, 4, 13, 100} {
		target, complement, err := RandomSplit(n, 0.15, 40)
		require.NoError(t, err)

		again, againComplement, err := RandomSplit(n, 0.15, 40)
		require.NoError(t, err)
		assert.Equal(t, target, again)
		assert.Equal(t, complement, againComplement)

		all := append(append([]int{}, target...), complement...)
		sort.Ints(all)
		require.Len(t, all, n)
		for i, v := range all {
			assert.Equal(t, i, v)
		}
	}
}

func TestRandomSplitSeedMatters(t *testing.T) {
	a, _, err := RandomSplit(50, 0.5, 1)
	require.NoError(t, err)
	b, _, err := RandomSplit(50, 0.5, 2)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
