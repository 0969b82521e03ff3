package dataset

import (
	"math/rand"

	"github.com/pkg/errors"
)

// SplitSizes returns the sizes of the target and complement partitions for
// n items: floor(f*n) and floor((1-f)*n), the latter bumped by one when
// flooring lost an item.
func SplitSizes(n int, fraction float64) (int, int, error) {
	if n < 0 {
		return 0, 0, errors.Errorf("negative dataset size %d", n)
	}
	if fraction < 0 || fraction > 1 {
		return 0, 0, errors.Errorf("split fraction %v outside [0, 1]", fraction)
	}
	a := int(fraction * float64(n))
	b := int((1 - fraction) * float64(n))
	if a+b != n {
		b++
	}
	if a+b != n {
		b = n - a
	}
	return a, b, nil
}

// RandomSplit permutes [0, n) with a generator seeded by seed and returns the
// first floor(fraction*n) indices as target and the rest as complement.
// The same arguments always produce the same split.
func RandomSplit(n int, fraction float64, seed int64) (target, complement []int, err error) {
	a, _, err := SplitSizes(n, fraction)
	if err != nil {
		return nil, nil, err
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	target = append([]int{}, perm[:a]...)
	complement = append([]int{}, perm[a:]...)
	return target, complement, nil
}

// pick maps positions to values of from.
func pick(from []int, positions []int) []int {
	out := make([]int, len(positions))
	for i, p := range positions {
		out[i] = from[p]
	}
	return out
}
