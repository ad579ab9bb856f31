// Copyright 2026 The OpenHKL-Sub006 Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package corerand is the process-wide seedable random source used by
// the merged-peak CC½ random split. Reproducibility requires it to be reseedable
// from tests. math/rand/v2 with an explicit PCG source gives a
// seedable, swappable, process-global generator without depending on
// a distribution-fitting library whose surface doesn't cover a plain
// uniform/shuffle source.
package corerand

import (
	"math/rand/v2"
	"sync"
)

var (
	mu  sync.Mutex
	src = rand.New(rand.NewPCG(0x9e3779b97f4a7c15, 0xbf58476d1ce4e5b9))
)

// Seed reseeds the process-wide generator. Call at the start of a test or
// a reproducible batch run; the default seed is fixed but not zero so an
// un-seeded run is still deterministic across processes.
func Seed(seed1, seed2 uint64) {
	mu.Lock()
	defer mu.Unlock()
	src = rand.New(rand.NewPCG(seed1, seed2))
}

// Float64 returns a pseudo-random number in [0, 1).
func Float64() float64 {
	mu.Lock()
	defer mu.Unlock()
	return src.Float64()
}

// IntN returns a pseudo-random number in [0, n).
func IntN(n int) int {
	mu.Lock()
	defer mu.Unlock()
	return src.IntN(n)
}

// Shuffle permutes n elements in place using swap(i, j).
func Shuffle(n int, swap func(i, j int)) {
	mu.Lock()
	defer mu.Unlock()
	src.Shuffle(n, swap)
}

// Bool2 partitions n indices into two halves of (near) equal size,
// assigning each index to group 0 or 1 uniformly at random without
// replacement — the random 50/50 split required by CC½.
func Bool2(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i % 2
	}
	Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	return idx
}
