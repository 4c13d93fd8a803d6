// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package stats

import "runtime"

// MemStatsWrapper exposes a subset of runtime.MemStats for the admin
// stats endpoint, refreshed on a timer rather than on every read since
// runtime.ReadMemStats briefly stops the world.
type MemStatsWrapper struct {
	verbose bool

	HeapAlloc   uint64 `json:"memHeapAlloc"`
	HeapObjects uint64 `json:"memHeapObjects"`
	StackInUse  uint64 `json:"memStackInUse"`

	NumGC        uint32 `json:"memNumGC,omitempty"`
	PauseTotalNs uint64 `json:"memPauseTotalNs,omitempty"`
}

// NewMemStatsWrapper returns a wrapper populated with an initial sample.
func NewMemStatsWrapper(verbose bool) *MemStatsWrapper {
	w := &MemStatsWrapper{verbose: verbose}
	w.Update()
	return w
}

// Update refreshes the wrapped fields from a fresh runtime.MemStats sample.
func (w *MemStatsWrapper) Update() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	w.HeapAlloc = m.HeapAlloc
	w.HeapObjects = m.HeapObjects
	w.StackInUse = m.StackInuse

	if w.verbose {
		w.NumGC = m.NumGC
		w.PauseTotalNs = m.PauseTotalNs
	}
}
