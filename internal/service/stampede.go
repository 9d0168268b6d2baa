package service

import "sync/atomic"

// stampedeTracker counts cache misses whose upstream fetch is still in progress.
// RecordMiss increments and returns the count; Done decrements.
// A count above 1 means concurrent callers are fetching the same resource.
type stampedeTracker struct {
	activeMisses atomic.Int64
}

// RecordMiss records a cache miss and returns the concurrent miss count after incrementing.
// Caller should defer Done when the upstream fetch has completed.
func (st *stampedeTracker) RecordMiss() int64 {
	return st.activeMisses.Add(1)
}

// Done records completion of a miss.
func (st *stampedeTracker) Done() {
	st.activeMisses.Add(-1)
}
