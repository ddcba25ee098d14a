package model

import "sync/atomic"

// Stats is the per-device counter block. Every field is updated with
// atomic increments right after the queue operation that moves a request
// element, outside that queue's lock, so Pending == Unsubmitted and
// Submitted == PendingSubmitted hold only when no request is in flight
// between the two steps.
type Stats struct {
	Received          atomic.Int64
	Submitted         atomic.Int64
	Replied           atomic.Int64
	Unsubmitted       atomic.Int64
	PendingSubmitted  atomic.Int64
	AbortedUnsubmitted atomic.Int64
	AbortedSubmitted  atomic.Int64
	CompletedAborted  atomic.Int64
	Completed         atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats, safe to hand to callers
// (e.g. the Stats control-plane command) without exposing the atomics.
type StatsSnapshot struct {
	Received           int64
	Submitted          int64
	Replied            int64
	Unsubmitted        int64
	PendingSubmitted   int64
	AbortedUnsubmitted int64
	AbortedSubmitted   int64
	CompletedAborted   int64
	Completed          int64
}

// Snapshot reads every counter. The counters are eventually consistent
// with the queue contents, not snapshot-consistent: callers must not
// assume the result is atomic across fields.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Received:           s.Received.Load(),
		Submitted:          s.Submitted.Load(),
		Replied:            s.Replied.Load(),
		Unsubmitted:        s.Unsubmitted.Load(),
		PendingSubmitted:   s.PendingSubmitted.Load(),
		AbortedUnsubmitted: s.AbortedUnsubmitted.Load(),
		AbortedSubmitted:   s.AbortedSubmitted.Load(),
		CompletedAborted:   s.CompletedAborted.Load(),
		Completed:          s.Completed.Load(),
	}
}
