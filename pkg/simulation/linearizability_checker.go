package simulation

import (
	"fmt"
	"sort"
	"sync"
)

// Operation is one invoke/complete pair in a recorded history: a test
// harness calls RecordInvoke before issuing a Get/Put/Delete and
// RecordComplete once it returns, and LinearizabilityChecker replays the
// resulting History to look for reads that couldn't have happened under
// any legal interleaving.
type Operation struct {
	ID        int64
	Kind      string // "read" or "write"
	Key       string
	Value     string // the value written, or the value a read returned
	StartTime int64
	EndTime   int64
	Ok        bool
}

// History is a goroutine-safe log of operations recorded concurrently by
// many simulated clients.
type History struct {
	mu     sync.Mutex
	ops    []Operation
	nextID int64
}

// NewHistory returns an empty history.
func NewHistory() *History { return &History{} }

// RecordInvoke starts a new operation and returns its id.
func (h *History) RecordInvoke(kind, key string, startTime int64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.ops = append(h.ops, Operation{ID: id, Kind: kind, Key: key, StartTime: startTime})
	return id
}

// RecordComplete fills in the end time, result value, and outcome for id.
func (h *History) RecordComplete(id int64, value string, ok bool, endTime int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.ops {
		if h.ops[i].ID == id {
			h.ops[i].Value = value
			h.ops[i].Ok = ok
			h.ops[i].EndTime = endTime
			return
		}
	}
}

func (h *History) snapshot() []Operation {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Operation, len(h.ops))
	copy(out, h.ops)
	return out
}

// LinearizabilityChecker runs a simplified single-register-per-key check:
// sort completed writes by start time to build an expected value
// timeline, then verify every read returned a value some write actually
// produced, allowing for writes that overlapped the read's own interval
// (a linearization point inside the overlap can explain the read).
type LinearizabilityChecker struct {
	history *History
}

// NewLinearizabilityChecker builds a checker over h.
func NewLinearizabilityChecker(h *History) *LinearizabilityChecker {
	return &LinearizabilityChecker{history: h}
}

// Check returns (true, nil) if no violation was found, or (false,
// descriptions) listing every read that cannot be explained by any write
// in the history.
func (lc *LinearizabilityChecker) Check() (bool, []string) {
	ops := lc.history.snapshot()
	sort.Slice(ops, func(i, j int) bool { return ops[i].StartTime < ops[j].StartTime })

	writesByKey := make(map[string][]Operation)
	for _, op := range ops {
		if op.Kind == "write" && op.Ok {
			writesByKey[op.Key] = append(writesByKey[op.Key], op)
		}
	}

	var issues []string
	for _, op := range ops {
		if op.Kind != "read" || !op.Ok {
			continue
		}
		if op.Value == "" {
			continue // never-written key read as empty: consistent with no write
		}
		if !lc.explainedBy(writesByKey[op.Key], op) {
			issues = append(issues, fmt.Sprintf(
				"read of %q returned %q at [%d,%d] with no matching write overlapping or preceding it",
				op.Key, op.Value, op.StartTime, op.EndTime))
		}
	}
	return len(issues) == 0, issues
}

// explainedBy reports whether some write in writes produced read.Value
// and either completed before read started, or overlapped read's
// interval (so some legal linearization could place the write's effect
// before the read's own linearization point).
func (lc *LinearizabilityChecker) explainedBy(writes []Operation, read Operation) bool {
	for _, w := range writes {
		if w.Value != read.Value {
			continue
		}
		precedesRead := w.EndTime <= read.StartTime
		overlapsRead := w.StartTime <= read.EndTime && w.EndTime >= read.StartTime
		if precedesRead || overlapsRead {
			return true
		}
	}
	return false
}
