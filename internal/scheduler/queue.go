package scheduler

import (
	"container/heap"
	"time"
)

// State is the scheduler-side lifecycle of a single handle.
type State int

const (
	StateScheduled State = iota
	StateFiring
	StateDelivered
	StateRetrying
	StateAbandoned
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateFiring:
		return "firing"
	case StateDelivered:
		return "delivered"
	case StateRetrying:
		return "retrying"
	case StateAbandoned:
		return "abandoned"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// entry is the scheduler's weak reference to a stored notification.
type entry struct {
	handle   string
	due      time.Time
	seq      uint64
	attempts int
	state    State
	index    int
}

// timeline is a min-heap of entries ordered by due time, then insertion sequence.
type timeline []*entry

var _ heap.Interface = (*timeline)(nil)

func (t timeline) Len() int { return len(t) }

func (t timeline) Less(i, j int) bool {
	if t[i].due.Equal(t[j].due) {
		return t[i].seq < t[j].seq
	}
	return t[i].due.Before(t[j].due)
}

func (t timeline) Swap(i, j int) {
	t[i], t[j] = t[j], t[i]
	t[i].index = i
	t[j].index = j
}

func (t *timeline) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*t)
	*t = append(*t, e)
}

func (t *timeline) Pop() interface{} {
	old := *t
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*t = old[:n-1]
	return e
}

// peek returns the earliest entry without removing it.
func (t timeline) peek() *entry {
	if len(t) == 0 {
		return nil
	}
	return t[0]
}

// ordered returns the queued entries in firing order without disturbing the heap.
func (t timeline) ordered() []entry {
	clone := make(timeline, len(t))
	for i, e := range t {
		c := *e
		clone[i] = &c
	}
	out := make([]entry, 0, len(clone))
	for clone.Len() > 0 {
		out = append(out, *heap.Pop(&clone).(*entry))
	}
	return out
}
