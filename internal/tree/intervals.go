package tree

import (
	"fmt"
	"sort"
)

type EventType int

const (
	Sample EventType = iota
	Coalescent
)

func (t EventType) String() string {
	switch t {
	case Sample:
		return "sample"
	case Coalescent:
		return "coalescent"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is one point on the tree's time axis. Sample events add every tip
// observed at that age; coalescent events remove the two daughters and add
// their parent.
type Event struct {
	Type    EventType
	Height  float64
	Added   []*Node
	Removed []*Node
}

// Intervals exposes the tree as an ordered sequence of events with the time
// elapsed since the previous event. Ages are relative to the most recent
// sample.
type Intervals struct {
	events  []Event
	origin  float64
	samples int
}

// NewIntervals orders the tree's nodes by height. Nodes sharing a height keep
// their numbering order until Swap is applied.
func NewIntervals(t *Tree) *Intervals {
	nodes := t.Nodes()
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Height != nodes[j].Height {
			return nodes[i].Height < nodes[j].Height
		}
		return nodes[i].Nr < nodes[j].Nr
	})

	iv := &Intervals{origin: t.MinLeafHeight(), samples: t.LeafCount()}
	iv.events = make([]Event, 0, len(nodes))
	for _, n := range nodes {
		iv.events = append(iv.events, eventFor(n))
	}
	iv.mergeSamples()
	return iv
}

func eventFor(n *Node) Event {
	if n.IsLeaf() {
		return Event{Type: Sample, Height: n.Height, Added: []*Node{n}}
	}
	return Event{
		Type:    Coalescent,
		Height:  n.Height,
		Added:   []*Node{n},
		Removed: []*Node{n.Left, n.Right},
	}
}

// Swap canonicalizes events that share a height: tips first, then coalescent
// events ordered by subtree size so that every parent follows both of its
// daughters, then by node number. Daughter 1 of a coalescent event is always
// the left child. Swap is idempotent.
func (iv *Intervals) Swap() {
	flat := make([]*Node, 0, len(iv.events))
	for _, ev := range iv.events {
		if ev.Type == Sample {
			flat = append(flat, ev.Added...)
		} else {
			flat = append(flat, ev.Added[0])
		}
	}
	sort.SliceStable(flat, func(i, j int) bool {
		a, b := flat[i], flat[j]
		if a.Height != b.Height {
			return a.Height < b.Height
		}
		if a.IsLeaf() != b.IsLeaf() {
			return a.IsLeaf()
		}
		sa, sb := SubtreeSize(a), SubtreeSize(b)
		if sa != sb {
			return sa < sb
		}
		return a.Nr < b.Nr
	})
	iv.events = iv.events[:0]
	for _, n := range flat {
		iv.events = append(iv.events, eventFor(n))
	}
	iv.mergeSamples()
}

// mergeSamples collapses consecutive tips of identical height into a single
// sample event.
func (iv *Intervals) mergeSamples() {
	merged := iv.events[:0]
	for _, ev := range iv.events {
		if n := len(merged); n > 0 && ev.Type == Sample && merged[n-1].Type == Sample && merged[n-1].Height == ev.Height {
			merged[n-1].Added = append(merged[n-1].Added, ev.Added...)
			continue
		}
		merged = append(merged, ev)
	}
	iv.events = merged
}

func (iv *Intervals) Count() int {
	return len(iv.events)
}

// Interval is the time between event i-1 (or the most recent sample for
// i == 0) and event i.
func (iv *Intervals) Interval(i int) float64 {
	if i == 0 {
		return iv.events[0].Height - iv.origin
	}
	return iv.events[i].Height - iv.events[i-1].Height
}

func (iv *Intervals) Event(i int) Event {
	return iv.events[i]
}

// Age of event i relative to the most recent sample.
func (iv *Intervals) Age(i int) float64 {
	return iv.events[i].Height - iv.origin
}

func (iv *Intervals) Type(i int) EventType {
	return iv.events[i].Type
}

func (iv *Intervals) Added(i int) []*Node {
	return iv.events[i].Added
}

func (iv *Intervals) Removed(i int) []*Node {
	return iv.events[i].Removed
}

// SampleCount is the number of tips in the tree.
func (iv *Intervals) SampleCount() int {
	return iv.samples
}
