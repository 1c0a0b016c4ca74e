package updown

import "demeflow/internal/tree"

type StepKind int

const (
	TreeEvent StepKind = iota
	RateShift
)

func (k StepKind) String() string {
	if k == RateShift {
		return "rate-shift"
	}
	return "tree-event"
}

// Step is one span of the merged timeline: propagate for Duration under the
// rates of Epoch starting at Start, then apply the step's action.
type Step struct {
	Kind     StepKind
	Start    float64
	Duration float64
	Epoch    int
	Event    int
}

// TreeIntervals is the ordered event view of a tree.
type TreeIntervals interface {
	Count() int
	Interval(i int) float64
	Type(i int) tree.EventType
	Added(i int) []*tree.Node
	Removed(i int) []*tree.Node
	SampleCount() int
}

// EpochIntervals yields the length of each rate epoch; the last one is
// infinite.
type EpochIntervals interface {
	Interval(i int) float64
}

// BuildTimeline merges tree events with rate shifts. A tree event is taken
// when it is strictly closer than the next shift; on a tie the shift comes
// first and the tree event follows after a zero-length span. The timeline
// ends with the last tree event.
func BuildTimeline(events TreeIntervals, epochs EpochIntervals) []Step {
	if events.Count() == 0 {
		return nil
	}
	steps := make([]Step, 0, events.Count())
	treeIdx, rateIdx := 0, 0
	nextTree := events.Interval(0)
	nextRate := epochs.Interval(0)
	now := 0.0

	for {
		step := Step{Start: now, Epoch: rateIdx, Event: treeIdx}
		if nextTree < nextRate {
			step.Kind = TreeEvent
			step.Duration = nextTree
			steps = append(steps, step)
			now += nextTree

			nextRate -= nextTree
			treeIdx++
			if treeIdx == events.Count() {
				return steps
			}
			nextTree = events.Interval(treeIdx)
			continue
		}

		step.Kind = RateShift
		step.Duration = nextRate
		steps = append(steps, step)
		now += nextRate

		nextTree -= nextRate
		rateIdx++
		nextRate = epochs.Interval(rateIdx)
	}
}
