package rates

import "math"

// Schedule maps timeline epochs (counted from the most recent sample) onto
// parameterization epochs. Shift times are ages relative to the most recent
// sample; shifts at or before the present only offset the lookup.
type Schedule struct {
	lengths       []float64
	firstPositive int
	epochs        int
	single        bool
}

func NewSchedule(shifts []float64) Schedule {
	if len(shifts) == 0 {
		return Schedule{lengths: []float64{math.Inf(1)}, epochs: 1}
	}

	lengths := make([]float64, len(shifts))
	lengths[0] = shifts[0]
	for i := 1; i < len(shifts); i++ {
		if shifts[i-1] >= 0 {
			lengths[i] = shifts[i] - shifts[i-1]
		} else {
			lengths[i] = shifts[i]
		}
	}

	s := Schedule{lengths: lengths, epochs: len(shifts), firstPositive: len(lengths) - 1, single: true}
	for i, length := range lengths {
		if length > 0 {
			s.firstPositive = i
			s.single = false
			break
		}
	}
	return s
}

// Epochs is the number of parameterization epochs the schedule expects.
func (s Schedule) Epochs() int {
	return s.epochs
}

// Offset is the index of the first shift interval of positive length.
func (s Schedule) Offset() int {
	return s.firstPositive
}

// Interval is the duration of timeline epoch i; the last one is unbounded.
func (s Schedule) Interval(i int) float64 {
	if s.single || i >= s.epochs-s.firstPositive {
		return math.Inf(1)
	}
	return s.lengths[i+s.firstPositive]
}

// EpochIndex returns the parameterization epoch in force during timeline
// epoch i.
func (s Schedule) EpochIndex(i int) int {
	if s.single || i >= s.epochs-s.firstPositive {
		return s.epochs - 1
	}
	return i + s.firstPositive
}
