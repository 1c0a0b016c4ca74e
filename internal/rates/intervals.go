package rates

// Source is the rate model as seen by the inference engine.
type Source interface {
	Dimension() int
	EpochCount() int
	Interval(i int) float64
	Rates(i int) (Rates, error)
	Dirty() bool
}

// Intervals caches the capped rates of every parameterization epoch and
// recomputes them whenever the underlying parameterization reports a change.
type Intervals struct {
	provider *Provider
	cache    []Rates
}

func NewIntervals(p *Provider) *Intervals {
	return &Intervals{provider: p}
}

func (iv *Intervals) Dimension() int {
	return iv.provider.Dimension()
}

func (iv *Intervals) EpochCount() int {
	return iv.provider.EpochCount()
}

func (iv *Intervals) Interval(i int) float64 {
	return iv.provider.Interval(i)
}

// Dirty reports whether the cached rates are stale.
func (iv *Intervals) Dirty() bool {
	return iv.cache == nil || iv.provider.Dirty()
}

func (iv *Intervals) Rates(i int) (Rates, error) {
	if err := iv.refresh(); err != nil {
		return Rates{}, err
	}
	return iv.cache[iv.provider.Schedule().EpochIndex(i)], nil
}

func (iv *Intervals) refresh() error {
	if !iv.Dirty() {
		return nil
	}
	cache := make([]Rates, iv.provider.EpochCount())
	for epoch := range cache {
		r, err := iv.provider.epochRates(epoch)
		if err != nil {
			iv.cache = nil
			return err
		}
		cache[epoch] = r
	}
	iv.cache = cache
	iv.provider.MarkClean()
	return nil
}
