package updown

import "demeflow/internal/rates"

// system is the right-hand side of the coupled up-pass equations for a fixed
// number of lineages under one epoch's rates. With M[a][b] the backwards rate
// from a to b and lambda the coalescent rates:
//
//	dp_ia/dt   = sum_{b!=a} (p_ib M[b][a] - p_ia M[a][b]) - lambda_a p_ia sum_{j!=i} p_ja
//	dF_i,sa/dt = sum_{b!=a} (F_i,sb M[b][a] - F_i,sa M[a][b])
type system struct {
	states   int
	lineages int
	coal     []float64
	mig      [][]float64
	outflow  []float64
	totals   []float64
}

func newSystem(r rates.Rates, lineages int) *system {
	s := len(r.Coalescent)
	out := make([]float64, s)
	for a := 0; a < s; a++ {
		for b := 0; b < s; b++ {
			if a != b {
				out[a] += r.Migration[a][b]
			}
		}
	}
	return &system{
		states:   s,
		lineages: lineages,
		coal:     r.Coalescent,
		mig:      r.Migration,
		outflow:  out,
		totals:   make([]float64, s),
	}
}

func (sys *system) derivatives(_ float64, y, dydt []float64) {
	s, n := sys.states, sys.lineages
	probs, dprobs := y[:n*s], dydt[:n*s]
	flows, dflows := y[n*s:], dydt[n*s:]

	for a := range sys.totals {
		sys.totals[a] = 0
	}
	for i := 0; i < n; i++ {
		for a := 0; a < s; a++ {
			sys.totals[a] += probs[i*s+a]
		}
	}

	for i := 0; i < n; i++ {
		p := probs[i*s : (i+1)*s]
		dp := dprobs[i*s : (i+1)*s]
		sys.migrate(p, dp)
		for a := 0; a < s; a++ {
			dp[a] -= sys.coal[a] * p[a] * (sys.totals[a] - p[a])
		}
	}

	for row := 0; row < n*s; row++ {
		sys.migrate(flows[row*s:(row+1)*s], dflows[row*s:(row+1)*s])
	}
}

// migrate writes the migration inflow minus outflow of one state vector.
func (sys *system) migrate(v, dv []float64) {
	for a := 0; a < sys.states; a++ {
		in := 0.0
		for b := 0; b < sys.states; b++ {
			if b != a {
				in += v[b] * sys.mig[b][a]
			}
		}
		dv[a] = in - v[a]*sys.outflow[a]
	}
}
