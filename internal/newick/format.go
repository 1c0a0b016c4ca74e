package newick

import (
	"math"
	"math/big"
	"strconv"
	"strings"

	"golang.org/x/exp/constraints"
)

const maxDecimalPlaces = 1000

// Decimal formats d with at most dp fractional digits, rounding half away
// from zero on the exact binary value and trimming trailing zeros. A
// negative dp prints the shortest representation that round-trips, with
// whole numbers keeping one fractional digit ("1.0").
func Decimal(d float64, dp int) string {
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return strconv.FormatFloat(d, 'f', -1, 64)
	}
	if dp < 0 {
		s := strconv.FormatFloat(d, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	}
	if dp > maxDecimalPlaces {
		dp = maxDecimalPlaces
	}
	exact := new(big.Float).SetFloat64(math.Abs(d)).Text('f', 1100)
	whole, fraction := roundHalfUp(exact, dp)
	return signed(d, whole, strings.TrimRight(fraction, "0"))
}

// Fixed formats d with exactly dp fractional digits, rounding half away from
// zero on the shortest decimal representation of d (so 0.1235 gives 0.124).
func Fixed(d float64, dp int) string {
	if math.IsNaN(d) || math.IsInf(d, 0) || dp < 0 {
		return strconv.FormatFloat(d, 'f', -1, 64)
	}
	if dp > maxDecimalPlaces {
		dp = maxDecimalPlaces
	}
	whole, fraction := roundHalfUp(strconv.FormatFloat(math.Abs(d), 'f', -1, 64), dp)
	return signed(d, whole, fraction)
}

// roundHalfUp rounds a non-negative plain decimal string to dp fractional
// digits.
func roundHalfUp(plain string, dp int) (whole, fraction string) {
	intPart, frac, _ := strings.Cut(plain, ".")
	if len(frac) <= dp {
		return intPart, frac + strings.Repeat("0", dp-len(frac))
	}

	digits := []byte(intPart + frac[:dp])
	if frac[dp] >= '5' {
		i := len(digits) - 1
		for ; i >= 0; i-- {
			if digits[i] == '9' {
				digits[i] = '0'
				continue
			}
			digits[i]++
			break
		}
		if i < 0 {
			digits = append([]byte{'1'}, digits...)
		}
	}
	split := len(digits) - dp
	return string(digits[:split]), string(digits[split:])
}

func signed(d float64, whole, fraction string) string {
	out := whole
	if fraction != "" {
		out += "." + fraction
	}
	if d < 0 && strings.Trim(out, "0.") != "" {
		out = "-" + out
	}
	return out
}

// argmax returns the index of the first largest value.
func argmax[T constraints.Integer | constraints.Float](v []T) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
