// Package newick renders reconstructed trees as annotated Newick strings
// inside a NEXUS trees block.
package newick

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"demeflow/internal/tree"
	"demeflow/internal/updown"
)

// BranchRateModel scales branch lengths from time into substitutions.
type BranchRateModel interface {
	RateForBranch(n *tree.Node) float64
}

// StrictClock applies one rate to every branch.
type StrictClock float64

func (c StrictClock) RateForBranch(*tree.Node) float64 {
	return float64(c)
}

type Options struct {
	// Trait names the annotation keys: <trait>prob and max<trait>.
	Trait         string
	TakeMax       bool
	DecimalPlaces int
	Substitutions bool
	Clock         BranchRateModel
	UseMarginal   bool
}

func DefaultOptions() Options {
	return Options{
		Trait:         "type",
		DecimalPlaces: -1,
		UseMarginal:   true,
	}
}

type TreeLogger struct {
	opts Options
}

func NewTreeLogger(opts Options) *TreeLogger {
	if opts.Trait == "" {
		opts.Trait = "type"
	}
	return &TreeLogger{opts: opts}
}

// Init writes the NEXUS header and the translate block mapping leaf numbers
// back to tip labels.
func (l *TreeLogger) Init(w io.Writer, t *tree.Tree) error {
	var b strings.Builder
	b.WriteString("#NEXUS\n\nBegin trees;\n\tTranslate\n")
	leaves := t.Leaves()
	for i, leaf := range leaves {
		fmt.Fprintf(&b, "\t\t%d %s", leaf.Nr+1, quote(leaf.ID))
		if i < len(leaves)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString(";\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func (l *TreeLogger) Log(w io.Writer, sample int, t *tree.Tree, res *updown.Result) error {
	_, err := fmt.Fprintf(w, "tree STATE_%d = %s;\n", sample, l.Newick(t, res))
	return err
}

func (l *TreeLogger) Close(w io.Writer) error {
	_, err := io.WriteString(w, "End;\n")
	return err
}

// Newick renders the tree with per-node state annotations. Leaves are
// labelled by node number plus one.
func (l *TreeLogger) Newick(t *tree.Tree, res *updown.Result) string {
	var b strings.Builder
	l.write(&b, t.Root, res)
	return b.String()
}

func (l *TreeLogger) write(b *strings.Builder, n *tree.Node, res *updown.Result) {
	if n.IsLeaf() {
		b.WriteString(strconv.Itoa(n.Nr + 1))
	} else {
		b.WriteByte('(')
		l.write(b, n.Left, res)
		if n.Right != nil {
			b.WriteByte(',')
			l.write(b, n.Right, res)
		}
		b.WriteByte(')')
	}

	probs := res.Posterior(n.Nr, l.opts.UseMarginal)
	b.WriteString("[&")
	if !l.opts.TakeMax {
		b.WriteString(l.opts.Trait + "prob={")
		for i, p := range probs {
			if i > 0 {
				b.WriteByte(',')
			}
			if n.IsLeaf() {
				b.WriteString(strconv.FormatFloat(p, 'f', 1, 64))
			} else {
				b.WriteString(Fixed(p, 3))
			}
		}
		b.WriteString("},")
	}
	fmt.Fprintf(b, "max%s=%d]", l.opts.Trait, argmax(probs))

	length := n.Length()
	if l.opts.Substitutions && l.opts.Clock != nil {
		length *= l.opts.Clock.RateForBranch(n)
	}
	b.WriteByte(':')
	b.WriteString(Decimal(length, l.opts.DecimalPlaces))
}

func quote(label string) string {
	if !strings.ContainsAny(label, " \t(),:;[]'") {
		return label
	}
	return "'" + strings.ReplaceAll(label, "'", "''") + "'"
}
