package tree

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrNewickSyntax = errors.New("newick syntax error")

type newickNode struct {
	label    string
	length   float64
	children []*newickNode
}

// ParseNewick reads a single rooted binary tree. Bracketed comments such as
// BEAST metadata ([&...]) are skipped. Heights are derived from branch lengths
// so that the most recent tip sits at height zero.
func ParseNewick(input string) (*Tree, error) {
	p := &newickParser{src: strings.TrimSpace(input)}
	root, err := p.parseSubtree()
	if err != nil {
		return nil, err
	}
	p.skipSpaceAndComments()
	if p.pos < len(p.src) && p.src[p.pos] == ';' {
		p.pos++
	}
	p.skipSpaceAndComments()
	if p.pos != len(p.src) {
		return nil, p.errorf("trailing input %q", p.src[p.pos:])
	}

	depths := make(map[*newickNode]float64)
	maxDepth := 0.0
	var measure func(n *newickNode, depth float64)
	measure = func(n *newickNode, depth float64) {
		depths[n] = depth
		if len(n.children) == 0 && depth > maxDepth {
			maxDepth = depth
		}
		for _, child := range n.children {
			measure(child, depth+child.length)
		}
	}
	measure(root, 0)

	var build func(n *newickNode) (*Node, error)
	build = func(n *newickNode) (*Node, error) {
		height := maxDepth - depths[n]
		if height < 0 {
			height = 0
		}
		node := &Node{ID: n.label, Height: height}
		switch len(n.children) {
		case 0:
			return node, nil
		case 2:
		default:
			return nil, fmt.Errorf("%w: node %q has %d children", ErrNotBinary, n.label, len(n.children))
		}
		left, err := build(n.children[0])
		if err != nil {
			return nil, err
		}
		right, err := build(n.children[1])
		if err != nil {
			return nil, err
		}
		node.Left, node.Right = left, right
		return node, nil
	}
	built, err := build(root)
	if err != nil {
		return nil, err
	}
	return New(built)
}

type newickParser struct {
	src string
	pos int
}

func (p *newickParser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrNewickSyntax, p.pos, fmt.Sprintf(format, args...))
}

func (p *newickParser) skipSpaceAndComments() {
	for p.pos < len(p.src) {
		switch c := p.src[p.pos]; {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			p.pos++
		case c == '[':
			end := strings.IndexByte(p.src[p.pos:], ']')
			if end < 0 {
				p.pos = len(p.src)
				return
			}
			p.pos += end + 1
		default:
			return
		}
	}
}

func (p *newickParser) parseSubtree() (*newickNode, error) {
	p.skipSpaceAndComments()
	if p.pos >= len(p.src) {
		return nil, p.errorf("unexpected end of input")
	}
	node := &newickNode{}
	if p.src[p.pos] == '(' {
		p.pos++
		for {
			child, err := p.parseSubtree()
			if err != nil {
				return nil, err
			}
			node.children = append(node.children, child)
			p.skipSpaceAndComments()
			if p.pos >= len(p.src) {
				return nil, p.errorf("unclosed parenthesis")
			}
			if p.src[p.pos] == ',' {
				p.pos++
				continue
			}
			if p.src[p.pos] == ')' {
				p.pos++
				break
			}
			return nil, p.errorf("unexpected %q", p.src[p.pos])
		}
	}
	p.skipSpaceAndComments()
	label, err := p.parseLabel()
	if err != nil {
		return nil, err
	}
	node.label = label
	if len(node.children) == 0 && label == "" {
		return nil, p.errorf("tip without label")
	}
	p.skipSpaceAndComments()
	if p.pos < len(p.src) && p.src[p.pos] == ':' {
		p.pos++
		p.skipSpaceAndComments()
		start := p.pos
		for p.pos < len(p.src) && strings.IndexByte("(),:;[] \t\n\r", p.src[p.pos]) < 0 {
			p.pos++
		}
		length, err := strconv.ParseFloat(p.src[start:p.pos], 64)
		if err != nil {
			return nil, p.errorf("invalid branch length %q", p.src[start:p.pos])
		}
		if length < 0 {
			return nil, p.errorf("negative branch length %g", length)
		}
		node.length = length
	}
	return node, nil
}

func (p *newickParser) parseLabel() (string, error) {
	if p.pos < len(p.src) && (p.src[p.pos] == '\'' || p.src[p.pos] == '"') {
		quote := p.src[p.pos]
		end := strings.IndexByte(p.src[p.pos+1:], quote)
		if end < 0 {
			return "", p.errorf("unterminated quoted label")
		}
		label := p.src[p.pos+1 : p.pos+1+end]
		p.pos += end + 2
		return label, nil
	}
	start := p.pos
	for p.pos < len(p.src) && strings.IndexByte("(),:;[] \t\n\r", p.src[p.pos]) < 0 {
		p.pos++
	}
	return p.src[start:p.pos], nil
}
