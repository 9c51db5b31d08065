package epmem

import (
	"fmt"

	"github.com/vthunder/epmem/internal/epmem/store"
	"github.com/vthunder/epmem/internal/wm"
)

type literalID int

// rootLiteral stands for "the top state exists". Its children are the
// literals of the cue roots.
const rootLiteral literalID = 0

// posRootSym is the cue symbol of the positive root. Negative top-level
// literals hang off it too.
const posRootSym = 0

// unknownSymbol is never assigned by the temporal hash, so literals naming a
// constant or attribute the store has never seen match nothing.
const unknownSymbol int64 = 0

// literal is one compiled cue WME. Literals form a DAG mirroring the cue;
// parents and children are indices into the query's literal slice.
type literal struct {
	idSym    int
	valueSym int
	attr     int64
	child    int64
	isEdge   bool
	neg      bool
	leaf     bool
	weight   float64
	parents  []literalID
	children []literalID
	cue      *wm.WME

	matches map[nodePair]struct{}
	values  map[int64]int
}

type compiler struct {
	e        *Engine
	g        wm.Graph
	act      wm.Activations
	q        *query
	cache    map[*wm.WME]literalID
	visiting map[*wm.Identifier]bool
	syms     map[*wm.Identifier]int
}

// compile builds the literal DAG for a cue into q.
func (e *Engine) compile(g wm.Graph, q *query, pos, neg *wm.Identifier) error {
	if pos == nil {
		return fmt.Errorf("%w: no positive query root", ErrBadCue)
	}
	if neg == pos {
		return fmt.Errorf("%w: query and neg-query share a root", ErrBadCue)
	}
	c := &compiler{
		e:        e,
		g:        g,
		q:        q,
		cache:    make(map[*wm.WME]literalID),
		visiting: map[*wm.Identifier]bool{pos: true},
		syms:     map[*wm.Identifier]int{pos: posRootSym},
	}
	c.act, _ = g.(wm.Activations)

	q.add(literal{idSym: -1, valueSym: posRootSym, attr: -1, child: store.RootNode, isEdge: true})
	q.numIncoming[posRootSym] = 1

	var top []literalID
	roots := []struct {
		id  *wm.Identifier
		neg bool
	}{{pos, false}, {neg, true}}
	for _, r := range roots {
		if r.id == nil {
			continue
		}
		c.visiting[r.id] = true
		for _, w := range g.Augmentations(r.id) {
			id, ok, err := c.build(w, posRootSym, r.neg)
			if err != nil {
				return err
			}
			if ok {
				top = append(top, id)
			}
		}
	}
	q.lits[rootLiteral].children = top
	for _, id := range top {
		q.lits[id].parents = append(q.lits[id].parents, rootLiteral)
	}

	if q.perfectCard == 0 {
		return fmt.Errorf("%w: cue has no positive leaf literals", ErrBadCue)
	}
	return nil
}

func (c *compiler) sym(id *wm.Identifier) int {
	if s, ok := c.syms[id]; ok {
		return s
	}
	s := len(c.syms) + 1
	c.syms[id] = s
	return s
}

func (c *compiler) weight(w *wm.WME, neg bool) float64 {
	act := 1.0
	if c.act != nil {
		act = c.act.Activation(w)
	}
	b := c.e.cfg.Balance
	weight := b + (1-b)*act
	if neg {
		return -weight
	}
	return weight
}

func (c *compiler) build(w *wm.WME, idSym int, neg bool) (literalID, bool, error) {
	if id, ok := c.cache[w]; ok {
		return id, true, nil
	}
	if w.Attr.IsIdentifier() {
		return 0, false, nil
	}
	attr, ok, err := c.e.lookup(w.Attr)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		attr = unknownSymbol
	}

	lit := literal{idSym: idSym, valueSym: -1, attr: attr, neg: neg, cue: w, weight: c.weight(w, neg)}
	if !w.Value.IsIdentifier() {
		lit.leaf = true
		child, ok, err := c.e.lookup(w.Value)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			child = unknownSymbol
		}
		lit.child = child
	} else {
		value := w.Value.ID
		if c.visiting[value] {
			return 0, false, nil
		}
		lit.isEdge = true
		lit.child = store.Wildcard
		lit.valueSym = c.sym(value)

		augs := c.g.Augmentations(value)
		if len(augs) == 0 {
			lit.leaf = true
		} else {
			c.visiting[value] = true
			for _, a := range augs {
				kid, ok, err := c.build(a, lit.valueSym, neg)
				if err != nil {
					delete(c.visiting, value)
					return 0, false, err
				}
				if ok {
					lit.children = append(lit.children, kid)
				}
			}
			delete(c.visiting, value)
			// only cyclic paths below: drop the literal
			if len(lit.children) == 0 {
				return 0, false, nil
			}
		}
	}

	q := c.q
	id := q.add(lit)
	for _, kid := range lit.children {
		q.lits[kid].parents = append(q.lits[kid].parents, id)
	}
	if !lit.leaf {
		q.numIncoming[lit.valueSym]++
	}
	c.cache[w] = id

	if neg {
		q.negLits++
	} else {
		q.posLits++
		q.gmOrder = append([]literalID{id}, q.gmOrder...)
	}
	if lit.leaf {
		q.leaves = append(q.leaves, id)
		if !neg {
			q.perfectCard++
			q.perfectScore += lit.weight
		}
	}
	return id, true, nil
}
