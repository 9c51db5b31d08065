package epmem

import (
	"cmp"
	"slices"

	"github.com/vthunder/epmem/internal/config"
	"github.com/vthunder/epmem/internal/epmem/store"
)

// matcher is the backtracking state of one graph match.
type matcher struct {
	q        *query
	order    []literalID
	bindings map[literalID]nodePair
	// identifier nodes bound to cue symbols and back
	nodeSym map[int64]int
	symNode map[int]int64
}

// graphMatch looks for a consistent assignment of one match to every
// positive literal: shared cue identifiers must land on the same node and
// distinct ones on distinct nodes.
func (q *query) graphMatch(ordering string) (map[literalID]nodePair, bool) {
	order := slices.Clone(q.gmOrder)
	if ordering == config.OrderingMCV {
		slices.SortStableFunc(order, func(a, b literalID) int {
			return cmp.Compare(len(q.lits[a].matches), len(q.lits[b].matches))
		})
	}
	m := &matcher{
		q:        q,
		order:    order,
		bindings: make(map[literalID]nodePair),
		nodeSym:  map[int64]int{store.RootNode: posRootSym},
		symNode:  map[int]int64{posRootSym: store.RootNode},
	}
	if !m.try(0) {
		return nil, false
	}
	return m.bindings, true
}

func (m *matcher) try(i int) bool {
	if i == len(m.order) {
		return true
	}
	lid := m.order[i]
	lit := &m.q.lits[lid]
	for _, pair := range sortedMatches(lit) {
		if !m.consistent(lit, pair) {
			continue
		}
		undo := m.bind(lid, lit, pair)
		if m.try(i + 1) {
			return true
		}
		undo()
	}
	return false
}

func (m *matcher) consistent(lit *literal, pair nodePair) bool {
	if lit.child != store.Wildcard && lit.child != pair.child {
		return false
	}
	if !m.agrees(lit.idSym, pair.parent) {
		return false
	}
	if lit.isEdge && !m.agrees(lit.valueSym, pair.child) {
		return false
	}
	for _, p := range lit.parents {
		if b, ok := m.bindings[p]; ok && b.child != pair.parent {
			return false
		}
	}
	for _, c := range lit.children {
		if b, ok := m.bindings[c]; ok && b.parent != pair.child {
			return false
		}
	}
	return true
}

// agrees reports whether binding cue symbol sym to node keeps the
// symbol-to-node correspondence one-to-one.
func (m *matcher) agrees(sym int, node int64) bool {
	if n, ok := m.symNode[sym]; ok && n != node {
		return false
	}
	if s, ok := m.nodeSym[node]; ok && s != sym {
		return false
	}
	return true
}

func (m *matcher) bind(lid literalID, lit *literal, pair nodePair) (undo func()) {
	m.bindings[lid] = pair
	var undos []func()
	m.pin(lit.idSym, pair.parent, &undos)
	if lit.isEdge {
		m.pin(lit.valueSym, pair.child, &undos)
	}
	return func() {
		delete(m.bindings, lid)
		for _, u := range undos {
			u()
		}
	}
}

func (m *matcher) pin(sym int, node int64, undos *[]func()) {
	if _, ok := m.symNode[sym]; !ok {
		m.symNode[sym] = node
		*undos = append(*undos, func() { delete(m.symNode, sym) })
	}
	if _, ok := m.nodeSym[node]; !ok {
		m.nodeSym[node] = sym
		*undos = append(*undos, func() { delete(m.nodeSym, node) })
	}
}

func sortedMatches(lit *literal) []nodePair {
	out := make([]nodePair, 0, len(lit.matches))
	for p := range lit.matches {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b nodePair) int {
		if c := cmp.Compare(a.parent, b.parent); c != 0 {
			return c
		}
		return cmp.Compare(a.child, b.child)
	})
	return out
}
