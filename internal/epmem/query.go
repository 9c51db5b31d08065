package epmem

import (
	"context"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vthunder/epmem/internal/epmem/pq"
	"github.com/vthunder/epmem/internal/epmem/store"
	"github.com/vthunder/epmem/internal/logging"
	"github.com/vthunder/epmem/internal/wm"
)

// Query is a cue-based search request. Before and After are exclusive
// bounds; zero leaves them open.
type Query struct {
	Cue      *wm.Identifier
	NegCue   *wm.Identifier
	Before   int64
	After    int64
	Prohibit []int64
}

// Match is the best episode found for a cue.
type Match struct {
	Episode     int64
	Score       float64
	Normalized  float64
	Cardinality int
	Perfect     int
	CueSize     int
	GraphMatch  bool
	// Mapping binds each cue identifier to a recorded node when the graph
	// match succeeded.
	Mapping map[*wm.Identifier]int64
}

type nodePair struct {
	parent int64
	child  int64
}

type symNode struct {
	sym  int
	node int64
}

type edgeKey struct {
	parent int64
	attr   int64
	child  int64
	isEdge bool
}

type parentAttr struct {
	parent int64
	attr   int64
	isEdge bool
}

// rootEdge is the triple the root literal matches: the top state itself.
var rootEdge = edgeKey{parent: -1, attr: -1, child: store.RootNode, isEdge: true}

// pedge is a cursor over the recorded WMEs matching one (parent, attr,
// child-or-wildcard) pattern, shared by every literal asking for it.
type pedge struct {
	key      edgeKey
	literals []literalID
	cursor   pq.Cursor[store.EdgeRow]
	row      store.EdgeRow
	uedges   []*uedge
}

// uedge is one concrete recorded WME reached by the sweep. activation counts
// its intervals currently covering the sweep position.
type uedge struct {
	key        edgeKey
	pedges     []*pedge
	activation int
	activated  bool
	intervals  int
}

// interval is one endpoint event of a uedge. Walking backward, an end event
// is where the WME becomes present and a start event is where it stops.
type interval struct {
	uedge  *uedge
	end    bool
	time   int64
	cursor pq.Cursor[int64]
}

// query is the arena for one search. Everything it opens is released by
// release, whatever path the search exits through.
type query struct {
	st    *store.Store
	lits  []literal
	after int64

	numIncoming  map[int]int
	symNodeCount map[symNode]int

	pedges   map[edgeKey]*pedge
	uedges   map[edgeKey]*uedge
	byParent map[parentAttr][]*uedge

	pedgeQ    *pq.Heap[*pedge]
	intervalQ *pq.Heap[*interval]
	cursors   []interface{ Close() error }

	posLits, negLits int
	leaves           []literalID
	gmOrder          []literalID
	perfectCard      int
	perfectScore     float64

	score       float64
	cardinality int
	peakCard    int
	changed     bool
	err         error
}

func newQuery(st *store.Store, after int64) *query {
	return &query{
		st:           st,
		after:        after,
		numIncoming:  make(map[int]int),
		symNodeCount: make(map[symNode]int),
		pedges:       make(map[edgeKey]*pedge),
		uedges:       make(map[edgeKey]*uedge),
		byParent:     make(map[parentAttr][]*uedge),
		pedgeQ: pq.New(func(a, b *pedge) bool {
			return a.row.Time > b.row.Time
		}),
		// Later events first. At equal times, end events come before start
		// events so an edge present on both sides of the instant never
		// drops to zero activation in between.
		intervalQ: pq.New(func(a, b *interval) bool {
			if a.time != b.time {
				return a.time > b.time
			}
			return a.end && !b.end
		}),
	}
}

func (q *query) add(lit literal) literalID {
	lit.matches = make(map[nodePair]struct{})
	lit.values = make(map[int64]int)
	q.lits = append(q.lits, lit)
	return literalID(len(q.lits) - 1)
}

func (q *query) track(c interface{ Close() error }) {
	q.cursors = append(q.cursors, c)
}

func (q *query) fail(err error) {
	if err != nil && q.err == nil {
		q.err = err
	}
}

func (q *query) release() {
	for _, c := range q.cursors {
		c.Close()
	}
	q.cursors = nil
	// a bounded sweep stops with events still queued
	q.pedgeQ.Drain(func(pe *pedge) { pe.cursor = nil })
	q.intervalQ.Drain(func(iv *interval) { iv.cursor = nil })
}

// register attaches literal lid to the pedge for its pattern under parent,
// opening the pedge on first use. A literal joining a pedge late catches up
// on the WMEs that pedge already produced.
func (q *query) register(parent int64, lid literalID) {
	lit := &q.lits[lid]
	key := edgeKey{parent: parent, attr: lit.attr, child: lit.child, isEdge: lit.isEdge}
	if lid == rootLiteral {
		key = rootEdge
	}
	if pe, ok := q.pedges[key]; ok {
		if pe == nil || slices.Contains(pe.literals, lid) {
			return
		}
		pe.literals = append(pe.literals, lid)
		for _, ue := range pe.uedges {
			if ue.activated {
				q.satisfy(lid, ue.key.parent, ue.key.child)
			}
			if lit.isEdge {
				for _, kid := range lit.children {
					q.register(ue.key.child, kid)
				}
			}
		}
		return
	}

	var cur pq.Cursor[store.EdgeRow]
	if key == rootEdge {
		cur = pq.NewSlice(store.EdgeRow{Child: store.RootNode, Time: store.MaxTime})
	} else {
		kind := store.Node
		if lit.isEdge {
			kind = store.Edge
		}
		cur = q.st.EdgeCursor(kind, parent, lit.attr, lit.child, q.after)
	}
	q.track(cur)
	if !cur.Next() {
		q.fail(cur.Err())
		q.pedges[key] = nil
		return
	}
	pe := &pedge{key: key, literals: []literalID{lid}, cursor: cur, row: cur.Value()}
	q.pedges[key] = pe
	q.pedgeQ.Push(pe)
}

// newUedge materializes a recorded WME and queues the interval events of
// every representation that fall at or before current.
func (q *query) newUedge(key edgeKey, owner, current int64) *uedge {
	ue := &uedge{key: key}
	q.uedges[key] = ue
	pa := parentAttr{parent: key.parent, attr: key.attr, isEdge: key.isEdge}
	q.byParent[pa] = append(q.byParent[pa], ue)

	if key == rootEdge {
		// the top state is present in every episode
		q.pushInterval(ue, true, pq.NewSlice(store.MaxTime))
		return ue
	}
	kind := store.Node
	if key.isEdge {
		kind = store.Edge
	}
	for _, rep := range store.Representations {
		for _, end := range []bool{true, false} {
			q.pushInterval(ue, end, q.st.IntervalCursor(kind, rep, end, owner, current))
		}
	}
	return ue
}

func (q *query) pushInterval(ue *uedge, end bool, cur pq.Cursor[int64]) {
	q.track(cur)
	if !cur.Next() {
		q.fail(cur.Err())
		return
	}
	ue.intervals++
	q.intervalQ.Push(&interval{uedge: ue, end: end, time: cur.Value(), cursor: cur})
}

// walkEdges pops every pedge whose next WME could be present at current.
func (q *query) walkEdges(current int64) {
	for q.err == nil && q.pedgeQ.Len() > 0 && q.pedgeQ.Peek().row.Time >= current {
		pe := q.pedgeQ.Pop()
		key := pe.key
		key.child = pe.row.Child
		ue, ok := q.uedges[key]
		if !ok {
			ue = q.newUedge(key, pe.row.ID, current)
		}
		if !slices.Contains(ue.pedges, pe) {
			ue.pedges = append(ue.pedges, pe)
			pe.uedges = append(pe.uedges, ue)
			for _, lid := range pe.literals {
				if ue.activated {
					q.satisfy(lid, key.parent, key.child)
				}
				if key.isEdge {
					for _, kid := range q.lits[lid].children {
						q.register(key.child, kid)
					}
				}
			}
		}
		if pe.cursor.Next() {
			pe.row = pe.cursor.Value()
			q.pedgeQ.Push(pe)
		} else {
			q.fail(pe.cursor.Err())
		}
	}
}

// walkIntervals applies every interval event at or after current.
func (q *query) walkIntervals(current int64) {
	for q.err == nil && q.intervalQ.Len() > 0 && q.intervalQ.Peek().time >= current {
		iv := q.intervalQ.Pop()
		ue := iv.uedge
		if iv.end {
			ue.activation++
			if ue.activation == 1 {
				ue.activated = true
				q.eachLiteral(ue, q.satisfy)
			}
		} else {
			ue.activation--
			if ue.activation == 0 {
				ue.activated = false
				q.eachLiteral(ue, q.unsatisfy)
			}
		}
		if iv.cursor.Next() {
			iv.time = iv.cursor.Value()
			q.intervalQ.Push(iv)
		} else {
			q.fail(iv.cursor.Err())
			ue.intervals--
		}
	}
}

func (q *query) eachLiteral(ue *uedge, fn func(lid literalID, parent, child int64)) {
	for _, pe := range ue.pedges {
		for _, lid := range pe.literals {
			fn(lid, ue.key.parent, ue.key.child)
		}
	}
}

// satisfy records that literal lid matches (parent, child), provided every
// literal leading into its identifier is already matched at parent.
func (q *query) satisfy(lid literalID, parent, child int64) {
	lit := &q.lits[lid]
	if lit.idSym >= 0 && q.symNodeCount[symNode{lit.idSym, parent}] != q.numIncoming[lit.idSym] {
		return
	}
	pair := nodePair{parent, child}
	if _, ok := lit.matches[pair]; ok {
		return
	}
	lit.matches[pair] = struct{}{}
	q.changed = true
	lit.values[child]++
	if lit.values[child] != 1 {
		return
	}

	if lit.leaf {
		if len(lit.matches) == 1 {
			q.score += lit.weight
			if lit.neg {
				q.cardinality--
			} else {
				q.cardinality++
				q.peakCard = max(q.peakCard, q.cardinality)
			}
		}
		return
	}

	key := symNode{lit.valueSym, child}
	q.symNodeCount[key]++
	if q.symNodeCount[key] != q.numIncoming[lit.valueSym] {
		return
	}
	for _, kid := range lit.children {
		k := &q.lits[kid]
		for _, ue := range q.byParent[parentAttr{parent: child, attr: k.attr, isEdge: k.isEdge}] {
			if ue.activated && (k.child == store.Wildcard || k.child == ue.key.child) {
				q.satisfy(kid, child, ue.key.child)
			}
		}
	}
}

// unsatisfy removes the match (parent, child) from literal lid. When child
// stops being matched at all, children of an internal literal lose exactly
// the matches hanging off child.
func (q *query) unsatisfy(lid literalID, parent, child int64) {
	lit := &q.lits[lid]
	pair := nodePair{parent, child}
	if _, ok := lit.matches[pair]; !ok {
		return
	}
	delete(lit.matches, pair)
	q.changed = true
	lit.values[child]--
	if lit.values[child] > 0 {
		return
	}
	delete(lit.values, child)

	if lit.leaf {
		if len(lit.matches) == 0 {
			q.score -= lit.weight
			if lit.neg {
				q.cardinality++
			} else {
				q.cardinality--
			}
		}
		return
	}

	key := symNode{lit.valueSym, child}
	count := q.symNodeCount[key]
	if count == q.numIncoming[lit.valueSym] {
		for _, kid := range lit.children {
			var drop []nodePair
			for m := range q.lits[kid].matches {
				if m.parent == child {
					drop = append(drop, m)
				}
			}
			for _, m := range drop {
				q.unsatisfy(kid, m.parent, m.child)
			}
		}
	}
	if count <= 1 {
		delete(q.symNodeCount, key)
	} else {
		q.symNodeCount[key] = count - 1
	}
}

// best is the sweep's current pick.
type best struct {
	episode    int64
	score      float64
	card       int
	graphMatch bool
	bindings   map[literalID]nodePair
}

// sweep walks backward from before to after and returns the best episode.
// prohibit must be sorted ascending.
func (q *query) sweep(before int64, prohibit []int64, gm bool, ordering string, timer func(string) func()) best {
	var b best
	current := before
	for q.err == nil && current > q.after && (q.pedgeQ.Len() > 0 || q.intervalQ.Len() > 0) {
		stop := timer("query-walk-edge")
		q.walkEdges(current)
		stop()
		stop = timer("query-walk-interval")
		q.walkIntervals(current)
		stop()
		if q.err != nil {
			break
		}

		next := q.after
		if q.pedgeQ.Len() > 0 {
			next = max(next, q.pedgeQ.Peek().row.Time)
		}
		if q.intervalQ.Len() > 0 {
			next = max(next, q.intervalQ.Peek().time)
		}

		for len(prohibit) > 0 && prohibit[len(prohibit)-1] > current {
			prohibit = prohibit[:len(prohibit)-1]
		}
		for len(prohibit) > 0 && current > next && prohibit[len(prohibit)-1] == current {
			prohibit = prohibit[:len(prohibit)-1]
			current--
		}

		// The state is constant over (next, current]. A change whose span
		// was entirely prohibited stays pending for the next candidate.
		if q.changed && current > next {
			q.changed = false
			if q.score > b.score {
				b = best{episode: current, score: q.score, card: q.cardinality}
			}
			if q.cardinality == q.perfectCard && (b.episode == current || (gm && !b.graphMatch && q.score == b.score)) {
				if !gm {
					break
				}
				stop := timer("query-graph-match")
				bindings, ok := q.graphMatch(ordering)
				stop()
				if ok {
					b = best{episode: current, score: q.score, card: q.cardinality, graphMatch: true, bindings: bindings}
					break
				}
			}
		}
		current = next
	}
	return b
}

// Query finds the recorded episode that best matches a cue.
func (e *Engine) Query(ctx context.Context, g wm.Graph, req Query) (m *Match, err error) {
	_, span := startSpan(ctx, "epmem.Query")
	defer func() { endSpan(span, err) }()
	defer e.timer("total")()

	if err := e.connect(); err != nil {
		return nil, err
	}
	defer e.timer("query")()
	e.stats.Queries++

	q, b, err := e.search(g, req)
	if err != nil {
		return nil, err
	}
	if b.episode == 0 {
		return nil, ErrNoMatch
	}

	m = &Match{
		Episode:     b.episode,
		Score:       b.score,
		Cardinality: b.card,
		Perfect:     q.perfectCard,
		CueSize:     len(q.leaves),
		GraphMatch:  b.graphMatch,
	}
	if q.perfectScore != 0 {
		m.Normalized = b.score / q.perfectScore
	}
	if b.graphMatch {
		m.Mapping = make(map[*wm.Identifier]int64)
		for lid, pair := range b.bindings {
			lit := &q.lits[lid]
			if lit.isEdge && lit.cue != nil {
				m.Mapping[lit.cue.Value.ID] = pair.child
			}
		}
	}
	e.stats.QryRet, e.stats.QryCard = m.Episode, m.Cardinality
	span.SetAttributes(
		attribute.Int64("epmem.episode", m.Episode),
		attribute.Float64("epmem.score", m.Score),
		attribute.Bool("epmem.graph_match", m.GraphMatch),
	)
	logging.Debug("epmem", "query matched episode %d (score %g, cardinality %d/%d)", m.Episode, m.Score, m.Cardinality, m.Perfect)
	return m, nil
}

// search compiles and sweeps one query. The returned arena is already
// released; only its literals and counters remain readable.
func (e *Engine) search(g wm.Graph, req Query) (*query, best, error) {
	if req.Before != 0 && req.After != 0 && req.Before <= req.After {
		return nil, best{}, fmt.Errorf("%w: before %d <= after %d", ErrBadCue, req.Before, req.After)
	}
	before := e.time - 1
	if req.Before != 0 {
		before = min(before, req.Before-1)
	}
	after := max(req.After, 0)

	q := newQuery(e.store, after)
	defer q.release()
	if err := e.compile(g, q, req.Cue, req.NegCue); err != nil {
		return nil, best{}, err
	}
	e.stats.QryPos, e.stats.QryNeg = q.posLits, q.negLits
	e.stats.QryLits = len(q.lits) - 1
	e.stats.QryRet, e.stats.QryCard = 0, 0

	prohibit := slices.Clone(req.Prohibit)
	slices.Sort(prohibit)
	prohibit = slices.Compact(prohibit)

	q.register(store.RootNode, rootLiteral)
	q.newUedge(rootEdge, 0, before)

	stop := e.timer("query-walk")
	b := q.sweep(before, prohibit, e.cfg.GraphMatch, e.cfg.GraphMatchOrdering, e.timer)
	stop()
	if q.err != nil {
		return nil, best{}, fmt.Errorf("query sweep failed: %w", q.err)
	}
	return q, b, nil
}
