package wm

import "fmt"

// Memory is an in-process working memory. It is not safe for concurrent use.
type Memory struct {
	counters map[byte]uint64
	nextTag  uint64
	augs     map[*Identifier][]*WME
	refs     map[*Identifier]int
	ltis     map[int64]*Identifier
	states   []*Identifier
	links    map[*Identifier]*Link
	activ    map[uint64]float64
}

// Link is the per-state structure commands are read from and results are
// written to: (S ^epmem E) (E ^command C) (E ^result R).
type Link struct {
	Epmem   *Identifier
	Command *Identifier
	Result  *Identifier
}

// NewMemory creates a working memory holding a top state S1 and its link.
func NewMemory() *Memory {
	m := &Memory{
		counters: make(map[byte]uint64),
		augs:     make(map[*Identifier][]*WME),
		refs:     make(map[*Identifier]int),
		ltis:     make(map[int64]*Identifier),
		links:    make(map[*Identifier]*Link),
		activ:    make(map[uint64]float64),
	}
	m.addState(nil)
	return m
}

func (m *Memory) addState(super *Identifier) *Identifier {
	s := m.NewIdentifier('S')
	m.states = append(m.states, s)
	if super != nil {
		m.Add(s, String("superstate"), Ident(super))
	}
	l := &Link{Epmem: m.NewIdentifier('E'), Command: m.NewIdentifier('C'), Result: m.NewIdentifier('R')}
	m.Add(s, String("epmem"), Ident(l.Epmem))
	m.Add(l.Epmem, String("command"), Ident(l.Command))
	m.Add(l.Epmem, String("result"), Ident(l.Result))
	m.links[s] = l
	return s
}

// PushState adds a substate below the current bottom of the goal stack.
func (m *Memory) PushState() *Identifier {
	return m.addState(m.states[len(m.states)-1])
}

// Top returns the top state.
func (m *Memory) Top() *Identifier { return m.states[0] }

// States returns the goal stack, top state first.
func (m *Memory) States() []*Identifier {
	return append([]*Identifier(nil), m.states...)
}

// Link returns the command/result structure of a state.
func (m *Memory) Link(state *Identifier) *Link { return m.links[state] }

// NewIdentifier creates a fresh identifier with the next number for letter.
func (m *Memory) NewIdentifier(letter byte) *Identifier {
	if letter < 'A' || letter > 'Z' {
		letter = 'I'
	}
	m.counters[letter]++
	return &Identifier{Letter: letter, Number: m.counters[letter]}
}

// LongTermIdentifier returns the identifier for lti, creating it on first use.
func (m *Memory) LongTermIdentifier(lti int64) (*Identifier, bool) {
	if id, ok := m.ltis[lti]; ok {
		return id, m.refs[id] > 0
	}
	id := m.NewIdentifier('L')
	id.LTI = lti
	m.ltis[lti] = id
	return id, false
}

// Augmentations lists the WMEs of id in insertion order.
func (m *Memory) Augmentations(id *Identifier) []*WME {
	return m.augs[id]
}

// Add asserts (id ^attr value). Duplicate triples return the existing WME.
func (m *Memory) Add(id *Identifier, attr, value Symbol) *WME {
	for _, w := range m.augs[id] {
		if w.Attr == attr && w.Value == value {
			return w
		}
	}
	m.nextTag++
	w := &WME{ID: id, Attr: attr, Value: value, Timetag: m.nextTag}
	m.augs[id] = append(m.augs[id], w)
	if value.IsIdentifier() {
		m.refs[value.ID]++
	}
	return w
}

// Remove retracts (id ^attr value) and reports whether it was present.
func (m *Memory) Remove(id *Identifier, attr, value Symbol) bool {
	list := m.augs[id]
	for i, w := range list {
		if w.Attr == attr && w.Value == value {
			m.augs[id] = append(list[:i:i], list[i+1:]...)
			if value.IsIdentifier() {
				m.refs[value.ID]--
			}
			delete(m.activ, w.Timetag)
			return true
		}
	}
	return false
}

// Clear retracts every WME of id except those whose attribute is in keep.
func (m *Memory) Clear(id *Identifier, keep ...string) {
	for _, w := range append([]*WME(nil), m.augs[id]...) {
		kept := false
		for _, k := range keep {
			if w.Attr == String(k) {
				kept = true
			}
		}
		if !kept {
			m.Remove(w.ID, w.Attr, w.Value)
		}
	}
}

// Apply retracts then asserts batches of triples.
func (m *Memory) Apply(add, remove []Triple) {
	for _, t := range remove {
		m.Remove(t.ID, t.Attr, t.Value)
	}
	for _, t := range add {
		m.Add(t.ID, t.Attr, t.Value)
	}
}

// SetActivation records a host activation level for w.
func (m *Memory) SetActivation(w *WME, a float64) {
	m.activ[w.Timetag] = a
}

// Activation implements Activations.
func (m *Memory) Activation(w *WME) float64 {
	if a, ok := m.activ[w.Timetag]; ok {
		return a
	}
	return 1
}

// Find returns the values of (id ^attr *).
func (m *Memory) Find(id *Identifier, attr string) []Symbol {
	var out []Symbol
	for _, w := range m.augs[id] {
		if w.Attr == String(attr) {
			out = append(out, w.Value)
		}
	}
	return out
}

// Walk visits every WME reachable from root, breadth first, skipping
// attributes in skip.
func (m *Memory) Walk(root *Identifier, skip []string, fn func(*WME)) {
	seen := map[*Identifier]bool{root: true}
	queue := []*Identifier{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
	next:
		for _, w := range m.augs[id] {
			for _, s := range skip {
				if w.Attr == String(s) {
					continue next
				}
			}
			fn(w)
			if w.Value.IsIdentifier() && !seen[w.Value.ID] {
				seen[w.Value.ID] = true
				queue = append(queue, w.Value.ID)
			}
		}
	}
}

// Dump renders the structure reachable from root, one WME per line.
func (m *Memory) Dump(root *Identifier, skip ...string) []string {
	var out []string
	m.Walk(root, skip, func(w *WME) {
		out = append(out, fmt.Sprintf("(%s ^%s %s)", w.ID, w.Attr, w.Value))
	})
	return out
}

var (
	_ Graph       = (*Memory)(nil)
	_ Activations = (*Memory)(nil)
)
