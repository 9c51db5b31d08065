package epmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vthunder/epmem/internal/wm"
)

func TestParseCommand(t *testing.T) {
	q := wm.Ident(&wm.Identifier{Letter: 'Q', Number: 1})
	n := wm.Ident(&wm.Identifier{Letter: 'N', Number: 1})
	w := func(attr string, v wm.Symbol) *wm.WME {
		return &wm.WME{Attr: wm.String(attr), Value: v}
	}

	tests := []struct {
		name    string
		augs    []*wm.WME
		want    string
		wantErr bool
	}{
		{name: "retrieve", augs: []*wm.WME{w("retrieve", wm.Int(3))}, want: "retrieve"},
		{name: "next", augs: []*wm.WME{w("next", wm.String("yes"))}, want: "next"},
		{name: "previous", augs: []*wm.WME{w("previous", q)}, want: "previous"},
		{name: "query", augs: []*wm.WME{w("query", q)}, want: "query"},
		{name: "query with modifiers", augs: []*wm.WME{w("query", q), w("neg-query", n), w("before", wm.Int(5)), w("after", wm.Int(2)), w("prohibit", wm.Int(3)), w("prohibit", wm.Int(4))}, want: "query"},
		{name: "retrieve needs int", augs: []*wm.WME{w("retrieve", wm.String("one"))}, wantErr: true},
		{name: "query needs identifier", augs: []*wm.WME{w("query", wm.Int(1))}, wantErr: true},
		{name: "before needs int", augs: []*wm.WME{w("query", q), w("before", wm.Float(2.5))}, wantErr: true},
		{name: "unknown attribute", augs: []*wm.WME{w("query", q), w("colour", wm.Int(1))}, wantErr: true},
		{name: "identifier attribute", augs: []*wm.WME{{Attr: q, Value: wm.Int(1)}}, wantErr: true},
		{name: "two forms", augs: []*wm.WME{w("retrieve", wm.Int(1)), w("next", wm.String("yes"))}, wantErr: true},
		{name: "no form", augs: []*wm.WME{w("before", wm.Int(3))}, wantErr: true},
		{name: "neg-query alone", augs: []*wm.WME{w("neg-query", n)}, wantErr: true},
		{name: "repeated retrieve", augs: []*wm.WME{w("retrieve", wm.Int(1)), w("retrieve", wm.Int(2))}, wantErr: true},
		{name: "repeated before", augs: []*wm.WME{w("query", q), w("before", wm.Int(3)), w("before", wm.Int(4))}, wantErr: true},
		{name: "modifier on retrieve", augs: []*wm.WME{w("retrieve", wm.Int(1)), w("before", wm.Int(4))}, wantErr: true},
		{name: "before not after after", augs: []*wm.WME{w("query", q), w("before", wm.Int(3)), w("after", wm.Int(3))}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := parseCommand(tt.augs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd.name)
		})
	}

	cmd, err := parseCommand(tests[4].augs)
	require.NoError(t, err)
	assert.Equal(t, q.ID, cmd.cue)
	assert.Equal(t, n.ID, cmd.neg)
	assert.Equal(t, int64(5), cmd.before)
	assert.Equal(t, int64(2), cmd.after)
	assert.Equal(t, []int64{3, 4}, cmd.prohibit)
}

// respond runs one command phase and applies its changes.
func respond(t *testing.T, e *Engine, m *wm.Memory) Changes {
	t.Helper()
	ch, err := e.RespondToCommands(context.Background(), m)
	require.NoError(t, err)
	m.Apply(ch.Add, ch.Remove)
	return ch
}

func single(t *testing.T, m *wm.Memory, id *wm.Identifier, attr string) wm.Symbol {
	t.Helper()
	vals := m.Find(id, attr)
	require.Len(t, vals, 1, "^%s under %s", attr, id)
	return vals[0]
}

func TestRetrieveNextPrevious(t *testing.T) {
	e := setupTestEngine(t)
	m := wm.NewMemory()
	record(t, e, m,
		"wmes:\n  - {id: S1, attr: color, value: red}\n",
		"wmes:\n  - {id: S1, attr: color, value: blue}\n",
	)
	l := m.Link(m.Top())

	retrieve := m.Add(l.Command, wm.String("retrieve"), wm.Int(1))
	first := respond(t, e, m)
	assert.Empty(t, first.Remove)
	assert.Equal(t, wm.Int(1), single(t, m, l.Result, "success"))
	assert.Equal(t, wm.Int(1), single(t, m, l.Result, "memory-id"))
	assert.Equal(t, wm.Int(3), single(t, m, l.Result, "present-id"))
	header := single(t, m, l.Result, "retrieved").ID
	assert.Equal(t, []wm.Symbol{wm.String("red")}, m.Find(header, "color"))

	// unchanged command: nothing to do
	again := respond(t, e, m)
	assert.Empty(t, again.Add)
	assert.Empty(t, again.Remove)

	m.Remove(l.Command, retrieve.Attr, retrieve.Value)
	next := m.Add(l.Command, wm.String("next"), wm.String("yes"))
	ch := respond(t, e, m)
	assert.ElementsMatch(t, first.Add, ch.Remove, "old results retracted")
	assert.Equal(t, wm.Int(2), single(t, m, l.Result, "memory-id"))
	header = single(t, m, l.Result, "retrieved").ID
	assert.Equal(t, []wm.Symbol{wm.String("blue")}, m.Find(header, "color"))

	m.Remove(l.Command, next.Attr, next.Value)
	m.Add(l.Command, wm.String("next"), wm.String("yes"))
	respond(t, e, m)
	assert.Equal(t, wm.String("yes"), single(t, m, l.Result, "failure"))
	assert.Equal(t, wm.String("no-memory"), single(t, m, l.Result, "retrieved"))

	m.Clear(l.Command)
	m.Add(l.Command, wm.String("previous"), wm.String("yes"))
	respond(t, e, m)
	assert.Equal(t, wm.Int(1), single(t, m, l.Result, "memory-id"), "previous of the last retrieval")

	m.Clear(l.Command)
	ch = respond(t, e, m)
	assert.Empty(t, ch.Add)
	assert.Empty(t, m.Augmentations(l.Result), "clearing the command retracts its results")

	m.Add(l.Command, wm.String("retrieve"), wm.Int(9))
	respond(t, e, m)
	assert.Equal(t, wm.Int(9), single(t, m, l.Result, "failure"))
}

func TestQueryCommand(t *testing.T) {
	e := setupTestEngine(t)
	m := wm.NewMemory()
	record(t, e, m,
		"wmes:\n  - {id: S1, attr: block, ref: A1}\n  - {id: A1, attr: color, value: red}\n  - {id: A1, attr: size, value: big}\n",
		"wmes:\n  - {id: S1, attr: block, ref: A1}\n  - {id: S1, attr: block, ref: B1}\n  - {id: A1, attr: color, value: red}\n  - {id: B1, attr: size, value: big}\n",
	)
	l := m.Link(m.Top())

	snap, err := wm.ParseSnapshot([]byte(`
wmes:
  - {id: C, attr: query, ref: Q}
  - {id: Q, attr: block, ref: X}
  - {id: X, attr: color, value: red}
  - {id: X, attr: size, value: big}
`))
	require.NoError(t, err)
	scope := map[string]*wm.Identifier{"C": l.Command}
	_, err = m.Build(snap.WMEs, nil, scope)
	require.NoError(t, err)

	respond(t, e, m)
	r := l.Result
	assert.Equal(t, wm.Ident(scope["Q"]), single(t, m, r, "success"))
	assert.Equal(t, wm.Int(1), single(t, m, r, "memory-id"))
	assert.Equal(t, wm.Int(2), single(t, m, r, "cue-size"))
	assert.Equal(t, wm.Float(2), single(t, m, r, "match-score"))
	assert.Equal(t, wm.Float(1), single(t, m, r, "normalized-match-score"))
	assert.Equal(t, wm.Int(2), single(t, m, r, "match-cardinality"))
	assert.Equal(t, wm.Int(1), single(t, m, r, "graph-match"))

	header := single(t, m, r, "retrieved").ID
	block := single(t, m, header, "block").ID
	mapping := single(t, m, r, "mapping").ID
	node := single(t, m, mapping, "mapping-node").ID
	assert.Equal(t, wm.Ident(scope["X"]), single(t, m, node, "cue"))
	assert.Equal(t, wm.Ident(block), single(t, m, node, "retrieved"))

	s, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.QryRet)
	assert.Equal(t, 3, s.NcbWmes)
}

func TestBadAndFailedCommands(t *testing.T) {
	e := setupTestEngine(t)
	m := wm.NewMemory()
	record(t, e, m, "wmes:\n  - {id: S1, attr: color, value: red}\n")
	l := m.Link(m.Top())

	m.Add(l.Command, wm.String("retrieve"), wm.String("first"))
	respond(t, e, m)
	assert.Equal(t, wm.String("bad-cmd"), single(t, m, l.Result, "status"))

	m.Clear(l.Command)
	q := m.NewIdentifier('Q')
	m.Add(q, wm.String("color"), wm.String("green"))
	m.Add(l.Command, wm.String("query"), wm.Ident(q))
	respond(t, e, m)
	assert.Empty(t, m.Find(l.Result, "status"))
	assert.Equal(t, wm.Ident(q), single(t, m, l.Result, "failure"))
	assert.Equal(t, wm.String("no-memory"), single(t, m, l.Result, "retrieved"))

	m.Add(l.Command, wm.String("before"), wm.Int(1))
	m.Add(l.Command, wm.String("after"), wm.Int(1))
	respond(t, e, m)
	assert.Equal(t, wm.String("bad-cmd"), single(t, m, l.Result, "status"))

	m.Clear(l.Command)
	m.Add(l.Command, wm.String("query"), wm.Ident(m.NewIdentifier('Q')))
	respond(t, e, m)
	assert.Equal(t, wm.String("bad-cmd"), single(t, m, l.Result, "status"), "cue without literals")
}

func TestCommandsPerState(t *testing.T) {
	e := setupTestEngine(t)
	m := wm.NewMemory()
	record(t, e, m,
		"wmes:\n  - {id: S1, attr: color, value: red}\n",
		"wmes:\n  - {id: S1, attr: color, value: blue}\n",
	)
	sub := m.PushState()
	top, below := m.Link(m.Top()), m.Link(sub)

	m.Add(top.Command, wm.String("retrieve"), wm.Int(1))
	m.Add(below.Command, wm.String("retrieve"), wm.Int(2))
	respond(t, e, m)
	assert.Equal(t, wm.Int(1), single(t, m, top.Result, "memory-id"))
	assert.Equal(t, wm.Int(2), single(t, m, below.Result, "memory-id"))

	// each state steps from its own last retrieval
	m.Clear(top.Command)
	m.Clear(below.Command)
	m.Add(top.Command, wm.String("next"), wm.String("yes"))
	m.Add(below.Command, wm.String("previous"), wm.String("yes"))
	respond(t, e, m)
	assert.Equal(t, wm.Int(2), single(t, m, top.Result, "memory-id"))
	assert.Equal(t, wm.Int(1), single(t, m, below.Result, "memory-id"))
}

func TestClosedEngineCommandsFail(t *testing.T) {
	e := setupTestEngine(t)
	m := wm.NewMemory()
	record(t, e, m, "wmes:\n  - {id: S1, attr: color, value: red}\n")
	require.NoError(t, e.Close())
	l := m.Link(m.Top())

	m.Add(l.Command, wm.String("retrieve"), wm.Int(1))
	respond(t, e, m)
	assert.Equal(t, wm.Int(1), single(t, m, l.Result, "failure"))

	m.Clear(l.Command)
	q := m.NewIdentifier('Q')
	m.Add(q, wm.String("color"), wm.String("red"))
	m.Add(l.Command, wm.String("query"), wm.Ident(q))
	respond(t, e, m)
	assert.Equal(t, wm.Ident(q), single(t, m, l.Result, "failure"))
}
