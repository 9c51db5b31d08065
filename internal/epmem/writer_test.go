package epmem

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vthunder/epmem/internal/config"
	"github.com/vthunder/epmem/internal/epmem/store"
	"github.com/vthunder/epmem/internal/wm"
)

func TestRecordInstallRoundTrip(t *testing.T) {
	e := setupTestEngine(t)
	m := wm.NewMemory()
	doc := `
wmes:
  - {id: S1, attr: color, value: red}
  - {id: S1, attr: weight, value: 1.5}
  - {id: S1, attr: count, value: 3}
  - {id: S1, attr: block, ref: B1}
  - {id: B1, attr: on, ref: T1}
  - {id: T1, attr: name, value: table}
  - {id: S1, attr: held, ref: B1}
  - {id: S1, attr: fact, ref: F1}
  - {id: F1, attr: name, value: gravity}
lti:
  F1: 42
`
	snapshot(t, m, doc)
	want := shape(m, m.Top(), "epmem")
	_, err := e.RecordEpisode(context.Background(), m)
	require.NoError(t, err)

	assert.Equal(t, want, installShape(t, e, 1))
	assert.Contains(t, want, "@0 ^fact @2/lti42")
	assert.Contains(t, want, "@0 ^count 3:2")

	t.Run("known long-term identifier is not expanded", func(t *testing.T) {
		host := wm.NewMemory()
		fact, _ := host.LongTermIdentifier(42)
		host.Add(host.Top(), wm.String("known"), wm.Ident(fact))

		header := host.NewIdentifier('H')
		inst, err := e.Install(context.Background(), host, 1, header)
		require.NoError(t, err)
		for _, tr := range inst.Triples {
			assert.NotEqual(t, fact, tr.ID, "unexpected augmentation %s", tr)
		}
		assert.Contains(t, inst.Triples, wm.Triple{ID: header, Attr: wm.String("fact"), Value: wm.Ident(fact)})
	})

	t.Run("merge add expands it anyway", func(t *testing.T) {
		e.Config().Merge = config.MergeAdd
		defer func() { e.Config().Merge = config.MergeNone }()

		host := wm.NewMemory()
		fact, _ := host.LongTermIdentifier(42)
		host.Add(host.Top(), wm.String("known"), wm.Ident(fact))

		header := host.NewIdentifier('H')
		inst, err := e.Install(context.Background(), host, 1, header)
		require.NoError(t, err)
		assert.Contains(t, inst.Triples, wm.Triple{ID: fact, Attr: wm.String("name"), Value: wm.String("gravity")})
	})

	t.Run("unknown episode", func(t *testing.T) {
		host := wm.NewMemory()
		_, err := e.Install(context.Background(), host, 7, host.NewIdentifier('H'))
		assert.ErrorIs(t, err, ErrNoMatch)
	})
}

func TestUnchangedStructureKeepsIntervalsOpen(t *testing.T) {
	e := setupTestEngine(t)
	m := wm.NewMemory()
	doc := "wmes:\n  - {id: S1, attr: block, ref: B1}\n  - {id: B1, attr: size, value: 2}\n"
	record(t, e, m, doc, doc, doc)

	st, err := e.Store()
	require.NoError(t, err)
	stats, err := st.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats["epmem_wmes_identifier"], "rebuilt identifier reuses the recorded node")
	assert.Equal(t, 1, stats["epmem_wmes_constant"])
	assert.Equal(t, 1, stats["epmem_wmes_identifier_now"])
	assert.Equal(t, 0, stats["epmem_wmes_identifier_point"]+stats["epmem_wmes_identifier_range"])
	assert.Equal(t, int64(2), st.NextNodeID())
}

func TestSiblingIdentifiersGetDistinctNodes(t *testing.T) {
	e := setupTestEngine(t)
	m := wm.NewMemory()
	two := `
wmes:
  - {id: S1, attr: block, ref: A1}
  - {id: S1, attr: block, ref: B1}
  - {id: A1, attr: name, value: a}
  - {id: B1, attr: name, value: b}
`
	record(t, e, m, two, two)

	st, err := e.Store()
	require.NoError(t, err)
	stats, err := st.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats["epmem_wmes_identifier"])
	assert.Equal(t, int64(3), st.NextNodeID())

	host := wm.NewMemory()
	header := host.NewIdentifier('H')
	inst, err := e.Install(context.Background(), host, 2, header)
	require.NoError(t, err)
	host.Apply(inst.Triples, nil)
	blocks := host.Find(header, "block")
	require.Len(t, blocks, 2)
	assert.NotEqual(t, blocks[0].ID, blocks[1].ID)
}

func TestLongTermIdentityChangeSplitsInterval(t *testing.T) {
	e := setupTestEngine(t)
	m := wm.NewMemory()
	x := m.NewIdentifier('X')
	m.Add(m.Top(), wm.String("item"), wm.Ident(x))
	m.Add(x, wm.String("name"), wm.String("thing"))

	_, err := e.RecordEpisode(context.Background(), m)
	require.NoError(t, err)
	x.LTI = 7
	_, err = e.RecordEpisode(context.Background(), m)
	require.NoError(t, err)

	st, err := e.Store()
	require.NoError(t, err)
	intervals, err := st.Intervals(store.Edge, 1)
	require.NoError(t, err)
	require.Len(t, intervals, 2)
	assert.Equal(t, store.Interval{Start: 1, End: 1, LTI: 0, Rep: store.Point}, intervals[0])
	assert.Equal(t, store.Interval{Start: 2, End: store.MaxTime, LTI: 7, Rep: store.Now}, intervals[1])

	lti, err := st.NodeLTI(1)
	require.NoError(t, err)
	assert.Equal(t, int64(7), lti)
}

func TestExclusions(t *testing.T) {
	e := setupTestEngine(t, func(c *config.Config) {
		c.Exclusions = append(c.Exclusions, "secret")
	})
	m := wm.NewMemory()
	snapshot(t, m, `
wmes:
  - {id: S1, attr: color, value: red}
  - {id: S1, attr: secret, ref: P1}
  - {id: P1, attr: code, value: 1234}
`)
	other := m.NewIdentifier('A')
	m.Add(m.Top(), wm.Ident(other), wm.String("identifier attribute"))

	_, err := e.RecordEpisode(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, []string{"@0 ^color red:1"}, installShape(t, e, 1))

	// cues are not filtered: the excluded leaf stays in the cue and never matches
	pos, _ := cue(t, m, "query:\n  - {id: Q, attr: color, value: red}\n  - {id: Q, attr: secret, value: 1234}\n")
	match, err := e.Query(context.Background(), m, Query{Cue: pos})
	require.NoError(t, err)
	assert.Equal(t, 2, match.CueSize)
	assert.Equal(t, 2, match.Perfect)
	assert.Equal(t, 1, match.Cardinality)
}

// randomEpisode builds a snapshot from a small vocabulary so values recur,
// vanish and come back across episodes.
func randomEpisode(r *rand.Rand) string {
	var b strings.Builder
	b.WriteString("wmes:\n")
	add := func(format string, args ...any) {
		fmt.Fprintf(&b, "  - "+format+"\n", args...)
	}
	colors := []string{"red", "green", "blue"}
	if r.IntN(4) > 0 {
		add("{id: S1, attr: color, value: %s}", colors[r.IntN(len(colors))])
	}
	if r.IntN(2) == 0 {
		add("{id: S1, attr: count, value: %d}", r.IntN(3))
	}
	if r.IntN(3) > 0 {
		add("{id: S1, attr: block, ref: B1}")
		add("{id: B1, attr: size, value: %d}", r.IntN(2))
		if r.IntN(2) == 0 {
			add("{id: B1, attr: on, ref: T1}")
			add("{id: T1, attr: name, value: table}")
		}
		if r.IntN(3) == 0 {
			add("{id: S1, attr: held, ref: B1}")
		}
	}
	if r.IntN(3) == 0 {
		add("{id: S1, attr: fact, ref: F1}")
		add("{id: F1, attr: kind, value: %s}", colors[r.IntN(2)])
	}
	if b.Len() == len("wmes:\n") {
		add("{id: S1, attr: idle, value: yes}")
	}
	return b.String()
}

func TestRandomHistoryIntervalsAndInstall(t *testing.T) {
	for _, seed := range []uint64{1, 2, 3} {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			r := rand.New(rand.NewPCG(seed, 99))
			e := setupTestEngine(t)
			m := wm.NewMemory()

			var shapes [][]string
			for range 40 {
				snapshot(t, m, randomEpisode(r))
				shapes = append(shapes, shape(m, m.Top(), "epmem"))
				_, err := e.RecordEpisode(context.Background(), m)
				require.NoError(t, err)
			}

			for i, want := range shapes {
				assert.Equal(t, want, installShape(t, e, int64(i+1)), "episode %d", i+1)
			}

			st, err := e.Store()
			require.NoError(t, err)
			stats, err := st.Stats()
			require.NoError(t, err)
			for kind, table := range map[store.OwnerKind]string{store.Node: "epmem_wmes_constant", store.Edge: "epmem_wmes_identifier"} {
				for owner := int64(1); owner <= int64(stats[table]); owner++ {
					intervals, err := st.Intervals(kind, owner)
					require.NoError(t, err)
					for i := 1; i < len(intervals); i++ {
						assert.Less(t, intervals[i-1].End, intervals[i].Start, "%s %d overlaps: %v", kind, owner, intervals)
					}
					for _, iv := range intervals {
						assert.LessOrEqual(t, iv.Start, iv.End)
					}
				}
			}
		})
	}
}
