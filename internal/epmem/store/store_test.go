package store

import (
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore opens an in-memory store; mutate adjusts the options first.
func setupTestStore(t *testing.T, mutate ...func(*Options)) (*Store, func()) {
	t.Helper()
	opts := Options{Append: true, PageSize: 8, CacheSize: 1000, Performance: true}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := Open(opts)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	return s, func() { s.Close() }
}

func TestHashRoundTrip(t *testing.T) {
	for _, driver := range []string{"sqlite3", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			s, cleanup := setupTestStore(t, func(o *Options) { o.Driver = driver })
			defer cleanup()

			values := []Value{
				{Kind: StringValue, Str: "red"},
				{Kind: StringValue, Str: ""},
				{Kind: IntValue, Int: 42},
				{Kind: IntValue, Int: -7},
				{Kind: FloatValue, Float: 3.25},
				{Kind: StringValue, Str: "42"},
			}
			ids := make(map[int64]bool)
			for _, v := range values {
				id, err := s.Hash(v)
				require.NoError(t, err)
				again, err := s.Hash(v)
				require.NoError(t, err)
				assert.Equal(t, id, again, "hash must be idempotent for %v", v)
				assert.False(t, ids[id], "distinct values must get distinct ids")
				ids[id] = true

				// bypass the cache
				s.resetCaches()
				back, err := s.Reverse(id)
				require.NoError(t, err)
				assert.Equal(t, v, back)
				again, err = s.Hash(v)
				require.NoError(t, err)
				assert.Equal(t, id, again)
			}
		})
	}
}

func TestLookupDoesNotAssign(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	v := Value{Kind: StringValue, Str: "unseen"}
	_, ok, err := s.Lookup(v)
	require.NoError(t, err)
	assert.False(t, ok)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats["epmem_symbols_type"])

	id, err := s.Hash(v)
	require.NoError(t, err)
	got, ok, err := s.Lookup(v)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, got)
}

func TestReverseUnknownIsCorrupt(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	_, err := s.Reverse(999)
	assert.True(t, errors.Is(err, ErrCorrupt), "got %v", err)

	_, err = s.Hash(Value{})
	assert.Error(t, err)
}

// Fork node search and left/right computation agree with brute-force overlap
// on random intervals, including intervals left of the first insert.
func TestRITLeftRightMatchesBruteForce(t *testing.T) {
	type stored struct{ node, lower, upper int64 }
	for seed := int64(0); seed < 200; seed++ {
		r := rand.New(rand.NewSource(seed))
		rit := newRITState()
		horizon := []int64{10, 50, 300, 2000}[r.Intn(4)]
		var rows []stored
		for i := 0; i < 1+r.Intn(60); i++ {
			a, b := 1+r.Int63n(horizon), 1+r.Int63n(horizon)
			if a == b {
				b = a + 1
			}
			lo, up := min(a, b), max(a, b)
			node, _ := rit.insert(lo, up)
			require.GreaterOrEqual(t, node, lo-rit.Offset, "fork node must lie within its interval")
			require.LessOrEqual(t, node, up-rit.Offset)
			rows = append(rows, stored{node, lo, up})
		}
		for q := 0; q < 50; q++ {
			a, b := r.Int63n(horizon+5), r.Int63n(horizon+5)
			lo, up := min(a, b), max(a, b)
			if r.Intn(2) == 0 {
				up = lo
			}
			left, right := rit.leftRight(lo, up)
			for i, row := range rows {
				found := false
				for _, lr := range left {
					if row.node >= lr.Min && row.node <= lr.Max && row.upper >= lo {
						found = true
					}
				}
				for _, n := range right {
					if row.node == n && row.lower <= up {
						found = true
					}
				}
				want := row.lower <= up && row.upper >= lo
				if found != want {
					t.Fatalf("seed %d: interval %d [%d,%d] at node %d, query [%d,%d]: found=%v want=%v (state %+v)",
						seed, i, row.lower, row.upper, row.node, lo, up, found, want, rit)
				}
			}
		}
	}
}

func TestRITStateGrowsAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "epmem.db")
	s, err := Open(Options{Path: path, Append: true, PageSize: 8, CacheSize: 100})
	require.NoError(t, err)

	wc, err := s.AddConstant(RootNode, 1, 2)
	require.NoError(t, err)
	require.NoError(t, s.OpenInterval(Node, wc, 5, 0))
	require.NoError(t, s.CloseInterval(Node, wc, 40))

	st := s.RIT(Node)
	assert.Equal(t, int64(5), st.Offset)
	assert.Equal(t, ritOffsetInit, s.RIT(Edge).Offset)

	n, err := s.AllocateNode(0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, s.Close())

	s, err = Open(Options{Path: path, Append: true, PageSize: 8, CacheSize: 100})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, st, s.RIT(Node))
	assert.Equal(t, int64(2), s.NextNodeID())
	assert.False(t, s.Fallback())
}

// Random per-owner interval histories round-trip through the interval tables
// and EdgesAt agrees with a brute-force scan.
func TestEdgesAtMatchesBruteForce(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	type span struct{ lo, hi int64 }
	r := rand.New(rand.NewSource(7))
	history := make(map[int64][]span) // value hash -> spans
	const horizon = 120
	for owner := int64(1); owner <= 40; owner++ {
		wc, err := s.AddConstant(RootNode, 3, owner)
		require.NoError(t, err)
		t0 := int64(1 + r.Intn(20))
		for t0 < horizon {
			length := int64(r.Intn(15))
			end := t0 + length
			require.NoError(t, s.OpenInterval(Node, wc, t0, 0))
			if end >= horizon || r.Intn(10) == 0 {
				history[owner] = append(history[owner], span{t0, MaxTime})
				break
			}
			require.NoError(t, s.CloseInterval(Node, wc, end))
			history[owner] = append(history[owner], span{t0, end})
			t0 = end + 1 + int64(r.Intn(10))
		}
	}

	for ep := int64(1); ep <= horizon; ep++ {
		recs, err := s.EdgesAt(Node, ep)
		require.NoError(t, err)
		got := make(map[int64]bool)
		for _, rec := range recs {
			assert.False(t, got[rec.Child], "duplicate row for %d at %d", rec.Child, ep)
			got[rec.Child] = true
		}
		for owner, spans := range history {
			want := false
			for _, sp := range spans {
				if sp.lo <= ep && ep <= sp.hi {
					want = true
				}
			}
			assert.Equal(t, want, got[owner], "owner %d at episode %d", owner, ep)
		}
	}
}

func TestIntervalsOrderedAndTyped(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	wi, err := s.AddIdentifier(RootNode, 1, 5)
	require.NoError(t, err)
	require.NoError(t, s.OpenInterval(Edge, wi, 2, 0))
	require.NoError(t, s.CloseInterval(Edge, wi, 2))
	require.NoError(t, s.OpenInterval(Edge, wi, 4, 9))
	require.NoError(t, s.CloseInterval(Edge, wi, 7))
	require.NoError(t, s.OpenInterval(Edge, wi, 10, 0))

	ivs, err := s.Intervals(Edge, wi)
	require.NoError(t, err)
	require.Len(t, ivs, 3)
	assert.Equal(t, Interval{Start: 2, End: 2, Rep: Point}, ivs[0])
	assert.Equal(t, Interval{Start: 4, End: 7, LTI: 9, Rep: Range}, ivs[1])
	assert.Equal(t, Interval{Start: 10, End: MaxTime, Rep: Now}, ivs[2])

	open, err := s.OpenIntervals(Edge)
	require.NoError(t, err)
	assert.Equal(t, map[int64]OpenInterval{wi: {Start: 10}}, open)

	assert.Error(t, s.CloseInterval(Edge, wi, 9), "closing before the start is rejected")
	assert.Error(t, s.CloseInterval(Node, 77, 3), "closing an interval that is not open is rejected")
}

func TestEdgeCursorOrderAndAfter(t *testing.T) {
	s, cleanup := setupTestStore(t, func(o *Options) { o.RowPage = 1 })
	defer cleanup()

	// three children of (0 ^block): closed at 3, closed at 8, still open
	var ids []int64
	for i, end := range []int64{3, 8, 0} {
		child := int64(10 + i)
		wi, err := s.AddIdentifier(RootNode, 1, child)
		require.NoError(t, err)
		require.NoError(t, s.OpenInterval(Edge, wi, 1, 0))
		if end > 0 {
			require.NoError(t, s.CloseInterval(Edge, wi, end))
		}
		ids = append(ids, wi)
	}

	collect := func(child, after int64) []EdgeRow {
		c := s.EdgeCursor(Edge, RootNode, 1, child, after)
		defer c.Close()
		var out []EdgeRow
		for c.Next() {
			out = append(out, c.Value())
		}
		require.NoError(t, c.Err())
		return out
	}

	rows := collect(Wildcard, 0)
	require.Len(t, rows, 3)
	assert.Equal(t, EdgeRow{ID: ids[2], Child: 12, Time: MaxTime}, rows[0])
	assert.Equal(t, EdgeRow{ID: ids[1], Child: 11, Time: 8}, rows[1])
	assert.Equal(t, EdgeRow{ID: ids[0], Child: 10, Time: 3}, rows[2])

	assert.Len(t, collect(Wildcard, 3), 2, "edges last present at or before after are skipped")
	assert.Equal(t, []EdgeRow{{ID: ids[1], Child: 11, Time: 8}}, collect(11, 0))

	wc, err := s.AddConstant(RootNode, 2, 99)
	require.NoError(t, err)
	c := s.EdgeCursor(Node, RootNode, 2, 99, 0)
	require.True(t, c.Next())
	assert.Equal(t, EdgeRow{ID: wc, Child: 99, Time: MaxTime}, c.Value())
	assert.False(t, c.Next())
}

func TestIntervalCursorTimes(t *testing.T) {
	s, cleanup := setupTestStore(t, func(o *Options) { o.RowPage = 2 })
	defer cleanup()

	wc, err := s.AddConstant(RootNode, 1, 1)
	require.NoError(t, err)
	// [2,2] point, [4,6] range, [9,12] range, open from 15
	for _, iv := range [][2]int64{{2, 2}, {4, 6}, {9, 12}} {
		require.NoError(t, s.OpenInterval(Node, wc, iv[0], 0))
		require.NoError(t, s.CloseInterval(Node, wc, iv[1]))
	}
	require.NoError(t, s.OpenInterval(Node, wc, 15, 0))

	times := func(rep Representation, end bool, current int64) []int64 {
		c := s.IntervalCursor(Node, rep, end, wc, current)
		defer c.Close()
		var out []int64
		for c.Next() {
			out = append(out, c.Value())
		}
		require.NoError(t, c.Err())
		return out
	}

	assert.Equal(t, []int64{20}, times(Now, true, 20))
	assert.Equal(t, []int64{14}, times(Now, false, 20))
	assert.Empty(t, times(Now, true, 14), "open interval starting after the bound")
	assert.Equal(t, []int64{12, 6}, times(Range, true, 20))
	assert.Equal(t, []int64{8, 3}, times(Range, false, 20))
	assert.Equal(t, []int64{12, 6}, times(Range, true, 10), "a range straddling the bound still reports its end")
	assert.Equal(t, []int64{2}, times(Point, true, 20))
	assert.Equal(t, []int64{1}, times(Point, false, 20))
}

func TestEpisodesNavigation(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	last, err := s.LastEpisode()
	require.NoError(t, err)
	assert.Zero(t, last)

	for _, ep := range []int64{1, 2, 5} {
		require.NoError(t, s.AddEpisode(ep))
	}
	last, err = s.LastEpisode()
	require.NoError(t, err)
	assert.Equal(t, int64(5), last)

	ok, err := s.HasEpisode(3)
	require.NoError(t, err)
	assert.False(t, ok)

	next, ok, err := s.NextEpisode(2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(5), next)

	_, ok, err = s.NextEpisode(5)
	require.NoError(t, err)
	assert.False(t, ok)

	prev, ok, err := s.PrevEpisode(5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), prev)
}

func TestSchemaMismatchFallsBackToMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	s, err := Open(Options{Path: path, Append: true, PageSize: 8, CacheSize: 100})
	require.NoError(t, err)
	require.NoError(t, s.AddEpisode(1))
	_, err = s.q.Exec(`UPDATE epmem_meta SET value = 'written-by-another-schema' WHERE key = 'schema'`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(Options{Path: path, Append: true, PageSize: 8, CacheSize: 100})
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, s.Fallback())
	assert.True(t, s.InMemory())
	last, err := s.LastEpisode()
	require.NoError(t, err)
	assert.Zero(t, last, "fallback store starts empty")
}

func TestLazyCommitDurableAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lazy.db")
	opts := Options{Path: path, Append: true, LazyCommit: true, PageSize: 8, CacheSize: 100}
	s, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, s.Batch(func() error { return s.AddEpisode(1) }))
	ok, err := s.HasEpisode(1)
	require.NoError(t, err)
	assert.True(t, ok, "visible within the session")
	require.NoError(t, s.Close())

	s, err = Open(opts)
	require.NoError(t, err)
	defer s.Close()
	ok, err = s.HasEpisode(1)
	require.NoError(t, err)
	assert.True(t, ok, "durable after close")
}

func TestBatchRollsBack(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	boom := errors.New("boom")
	err := s.Batch(func() error {
		if _, err := s.AllocateNode(0); err != nil {
			return err
		}
		if err := s.AddEpisode(1); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	ok, err := s.HasEpisode(1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), s.NextNodeID(), "counter reloaded after rollback")
}

func TestClearAndAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "append.db")
	s, err := Open(Options{Path: path, Append: true, PageSize: 8, CacheSize: 100})
	require.NoError(t, err)
	id, err := s.Hash(Value{Kind: StringValue, Str: "a"})
	require.NoError(t, err)
	require.NoError(t, s.AddEpisode(1))
	require.NoError(t, s.Close())

	s, err = Open(Options{Path: path, Append: false, PageSize: 8, CacheSize: 100})
	require.NoError(t, err)
	defer s.Close()
	last, err := s.LastEpisode()
	require.NoError(t, err)
	assert.Zero(t, last)

	again, err := s.Hash(Value{Kind: StringValue, Str: "b"})
	require.NoError(t, err)
	assert.Equal(t, id, again, "id sequence restarts after a clear")

	require.NoError(t, s.Clear())
	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats["epmem_nodes"], "only the root node remains")
	assert.Zero(t, stats["epmem_symbols_type"])
}

func TestBackupCompressed(t *testing.T) {
	dir := t.TempDir()
	s, cleanup := setupTestStore(t, func(o *Options) { o.LazyCommit = true })
	defer cleanup()
	require.NoError(t, s.AddEpisode(1))
	require.NoError(t, s.AddEpisode(2))

	plain := filepath.Join(dir, "copy.db")
	require.NoError(t, s.Backup(plain, false))
	packed := filepath.Join(dir, "copy.db.zst")
	require.NoError(t, s.Backup(packed, true))

	// the session transaction resumed
	require.NoError(t, s.AddEpisode(3))

	restored := filepath.Join(dir, "restored.db")
	require.NoError(t, Decompress(packed, restored))
	for _, p := range []string{plain, restored} {
		b, err := Open(Options{Path: p, Append: true, PageSize: 8, CacheSize: 100})
		require.NoError(t, err)
		last, err := b.LastEpisode()
		require.NoError(t, err)
		assert.Equal(t, int64(2), last, p)
		assert.False(t, b.Fallback())
		b.Close()
	}
}
