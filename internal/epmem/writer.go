package epmem

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vthunder/epmem/internal/epmem/store"
	"github.com/vthunder/epmem/internal/logging"
	"github.com/vthunder/epmem/internal/wm"
)

// idTag remembers the node an identifier was recorded as.
type idTag struct {
	node int64
	lti  int64
	gen  uint64
}

// wmeTag remembers the constant or identifier record a WME was stored as.
// child is the value's node for identifier WMEs.
type wmeTag struct {
	id     int64
	parent int64
	child  int64
	gen    uint64
}

type poolKey struct {
	parent int64
	attr   int64
}

// frame is one identifier visited by the reachability pass, with the WMEs
// that will be recorded under it.
type frame struct {
	id   *wm.Identifier
	wmes []*wm.WME
}

// RecordEpisode stores the structure reachable from the top state as the
// next episode and returns its id. Episode ids start at 1 and increase by
// one per call.
func (e *Engine) RecordEpisode(ctx context.Context, g wm.Graph) (episode int64, err error) {
	_, span := startSpan(ctx, "epmem.RecordEpisode")
	defer func() { endSpan(span, err) }()
	defer e.timer("total")()

	if err := e.connect(); err != nil {
		return 0, err
	}
	defer e.timer("storage")()

	episode = e.time
	err = e.store.Batch(func() error { return e.record(g, episode) })
	if err != nil {
		// tags taken during the failed pass may name rolled-back rows
		e.generation++
		e.resetWriter()
		if lerr := e.loadOpen(); lerr != nil {
			logging.Error("epmem", lerr, "reloading open intervals")
		}
		return 0, fmt.Errorf("failed to record episode %d: %w", episode, err)
	}

	e.time++
	e.stats.EpisodesRecorded++
	span.SetAttributes(attribute.Int64("epmem.episode", episode))
	logging.Debug("epmem", "recorded episode %d (%d constants, %d identifiers open)", episode, len(e.openNodes), len(e.openEdges))
	return episode, nil
}

func (e *Engine) record(g wm.Graph, episode int64) error {
	states := g.States()
	if len(states) == 0 {
		return errors.New("working memory has no top state")
	}
	top := states[0]

	frames, reached, live := e.reach(g, top)

	// Nodes held by identifiers that keep their tag cannot be handed to
	// anyone else this pass.
	nodeOf := map[*wm.Identifier]int64{top: store.RootNode}
	claimed := map[int64]bool{store.RootNode: true}
	for id := range reached {
		tag, ok := e.idTags[id]
		if id == top || !ok || tag.gen != e.generation {
			continue
		}
		if tag.lti != id.LTI {
			if err := e.store.SetNodeLTI(tag.node, id.LTI); err != nil {
				return err
			}
			tag.lti = id.LTI
			e.idTags[id] = tag
		}
		nodeOf[id] = tag.node
		claimed[tag.node] = true
	}

	seenNodes := make(map[int64]bool)
	seenEdges := make(map[int64]int64)
	for _, f := range frames {
		parent := nodeOf[f.id]
		for _, w := range f.wmes {
			tag, tagged := e.wmeTags[w.Timetag]
			tagged = tagged && tag.gen == e.generation && tag.parent == parent

			if !w.Value.IsIdentifier() {
				if !tagged {
					wc, err := e.constantID(parent, w)
					if err != nil {
						return err
					}
					tag = wmeTag{id: wc, parent: parent, gen: e.generation}
					e.wmeTags[w.Timetag] = tag
				}
				seenNodes[tag.id] = true
				continue
			}

			child := w.Value.ID
			cn, known := nodeOf[child]
			if !tagged || !known || tag.child != cn {
				attr, err := e.hash(w.Attr)
				if err != nil {
					return err
				}
				var wi int64
				if known {
					wi, err = e.edgeID(parent, attr, cn, child.LTI)
				} else {
					cn, wi, err = e.place(parent, attr, child.LTI, claimed)
					nodeOf[child] = cn
					claimed[cn] = true
					e.idTags[child] = idTag{node: cn, lti: child.LTI, gen: e.generation}
				}
				if err != nil {
					return err
				}
				tag = wmeTag{id: wi, parent: parent, child: cn, gen: e.generation}
				e.wmeTags[w.Timetag] = tag
			}
			seenEdges[tag.id] = child.LTI
		}
	}

	if err := e.closeVanished(episode, seenNodes, seenEdges); err != nil {
		return err
	}
	if err := e.openAppeared(episode, seenNodes, seenEdges); err != nil {
		return err
	}

	for id := range e.idTags {
		if !reached[id] {
			delete(e.idTags, id)
		}
	}
	for tt := range e.wmeTags {
		if !live[tt] {
			delete(e.wmeTags, tt)
		}
	}
	return e.store.AddEpisode(episode)
}

// reach walks the graph breadth first from top, skipping excluded
// attributes. It returns the visited identifiers in order with their
// recordable WMEs, the reached set, and the timetags of every recordable WME.
func (e *Engine) reach(g wm.Graph, top *wm.Identifier) ([]frame, map[*wm.Identifier]bool, map[uint64]bool) {
	defer e.timer("wm-phase")()

	reached := map[*wm.Identifier]bool{top: true}
	live := make(map[uint64]bool)
	var frames []frame
	for queue := []*wm.Identifier{top}; len(queue) > 0; queue = queue[1:] {
		f := frame{id: queue[0]}
		for _, w := range g.Augmentations(f.id) {
			if e.excluded(w) {
				continue
			}
			f.wmes = append(f.wmes, w)
			live[w.Timetag] = true
			if w.Value.IsIdentifier() && !reached[w.Value.ID] {
				reached[w.Value.ID] = true
				queue = append(queue, w.Value.ID)
			}
		}
		frames = append(frames, f)
	}
	return frames, reached, live
}

func (e *Engine) constantID(parent int64, w *wm.WME) (int64, error) {
	attr, err := e.hash(w.Attr)
	if err != nil {
		return 0, err
	}
	value, err := e.hash(w.Value)
	if err != nil {
		return 0, err
	}
	wc, ok, err := e.store.FindConstant(parent, attr, value)
	if err != nil || ok {
		return wc, err
	}
	return e.store.AddConstant(parent, attr, value)
}

func (e *Engine) edgeID(parent, attr, child, lti int64) (int64, error) {
	wi, ok, err := e.store.FindIdentifier(parent, attr, child)
	if err != nil || ok {
		return wi, err
	}
	if wi, err = e.store.AddIdentifier(parent, attr, child); err != nil {
		return 0, err
	}
	if pool, ok := e.pools[poolKey{parent, attr}]; ok {
		e.pools[poolKey{parent, attr}] = append(pool, store.Child{Node: child, Edge: wi, LTI: lti})
	}
	return wi, nil
}

// place finds a node for an identifier first seen under (parent ^attr).
// Children recorded there before are reused, lowest node first, when no
// identifier holds them this pass and their long-term identity agrees;
// otherwise a fresh node is allocated.
func (e *Engine) place(parent, attr, lti int64, claimed map[int64]bool) (node, edge int64, err error) {
	key := poolKey{parent, attr}
	pool, ok := e.pools[key]
	if !ok {
		if pool, err = e.store.IdentifierChildren(parent, attr); err != nil {
			return 0, 0, err
		}
		e.pools[key] = pool
	}
	for _, c := range pool {
		if !claimed[c.Node] && c.LTI == lti {
			return c.Node, c.Edge, nil
		}
	}
	if node, err = e.store.AllocateNode(lti); err != nil {
		return 0, 0, err
	}
	if edge, err = e.store.AddIdentifier(parent, attr, node); err != nil {
		return 0, 0, err
	}
	e.pools[key] = append(pool, store.Child{Node: node, Edge: edge, LTI: lti})
	return node, edge, nil
}

// closeVanished ends, at the previous episode, every open interval whose
// owner was not seen this pass. An identifier edge whose long-term identity
// changed is closed too so that it reopens with the new one.
func (e *Engine) closeVanished(episode int64, seenNodes map[int64]bool, seenEdges map[int64]int64) error {
	for _, wc := range slices.Sorted(maps.Keys(e.openNodes)) {
		if seenNodes[wc] {
			continue
		}
		if err := e.store.CloseInterval(store.Node, wc, episode-1); err != nil {
			return err
		}
		delete(e.openNodes, wc)
	}
	for _, wi := range slices.Sorted(maps.Keys(e.openEdges)) {
		lti, seen := seenEdges[wi]
		if seen && lti == e.openEdges[wi].LTI {
			continue
		}
		if err := e.store.CloseInterval(store.Edge, wi, episode-1); err != nil {
			return err
		}
		delete(e.openEdges, wi)
	}
	return nil
}

func (e *Engine) openAppeared(episode int64, seenNodes map[int64]bool, seenEdges map[int64]int64) error {
	for _, wc := range slices.Sorted(maps.Keys(seenNodes)) {
		if _, open := e.openNodes[wc]; open {
			continue
		}
		if err := e.store.OpenInterval(store.Node, wc, episode, 0); err != nil {
			return err
		}
		e.openNodes[wc] = store.OpenInterval{Start: episode}
	}
	for _, wi := range slices.Sorted(maps.Keys(seenEdges)) {
		if _, open := e.openEdges[wi]; open {
			continue
		}
		lti := seenEdges[wi]
		if err := e.store.OpenInterval(store.Edge, wi, episode, lti); err != nil {
			return err
		}
		e.openEdges[wi] = store.OpenInterval{Start: episode, LTI: lti}
	}
	return nil
}
