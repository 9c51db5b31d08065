package epmem

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vthunder/epmem/internal/config"
	"github.com/vthunder/epmem/internal/epmem/store"
	"github.com/vthunder/epmem/internal/logging"
	"github.com/vthunder/epmem/internal/wm"
)

// Installation is an episode rebuilt under a header identifier. The host
// asserts Triples; Nodes maps each recorded node to the identifier standing
// for it.
type Installation struct {
	Episode int64
	Header  *wm.Identifier
	Triples []wm.Triple
	Nodes   map[int64]*wm.Identifier
	// Dropped counts recorded WMEs whose parent never became reachable.
	Dropped int
}

type installed struct {
	id *wm.Identifier
	// expand is false for long-term identifiers already in working memory,
	// unless the merge policy says otherwise
	expand bool
}

// Install rebuilds episode under header. The episode must exist.
func (e *Engine) Install(ctx context.Context, g wm.Graph, episode int64, header *wm.Identifier) (inst *Installation, err error) {
	_, span := startSpan(ctx, "epmem.Install")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int64("epmem.episode", episode))
	defer e.timer("total")()

	if err := e.connect(); err != nil {
		return nil, err
	}
	defer e.timer("ncb-retrieval")()

	ok, err := e.store.HasEpisode(episode)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: episode %d not recorded", ErrNoMatch, episode)
	}

	inst = &Installation{Episode: episode, Header: header, Nodes: make(map[int64]*wm.Identifier)}
	nodes := map[int64]installed{store.RootNode: {id: header, expand: true}}
	inst.Nodes[store.RootNode] = header

	edges, err := e.store.EdgesAt(store.Edge, episode)
	if err != nil {
		return nil, err
	}
	// skipped holds nodes below a long-term identifier that is not expanded.
	// Their structure is left out silently unless another path installs them.
	skipped := make(map[int64]bool)
	for pending := edges; len(pending) > 0; {
		var orphans []store.EdgeRecord
		for _, r := range pending {
			parent, ok := nodes[r.Parent]
			if !ok {
				orphans = append(orphans, r)
				continue
			}
			if !parent.expand {
				skipped[r.Child] = true
				continue
			}
			attr, err := e.reverse(r.Attr)
			if err != nil {
				return nil, err
			}
			child, ok := nodes[r.Child]
			if !ok {
				child = e.newInstalled(g, attr, r.LTI)
				nodes[r.Child] = child
				inst.Nodes[r.Child] = child.id
			}
			inst.Triples = append(inst.Triples, wm.Triple{ID: parent.id, Attr: attr, Value: wm.Ident(child.id)})
		}
		if len(orphans) == len(pending) {
			inst.Dropped += dropOrphans(episode, orphans, skipped)
			break
		}
		pending = orphans
	}

	constants, err := e.store.EdgesAt(store.Node, episode)
	if err != nil {
		return nil, err
	}
	for _, r := range constants {
		parent, ok := nodes[r.Parent]
		if !ok {
			if !skipped[r.Parent] {
				inst.Dropped++
				logging.Warn("epmem", "episode %d: dropping constant wme under unknown node %d", episode, r.Parent)
			}
			continue
		}
		if !parent.expand {
			continue
		}
		attr, err := e.reverse(r.Attr)
		if err != nil {
			return nil, err
		}
		value, err := e.reverse(r.Child)
		if err != nil {
			return nil, err
		}
		inst.Triples = append(inst.Triples, wm.Triple{ID: parent.id, Attr: attr, Value: value})
	}

	e.stats.NcbWmes = len(inst.Triples)
	logging.Debug("epmem", "installed episode %d: %d wmes", episode, len(inst.Triples))
	return inst, nil
}

func (e *Engine) newInstalled(g wm.Graph, attr wm.Symbol, lti int64) installed {
	if lti != 0 {
		id, existing := g.LongTermIdentifier(lti)
		return installed{id: id, expand: !existing || e.cfg.Merge == config.MergeAdd}
	}
	return installed{id: g.NewIdentifier(letterFor(attr)), expand: true}
}

// dropOrphans settles identifier WMEs that can no longer be installed. Those
// hanging below a skipped node extend the skipped set; the rest are logged
// and counted.
func dropOrphans(episode int64, orphans []store.EdgeRecord, skipped map[int64]bool) int {
	for grew := true; grew; {
		grew = false
		for _, r := range orphans {
			if skipped[r.Parent] && !skipped[r.Child] {
				skipped[r.Child] = true
				grew = true
			}
		}
	}
	dropped := 0
	for _, r := range orphans {
		if skipped[r.Parent] {
			continue
		}
		logging.Warn("epmem", "episode %d: dropping identifier wme %d ^%d %d, parent never installed", episode, r.Parent, r.Attr, r.Child)
		dropped++
	}
	return dropped
}
