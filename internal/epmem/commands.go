package epmem

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/vthunder/epmem/internal/logging"
	"github.com/vthunder/epmem/internal/wm"
)

// Changes are the triples the host should retract, then assert, after
// RespondToCommands.
type Changes struct {
	Add    []wm.Triple
	Remove []wm.Triple
}

// stateRecord is what the engine remembers about one state's command link.
type stateRecord struct {
	signature string
	results   []wm.Triple
	// last episode retrieved here, the base for next and previous
	last int64
}

type link struct {
	command *wm.Identifier
	result  *wm.Identifier
}

// command is a parsed ^command structure.
type command struct {
	name     string
	value    wm.Symbol
	episode  int64
	cue, neg *wm.Identifier
	before   int64
	after    int64
	prohibit []int64
}

var singleValued = []string{"retrieve", "next", "previous", "query", "neg-query", "before", "after"}

// RespondToCommands processes every state's new or changed command and
// returns the result structure to assert. A command is handled once; when
// its structure changes, the previous results are retracted.
func (e *Engine) RespondToCommands(ctx context.Context, g wm.Graph) (ch Changes, err error) {
	ctx, span := startSpan(ctx, "epmem.RespondToCommands")
	defer func() { endSpan(span, err) }()
	defer e.timer("api")()

	live := make(map[*wm.Identifier]bool)
	for _, state := range g.States() {
		live[state] = true
		l, ok := findLink(g, state)
		if !ok {
			continue
		}
		rec := e.states[state]
		if rec == nil {
			rec = &stateRecord{}
			e.states[state] = rec
		}

		augs := g.Augmentations(l.command)
		sig := signature(augs)
		if sig == rec.signature {
			continue
		}
		ch.Remove = append(ch.Remove, rec.results...)
		rec.results = nil
		rec.signature = sig
		if len(augs) == 0 {
			continue
		}

		results, err := e.respond(ctx, g, rec, l.result, augs)
		if err != nil {
			return ch, fmt.Errorf("state %s: %w", state, err)
		}
		rec.results = results
		ch.Add = append(ch.Add, results...)
	}
	for s := range e.states {
		if !live[s] {
			delete(e.states, s)
		}
	}
	return ch, nil
}

func findLink(g wm.Graph, state *wm.Identifier) (link, bool) {
	epmem := child(g, state, "epmem")
	if epmem == nil {
		return link{}, false
	}
	l := link{command: child(g, epmem, "command"), result: child(g, epmem, "result")}
	return l, l.command != nil && l.result != nil
}

func child(g wm.Graph, id *wm.Identifier, attr string) *wm.Identifier {
	for _, w := range g.Augmentations(id) {
		if w.Attr == wm.String(attr) && w.Value.IsIdentifier() {
			return w.Value.ID
		}
	}
	return nil
}

func signature(augs []*wm.WME) string {
	tags := make([]uint64, 0, len(augs))
	for _, w := range augs {
		tags = append(tags, w.Timetag)
	}
	slices.Sort(tags)
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = strconv.FormatUint(t, 10)
	}
	return strings.Join(parts, ",")
}

func parseCommand(augs []*wm.WME) (command, error) {
	var cmd command
	counts := make(map[string]int)
	for _, w := range augs {
		if w.Attr.Kind != wm.KindString {
			return cmd, fmt.Errorf("attribute %s is not a string", w.Attr)
		}
		name := w.Attr.Str
		counts[name]++
		switch name {
		case "retrieve", "before", "after", "prohibit":
			if w.Value.Kind != wm.KindInt {
				return cmd, fmt.Errorf("^%s needs an integer, got %s", name, w.Value)
			}
		case "query", "neg-query":
			if !w.Value.IsIdentifier() {
				return cmd, fmt.Errorf("^%s needs an identifier, got %s", name, w.Value)
			}
		case "next", "previous":
		default:
			return cmd, fmt.Errorf("unknown command ^%s", name)
		}

		switch name {
		case "retrieve":
			cmd.name, cmd.value, cmd.episode = name, w.Value, w.Value.Int
		case "next", "previous":
			cmd.name, cmd.value = name, w.Value
		case "query":
			cmd.name, cmd.value, cmd.cue = name, w.Value, w.Value.ID
		case "neg-query":
			cmd.neg = w.Value.ID
		case "before":
			cmd.before = w.Value.Int
		case "after":
			cmd.after = w.Value.Int
		case "prohibit":
			cmd.prohibit = append(cmd.prohibit, w.Value.Int)
		}
	}

	for _, name := range singleValued {
		if counts[name] > 1 {
			return cmd, fmt.Errorf("^%s given %d times", name, counts[name])
		}
	}
	if forms := counts["retrieve"] + counts["next"] + counts["previous"] + counts["query"]; forms != 1 {
		return cmd, errors.New("exactly one of ^retrieve, ^next, ^previous or ^query is required")
	}
	if cmd.name != "query" {
		if len(augs) != 1 {
			return cmd, fmt.Errorf("^%s takes no modifiers", cmd.name)
		}
		return cmd, nil
	}
	if counts["before"] > 0 && counts["after"] > 0 && cmd.before <= cmd.after {
		return cmd, fmt.Errorf("before %d <= after %d", cmd.before, cmd.after)
	}
	return cmd, nil
}

func (e *Engine) respond(ctx context.Context, g wm.Graph, rec *stateRecord, result *wm.Identifier, augs []*wm.WME) ([]wm.Triple, error) {
	cmd, err := parseCommand(augs)
	if err != nil {
		logging.Debug("epmem", "bad command: %v", err)
		return badCommand(result), nil
	}

	switch cmd.name {
	case "retrieve":
		return e.retrieveResult(ctx, g, rec, result, cmd.value, cmd.episode)

	case "next", "previous":
		stage := "next"
		if cmd.name == "previous" {
			stage = "prev"
		}
		stop := e.timer(stage)
		episode, ok, err := e.neighbour(rec.last, cmd.name == "next")
		stop()
		if err != nil {
			return nil, err
		}
		if !ok {
			return failure(result, cmd.value), nil
		}
		return e.retrieveResult(ctx, g, rec, result, cmd.value, episode)
	}

	m, err := e.Query(ctx, g, Query{Cue: cmd.cue, NegCue: cmd.neg, Before: cmd.before, After: cmd.after, Prohibit: cmd.prohibit})
	switch {
	case errors.Is(err, ErrBadCue):
		logging.Debug("epmem", "bad query: %v", err)
		return badCommand(result), nil
	case errors.Is(err, ErrNoMatch), errors.Is(err, ErrNoMemory):
		return failure(result, cmd.value), nil
	case err != nil:
		return nil, err
	}

	out, inst, err := e.retrieve(ctx, g, rec, result, cmd.value, m.Episode)
	if err != nil || inst == nil {
		return out, err
	}
	out = append(out,
		wm.Triple{ID: result, Attr: wm.String("cue-size"), Value: wm.Int(int64(m.CueSize))},
		wm.Triple{ID: result, Attr: wm.String("normalized-match-score"), Value: wm.Float(m.Normalized)},
		wm.Triple{ID: result, Attr: wm.String("match-score"), Value: wm.Float(m.Score)},
		wm.Triple{ID: result, Attr: wm.String("match-cardinality"), Value: wm.Int(int64(m.Cardinality))},
		wm.Triple{ID: result, Attr: wm.String("graph-match"), Value: wm.Int(boolInt(m.GraphMatch))},
	)
	if m.GraphMatch {
		out = append(out, mapping(g, result, m, inst)...)
	}
	return out, nil
}

func (e *Engine) neighbour(base int64, next bool) (int64, bool, error) {
	if base == 0 {
		return 0, false, nil
	}
	if err := e.connect(); err != nil {
		return 0, false, nil
	}
	if next {
		return e.store.NextEpisode(base)
	}
	return e.store.PrevEpisode(base)
}

func (e *Engine) retrieveResult(ctx context.Context, g wm.Graph, rec *stateRecord, result *wm.Identifier, value wm.Symbol, episode int64) ([]wm.Triple, error) {
	out, _, err := e.retrieve(ctx, g, rec, result, value, episode)
	return out, err
}

// retrieve installs episode and reports it under result. A missing episode
// or store yields the failure structure and a nil installation.
func (e *Engine) retrieve(ctx context.Context, g wm.Graph, rec *stateRecord, result *wm.Identifier, value wm.Symbol, episode int64) ([]wm.Triple, *Installation, error) {
	header := g.NewIdentifier('R')
	inst, err := e.Install(ctx, g, episode, header)
	switch {
	case errors.Is(err, ErrNoMatch), errors.Is(err, ErrNoMemory):
		return failure(result, value), nil, nil
	case err != nil:
		return nil, nil, err
	}
	rec.last = episode
	e.stats.QryRet = episode

	out := []wm.Triple{
		{ID: result, Attr: wm.String("success"), Value: value},
		{ID: result, Attr: wm.String("retrieved"), Value: wm.Ident(header)},
		{ID: result, Attr: wm.String("memory-id"), Value: wm.Int(episode)},
		{ID: result, Attr: wm.String("present-id"), Value: wm.Int(e.time)},
	}
	return append(out, inst.Triples...), inst, nil
}

func mapping(g wm.Graph, result *wm.Identifier, m *Match, inst *Installation) []wm.Triple {
	cues := make([]*wm.Identifier, 0, len(m.Mapping))
	for id := range m.Mapping {
		cues = append(cues, id)
	}
	slices.SortFunc(cues, func(a, b *wm.Identifier) int { return strings.Compare(a.String(), b.String()) })

	root := g.NewIdentifier('M')
	out := []wm.Triple{{ID: result, Attr: wm.String("mapping"), Value: wm.Ident(root)}}
	for _, cue := range cues {
		retrieved, ok := inst.Nodes[m.Mapping[cue]]
		if !ok {
			continue
		}
		n := g.NewIdentifier('N')
		out = append(out,
			wm.Triple{ID: root, Attr: wm.String("mapping-node"), Value: wm.Ident(n)},
			wm.Triple{ID: n, Attr: wm.String("cue"), Value: wm.Ident(cue)},
			wm.Triple{ID: n, Attr: wm.String("retrieved"), Value: wm.Ident(retrieved)},
		)
	}
	return out
}

func badCommand(result *wm.Identifier) []wm.Triple {
	return []wm.Triple{{ID: result, Attr: wm.String("status"), Value: wm.String("bad-cmd")}}
}

func failure(result *wm.Identifier, value wm.Symbol) []wm.Triple {
	return []wm.Triple{
		{ID: result, Attr: wm.String("failure"), Value: value},
		{ID: result, Attr: wm.String("retrieved"), Value: wm.String("no-memory")},
	}
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
