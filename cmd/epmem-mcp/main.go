// epmem-mcp exposes an episodic store as MCP tools over stdio.
//
// Tools: epmem_record, epmem_query, epmem_retrieve, epmem_stats. Snapshots
// and cues are passed as YAML (or JSON) documents in the same format the
// epmem CLI reads from files.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/vthunder/epmem/internal/config"
	"github.com/vthunder/epmem/internal/epmem"
	"github.com/vthunder/epmem/internal/logging"
	"github.com/vthunder/epmem/internal/wm"
)

func main() {
	// Load .env file - try executable's parent dir (repo root), then exe dir, then cwd
	envPaths := []string{".env"}
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		envPaths = append([]string{
			filepath.Join(filepath.Dir(exeDir), ".env"),
			filepath.Join(exeDir, ".env"),
		}, envPaths...)
	}
	for _, p := range envPaths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			break
		}
	}

	cfg, err := config.Load(os.Getenv("EPMEM_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	// stdout carries JSON-RPC
	logging.Configure(os.Stderr, os.Getenv("EPMEM_LOG_FORMAT") == "json", cfg.LogLevel)
	if cfg.Database == config.DatabaseMemory && cfg.Path != "" {
		cfg.Database = config.DatabaseFile
	}

	tools, err := newTools(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Engine error: %v\n", err)
		os.Exit(1)
	}
	defer tools.close()

	s := server.NewMCPServer(
		"epmem-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.AddTool(recordTool(), tools.handleRecord)
	s.AddTool(queryTool(), tools.handleQuery)
	s.AddTool(retrieveTool(), tools.handleRetrieve)
	s.AddTool(statsTool(), tools.handleStats)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

// tools holds one engine and the working memory snapshots are loaded into,
// so consecutive records diff against each other. Calls are serialized.
type tools struct {
	mu  sync.Mutex
	e   *epmem.Engine
	mem *wm.Memory
}

func newTools(cfg *config.Config) (*tools, error) {
	e, err := epmem.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := e.Connect(); err != nil {
		e.Close()
		return nil, err
	}
	return &tools{e: e, mem: wm.NewMemory()}, nil
}

func (t *tools) close() {
	if err := t.e.Close(); err != nil {
		logging.Error("mcp", err, "closing store")
	}
}

func recordTool() mcp.Tool {
	return mcp.NewTool("epmem_record",
		mcp.WithDescription("Record a working-memory snapshot as the next episode. The snapshot replaces the previous one; WMEs present in both continue their intervals."),
		mcp.WithString("snapshot",
			mcp.Required(),
			mcp.Description("YAML or JSON document: {wmes: [{id, attr, value|ref}], lti: {name: id}}. The top state is S1."),
		),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("epmem_query",
		mcp.WithDescription("Find the recorded episode that best matches a cue and return its match scores and contents."),
		mcp.WithString("cue",
			mcp.Required(),
			mcp.Description("YAML or JSON document: {query: [{id, attr, value|ref}], neg-query: [...]}. The first query id is the cue root."),
		),
		mcp.WithNumber("before",
			mcp.Description("Only consider episodes strictly before this id"),
		),
		mcp.WithNumber("after",
			mcp.Description("Only consider episodes strictly after this id"),
		),
		mcp.WithArray("prohibit",
			mcp.Description("Episode ids that may not be returned"),
			mcp.Items(map[string]any{"type": "number"}),
		),
	)
}

func retrieveTool() mcp.Tool {
	return mcp.NewTool("epmem_retrieve",
		mcp.WithDescription("Return the contents of a recorded episode."),
		mcp.WithNumber("episode",
			mcp.Required(),
			mcp.Description("Episode id"),
		),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("epmem_stats",
		mcp.WithDescription("Return store statistics (time, qry-*, rit-*, mem-usage, ...)."),
	)
}

func (t *tools) handleRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	doc, _ := args["snapshot"].(string)
	if doc == "" {
		return mcp.NewToolResultError("snapshot is required"), nil
	}
	snap, err := wm.ParseSnapshot([]byte(doc))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.mem.Clear(t.mem.Top(), "epmem")
	if _, err := t.mem.Build(snap.WMEs, snap.LTI, map[string]*wm.Identifier{"S1": t.mem.Top()}); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid snapshot: %v", err)), nil
	}
	episode, err := t.e.RecordEpisode(ctx, t.mem)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to record: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Recorded episode %d", episode)), nil
}

func (t *tools) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	doc, _ := args["cue"].(string)
	if doc == "" {
		return mcp.NewToolResultError("cue is required"), nil
	}
	c, err := wm.ParseCue([]byte(doc))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	q := epmem.Query{
		Before:   intArg(args, "before"),
		After:    intArg(args, "after"),
		Prohibit: intsArg(args, "prohibit"),
	}

	// cues live in their own memory so they never show up in recorded snapshots
	cm := wm.NewMemory()
	scope := make(map[string]*wm.Identifier)
	if q.Cue, err = cm.Build(c.Query, c.LTI, scope); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid query: %v", err)), nil
	}
	if len(c.NegQuery) > 0 {
		if q.NegCue, err = cm.Build(c.NegQuery, c.LTI, scope); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid neg-query: %v", err)), nil
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	m, err := t.e.Query(ctx, cm, q)
	switch {
	case errors.Is(err, epmem.ErrNoMatch):
		return mcp.NewToolResultText("No matching episode"), nil
	case errors.Is(err, epmem.ErrBadCue):
		return mcp.NewToolResultError(err.Error()), nil
	case err != nil:
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Episode %d\nmatch-score: %g\nnormalized-match-score: %g\nmatch-cardinality: %d/%d\ncue-size: %d\ngraph-match: %t\n",
		m.Episode, m.Score, m.Normalized, m.Cardinality, m.Perfect, m.CueSize, m.GraphMatch)
	if err := t.writeEpisode(ctx, &sb, m.Episode); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (t *tools) handleRetrieve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	episode := intArg(args, "episode")
	if episode <= 0 {
		return mcp.NewToolResultError("episode is required"), nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var sb strings.Builder
	if err := t.writeEpisode(ctx, &sb, episode); err != nil {
		if errors.Is(err, epmem.ErrNoMatch) {
			return mcp.NewToolResultError(fmt.Sprintf("episode %d not recorded", episode)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (t *tools) handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.e.Stats()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	named := s.Map()
	names := make([]string, 0, len(named))
	for k := range named {
		names = append(names, k)
	}
	slices.Sort(names)
	var sb strings.Builder
	for _, k := range names {
		fmt.Fprintf(&sb, "%s: %d\n", k, named[k])
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// writeEpisode installs episode into a scratch memory and renders its WMEs.
func (t *tools) writeEpisode(ctx context.Context, sb *strings.Builder, episode int64) error {
	scratch := wm.NewMemory()
	header := scratch.NewIdentifier('R')
	inst, err := t.e.Install(ctx, scratch, episode, header)
	if err != nil {
		return err
	}
	fmt.Fprintf(sb, "\nEpisode %d contents (%d wmes, root %s):\n", episode, len(inst.Triples), header)
	for _, tr := range inst.Triples {
		fmt.Fprintf(sb, "%s\n", tr)
	}
	return nil
}

// intArg reads a JSON number argument; absent or invalid values are 0.
func intArg(args map[string]any, name string) int64 {
	if f, ok := args[name].(float64); ok {
		return int64(f)
	}
	return 0
}

func intsArg(args map[string]any, name string) []int64 {
	list, _ := args[name].([]any)
	out := make([]int64, 0, len(list))
	for _, v := range list {
		if f, ok := v.(float64); ok {
			out = append(out, int64(f))
		}
	}
	return out
}
