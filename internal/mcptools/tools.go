// Package mcptools serves the classified staging area as MCP tools.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentic-research/stagetree/internal/assign"
	"github.com/agentic-research/stagetree/internal/stage"
)

// Tools holds the handlers behind the MCP tools.
type Tools struct {
	views assign.Viewer
	level stage.DataLevel
}

// New returns tools reading views from v. level is used when a call does
// not name one.
func New(v assign.Viewer, level stage.DataLevel) *Tools {
	return &Tools{views: v, level: level}
}

// Server builds an MCP server with every tool registered.
func (t *Tools) Server(version string) *server.MCPServer {
	s := server.NewMCPServer("stagetree", version, server.WithToolCapabilities(false))

	levelOpt := mcp.WithString("level",
		mcp.Description("Data level: study keeps only top-level studies, dataset keeps every non-empty root"),
		mcp.Enum(stage.LevelStudy.String(), stage.LevelDataset.String()),
	)

	s.AddTool(mcp.NewTool("stage_tree",
		mcp.WithDescription("Classified staging area as JSON. Each collection carries a schema of study, dataset or mix; files carry schema file."),
		levelOpt,
		mcp.WithString("path", mcp.Description("Optional slash-separated path of a subtree to return")),
		mcp.WithBoolean("refresh", mcp.Description("Refetch from the backend instead of using the cache")),
	), t.Tree)

	s.AddTool(mcp.NewTool("stage_summary",
		mcp.WithDescription("Counts of studies, datasets, mixed collections and files in the staging area"),
		levelOpt,
	), t.Summary)

	return s
}

// Serve runs the MCP server over stdio until stdin closes.
func (t *Tools) Serve(version string) error {
	return server.ServeStdio(t.Server(version))
}

// Tree handles stage_tree.
func (t *Tools) Tree(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	level, err := t.levelArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	view, err := t.views.View(ctx, level, req.GetBool("refresh", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load stage: %v", err)), nil
	}

	var payload any = map[string]any{
		"summary": view.Summary,
		"tree":    nonNil(view.Tree),
	}
	if path := req.GetString("path", ""); path != "" {
		e, ok := view.Index.Lookup(path)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("%s: %v", path, assign.ErrNotStaged)), nil
		}
		payload = e.Node
	}
	return jsonResult(payload)
}

// Summary handles stage_summary.
func (t *Tools) Summary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	level, err := t.levelArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	view, err := t.views.View(ctx, level, false)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load stage: %v", err)), nil
	}
	return jsonResult(view.Summary)
}

func (t *Tools) levelArg(req mcp.CallToolRequest) (stage.DataLevel, error) {
	v := req.GetString("level", "")
	if v == "" {
		return t.level, nil
	}
	return stage.ParseDataLevel(v)
}

func nonNil(forest []*stage.Classified) []*stage.Classified {
	if forest == nil {
		return []*stage.Classified{}
	}
	return forest
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}
