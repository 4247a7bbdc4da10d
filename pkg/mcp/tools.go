package mcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/drip/internal/diagram"
	"github.com/rendis/drip/internal/engine"
	"github.com/rendis/drip/internal/store"
	"github.com/rendis/drip/internal/xjson"
	"github.com/rendis/drip/pkg/schema"
)

// handleDispatch starts a run by workflow id or by webhook path.
func (s *DripServer) handleDispatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	path := req.GetString("path", "")
	if workflowID == "" && path == "" {
		return mcp.NewToolResultError("one of workflow_id or path is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)
	if payload == nil {
		payload = map[string]any{}
	}

	var (
		runID string
		err   error
	)
	if workflowID != "" {
		runID, err = s.dispatcher.Dispatch(ctx, workflowID, payload)
	} else {
		runID, err = s.dispatcher.DispatchPath(ctx, req.GetString("method", ""), path, payload)
	}
	if err != nil && runID == "" {
		return toolError("dispatch failed", err), nil
	}

	if req.GetBool("watch", false) {
		s.captureSession(ctx, runID)
	}

	result := map[string]any{"run_id": runID}
	if err != nil {
		result["error"] = err.Error()
	}
	if run, getErr := s.runs.GetRun(ctx, runID); getErr == nil {
		result["workflow_id"] = run.WorkflowID
		result["status"] = run.Status
		result["current_node"] = run.CurrentNode
		if run.WakeAt != nil {
			result["wake_at"] = run.WakeAt
		}
	}
	return marshalResult(result)
}

// handleStatus returns a run together with its fan-out siblings.
func (s *DripServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, getErr := s.runs.GetRun(ctx, runID)
	if getErr != nil {
		return toolError("status query failed", getErr), nil
	}
	family, listErr := s.runs.ListRuns(ctx, store.RunFilter{Prefix: runID + "."})
	if listErr != nil {
		return toolError("status query failed", listErr), nil
	}
	if family == nil {
		family = []*schema.Run{}
	}
	return marshalResult(map[string]any{"run": run, "siblings": family})
}

// handleCancel cancels a waiting run.
func (s *DripServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if cancelErr := s.canceller.Cancel(ctx, runID); cancelErr != nil {
		return toolError("cancel failed", cancelErr), nil
	}
	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": runID,
		"status": schema.RunStatusCancelled,
	})
}

// handleQuery lists runs, events, or workflows based on filters.
func (s *DripServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "workflows":
		return s.queryWorkflows(filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleValidate checks a definition and reports every issue found.
func (s *DripServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	if s.validator == nil {
		return mcp.NewToolResultError("validation is not configured"), nil
	}
	data, err := xjson.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	_, result := s.validator.ValidateBytes(data)
	errs, warnings := result.Errors, result.Warnings
	if errs == nil {
		errs = []schema.ValidationIssue{}
	}
	if warnings == nil {
		warnings = []schema.ValidationIssue{}
	}
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   errs,
		"warnings": warnings,
	})
}

// handleDiagram renders a workflow, optionally with a run's progress.
func (s *DripServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	workflowID := req.GetString("workflow_id", "")
	runID := req.GetString("run_id", "")
	if workflowID == "" && runID == "" {
		return mcp.NewToolResultError("at least one of workflow_id or run_id is required"), nil
	}

	var runs []*schema.Run
	if runID != "" {
		run, getErr := s.runs.GetRun(ctx, runID)
		if getErr != nil {
			return toolError("run not found", getErr), nil
		}
		if workflowID == "" {
			workflowID = run.WorkflowID
		}
		family, listErr := s.runs.ListRuns(ctx, store.RunFilter{Prefix: runID + "."})
		if listErr != nil {
			return toolError("run query failed", listErr), nil
		}
		runs = append([]*schema.Run{run}, family...)
	}

	g, ok := s.graph(workflowID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("workflow %q is not loaded", workflowID)), nil
	}
	model := diagram.Build(g, runs)

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		encoded := base64.StdEncoding.EncodeToString(png)
		return mcp.NewToolResultImage(model.Title, encoded, "image/png"), nil
	}
}

// --- Query helpers ---

func (s *DripServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		WorkflowID: extractString(filter, "workflow_id"),
		Status:     schema.RunStatus(extractString(filter, "status")),
		Prefix:     extractString(filter, "prefix"),
		Limit:      extractInt(filter, "limit", store.DefaultListLimit),
	}
	runs, err := s.runs.ListRuns(ctx, rf)
	if err != nil {
		return toolError("query failed", err), nil
	}
	if runs == nil {
		runs = []*schema.Run{}
	}
	return marshalResult(map[string]any{"runs": runs, "count": len(runs)})
}

func (s *DripServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		RunID:      extractString(filter, "run_id"),
		WorkflowID: extractString(filter, "workflow_id"),
		EventType:  extractString(filter, "event_type"),
		Limit:      extractInt(filter, "limit", 100),
	}
	if since := extractString(filter, "since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	var (
		events []*store.Event
		err    error
	)
	switch {
	case ef.EventType != "":
		events, err = s.runs.GetEventsByType(ctx, ef.EventType, ef)
	case ef.RunID != "":
		// Without a type filter, events come from one run's log, after an
		// optional sequence number.
		events, err = s.runs.GetEvents(ctx, ef.RunID, int64(extractInt(filter, "after", 0)))
	default:
		return mcp.NewToolResultError("event query requires either 'event_type' or 'run_id' in filter"), nil
	}
	if err != nil {
		return toolError("query failed", err), nil
	}
	if events == nil {
		events = []*store.Event{}
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *DripServer) queryWorkflows(filter map[string]any) (*mcp.CallToolResult, error) {
	all := s.dispatcher.Catalog().Summaries()
	id := extractString(filter, "id")
	out := all[:0:0]
	for _, sum := range all {
		if id != "" && sum.ID != id {
			continue
		}
		out = append(out, sum)
	}
	return marshalResult(map[string]any{"workflows": out})
}

// --- Internal helpers ---

func (s *DripServer) graph(workflowID string) (*engine.Graph, bool) {
	return s.dispatcher.Catalog().Graph(workflowID)
}

// captureSession maps a run to the calling MCP session for notifications.
func (s *DripServer) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

func extractString(filter map[string]any, key string) string {
	v, _ := filter[key].(string)
	return v
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := xjson.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(xjson.RawMessage(data))
}
