package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowtrack/internal/diagram"
	"github.com/rendis/flowtrack/internal/store"
	"github.com/rendis/flowtrack/internal/tracker"
	"github.com/rendis/flowtrack/pkg/schema"
)

// handleValidate runs the validation pipeline and reports every issue.
func (s *FlowtrackServer) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, errResult := definitionArg(req)
	if errResult != nil {
		return errResult, nil
	}

	_, result := s.service.ValidateWorkflow(raw)
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handleDefine validates and persists a workflow definition.
func (s *FlowtrackServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, errResult := definitionArg(req)
	if errResult != nil {
		return errResult, nil
	}

	def, result := s.service.ValidateWorkflow(raw)
	if err := result.ToError(); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", describe(err))), nil
	}

	wf, err := s.service.DefineWorkflow(ctx, def)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("define failed: %v", describe(err))), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"steps":       len(wf.Definition.Steps),
		"warnings":    result.Warnings,
	})
}

// handleStart opens a new execution.
func (s *FlowtrackServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	state, err := s.service.StartExecution(ctx, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", describe(err))), nil
	}
	return marshalResult(state)
}

// handleStep applies one step transition.
func (s *FlowtrackServer) handleStep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	stepKey, err := req.RequireString("step_key")
	if err != nil {
		return mcp.NewToolResultError("step_key is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	var step tracker.StepExecutionState
	switch action {
	case "start":
		step, err = s.service.StartStep(ctx, executionID, stepKey)
	case "complete":
		var output any
		if m := mcp.ParseStringMap(req, "output", nil); m != nil {
			output = m
		}
		step, err = s.service.CompleteStep(ctx, executionID, stepKey, output)
	case "fail":
		step, err = s.service.FailStep(ctx, executionID, stepKey, req.GetString("error", ""))
	case "skip":
		step, err = s.service.SkipStep(ctx, executionID, stepKey, req.GetString("reason", ""))
	case "retry":
		step, err = s.service.RecordRetry(ctx, executionID, stepKey, mcp.ParseInt(req, "attempt", 0))
	case "should_run":
		run, runErr := s.service.ShouldRun(ctx, executionID, stepKey)
		if runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("condition check failed: %v", describe(runErr))), nil
		}
		return marshalResult(map[string]any{"step_key": stepKey, "should_run": run})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q", action)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("step %s failed: %v", action, describe(err))), nil
	}
	return marshalResult(step)
}

// handleFinalize closes an execution.
func (s *FlowtrackServer) handleFinalize(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	status, err := req.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError("status is required"), nil
	}
	terminal := schema.ExecutionStatus(status)
	if !terminal.IsTerminal() {
		err := schema.NewErrorf(schema.ErrCodeValidation, "finalize requires a terminal status, got %q", status)
		return mcp.NewToolResultError(fmt.Sprintf("finalize failed: %v", err)), nil
	}

	if msg := req.GetString("error", ""); msg != "" {
		if err := s.service.SetError(ctx, executionID, msg); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("finalize failed: %v", describe(err))), nil
		}
	}

	var output any
	if m := mcp.ParseStringMap(req, "output", nil); m != nil {
		output = m
	}
	state, err := s.service.Finalize(ctx, executionID, terminal, output)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("finalize failed: %v", describe(err))), nil
	}
	return marshalResult(state)
}

// handleStatus returns the execution status or a jq projection of it.
func (s *FlowtrackServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if query := req.GetString("query", ""); query != "" {
		out, qErr := s.service.Query(ctx, executionID, query)
		if qErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", describe(qErr))), nil
		}
		return marshalResult(map[string]any{"execution_id": executionID, "result": out})
	}

	state, err := s.service.Status(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", describe(err))), nil
	}
	return marshalResult(state)
}

// handleWatch subscribes the calling session to an execution's events.
func (s *FlowtrackServer) handleWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if s.forwarder == nil {
		return mcp.NewToolResultError("event streaming is not enabled"), nil
	}
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("watch requires a client session"), nil
	}

	state, err := s.service.Status(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("watch failed: %v", describe(err))), nil
	}
	if state.Status.IsTerminal() {
		return mcp.NewToolResultError(fmt.Sprintf("execution %s already %s", executionID, state.Status)), nil
	}

	s.watches.Watch(executionID, session.SessionID())

	// A finalize landing between the check above and Watch has already
	// been forwarded to nobody, so the registration would never be cleared.
	after, err := s.service.Status(ctx, executionID)
	if err != nil || after.Status.IsTerminal() {
		s.watches.UnwatchSession(executionID, session.SessionID())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("watch failed: %v", describe(err))), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("execution %s already %s", executionID, after.Status)), nil
	}

	return marshalResult(map[string]any{
		"execution_id": executionID,
		"watching":     true,
		"status":       after.Status,
	})
}

// handleQuery lists stored workflows or executions.
func (s *FlowtrackServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "executions":
		return s.queryExecutions(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

func (s *FlowtrackServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if name, ok := filter["name"].(string); ok {
		wf.Name = name
	}
	since, err := extractSince(filter)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	wf.Since = since

	workflows, err := s.service.ListWorkflows(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", describe(err))), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *FlowtrackServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		ef.WorkflowID = wfID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		es := schema.ExecutionStatus(status)
		ef.Status = &es
	}
	since, err := extractSince(filter)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ef.Since = since

	executions, err := s.service.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", describe(err))), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

// handleDelete removes a workflow definition and its finished executions.
func (s *FlowtrackServer) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	if err := s.service.DeleteWorkflow(ctx, workflowID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("delete failed: %v", describe(err))), nil
	}
	return marshalResult(map[string]any{"workflow_id": workflowID, "deleted": true})
}

// handleDiagram renders a workflow, or an execution with its step
// statuses, in the requested format.
func (s *FlowtrackServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	workflowID := req.GetString("workflow_id", "")
	executionID := req.GetString("execution_id", "")
	if workflowID == "" && executionID == "" {
		return mcp.NewToolResultError("one of workflow_id or execution_id is required"), nil
	}

	var state *tracker.ExecutionState
	if executionID != "" {
		st, err := s.service.Status(ctx, executionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status failed: %v", describe(err))), nil
		}
		state = &st
		workflowID = st.WorkflowID
	}

	wf, err := s.service.Workflow(ctx, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", describe(err))), nil
	}

	model, err := diagram.Build(&wf.Definition, state)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	}
}

// --- Helpers ---

// definitionArg re-encodes the definition argument so it goes through the
// same raw-document validation as any other client input.
func definitionArg(req mcp.CallToolRequest) ([]byte, *mcp.CallToolResult) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return nil, mcp.NewToolResultError("definition is required")
	}
	raw, err := json.Marshal(defRaw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
	}
	return raw, nil
}

// extractInt reads a numeric filter value; JSON numbers arrive as float64.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	switch val := filter[key].(type) {
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

// extractSince parses the optional RFC 3339 "since" filter.
func extractSince(filter map[string]any) (*time.Time, error) {
	since, ok := filter["since"].(string)
	if !ok || since == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, since)
	if err != nil {
		return nil, fmt.Errorf("since must be an RFC 3339 timestamp: %v", err)
	}
	return &t, nil
}

// describe renders err, appending the individual issues of a multi-error
// validation failure.
func describe(err error) string {
	var se *schema.Error
	if !errors.As(err, &se) || se.Details == nil {
		return err.Error()
	}
	issues, ok := se.Details["errors"].([]schema.ValidationIssue)
	if !ok || len(issues) < 2 {
		return err.Error()
	}
	msg := err.Error()
	for _, is := range issues {
		msg += fmt.Sprintf("; %s %s: %s", is.Path, is.Code, is.Message)
	}
	return msg
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
