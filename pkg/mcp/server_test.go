package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFlowtrackServer(t *testing.T) {
	s := NewFlowtrackServer(FlowtrackServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.Nil(t, s.forwarder, "no hub, no forwarder")
}

func TestToolRegistration(t *testing.T) {
	s := NewFlowtrackServer(FlowtrackServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 10)

	for _, name := range []string{
		"flowtrack.validate",
		"flowtrack.define",
		"flowtrack.start",
		"flowtrack.step",
		"flowtrack.finalize",
		"flowtrack.status",
		"flowtrack.watch",
		"flowtrack.diagram",
		"flowtrack.query",
		"flowtrack.delete",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"validate", "flowtrack.validate", "Validate a workflow definition without storing it"},
		{"define", "flowtrack.define", "Validate and register a workflow definition"},
		{"start", "flowtrack.start", "Start tracking a new execution of a registered workflow"},
		{"step", "flowtrack.step", "Report a step transition for a running execution"},
		{"finalize", "flowtrack.finalize", "Finish an execution with a terminal status"},
		{"status", "flowtrack.status", "Get execution status, optionally filtered through a jq query"},
		{"watch", "flowtrack.watch", "Receive status and step events of an execution as notifications"},
		{"diagram", "flowtrack.diagram", "Render a workflow DAG as ASCII art, a Mermaid flowchart or a PNG image. With execution_id, step statuses are overlaid"},
		{"query", "flowtrack.query", "List stored workflows or executions, newest first"},
		{"delete", "flowtrack.delete", "Delete a workflow definition and its persisted executions"},
	}

	s := NewFlowtrackServer(FlowtrackServerDeps{})
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
