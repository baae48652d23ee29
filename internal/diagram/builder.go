package diagram

import (
	"fmt"
	"sort"

	"github.com/rendis/flowtrack/internal/tracker"
	"github.com/rendis/flowtrack/internal/validation"
	"github.com/rendis/flowtrack/pkg/schema"
)

// Build constructs a DiagramModel from a workflow definition and an
// optional execution snapshot whose step states are overlaid on the nodes.
func Build(def *schema.WorkflowDefinition, state *tracker.ExecutionState) (*DiagramModel, error) {
	if def == nil || len(def.Steps) == 0 {
		return nil, fmt.Errorf("diagram: workflow has no steps")
	}
	if err := validation.ValidateDAG(def.Steps); err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	levels := stepLevels(def.Steps)

	nodes := make([]*Node, 0, len(def.Steps)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, level := range levels {
		for _, key := range level {
			step, _ := def.Step(key)
			node := &Node{ID: key, Label: step.DisplayName(), Kind: NodeKindStep}
			if step.Condition != "" {
				node.Kind = NodeKindGuarded
			}
			if state != nil {
				overlayStatus(node, state.Steps)
			}
			nodes = append(nodes, node)
		}
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	all := make([][]string, 0, len(levels)+2)
	all = append(all, []string{startID})
	all = append(all, levels...)
	all = append(all, []string{endID})

	return &DiagramModel{
		Title:  titleFromDef(def),
		Nodes:  nodes,
		Edges:  buildEdges(def.Steps),
		Levels: all,
	}, nil
}

// stepLevels groups step keys by dependency depth. Keys within a level are
// sorted so output is stable. The steps must already be known acyclic.
func stepLevels(steps []schema.StepDefinition) [][]string {
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		inDegree[s.Key] += 0
		for _, dep := range s.DependsOn {
			inDegree[s.Key]++
			dependents[dep] = append(dependents[dep], s.Key)
		}
	}

	var current []string
	for key, d := range inDegree {
		if d == 0 {
			current = append(current, key)
		}
	}

	var levels [][]string
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		var next []string
		for _, key := range current {
			for _, child := range dependents[key] {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		current = next
	}
	return levels
}

func overlayStatus(node *Node, steps map[string]tracker.StepExecutionState) {
	ss, ok := steps[node.ID]
	if !ok {
		return
	}
	overlay := &StatusOverlay{
		Status:     string(ss.Status),
		RetryCount: ss.RetryCount,
		Error:      ss.Error,
	}
	if ss.DurationMs != nil {
		overlay.DurationMs = *ss.DurationMs
	}
	node.Status = overlay
}

// buildEdges links dependencies to dependents, roots to the start node and
// leaves to the end node. Conditions label the edges into guarded steps.
func buildEdges(steps []schema.StepDefinition) []Edge {
	hasDependents := make(map[string]bool, len(steps))
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			hasDependents[dep] = true
		}
	}

	var edges []Edge
	for _, s := range steps {
		if len(s.DependsOn) == 0 {
			edges = append(edges, Edge{From: startID, To: s.Key, Label: s.Condition})
		}
		for _, dep := range s.DependsOn {
			edges = append(edges, Edge{From: dep, To: s.Key, Label: s.Condition})
		}
		if !hasDependents[s.Key] {
			edges = append(edges, Edge{From: s.Key, To: endID})
		}
	}
	return edges
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	return "Workflow"
}
