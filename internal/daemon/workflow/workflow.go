// Package workflow implements the Workflow Executor (component M): a DAG of
// task/delay/approval/parallel-fan-out/join nodes, validated for acyclicity
// and single-root reachability before execution, traversed in topological
// order with bounded parallelism.
//
// Grounded on this codebase's prior pkg/workflow.Executor executeParallel/
// executeForeach bounded-concurrency pattern (a buffered channel used as a
// semaphore, "parallelSem") and pkg/workflow/events.go's listener-dispatch
// shape, generalized from a linear+parallel step LIST into a true DAG of
// typed nodes, with github.com/expr-lang/expr (already a
// existing dependency) evaluating edge conditions.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"

	"github.com/agentsdashboard/engine/internal/daemon/dispatcher"
	"github.com/agentsdashboard/engine/internal/daemon/model"
	engerrors "github.com/agentsdashboard/engine/pkg/errors"
)

// NodeKind enumerates the supported workflow node types.
type NodeKind string

const (
	NodeTask           NodeKind = "task"
	NodeDelay          NodeKind = "delay"
	NodeApproval       NodeKind = "approval"
	NodeParallelFanOut NodeKind = "parallel-fan-out"
	NodeJoin           NodeKind = "join"
)

// Node is one vertex of a workflow Definition's DAG.
type Node struct {
	ID                string
	Kind              NodeKind
	TaskID            string        // required for NodeTask
	Delay             time.Duration // required for NodeDelay
	ApproverRole      string        // required for NodeApproval
	ContinueOnError   bool
}

// Edge is a directed edge, optionally guarded by an expr-lang condition
// evaluated against the execution's accumulated node-output context.
type Edge struct {
	From, To string
	When     string // expr-lang expression; empty means unconditional
}

// Definition is a workflow's DAG: nodes plus directed edges.
type Definition struct {
	ID    string
	Nodes []Node
	Edges []Edge
}

// Validate checks a Definition before execution: acyclicity, single-root
// reachability, every task node references an existing task (via exists),
// and every approval node names an approver role.
func (d *Definition) Validate(taskExists func(taskID string) bool) error {
	byID := make(map[string]Node, len(d.Nodes))
	for _, n := range d.Nodes {
		if _, dup := byID[n.ID]; dup {
			return &engerrors.ValidationError{Field: "node", Message: "duplicate node id " + n.ID}
		}
		byID[n.ID] = n
		if n.Kind == NodeTask && taskExists != nil && !taskExists(n.TaskID) {
			return &engerrors.ValidationError{Field: "node." + n.ID, Message: "references unknown task " + n.TaskID}
		}
		if n.Kind == NodeApproval && n.ApproverRole == "" {
			return &engerrors.ValidationError{Field: "node." + n.ID, Message: "approval node requires an approver role"}
		}
	}

	adj := make(map[string][]string)
	indegree := make(map[string]int, len(d.Nodes))
	for _, n := range d.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range d.Edges {
		if _, ok := byID[e.From]; !ok {
			return &engerrors.ValidationError{Field: "edge", Message: "edge references unknown node " + e.From}
		}
		if _, ok := byID[e.To]; !ok {
			return &engerrors.ValidationError{Field: "edge", Message: "edge references unknown node " + e.To}
		}
		adj[e.From] = append(adj[e.From], e.To)
		indegree[e.To]++
	}

	roots := 0
	for _, n := range d.Nodes {
		if indegree[n.ID] == 0 {
			roots++
		}
	}
	if roots != 1 {
		return &engerrors.ValidationError{Field: "graph", Message: fmt.Sprintf("workflow must have exactly one root node, found %d", roots)}
	}

	// Kahn's algorithm detects cycles and confirms every node is reachable
	// from the root in topological order.
	queue := make([]string, 0)
	for _, n := range d.Nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	visited := 0
	remaining := make(map[string]int, len(indegree))
	for k, v := range indegree {
		remaining[k] = v
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[id] {
			remaining[next]--
			if remaining[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(d.Nodes) {
		return &engerrors.ValidationError{Field: "graph", Message: "workflow graph contains a cycle or unreachable node"}
	}
	return nil
}

// RunResult is one node's outcome, fed into edge-condition evaluation and
// returned to the caller.
type RunResult struct {
	NodeID string
	Run    *model.Run // nil for delay/approval/parallel/join nodes
	Error  error
}

// ApprovalWaiter blocks until an operator resolves an approval node,
// returning whether it was approved.
type ApprovalWaiter interface {
	AwaitApproval(ctx context.Context, executionID, nodeID, approverRole string) (approved bool, err error)
}

// Dispatch is the narrow slice of the Run Dispatcher (component I) a task
// node needs.
type Dispatch interface {
	Dispatch(ctx context.Context, req dispatcher.Request) (*model.Run, error)
}

// RunWaiter blocks until a dispatched Run reaches a terminal state.
type RunWaiter interface {
	AwaitTerminal(ctx context.Context, runID string) (*model.Run, error)
}

// Execution tracks one in-flight traversal of a Definition.
type Execution struct {
	ID         string
	Definition *Definition
	ProjectID  string
	Repository string
	MaxConcurrentNodes int

	Dispatcher Dispatch
	Waiter     RunWaiter
	Approvals  ApprovalWaiter
}

// Outcome is the terminal result of one Execute call.
type Outcome struct {
	Results map[string]RunResult
	Failed  bool
}

// Execute traverses the DAG in topological order with bounded parallelism
//. A delay node sleeps; an approval node blocks on an
// operator; a task node dispatches via the Run Dispatcher and waits for its
// terminal state; parallel-fan-out/join nodes execute nothing themselves,
// and concurrent branches are bounded by MaxConcurrentNodes. Failure
// of any non-continue-on-error node fails the whole execution.
func (ex *Execution) Execute(ctx context.Context) (Outcome, error) {
	d := ex.Definition
	byID := make(map[string]Node, len(d.Nodes))
	indegree := make(map[string]int, len(d.Nodes))
	adj := make(map[string][]Edge)
	for _, n := range d.Nodes {
		byID[n.ID] = n
		indegree[n.ID] = 0
	}
	for _, e := range d.Edges {
		adj[e.From] = append(adj[e.From], e)
		indegree[e.To]++
	}

	maxConc := ex.MaxConcurrentNodes
	if maxConc <= 0 {
		maxConc = 4
	}
	sem := make(chan struct{}, maxConc)

	outcome := Outcome{Results: make(map[string]RunResult)}
	env := make(map[string]any)

	ready := make([]string, 0)
	for _, n := range d.Nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	for len(ready) > 0 {
		batch := ready
		ready = nil

		type result struct {
			id string
			rr RunResult
		}
		results := make(chan result, len(batch))

		for _, id := range batch {
			id := id
			node := byID[id]
			sem <- struct{}{}
			go func() {
				defer func() { <-sem }()
				rr := ex.runNode(ctx, node)
				results <- result{id: id, rr: rr}
			}()
		}

		for range batch {
			r := <-results
			outcome.Results[r.id] = r.rr
			env[r.id] = nodeEnvValue(r.rr)
			if r.rr.Error != nil && !byID[r.id].ContinueOnError {
				outcome.Failed = true
			}
		}

		if outcome.Failed {
			return outcome, fmt.Errorf("workflow execution %s failed at node", ex.ID)
		}

		for _, id := range batch {
			for _, e := range adj[id] {
				if e.When != "" {
					ok, err := evalCondition(e.When, env)
					if err != nil || !ok {
						continue
					}
				}
				indegree[e.To]--
				if indegree[e.To] == 0 {
					ready = append(ready, e.To)
				}
			}
		}
	}

	return outcome, nil
}

func nodeEnvValue(rr RunResult) map[string]any {
	out := map[string]any{"error": rr.Error != nil}
	if rr.Run != nil {
		out["state"] = string(rr.Run.State)
		out["summary"] = rr.Run.Summary
	}
	return out
}

func evalCondition(exprStr string, env map[string]any) (bool, error) {
	program, err := expr.Compile(exprStr, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	b, _ := out.(bool)
	return b, nil
}

func (ex *Execution) runNode(ctx context.Context, n Node) RunResult {
	switch n.Kind {
	case NodeDelay:
		t := time.NewTimer(n.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return RunResult{NodeID: n.ID, Error: ctx.Err()}
		case <-t.C:
			return RunResult{NodeID: n.ID}
		}
	case NodeApproval:
		if ex.Approvals == nil {
			return RunResult{NodeID: n.ID, Error: fmt.Errorf("workflow: no approval waiter configured")}
		}
		approved, err := ex.Approvals.AwaitApproval(ctx, ex.ID, n.ID, n.ApproverRole)
		if err != nil {
			return RunResult{NodeID: n.ID, Error: err}
		}
		if !approved {
			return RunResult{NodeID: n.ID, Error: fmt.Errorf("workflow: approval rejected for node %s", n.ID)}
		}
		return RunResult{NodeID: n.ID}
	case NodeParallelFanOut, NodeJoin:
		// Pure graph-structure nodes: their concurrency/merge semantics are
		// expressed entirely via the DAG's edges, so there is nothing to
		// execute beyond letting the traversal continue.
		return RunResult{NodeID: n.ID}
	case NodeTask:
		run, err := ex.Dispatcher.Dispatch(ctx, dispatcher.Request{
			ProjectID:    ex.ProjectID,
			RepositoryID: ex.Repository,
			TaskID:       n.TaskID,
		})
		if err != nil && !dispatcher.IsSoft(err) {
			return RunResult{NodeID: n.ID, Error: err}
		}
		if run == nil {
			return RunResult{NodeID: n.ID, Error: fmt.Errorf("workflow: node %s produced no run", n.ID)}
		}
		terminal, err := ex.Waiter.AwaitTerminal(ctx, run.ID)
		if err != nil {
			return RunResult{NodeID: n.ID, Run: run, Error: err}
		}
		if terminal.State != model.RunSucceeded {
			return RunResult{NodeID: n.ID, Run: terminal, Error: fmt.Errorf("workflow: node %s run ended %s", n.ID, terminal.State)}
		}
		return RunResult{NodeID: n.ID, Run: terminal}
	default:
		return RunResult{NodeID: n.ID, Error: fmt.Errorf("workflow: unknown node kind %q", n.Kind)}
	}
}
