package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/checkpoint"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/state"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// run is the per-invocation scheduler state. It owns its State exclusively
// and is discarded when the run terminates.
type run struct {
	id     string
	engine *Engine
	st     *state.State
	config graph.RunConfig
	logger *zap.Logger
	steps  int
	status Status
}

// runAttributes builds the common span attributes for a run.
func runAttributes(runID, entry string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("run.id", runID),
		attribute.String("run.entry", entry),
	}
}

// loop is the control loop: pop the next step, invoke it, merge its output,
// resolve the next edge and repeat until nothing is left to schedule. On
// failure it returns a RunError carrying the last consistent snapshot.
func (r *run) loop(ctx context.Context) (*state.View, *RunError) {
	g := r.engine.graph
	queue := []graph.Step{{Node: g.Entry()}}
	r.status = StatusReady

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, r.fail("", err)
		}
		if limit := r.engine.config.stepLimit(); limit > 0 && r.steps >= limit {
			return nil, r.fail(queue[0].Node, fmt.Errorf("%w: %d steps reached before node %q",
				ErrStepLimit, r.steps, queue[0].Node))
		}

		step := queue[0]
		queue = queue[1:]

		r.status = StatusRunning
		res, err := r.invoke(ctx, step.Node, r.st.Snapshot().Overlay(step.Input))
		if err != nil {
			return nil, r.fail(step.Node, err)
		}
		r.steps++

		if len(res.Update) > 0 {
			if err := r.st.Merge(res.Update); err != nil {
				return nil, r.fail(step.Node, err)
			}
			if err := r.checkpoint(ctx); err != nil {
				return nil, r.fail(step.Node, err)
			}
		}

		// Dispatches are expanded against the post-merge state.
		view := r.st.Snapshot()
		next, join, err := g.NextSteps(step.Node, view, res.Dispatches)
		if err != nil {
			return nil, r.fail(step.Node, err)
		}

		if join != "" {
			updates, err := r.runBatch(ctx, view, next, join)
			if err != nil {
				return nil, r.fail(step.Node, err)
			}

			r.status = StatusMerging
			if err := r.st.MergeAll(updates); err != nil {
				return nil, r.fail(join, err)
			}
			r.steps += len(next)
			if err := r.checkpoint(ctx); err != nil {
				return nil, r.fail(join, err)
			}

			queue = append(queue, graph.Step{Node: join})
		} else {
			queue = append(queue, next...)
		}
		r.status = StatusReady
	}

	r.status = StatusTerminal
	return r.st.Snapshot(), nil
}

// invoke executes one node against the given view, applying the per-node
// deadline and wrapping executable failures in NodeExecutionError.
func (r *run) invoke(ctx context.Context, node string, view *state.View) (*graph.Result, error) {
	if r.engine.config.NodeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.engine.config.NodeTimeout)
		defer cancel()
	}

	ctx, span := r.engine.tracer.Start(ctx, "engine.invokeNode",
		trace.WithAttributes(
			attribute.String("run.id", r.id),
			attribute.String("node.id", node),
			attribute.Int("run.step", r.steps),
		))
	defer span.End()

	start := time.Now()
	res, err := r.engine.graph.Registry().Invoke(ctx, node, view, r.config)
	duration := time.Since(start)
	span.SetAttributes(attribute.Int64("node.duration_ms", duration.Milliseconds()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("Node execution failed",
			zap.String("node", node),
			zap.Duration("duration", duration),
			zap.Error(err))
		// Context errors surface as cancellation, not node failure.
		if classify(err) == KindCancelled || classify(err) == KindDeadline {
			return nil, err
		}
		return nil, &NodeExecutionError{Node: node, Cause: err}
	}

	span.SetStatus(codes.Ok, "node completed")
	r.logger.Debug("Node completed",
		zap.String("node", node),
		zap.Duration("duration", duration),
		zap.Int("update_fields", len(res.Update)),
		zap.Int("dispatches", len(res.Dispatches)))

	r.warnUndeclaredOutputs(node, res.Update)
	return res, nil
}

// warnUndeclaredOutputs logs when a node writes fields outside its declared
// output set. Declarations are informational, so this never fails the run.
func (r *run) warnUndeclaredOutputs(node string, update map[string]interface{}) {
	declared := r.engine.graph.Registry().Outputs(node)
	if len(declared) == 0 || len(update) == 0 {
		return
	}

	set := make(map[string]bool, len(declared))
	for _, f := range declared {
		set[f] = true
	}
	for field := range update {
		if !set[field] {
			r.logger.Warn("Node wrote undeclared output field",
				zap.String("node", node),
				zap.String("field", field))
		}
	}
}

// checkpoint invokes the persistence hook with the current snapshot. Hook
// failures fail the run: callers layering persistence on the engine rely on
// every returned state having been checkpointed.
func (r *run) checkpoint(ctx context.Context) error {
	if r.engine.hook == nil {
		return nil
	}

	view := r.st.Snapshot()
	err := r.engine.hook.Checkpoint(ctx, checkpoint.Snapshot{
		RunID:   r.id,
		Step:    r.steps,
		Version: view.Version(),
		Fields:  view.Map(),
		At:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("checkpoint hook failed at step %d: %w", r.steps, err)
	}
	return nil
}

// fail marks the run failed and builds its RunError. The attached snapshot
// is always consistent because merges are all-or-nothing.
func (r *run) fail(node string, err error) *RunError {
	r.status = StatusFailed
	return &RunError{
		RunID: r.id,
		Node:  node,
		Kind:  classify(err),
		State: r.st.Snapshot(),
		Err:   err,
	}
}
