package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/state"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// batchResult carries one branch outcome back through the barrier. Index is
// the dispatch index the result is slotted by, which is what keeps the final
// merge order independent of branch completion order.
type batchResult struct {
	Index  int
	Update map[string]interface{}
	Err    error
}

// runBatch executes a fan-out batch through a worker pool and collects the
// branch updates ordered by dispatch index. Every branch runs to completion
// even after a sibling fails; on failure all updates are discarded and the
// first error (by arrival) is returned.
func (r *run) runBatch(ctx context.Context, base *state.View, tasks []graph.Step, join string) ([]map[string]interface{}, error) {
	batchID := uuid.New().String()

	ctx, span := r.engine.tracer.Start(ctx, "engine.runBatch",
		trace.WithAttributes(
			attribute.String("run.id", r.id),
			attribute.String("batch.id", batchID),
			attribute.String("batch.join", join),
			attribute.Int("batch.size", len(tasks)),
		))
	defer span.End()

	r.logger.Debug("Starting fan-out batch",
		zap.String("batch_id", batchID),
		zap.String("join", join),
		zap.Int("tasks", len(tasks)))

	workers := r.engine.config.BatchWorkers
	if workers > len(tasks) {
		workers = len(tasks)
	}
	if workers < 1 {
		workers = 1
	}

	jobChan := make(chan graph.Step, len(tasks))
	resultChan := make(chan batchResult, len(tasks))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range jobChan {
				update, err := r.runTask(ctx, base, task)
				resultChan <- batchResult{Index: task.Index, Update: update, Err: err}
			}
		}()
	}

	for _, task := range tasks {
		jobChan <- task
	}
	close(jobChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	// Counting join barrier: exactly one result per dispatch index, slotted
	// in order. Duplicates and shortfalls are protocol violations.
	updates := make([]map[string]interface{}, len(tasks))
	seen := make([]bool, len(tasks))
	received := 0
	var firstErr error

	for res := range resultChan {
		if res.Index < 0 || res.Index >= len(tasks) || seen[res.Index] {
			// Keep draining so the workers can exit.
			if firstErr == nil {
				firstErr = &JoinMismatchError{
					BatchID:  batchID,
					Expected: len(tasks),
					Received: received,
					Index:    res.Index,
				}
			}
			continue
		}
		seen[res.Index] = true
		received++
		updates[res.Index] = res.Update
		if res.Err != nil && firstErr == nil {
			firstErr = res.Err
		}
	}

	if firstErr == nil && received != len(tasks) {
		firstErr = &JoinMismatchError{
			BatchID:  batchID,
			Expected: len(tasks),
			Received: received,
			Index:    -1,
		}
	}

	if firstErr != nil {
		span.RecordError(firstErr)
		span.SetStatus(codes.Error, firstErr.Error())
		r.logger.Error("Fan-out batch failed",
			zap.String("batch_id", batchID),
			zap.Int("received", received),
			zap.Error(firstErr))
		return nil, firstErr
	}

	span.SetStatus(codes.Ok, "batch completed")
	r.logger.Debug("Fan-out batch completed",
		zap.String("batch_id", batchID),
		zap.Int("tasks", len(tasks)))
	return updates, nil
}

// runTask executes one fan-out branch against the shared base view layered
// with its scoped dispatch input. Branches may not dispatch further.
func (r *run) runTask(ctx context.Context, base *state.View, task graph.Step) (map[string]interface{}, error) {
	var update map[string]interface{}
	err := r.engine.limiter.Do(ctx, func() error {
		res, err := r.invoke(ctx, task.Node, base.Overlay(task.Input))
		if err != nil {
			return err
		}
		if len(res.Dispatches) > 0 {
			return &NodeExecutionError{
				Node:  task.Node,
				Cause: graph.ErrUnexpectedDispatch,
			}
		}
		update = res.Update
		return nil
	})
	return update, err
}
