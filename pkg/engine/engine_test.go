package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/pkg/checkpoint"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/state"
)

func researchSchema(t *testing.T) *state.Schema {
	t.Helper()
	schema, err := state.NewSchema(
		state.FieldSpec{Name: "topic", Kind: state.KindString},
		state.FieldSpec{Name: "query", Kind: state.KindString},
		state.FieldSpec{Name: "rounds", Kind: state.KindNumber},
		state.FieldSpec{Name: "results", Kind: state.KindList, Reducer: state.Append},
		state.FieldSpec{Name: "summary", Kind: state.KindString},
	)
	require.NoError(t, err)
	return schema
}

func newTestEngine(t *testing.T, g *graph.Graph, config Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(g, config, nil, opts...)
	require.NoError(t, err)
	return e
}

func asRunError(t *testing.T, err error) *RunError {
	t.Helper()
	var runErr *RunError
	require.True(t, errors.As(err, &runErr), "expected *RunError, got %v", err)
	return runErr
}

func TestRun_Linear(t *testing.T) {
	r := graph.NewRegistry()
	require.NoError(t, r.RegisterFunc("plan", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		topic, _ := view.Get("topic")
		return graph.UpdateResult(map[string]interface{}{
			"query": fmt.Sprintf("about %v", topic),
		}), nil
	}, "query"))
	require.NoError(t, r.RegisterFunc("summarize", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		query, _ := view.Get("query")
		return graph.UpdateResult(map[string]interface{}{
			"summary": fmt.Sprintf("summary of %v", query),
		}), nil
	}, "summary"))

	g := graph.New(researchSchema(t), r)
	require.NoError(t, g.SetEntry("plan"))
	require.NoError(t, g.AddEdge("plan", "summarize"))

	e := newTestEngine(t, g, Config{})
	view, err := e.Run(context.Background(), map[string]interface{}{"topic": "go"}, nil)
	require.NoError(t, err)

	v, _ := view.Get("summary")
	assert.Equal(t, "summary of about go", v)
	assert.Equal(t, uint64(2), view.Version())
}

func TestRun_InitialStateRejected(t *testing.T) {
	r := graph.NewRegistry()
	require.NoError(t, r.RegisterFunc("plan", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		return nil, nil
	}))
	g := graph.New(researchSchema(t), r)
	require.NoError(t, g.SetEntry("plan"))

	e := newTestEngine(t, g, Config{})
	_, err := e.Run(context.Background(), map[string]interface{}{"bogus": 1}, nil)
	runErr := asRunError(t, err)
	assert.Equal(t, KindUnknownField, runErr.Kind)
}

func TestRun_ConditionalLoop(t *testing.T) {
	r := graph.NewRegistry()
	require.NoError(t, r.RegisterFunc("work", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		rounds, _ := view.Get("rounds")
		n, _ := rounds.(int)
		return graph.UpdateResult(map[string]interface{}{"rounds": n + 1}), nil
	}))
	require.NoError(t, r.RegisterFunc("finish", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		return graph.UpdateResult(map[string]interface{}{"summary": "done"}), nil
	}))

	router := func(view *state.View) (string, error) {
		rounds, _ := view.Get("rounds")
		if n, _ := rounds.(int); n < 3 {
			return "work", nil
		}
		return "finish", nil
	}

	g := graph.New(researchSchema(t), r)
	require.NoError(t, g.SetEntry("work"))
	require.NoError(t, g.AddConditionalEdge("work", router, "work", "finish"))

	e := newTestEngine(t, g, Config{})
	view, err := e.Run(context.Background(), map[string]interface{}{"rounds": 0}, nil)
	require.NoError(t, err)

	v, _ := view.Get("rounds")
	assert.Equal(t, 3, v)
	v, _ = view.Get("summary")
	assert.Equal(t, "done", v)
}

func TestRun_StepLimit(t *testing.T) {
	r := graph.NewRegistry()
	require.NoError(t, r.RegisterFunc("spin", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		return nil, nil
	}))
	router := func(view *state.View) (string, error) { return "spin", nil }

	g := graph.New(researchSchema(t), r)
	require.NoError(t, g.SetEntry("spin"))
	require.NoError(t, g.AddConditionalEdge("spin", router, "spin"))

	e := newTestEngine(t, g, Config{MaxSteps: 5})
	_, err := e.Run(context.Background(), nil, nil)
	runErr := asRunError(t, err)
	assert.Equal(t, KindStepLimit, runErr.Kind)
	assert.ErrorIs(t, err, ErrStepLimit)
	require.NotNil(t, runErr.State)
}

func TestRun_RoutingViolation(t *testing.T) {
	r := graph.NewRegistry()
	require.NoError(t, r.RegisterFunc("a", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		return nil, nil
	}))
	require.NoError(t, r.RegisterFunc("b", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		return nil, nil
	}))
	router := func(view *state.View) (string, error) { return "escaped", nil }

	g := graph.New(researchSchema(t), r)
	require.NoError(t, g.SetEntry("a"))
	require.NoError(t, g.AddConditionalEdge("a", router, "b"))

	e := newTestEngine(t, g, Config{})
	_, err := e.Run(context.Background(), nil, nil)
	runErr := asRunError(t, err)
	assert.Equal(t, KindRouting, runErr.Kind)
	assert.Equal(t, "a", runErr.Node)
}

func TestRun_NodeFailure(t *testing.T) {
	boom := errors.New("node exploded")
	r := graph.NewRegistry()
	require.NoError(t, r.RegisterFunc("a", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		return graph.UpdateResult(map[string]interface{}{"topic": "before failure"}), nil
	}))
	require.NoError(t, r.RegisterFunc("b", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		return nil, boom
	}))

	g := graph.New(researchSchema(t), r)
	require.NoError(t, g.SetEntry("a"))
	require.NoError(t, g.AddEdge("a", "b"))

	e := newTestEngine(t, g, Config{})
	_, err := e.Run(context.Background(), nil, nil)
	runErr := asRunError(t, err)
	assert.Equal(t, KindNodeExecution, runErr.Kind)
	assert.Equal(t, "b", runErr.Node)
	assert.ErrorIs(t, err, boom)

	// The attached snapshot holds the last successful merge.
	require.NotNil(t, runErr.State)
	v, _ := runErr.State.Get("topic")
	assert.Equal(t, "before failure", v)
}

func TestRun_SchemaViolationLeavesState(t *testing.T) {
	r := graph.NewRegistry()
	require.NoError(t, r.RegisterFunc("a", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		return graph.UpdateResult(map[string]interface{}{"rounds": 1}), nil
	}))
	require.NoError(t, r.RegisterFunc("b", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		return graph.UpdateResult(map[string]interface{}{"rounds": "two"}), nil
	}))

	g := graph.New(researchSchema(t), r)
	require.NoError(t, g.SetEntry("a"))
	require.NoError(t, g.AddEdge("a", "b"))

	e := newTestEngine(t, g, Config{})
	_, err := e.Run(context.Background(), nil, nil)
	runErr := asRunError(t, err)
	assert.Equal(t, KindTypeMismatch, runErr.Kind)

	v, _ := runErr.State.Get("rounds")
	assert.Equal(t, 1, v)
	assert.Equal(t, uint64(1), runErr.State.Version())
}

func TestRun_FanOutDeterministicMergeOrder(t *testing.T) {
	const branches = 8

	r := graph.NewRegistry()
	require.NoError(t, r.RegisterFunc("dispatch", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		res := &graph.Result{}
		for i := 0; i < branches; i++ {
			res.Dispatches = append(res.Dispatches, graph.Dispatch{
				Target: "fetch",
				Input:  map[string]interface{}{"query": fmt.Sprintf("q%d", i)},
			})
		}
		return res, nil
	}))
	require.NoError(t, r.RegisterFunc("fetch", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		// Randomized delay so completion order differs from dispatch order.
		time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
		query, _ := view.Get("query")
		return graph.UpdateResult(map[string]interface{}{
			"results": []interface{}{query},
		}), nil
	}))
	require.NoError(t, r.RegisterFunc("join", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		return graph.UpdateResult(map[string]interface{}{"summary": "joined"}), nil
	}))

	g := graph.New(researchSchema(t), r)
	require.NoError(t, g.SetEntry("dispatch"))
	require.NoError(t, g.AddFanOut("dispatch", "join"))

	e := newTestEngine(t, g, Config{BatchWorkers: 4})

	// Several iterations to shake out scheduling luck.
	for iter := 0; iter < 5; iter++ {
		view, err := e.Run(context.Background(), nil, nil)
		require.NoError(t, err)

		v, _ := view.Get("results")
		list := v.([]interface{})
		require.Len(t, list, branches)
		for i := 0; i < branches; i++ {
			assert.Equal(t, fmt.Sprintf("q%d", i), list[i], "iteration %d", iter)
		}
		// The dispatch node merges nothing; branches + join do.
		assert.Equal(t, uint64(branches+1), view.Version())
	}
}

func TestRun_FanOutZeroDispatches(t *testing.T) {
	r := graph.NewRegistry()
	require.NoError(t, r.RegisterFunc("dispatch", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		return nil, nil
	}))
	require.NoError(t, r.RegisterFunc("join", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		return graph.UpdateResult(map[string]interface{}{"summary": "skipped"}), nil
	}))

	g := graph.New(researchSchema(t), r)
	require.NoError(t, g.SetEntry("dispatch"))
	require.NoError(t, g.AddFanOut("dispatch", "join"))

	e := newTestEngine(t, g, Config{})
	view, err := e.Run(context.Background(), nil, nil)
	require.NoError(t, err)

	v, _ := view.Get("summary")
	assert.Equal(t, "skipped", v)
}

func TestRun_FanOutSiblingFailureDiscardsBatch(t *testing.T) {
	var finished sync.Map

	r := graph.NewRegistry()
	require.NoError(t, r.RegisterFunc("dispatch", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		return graph.DispatchResult(
			graph.Dispatch{Target: "fetch", Input: map[string]interface{}{"query": "ok-0"}},
			graph.Dispatch{Target: "fetch", Input: map[string]interface{}{"query": "fail"}},
			graph.Dispatch{Target: "fetch", Input: map[string]interface{}{"query": "ok-2"}},
		), nil
	}))
	require.NoError(t, r.RegisterFunc("fetch", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		query, _ := view.Get("query")
		if query == "fail" {
			return nil, errors.New("fetch failed")
		}
		// Slow sibling proves the batch drains instead of abandoning it.
		time.Sleep(30 * time.Millisecond)
		finished.Store(query, true)
		return graph.UpdateResult(map[string]interface{}{
			"results": []interface{}{query},
		}), nil
	}))
	require.NoError(t, r.RegisterFunc("join", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		return nil, nil
	}))

	g := graph.New(researchSchema(t), r)
	require.NoError(t, g.SetEntry("dispatch"))
	require.NoError(t, g.AddFanOut("dispatch", "join"))

	e := newTestEngine(t, g, Config{BatchWorkers: 3})
	_, err := e.Run(context.Background(), nil, nil)
	runErr := asRunError(t, err)
	assert.Equal(t, KindNodeExecution, runErr.Kind)

	// Surviving siblings ran to completion but their updates were discarded.
	_, ok := finished.Load("ok-0")
	assert.True(t, ok)
	_, ok = finished.Load("ok-2")
	assert.True(t, ok)
	_, ok = runErr.State.Get("results")
	assert.False(t, ok)
}

func TestRun_FanOutTaskMayNotDispatch(t *testing.T) {
	r := graph.NewRegistry()
	require.NoError(t, r.RegisterFunc("dispatch", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		return graph.DispatchResult(graph.Dispatch{Target: "nested"}), nil
	}))
	require.NoError(t, r.RegisterFunc("nested", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		return graph.DispatchResult(graph.Dispatch{Target: "nested"}), nil
	}))
	require.NoError(t, r.RegisterFunc("join", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		return nil, nil
	}))

	g := graph.New(researchSchema(t), r)
	require.NoError(t, g.SetEntry("dispatch"))
	require.NoError(t, g.AddFanOut("dispatch", "join"))

	e := newTestEngine(t, g, Config{})
	_, err := e.Run(context.Background(), nil, nil)
	runErr := asRunError(t, err)
	assert.Equal(t, KindNodeExecution, runErr.Kind)
	assert.ErrorIs(t, err, graph.ErrUnexpectedDispatch)
}

func TestRun_Cancellation(t *testing.T) {
	r := graph.NewRegistry()
	require.NoError(t, r.RegisterFunc("block", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	g := graph.New(researchSchema(t), r)
	require.NoError(t, g.SetEntry("block"))

	e := newTestEngine(t, g, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := e.Run(ctx, nil, nil)
	runErr := asRunError(t, err)
	assert.Equal(t, KindCancelled, runErr.Kind)
}

func TestRun_NodeDeadline(t *testing.T) {
	r := graph.NewRegistry()
	require.NoError(t, r.RegisterFunc("slow", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		select {
		case <-time.After(time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	g := graph.New(researchSchema(t), r)
	require.NoError(t, g.SetEntry("slow"))

	e := newTestEngine(t, g, Config{NodeTimeout: 20 * time.Millisecond})
	_, err := e.Run(context.Background(), nil, nil)
	runErr := asRunError(t, err)
	assert.Equal(t, KindDeadline, runErr.Kind)
}

func TestRun_RunTimeout(t *testing.T) {
	r := graph.NewRegistry()
	require.NoError(t, r.RegisterFunc("slow", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		select {
		case <-time.After(time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	g := graph.New(researchSchema(t), r)
	require.NoError(t, g.SetEntry("slow"))

	e := newTestEngine(t, g, Config{RunTimeout: 20 * time.Millisecond})
	_, err := e.Run(context.Background(), nil, nil)
	runErr := asRunError(t, err)
	assert.Equal(t, KindDeadline, runErr.Kind)
}

func TestRun_Checkpointing(t *testing.T) {
	store := checkpoint.NewMemory()

	r := graph.NewRegistry()
	require.NoError(t, r.RegisterFunc("a", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		return graph.UpdateResult(map[string]interface{}{"topic": "first"}), nil
	}))
	require.NoError(t, r.RegisterFunc("b", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		return graph.UpdateResult(map[string]interface{}{"summary": "second"}), nil
	}))

	g := graph.New(researchSchema(t), r)
	require.NoError(t, g.SetEntry("a"))
	require.NoError(t, g.AddEdge("a", "b"))

	e := newTestEngine(t, g, Config{}, WithCheckpoint(store))
	_, err := e.Run(context.Background(), nil, nil)
	require.NoError(t, err)

	ids := store.RunIDs()
	require.Len(t, ids, 1)
	runID := ids[0]

	snaps := store.List(runID)
	require.Len(t, snaps, 2)
	assert.Equal(t, uint64(1), snaps[0].Version)
	assert.Equal(t, uint64(2), snaps[1].Version)
	assert.Equal(t, "first", snaps[0].Fields["topic"])
	assert.Equal(t, "second", snaps[1].Fields["summary"])

	latest, ok := store.Latest(runID)
	require.True(t, ok)
	assert.Equal(t, 2, latest.Step)
}

func TestRun_CheckpointFailureFailsRun(t *testing.T) {
	hookErr := errors.New("store unavailable")
	hook := checkpoint.HookFunc(func(ctx context.Context, snap checkpoint.Snapshot) error {
		return hookErr
	})

	r := graph.NewRegistry()
	require.NoError(t, r.RegisterFunc("a", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		return graph.UpdateResult(map[string]interface{}{"topic": "x"}), nil
	}))

	g := graph.New(researchSchema(t), r)
	require.NoError(t, g.SetEntry("a"))

	e := newTestEngine(t, g, Config{}, WithCheckpoint(hook))
	_, err := e.Run(context.Background(), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, hookErr)
}

func TestRun_Isolation(t *testing.T) {
	r := graph.NewRegistry()
	require.NoError(t, r.RegisterFunc("a", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		topic, _ := view.Get("topic")
		return graph.UpdateResult(map[string]interface{}{
			"summary": fmt.Sprintf("run for %v", topic),
		}), nil
	}))

	g := graph.New(researchSchema(t), r)
	require.NoError(t, g.SetEntry("a"))

	e := newTestEngine(t, g, Config{})

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			view, err := e.Run(context.Background(), map[string]interface{}{
				"topic": fmt.Sprintf("t%d", i),
			}, nil)
			if err != nil {
				return
			}
			v, _ := view.Get("summary")
			results[i], _ = v.(string)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		assert.Equal(t, fmt.Sprintf("run for t%d", i), results[i])
	}
}

func TestRun_ConfigPassthrough(t *testing.T) {
	r := graph.NewRegistry()
	require.NoError(t, r.RegisterFunc("a", func(ctx context.Context, view *state.View, cfg graph.RunConfig) (*graph.Result, error) {
		return graph.UpdateResult(map[string]interface{}{
			"topic": cfg.String("requested_topic"),
		}), nil
	}))

	g := graph.New(researchSchema(t), r)
	require.NoError(t, g.SetEntry("a"))

	e := newTestEngine(t, g, Config{})
	view, err := e.Run(context.Background(), nil, graph.RunConfig{"requested_topic": "distributed systems"})
	require.NoError(t, err)

	v, _ := view.Get("topic")
	assert.Equal(t, "distributed systems", v)
}

func TestNew_InvalidGraphFailsConstruction(t *testing.T) {
	g := graph.New(researchSchema(t), graph.NewRegistry())
	_, err := New(g, Config{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrNoEntry)

	_, err = New(nil, Config{}, nil)
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindCancelled, classify(context.Canceled))
	assert.Equal(t, KindDeadline, classify(context.DeadlineExceeded))
	assert.Equal(t, KindStepLimit, classify(fmt.Errorf("wrap: %w", ErrStepLimit)))
	assert.Equal(t, KindUnknownField, classify(&state.UnknownFieldError{Field: "x"}))
	assert.Equal(t, KindTypeMismatch, classify(&state.TypeMismatchError{Field: "x"}))
	assert.Equal(t, KindReducer, classify(&state.ReducerError{Field: "x", Cause: errors.New("r")}))
	assert.Equal(t, KindRouting, classify(&graph.RoutingError{Node: "n"}))
	assert.Equal(t, KindJoinMismatch, classify(&JoinMismatchError{BatchID: "b"}))
	assert.Equal(t, KindRouting, classify(fmt.Errorf("x: %w", graph.ErrNodeNotFound)))
	assert.Equal(t, KindNodeExecution, classify(errors.New("anything else")))

	// Cancellation wins even when wrapped in a node failure.
	wrapped := &NodeExecutionError{Node: "n", Cause: context.Canceled}
	assert.Equal(t, KindCancelled, classify(wrapped))
}
