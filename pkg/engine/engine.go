// Package engine executes workflow graphs. It contains the scheduler (the
// control loop that invokes nodes, merges their outputs through the state
// reducers and resolves the next edge) and the run controller that drives a
// run from the entry node to a terminal or failed state.
//
// A single run's control loop is sequential; genuine parallelism only
// happens inside a fan-out batch, where dispatched tasks execute against
// read-only views of the pre-dispatch snapshot and their results are merged
// in dispatch order behind a counting join barrier.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/wehubfusion/Daedalus/pkg/checkpoint"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/state"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	internaltracing "github.com/wehubfusion/Daedalus/internal/tracing"
)

// Engine executes a validated graph. It is safe for concurrent use: every
// Run creates fresh, fully isolated run state, and the graph itself is
// read-only after validation.
type Engine struct {
	graph           *graph.Graph
	config          Config
	logger          *zap.Logger
	tracer          trace.Tracer
	limiter         *concurrency.Limiter
	hook            checkpoint.Hook
	hub             *sentry.Hub
	tracingShutdown func(context.Context) error
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the zap logger used for engine and run logging.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithCheckpoint installs the persistence hook invoked after every
// successful merge.
func WithCheckpoint(hook checkpoint.Hook) Option {
	return func(e *Engine) { e.hook = hook }
}

// WithLimiter replaces the default fan-out concurrency limiter.
func WithLimiter(limiter *concurrency.Limiter) Option {
	return func(e *Engine) { e.limiter = limiter }
}

// WithSentryHub captures run failures to the given Sentry hub before they
// are returned to the caller.
func WithSentryHub(hub *sentry.Hub) Option {
	return func(e *Engine) { e.hub = hub }
}

// New creates an engine over the given graph. The graph is validated if it
// hasn't been already; an invalid graph fails construction, never a run.
// tracingConfig is optional; if nil, no tracing exporter is set up and the
// engine uses whatever global tracer provider is installed.
func New(g *graph.Graph, config Config, tracingConfig *TracingConfig, opts ...Option) (*Engine, error) {
	if g == nil {
		return nil, errors.New("graph cannot be nil")
	}
	if !g.Validated() {
		if err := g.Validate(); err != nil {
			return nil, fmt.Errorf("graph validation failed: %w", err)
		}
	}
	config.Validate()

	e := &Engine{
		graph:  g,
		config: config,
		tracer: otel.Tracer("daedalus/engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.limiter == nil {
		e.limiter = concurrency.NewLimiter(concurrency.LoadConfig().MaxConcurrent)
	}

	if tracingConfig != nil {
		shutdown, err := internaltracing.Setup(context.Background(), tracingConfig.toInternalConfig(), e.logger)
		if err != nil {
			e.logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		} else {
			e.tracingShutdown = shutdown
			e.logger.Info("Tracing setup complete",
				zap.String("service", tracingConfig.ServiceName),
				zap.String("endpoint", tracingConfig.OTLPEndpoint))
		}
	}

	return e, nil
}

// Graph returns the graph this engine executes.
func (e *Engine) Graph() *graph.Graph {
	return e.graph
}

// Close releases engine resources, including the tracing exporter if one
// was set up by New.
func (e *Engine) Close() error {
	if e.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.tracingShutdown(ctx); err != nil {
			e.logger.Error("Error shutting down tracing", zap.Error(err))
			return err
		}
		e.logger.Info("Tracing shutdown complete")
	}
	return nil
}

// Run executes the graph from its entry node over a fresh state seeded with
// the initial values, and blocks until the run terminates. On success it
// returns the final state snapshot. On failure it returns a *RunError
// carrying the failing node, the failure kind and the state as of the last
// successful merge.
//
// Cancelling ctx stops scheduling immediately; in-flight node invocations
// are signalled to stop cooperatively and any late results are discarded.
// runConfig is passed through unchanged to every node and router.
func (e *Engine) Run(ctx context.Context, initial map[string]interface{}, runConfig graph.RunConfig) (*state.View, error) {
	runID := uuid.NewString()
	logger := e.logger.With(zap.String("run_id", runID))

	if e.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.RunTimeout)
		defer cancel()
	}

	ctx, span := e.tracer.Start(ctx, "engine.Run",
		trace.WithAttributes(runAttributes(runID, e.graph.Entry())...))
	defer span.End()

	st, err := state.New(e.graph.Schema(), initial)
	if err != nil {
		logger.Error("Initial state rejected", zap.Error(err))
		return nil, &RunError{RunID: runID, Kind: classify(err), Err: err}
	}

	r := &run{
		id:     runID,
		engine: e,
		st:     st,
		config: runConfig,
		logger: logger,
	}

	start := time.Now()
	logger.Info("Run started", zap.String("entry", e.graph.Entry()))

	view, runErr := r.loop(ctx)
	if runErr != nil {
		span.RecordError(runErr)
		logger.Error("Run failed",
			zap.String("node", runErr.Node),
			zap.String("kind", string(runErr.Kind)),
			zap.Int("steps", r.steps),
			zap.Duration("duration", time.Since(start)),
			zap.Error(runErr.Err))
		if e.hub != nil {
			e.hub.CaptureException(runErr)
		}
		return nil, runErr
	}

	logger.Info("Run completed",
		zap.Int("steps", r.steps),
		zap.Uint64("state_version", view.Version()),
		zap.Duration("duration", time.Since(start)))
	return view, nil
}
