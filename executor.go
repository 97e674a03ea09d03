package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/voronode/invoiceflow/circuit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/voronode/invoiceflow"

// StageExecutorOptions configures a StageExecutor.
type StageExecutorOptions struct {
	Stages      StageRegistry
	// Skipped nodes never run and need no stage.
	Skipped     []Node
	Breakers    *circuit.Registry
	Timeouts    TimeoutConfig
	Logger      *slog.Logger
	StageLogger StageLogger
	Tracer      trace.Tracer
	Now         func() time.Time
}

// StageExecutor runs one node of an instance behind the tool's circuit
// breaker and the node's timeout.
type StageExecutor struct {
	stages      StageRegistry
	breakers    *circuit.Registry
	timeouts    TimeoutConfig
	logger      *slog.Logger
	stageLogger StageLogger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewStageExecutor returns an executor. Every pipeline node not listed in
// opts.Skipped must have a stage.
func NewStageExecutor(opts StageExecutorOptions) (*StageExecutor, error) {
	for _, node := range Pipeline {
		if opts.Stages[node] == nil && !slices.Contains(opts.Skipped, node) {
			return nil, fmt.Errorf("no stage registered for node %q", node)
		}
	}
	if opts.Breakers == nil {
		opts.Breakers = circuit.NewRegistry(circuit.RegistryOptions{Logger: opts.Logger})
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.StageLogger == nil {
		opts.StageLogger = NewNullStageLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &StageExecutor{
		stages:      opts.Stages,
		breakers:    opts.Breakers,
		timeouts:    opts.Timeouts,
		logger:      opts.Logger,
		stageLogger: opts.StageLogger,
		tracer:      opts.Tracer,
		now:         opts.Now,
	}, nil
}

// Execution is the outcome of one stage attempt.
type Execution struct {
	Node     Node
	Tool     string
	Attempt  int
	Result   *StageResult
	Err      *StageError
	Duration time.Duration
}

// Execute runs the instance's current node. Stage failures are reported in
// Execution.Err; the returned error is only set when ctx itself is done, in
// which case no transition should be recorded.
func (e *StageExecutor) Execute(ctx context.Context, inst *Instance, attempt int) (Execution, error) {
	node := inst.CurrentNode
	stage := e.stages[node]
	exec := Execution{Node: node, Tool: stage.Name(), Attempt: attempt}

	input := StageInput{
		InstanceID:     inst.ID,
		Node:           node,
		Attempt:        attempt,
		Document:       inst.Document,
		ExtractedData:  cloneMap(inst.ExtractedData),
		Anomalies:      inst.ActiveAnomalies(),
		CriticFeedback: append([]string(nil), inst.CriticFeedback...),
		Outputs:        cloneMap(inst.Outputs),
	}

	ctx, span := e.tracer.Start(ctx, "stage."+string(node), trace.WithAttributes(
		attribute.String("instance_id", inst.ID),
		attribute.String("node", string(node)),
		attribute.String("tool", exec.Tool),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	logger := e.logger.With("instance_id", inst.ID, "node", string(node), "tool", exec.Tool, "attempt", attempt)
	stageCtx := WithInstanceID(WithLogger(ctx, logger), inst.ID)

	start := e.now()
	var result *StageResult
	err := e.breakers.CallWith(stageCtx, exec.Tool, countsAgainstBreaker, func(ctx context.Context) error {
		var err error
		result, err = e.runWithTimeout(ctx, stage, input, e.timeouts.For(node))
		return err
	})
	exec.Duration = e.now().Sub(start)

	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "canceled")
		return exec, ctx.Err()
	}

	if err != nil {
		stageErr := ClassifyError(err)
		if stageErr.Node == "" {
			withNode := *stageErr
			withNode.Node = node
			stageErr = &withNode
		}
		exec.Err = stageErr
		span.RecordError(err)
		span.SetStatus(codes.Error, string(stageErr.Kind))
		logger.Warn("stage failed", "kind", string(stageErr.Kind), "error", stageErr.Cause, "duration", exec.Duration)
	} else {
		logger.Debug("stage succeeded", "duration", exec.Duration)
	}
	if result == nil {
		result = &StageResult{}
	}
	exec.Result = result
	span.SetAttributes(attribute.Int("anomalies", len(result.Anomalies)))

	entry := &StageLogEntry{
		ID:         newStageLogID(),
		InstanceID: inst.ID,
		Node:       node,
		Tool:       exec.Tool,
		Attempt:    attempt,
		Anomalies:  len(result.Anomalies),
		StartTime:  start,
		Duration:   exec.Duration.Seconds(),
	}
	if exec.Err != nil {
		entry.ErrorKind = exec.Err.Kind
		entry.Error = exec.Err.Cause
	}
	if err := e.stageLogger.LogStage(ctx, entry); err != nil {
		logger.Warn("failed to log stage attempt", "error", err)
	}
	return exec, nil
}

type stageReply struct {
	result *StageResult
	err    error
}

// runWithTimeout stops waiting for the stage after timeout. A late reply
// lands in the buffered channel and is dropped.
func (e *StageExecutor) runWithTimeout(ctx context.Context, stage Stage, input StageInput, timeout time.Duration) (*StageResult, error) {
	stageCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	replies := make(chan stageReply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				replies <- stageReply{err: fmt.Errorf("stage %s panicked: %v", input.Node, r)}
			}
		}()
		result, err := stage.Execute(stageCtx, input)
		replies <- stageReply{result: result, err: err}
	}()

	select {
	case reply := <-replies:
		return reply.result, reply.err
	case <-stageCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &StageError{
			Kind:    ErrorKindTimeout,
			Node:    input.Node,
			Cause:   fmt.Sprintf("stage timed out after %s", timeout),
			Wrapped: context.DeadlineExceeded,
		}
	}
}
