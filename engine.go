package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"mime"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/voronode/invoiceflow/circuit"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Timeline events.
const (
	EventCreated     = "created"
	EventStarted     = "started"
	EventAdvanced    = "advanced"
	EventRetry       = "retry"
	EventQuarantined = "quarantined"
	EventCompleted   = "completed"
	EventFailed      = "failed"
	EventApproved    = "approved"
	EventCorrected   = "corrected"
	EventRejected    = "rejected"
)

// EngineOptions configures a new Engine.
type EngineOptions struct {
	// Config holds retry, routing, timeout and content type settings. Nil
	// means DefaultConfig; zero fields of a given config take their defaults.
	Config *Config

	// Stages maps every pipeline node to its collaborator.
	Stages StageRegistry

	// Store persists checkpoints. Defaults to a MemoryStore.
	Store CheckpointStore

	// Breakers is shared by every instance. Defaults to a registry built
	// from Config.CircuitBreaker.
	Breakers *circuit.Registry

	Logger      *slog.Logger
	StageLogger StageLogger
	Callbacks   EngineCallbacks
	Tracer      trace.Tracer

	// Now overrides the clock.
	Now func() time.Time
}

// Engine drives invoice instances through the pipeline. It is safe for
// concurrent use; work on any single instance is serialized.
type Engine struct {
	config     Config
	store      CheckpointStore
	breakers   *circuit.Registry
	executor   *StageExecutor
	retries    *RetryCoordinator
	quarantine *QuarantineManager
	callbacks  EngineCallbacks
	logger     *slog.Logger
	now        func() time.Time
	locks      *keyedMutex
	background sync.WaitGroup
}

// NewEngine returns an engine. Every pipeline node must have a stage.
func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := DefaultConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	cfg.loadDefaults()

	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewBaseEngineCallbacks()
	}
	clock := opts.Now
	if clock == nil {
		clock = time.Now
	}
	now := func() time.Time {
		return clock().UTC().Truncate(time.Microsecond)
	}
	if opts.Breakers == nil {
		registryOpts := cfg.CircuitBreaker.RegistryOptions()
		registryOpts.Logger = opts.Logger
		opts.Breakers = circuit.NewRegistry(registryOpts)
	}

	var skipped []Node
	if cfg.Routing.SkipComplianceAudit {
		skipped = append(skipped, NodeComplianceAudit)
	}
	executor, err := NewStageExecutor(StageExecutorOptions{
		Stages:      opts.Stages,
		Skipped:     skipped,
		Breakers:    opts.Breakers,
		Timeouts:    cfg.Timeouts,
		Logger:      opts.Logger,
		StageLogger: opts.StageLogger,
		Tracer:      opts.Tracer,
		Now:         clock,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:    cfg,
		store:     opts.Store,
		breakers:  opts.Breakers,
		executor:  executor,
		retries:   NewRetryCoordinator(cfg.Retry),
		callbacks: opts.Callbacks,
		logger:    opts.Logger,
		now:       now,
		locks:     newKeyedMutex(),
	}
	e.quarantine = &QuarantineManager{engine: e}
	return e, nil
}

// Submission is returned by Submit.
type Submission struct {
	WorkflowID    string `json:"workflow_id"`
	InitialStatus Status `json:"initial_status"`
}

// Start creates an instance for the document and runs it synchronously until
// it completes, fails or is quarantined.
func (e *Engine) Start(ctx context.Context, doc Document) (*Instance, error) {
	inst, err := e.create(ctx, doc)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, inst.ID)
}

// Submit creates an instance and runs it in the background. Use GetStatus to
// follow it and Wait to join all background runs.
func (e *Engine) Submit(ctx context.Context, doc Document) (Submission, error) {
	inst, err := e.create(ctx, doc)
	if err != nil {
		return Submission{}, err
	}
	runCtx := context.WithoutCancel(ctx)
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		if _, err := e.Run(runCtx, inst.ID); err != nil {
			e.logger.Error("background run failed", "instance_id", inst.ID, "error", err)
		}
	}()
	return Submission{WorkflowID: inst.ID, InitialStatus: inst.Status}, nil
}

// Wait blocks until every run started by Submit has returned.
func (e *Engine) Wait() {
	e.background.Wait()
}

func (e *Engine) create(ctx context.Context, doc Document) (*Instance, error) {
	if len(doc.Data) == 0 {
		return nil, ErrEmptyDocument
	}
	contentType, err := e.detectContentType(doc)
	if err != nil {
		return nil, err
	}
	doc.ContentType = contentType
	sum := sha256.Sum256(doc.Data)
	doc.SHA256 = hex.EncodeToString(sum[:])

	now := e.now()
	inst := newInstance(doc, now)
	inst.appendTimeline(EventCreated, doc.Filename, now)
	if err := e.store.SaveCheckpoint(ctx, inst); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", inst.ID, err)
	}
	e.logger.Info("workflow created", "instance_id", inst.ID, "filename", doc.Filename, "content_type", contentType)

	return e.begin(ctx, inst)
}

// begin moves a pending instance into processing at the extract node.
func (e *Engine) begin(ctx context.Context, inst *Instance) (*Instance, error) {
	next := inst.Clone()
	now := e.now()
	next.Status = StatusProcessing
	next.CurrentNode = NodeExtract
	next.UpdatedAt = now
	next.appendTimeline(EventStarted, "", now)
	if err := e.commit(ctx, inst, next, EventStarted, "", ""); err != nil {
		return nil, err
	}
	return next, nil
}

func (e *Engine) detectContentType(doc Document) (string, error) {
	raw := doc.ContentType
	if raw == "" {
		raw = http.DetectContentType(doc.Data)
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadableDocument, err)
	}
	mediaType = strings.ToLower(mediaType)
	if !slices.Contains(e.config.AcceptedContentTypes, mediaType) {
		return "", fmt.Errorf("%w: content type %q not accepted", ErrUnreadableDocument, mediaType)
	}
	return mediaType, nil
}

// Run advances the instance until it is no longer processing.
func (e *Engine) Run(ctx context.Context, id string) (*Instance, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		inst, err := e.Advance(ctx, id)
		if errors.Is(err, ErrTerminalState) {
			return inst, nil
		}
		if err != nil {
			return inst, err
		}
		if inst.Status != StatusProcessing {
			return inst, nil
		}
	}
}

// Advance executes one step of the instance: it runs the current node,
// routes on the outcome, appends one timeline entry and checkpoints the
// result before returning. A quarantined instance is returned unchanged.
func (e *Engine) Advance(ctx context.Context, id string) (*Instance, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	inst, err := e.store.LoadCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	inst.normalize()
	switch inst.Status {
	case StatusCompleted, StatusFailed:
		return inst, fmt.Errorf("advance %s: %w", id, ErrTerminalState)
	case StatusQuarantined:
		return inst, nil
	case StatusPending:
		return e.begin(ctx, inst)
	}
	return e.step(ctx, inst)
}

func (e *Engine) step(ctx context.Context, inst *Instance) (*Instance, error) {
	node := inst.CurrentNode
	if node == NodeComplete {
		next := inst.Clone()
		now := e.now()
		next.Status = StatusCompleted
		next.UpdatedAt = now
		next.appendTimeline(EventCompleted, "", now)
		if err := e.commit(ctx, inst, next, EventCompleted, ActionContinue, ""); err != nil {
			return nil, err
		}
		return next, nil
	}

	if node == NodeComplianceAudit && e.config.Routing.SkipComplianceAudit {
		next := inst.Clone()
		now := e.now()
		next.CurrentNode = node.Next()
		e.retries.Reset(next)
		next.UpdatedAt = now
		next.appendTimeline(EventAdvanced, "compliance audit disabled", now)
		if err := e.commit(ctx, inst, next, EventAdvanced, ActionContinue, "compliance audit disabled"); err != nil {
			return nil, err
		}
		return next, nil
	}

	attempt := inst.Attempts[node] + 1
	e.callbacks.BeforeStage(ctx, &StageEvent{
		InstanceID: inst.ID,
		Node:       node,
		Attempt:    attempt,
		StartTime:  e.now(),
	})
	exec, err := e.executor.Execute(ctx, inst, attempt)
	if err != nil {
		// The caller gave up; nothing happened as far as the store knows.
		return nil, err
	}
	end := e.now()
	e.callbacks.AfterStage(ctx, &StageEvent{
		InstanceID: inst.ID,
		Node:       node,
		Tool:       exec.Tool,
		Attempt:    attempt,
		StartTime:  end.Add(-exec.Duration),
		EndTime:    end,
		Duration:   exec.Duration,
		Anomalies:  len(exec.Result.Anomalies),
		Error:      exec.Err,
	})

	next := inst.Clone()
	e.applyExecution(next, exec)

	outcome := Outcome{
		Node:        node,
		Err:         exec.Err,
		Correctable: exec.Result.Correctable,
	}
	for _, a := range next.ActiveAnomalies() {
		if a.Node != node {
			continue
		}
		switch a.Severity {
		case SeverityCritical:
			outcome.Critical++
		case SeverityHigh:
			outcome.High++
		}
	}
	routing := Route(outcome, next.RiskLevel, e.retries.CanRetry(next), e.config.Routing)

	now := e.now()
	next.UpdatedAt = now
	event := e.applyRouting(next, exec, routing, now)

	if err := e.commit(ctx, inst, next, event, routing.Action, routing.Reason); err != nil {
		return nil, err
	}

	if next.Status == StatusProcessing && routing.Action == ActionRetry &&
		exec.Err != nil && exec.Err.Kind.Infra() {
		if err := e.retries.Backoff(ctx, next); err != nil {
			e.logger.Debug("backoff interrupted", "instance_id", next.ID, "error", err)
		}
	}
	return next, nil
}

// applyExecution folds a stage result into the instance.
func (e *Engine) applyExecution(inst *Instance, exec Execution) {
	node := exec.Node
	inst.Attempts[node] = exec.Attempt

	for _, a := range exec.Result.Anomalies {
		a.Node = node
		a.Attempt = exec.Attempt
		a.Acknowledged = false
		inst.Anomalies = append(inst.Anomalies, a)
	}

	if exec.Err == nil {
		if node == NodeExtract && exec.Result.ExtractedData != nil {
			inst.ExtractedData = cloneMap(exec.Result.ExtractedData)
		}
		if len(exec.Result.Outputs) > 0 {
			maps.Copy(inst.Outputs, cloneMap(exec.Result.Outputs))
		}
	} else {
		inst.appendError(node, exec.Err.Kind, exec.Err.Cause, e.now())
	}

	if node.assessesRisk() && (exec.Err == nil || exec.Err.Kind == ErrorKindValidation) {
		inst.RiskLevel = AssessRisk(inst.ActiveAnomalies())
	}
}

// applyRouting performs the routing decision and returns the timeline event.
func (e *Engine) applyRouting(inst *Instance, exec Execution, routing Routing, now time.Time) string {
	node := exec.Node
	switch routing.Action {
	case ActionContinue:
		inst.CurrentNode = node.Next()
		e.retries.Reset(inst)
		inst.CriticFeedback = []string{}
		if inst.CurrentNode == NodeComplete {
			inst.Status = StatusCompleted
			inst.appendTimeline(EventCompleted, fmt.Sprintf("%s succeeded", node), now)
			return EventCompleted
		}
		inst.appendTimeline(EventAdvanced, fmt.Sprintf("%s succeeded", node), now)
		return EventAdvanced

	case ActionRetry:
		inst.CriticFeedback = critique(exec)
		if !e.retries.RecordAttempt(inst) {
			e.pause(inst, node, ReasonRetryBudgetExhausted, node)
			inst.appendTimeline(EventQuarantined, ReasonRetryBudgetExhausted, now)
			return EventQuarantined
		}
		inst.appendTimeline(EventRetry, routing.Reason, now)
		return EventRetry

	case ActionQuarantine:
		resume := node
		if exec.Err == nil {
			resume = node.Next()
		}
		e.pause(inst, node, routing.Reason, resume)
		inst.appendTimeline(EventQuarantined, routing.Reason, now)
		return EventQuarantined

	default:
		inst.Status = StatusFailed
		if len(inst.ErrorHistory) == 0 {
			inst.appendError(node, ErrorKindTerminal, routing.Reason, now)
		}
		inst.appendTimeline(EventFailed, routing.Reason, now)
		return EventFailed
	}
}

// critique collects the hints handed to the next attempt of the same node.
func critique(exec Execution) []string {
	hints := slices.Clone(exec.Result.Feedback)
	for _, a := range exec.Result.Anomalies {
		hints = append(hints, fmt.Sprintf("%s: %s", a.Type, a.Message))
	}
	if exec.Err != nil {
		hints = append(hints, exec.Err.Cause)
	}
	if hints == nil {
		hints = []string{}
	}
	return hints
}

func (e *Engine) pause(inst *Instance, node Node, reason string, resume Node) {
	active := inst.ActiveAnomalies()
	refs := make([]string, 0, len(active))
	for _, a := range active {
		refs = append(refs, fmt.Sprintf("[%s] %s: %s", a.Severity, a.Type, a.Message))
	}
	message := reason
	if len(active) > 0 {
		message = fmt.Sprintf("%s (%d active anomalies)", reason, len(active))
	}
	inst.Status = StatusQuarantined
	inst.PauseReason = &PauseReason{
		Message:    message,
		Node:       node,
		RiskLevel:  inst.RiskLevel,
		Anomalies:  refs,
		ResumeNode: resume,
	}
}

// commit checkpoints next. On failure the transition is discarded and the
// error returned; prev is only used for the transition event.
func (e *Engine) commit(ctx context.Context, prev, next *Instance, event string, action Action, reason string) error {
	if err := e.store.SaveCheckpoint(ctx, next); err != nil {
		e.logger.Error("checkpoint failed", "instance_id", next.ID, "event", event, "error", err)
		return fmt.Errorf("checkpoint %s: %w", next.ID, err)
	}
	e.logger.Info("workflow transition",
		"instance_id", next.ID,
		"event", event,
		"status", string(next.Status),
		"node", string(next.CurrentNode),
		"risk_level", string(next.RiskLevel),
		"retry_count", next.RetryCount)
	e.callbacks.OnTransition(ctx, &TransitionEvent{
		InstanceID: next.ID,
		Event:      event,
		Action:     action,
		From:       prev.Status,
		To:         next.Status,
		Node:       next.CurrentNode,
		RiskLevel:  next.RiskLevel,
		RetryCount: next.RetryCount,
		Reason:     reason,
		Timestamp:  next.UpdatedAt,
	})
	return nil
}

// GetStatus returns the latest checkpoint of an instance.
func (e *Engine) GetStatus(ctx context.Context, id string) (*Instance, error) {
	return e.store.LoadCheckpoint(ctx, id)
}

// List returns summaries of the instances matching filter, newest first.
func (e *Engine) List(ctx context.Context, filter ListFilter) ([]Summary, error) {
	instances, err := e.store.ListCheckpoints(ctx, filter)
	if err != nil {
		return nil, err
	}
	summaries := make([]Summary, 0, len(instances))
	for _, inst := range instances {
		summaries = append(summaries, inst.Summarize())
	}
	return summaries, nil
}

// History returns every checkpoint of an instance, oldest first.
func (e *Engine) History(ctx context.Context, id string) ([]*Checkpoint, error) {
	return e.store.CheckpointHistory(ctx, id)
}

// Quarantine returns the review interface of the engine.
func (e *Engine) Quarantine() *QuarantineManager {
	return e.quarantine
}

// CircuitStatus returns the state of every tool breaker.
func (e *Engine) CircuitStatus() map[string]circuit.Status {
	return e.breakers.Status()
}

// ResetCircuit forces a tool's breaker closed. An empty name resets all.
func (e *Engine) ResetCircuit(tool string) error {
	return e.breakers.Reset(tool)
}

// Recover runs every pending or processing instance to rest, for use after a
// restart. Instances are run concurrently up to Config.RecoverConcurrency.
func (e *Engine) Recover(ctx context.Context) ([]*Instance, error) {
	var ids []string
	for _, status := range []Status{StatusPending, StatusProcessing} {
		instances, err := e.store.ListCheckpoints(ctx, ListFilter{Status: status})
		if err != nil {
			return nil, fmt.Errorf("list %s instances: %w", status, err)
		}
		for _, inst := range instances {
			ids = append(ids, inst.ID)
		}
	}

	results := make([]*Instance, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.RecoverConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			inst, err := e.Run(gctx, id)
			if err != nil {
				return fmt.Errorf("recover %s: %w", id, err)
			}
			results[i] = inst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.logger.Info("recovered workflows", "count", len(ids))
	return results, nil
}
