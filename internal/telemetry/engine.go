package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/workgate/internal/engine"
	"github.com/steveyegge/workgate/internal/policy"
	"github.com/steveyegge/workgate/internal/storage"
	"github.com/steveyegge/workgate/internal/types"
)

const engineScopeName = "github.com/steveyegge/workgate/engine"

// InstrumentedEngine wraps engine.API with OTel tracing and metrics.
// Every method gets a span and is counted in wg.engine.* metrics; rejected
// transitions are additionally counted by error kind.
type InstrumentedEngine struct {
	inner       engine.API
	tracer      trace.Tracer
	ops         metric.Int64Counter
	dur         metric.Float64Histogram
	errs        metric.Int64Counter
	transitions metric.Int64Counter
}

// Verify InstrumentedEngine implements engine.API at compile time
var _ engine.API = (*InstrumentedEngine)(nil)

// WrapEngine returns e decorated with instrumentation from the global
// providers. When telemetry is disabled, e is returned as-is.
func WrapEngine(e engine.API) engine.API {
	if !Enabled() {
		return e
	}
	return Instrument(e, Tracer(engineScopeName), Meter(engineScopeName))
}

// Instrument decorates e with the given tracer and meter.
func Instrument(e engine.API, tracer trace.Tracer, m metric.Meter) *InstrumentedEngine {
	ops, _ := m.Int64Counter("wg.engine.operations",
		metric.WithDescription("Total engine operations executed"),
	)
	dur, _ := m.Float64Histogram("wg.engine.operation.duration",
		metric.WithDescription("Engine operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("wg.engine.errors",
		metric.WithDescription("Total engine operation errors"),
	)
	transitions, _ := m.Int64Counter("wg.transitions",
		metric.WithDescription("Transitions by action and outcome"),
	)
	return &InstrumentedEngine{
		inner:       e,
		tracer:      tracer,
		ops:         ops,
		dur:         dur,
		errs:        errs,
		transitions: transitions,
	}
}

// op starts a span and counts the named engine operation.
func (s *InstrumentedEngine) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("wg.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "engine."+name, trace.WithAttributes(all...))
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedEngine) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		if kind := types.KindOf(err); kind != "" {
			span.SetAttributes(attribute.String("wg.error.kind", string(kind)))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func entityAttrs(kind types.EntityKind, id string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("wg.entity.kind", string(kind)),
		attribute.String("wg.entity.id", id),
	}
}

// ── Transitions ─────────────────────────────────────────────────────────────

func (s *InstrumentedEngine) Transition(ctx context.Context, kind types.EntityKind, id string, action types.Action, params engine.Params) (*types.EntityState, error) {
	attrs := append(entityAttrs(kind, id), attribute.String("wg.action", string(action)))
	ctx, span, t := s.op(ctx, "Transition", attrs...)
	state, err := s.inner.Transition(ctx, kind, id, action, params)

	outcome := "applied"
	if err != nil {
		outcome = string(types.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	} else {
		span.SetAttributes(
			attribute.String("wg.status", string(state.Status)),
			attribute.Int64("wg.version", state.Version),
			attribute.Int("wg.warning.count", len(state.Warnings)),
		)
	}
	s.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("wg.entity.kind", string(kind)),
		attribute.String("wg.action", string(action)),
		attribute.String("wg.outcome", outcome),
	))
	s.done(ctx, span, t, err, attrs...)
	return state, err
}

func (s *InstrumentedEngine) AddDependency(ctx context.Context, kind types.EntityKind, sourceID, targetID string, depType types.DependencyType, actor string) error {
	attrs := []attribute.KeyValue{
		attribute.String("wg.entity.kind", string(kind)),
		attribute.String("wg.dep.from", sourceID),
		attribute.String("wg.dep.to", targetID),
		attribute.String("wg.dep.type", string(depType)),
	}
	ctx, span, t := s.op(ctx, "AddDependency", attrs...)
	err := s.inner.AddDependency(ctx, kind, sourceID, targetID, depType, actor)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedEngine) AddBlocker(ctx context.Context, kind types.EntityKind, ownerID string, source engine.BlockerSource, severity types.BlockerSeverity, actor string) (string, error) {
	attrs := append(entityAttrs(kind, ownerID), attribute.String("wg.blocker.severity", string(severity)))
	ctx, span, t := s.op(ctx, "AddBlocker", attrs...)
	id, err := s.inner.AddBlocker(ctx, kind, ownerID, source, severity, actor)
	s.done(ctx, span, t, err, attrs...)
	return id, err
}

func (s *InstrumentedEngine) ResolveBlocker(ctx context.Context, blockerID, reason, actor string) error {
	attrs := []attribute.KeyValue{attribute.String("wg.blocker.id", blockerID)}
	ctx, span, t := s.op(ctx, "ResolveBlocker", attrs...)
	err := s.inner.ResolveBlocker(ctx, blockerID, reason, actor)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// GetPolicy is a pure table lookup and is not traced.
func (s *InstrumentedEngine) GetPolicy(kind types.EntityKind, typ string) (policy.Rule, error) {
	return s.inner.GetPolicy(kind, typ)
}

// ── Mutations ───────────────────────────────────────────────────────────────

func (s *InstrumentedEngine) CreateWorkItem(ctx context.Context, req engine.CreateWorkItemRequest) (*types.WorkItem, error) {
	attrs := []attribute.KeyValue{attribute.String("wg.work_item.type", string(req.Type))}
	ctx, span, t := s.op(ctx, "CreateWorkItem", attrs...)
	v, err := s.inner.CreateWorkItem(ctx, req)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedEngine) CreateTask(ctx context.Context, req engine.CreateTaskRequest) (*types.Task, error) {
	attrs := []attribute.KeyValue{
		attribute.String("wg.task.type", string(req.Type)),
		attribute.Float64("wg.task.effort_hours", req.EffortHours),
	}
	ctx, span, t := s.op(ctx, "CreateTask", attrs...)
	v, err := s.inner.CreateTask(ctx, req)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedEngine) UpdateTaskEffort(ctx context.Context, id string, hours float64, overrideReason, actor string) (*types.Task, error) {
	attrs := append(entityAttrs(types.KindTask, id), attribute.Float64("wg.task.effort_hours", hours))
	ctx, span, t := s.op(ctx, "UpdateTaskEffort", attrs...)
	v, err := s.inner.UpdateTaskEffort(ctx, id, hours, overrideReason, actor)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedEngine) UpdateQuality(ctx context.Context, kind types.EntityKind, id string, patch types.QualityPatch, actor string) (*types.QualityMetadata, error) {
	attrs := entityAttrs(kind, id)
	ctx, span, t := s.op(ctx, "UpdateQuality", attrs...)
	v, err := s.inner.UpdateQuality(ctx, kind, id, patch, actor)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedEngine) RecordReview(ctx context.Context, kind types.EntityKind, id, reviewer string, outcome types.ReviewOutcome) error {
	attrs := append(entityAttrs(kind, id), attribute.String("wg.review.outcome", string(outcome)))
	ctx, span, t := s.op(ctx, "RecordReview", attrs...)
	err := s.inner.RecordReview(ctx, kind, id, reviewer, outcome)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedEngine) SetBusinessContext(ctx context.Context, id, text, actor string) error {
	attrs := entityAttrs(types.KindWorkItem, id)
	ctx, span, t := s.op(ctx, "SetBusinessContext", attrs...)
	err := s.inner.SetBusinessContext(ctx, id, text, actor)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedEngine) SetClarification(ctx context.Context, kind types.EntityKind, id string, needed bool, actor string) error {
	attrs := entityAttrs(kind, id)
	ctx, span, t := s.op(ctx, "SetClarification", attrs...)
	err := s.inner.SetClarification(ctx, kind, id, needed, actor)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedEngine) RecordCoverage(ctx context.Context, report types.CoverageReport, actor string) error {
	attrs := []attribute.KeyValue{attribute.Int("wg.coverage.categories", len(report))}
	ctx, span, t := s.op(ctx, "RecordCoverage", attrs...)
	err := s.inner.RecordCoverage(ctx, report, actor)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Reads ───────────────────────────────────────────────────────────────────

func (s *InstrumentedEngine) GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error) {
	attrs := entityAttrs(types.KindWorkItem, id)
	ctx, span, t := s.op(ctx, "GetWorkItem", attrs...)
	v, err := s.inner.GetWorkItem(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedEngine) GetTask(ctx context.Context, id string) (*types.Task, error) {
	attrs := entityAttrs(types.KindTask, id)
	ctx, span, t := s.op(ctx, "GetTask", attrs...)
	v, err := s.inner.GetTask(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedEngine) ListWorkItems(ctx context.Context, filter storage.WorkItemFilter) ([]*types.WorkItem, error) {
	ctx, span, t := s.op(ctx, "ListWorkItems")
	v, err := s.inner.ListWorkItems(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("wg.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedEngine) ListTasks(ctx context.Context, filter storage.TaskFilter) ([]*types.Task, error) {
	ctx, span, t := s.op(ctx, "ListTasks")
	v, err := s.inner.ListTasks(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("wg.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedEngine) Blockers(ctx context.Context, kind types.EntityKind, id string) ([]*types.Blocker, error) {
	attrs := entityAttrs(kind, id)
	ctx, span, t := s.op(ctx, "Blockers", attrs...)
	v, err := s.inner.Blockers(ctx, kind, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedEngine) Dependencies(ctx context.Context, kind types.EntityKind, id string) ([]*types.Dependency, error) {
	attrs := entityAttrs(kind, id)
	ctx, span, t := s.op(ctx, "Dependencies", attrs...)
	v, err := s.inner.Dependencies(ctx, kind, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedEngine) Events(ctx context.Context, kind types.EntityKind, id string, limit int) ([]*types.Event, error) {
	attrs := entityAttrs(kind, id)
	ctx, span, t := s.op(ctx, "Events", attrs...)
	v, err := s.inner.Events(ctx, kind, id, limit)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedEngine) Coverage(ctx context.Context) (types.CoverageReport, error) {
	ctx, span, t := s.op(ctx, "Coverage")
	v, err := s.inner.Coverage(ctx)
	s.done(ctx, span, t, err)
	return v, err
}
