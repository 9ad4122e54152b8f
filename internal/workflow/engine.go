package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/rfiflow/internal/audit"
	"github.com/pitabwire/rfiflow/internal/catalog"
	"github.com/pitabwire/rfiflow/internal/notify"
	"github.com/pitabwire/rfiflow/internal/observability"
	"github.com/pitabwire/rfiflow/internal/outbox"
	"github.com/pitabwire/rfiflow/internal/transition"
	"github.com/pitabwire/rfiflow/model"
)

// Request asks the engine to move one RFI to Target.
type Request struct {
	RFIID   string
	Target  model.Status
	ActorID string
	Extra   model.TransitionExtra
}

// Engine is the only writer of an RFI's status and stage. Every write goes
// through a conditional store update, so concurrent callers racing on the
// same record see exactly one success; the rest get CONFLICT or, on retry,
// ILLEGAL_TRANSITION.
type Engine struct {
	store     RecordStore
	catalog   *catalog.Catalog
	validator *transition.Validator
	trail     *audit.Log

	feed     *audit.Log
	notifier notify.Notifier
	outbox   *outbox.Outbox
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	newID    func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithActivityFeed sets the log that receives user-facing activity entries.
func WithActivityFeed(feed *audit.Log) Option {
	return func(e *Engine) { e.feed = feed }
}

// WithNotifier sets the notification dispatcher.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithOutbox routes activity entries and notifications through o. Without an
// outbox they run inline after the commit, detached from the caller's
// cancellation.
func WithOutbox(o *outbox.Outbox) Option {
	return func(e *Engine) { e.outbox = o }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides how new RFI IDs are generated.
func WithIDGenerator(f func() string) Option {
	return func(e *Engine) { e.newID = f }
}

// NewEngine creates a new workflow engine. trail is the compliance audit log.
func NewEngine(
	store RecordStore,
	cat *catalog.Catalog,
	table *transition.Table,
	trail *audit.Log,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:     store,
		catalog:   cat,
		validator: transition.NewValidator(table),
		trail:     trail,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Table returns the transition table the engine enforces.
func (e *Engine) Table() *transition.Table {
	return e.validator.Table()
}

// Catalog returns the state catalog.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog
}

// Store returns the record store.
func (e *Engine) Store() RecordStore {
	return e.store
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.now()
}

// Execute moves an RFI to req.Target. An empty req.ActorID is taken from
// the caller on ctx.
func (e *Engine) Execute(ctx context.Context, req Request) (rfi model.RFI, err error) {
	start := time.Now()
	if req.ActorID == "" {
		req.ActorID = model.ActorFrom(ctx)
	}
	ctx, span := observability.StartSpan(ctx, "workflow.Execute",
		observability.AttrRFIID.String(req.RFIID),
		observability.AttrToStatus.String(string(req.Target)),
		observability.AttrActorID.String(req.ActorID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Load record.
	current, err := e.store.Get(ctx, req.RFIID)
	if err != nil {
		e.metrics.RecordTransition("", string(req.Target), resultFor(err), 0)
		return model.RFI{}, loadError(err)
	}
	from := current.Status
	span.SetAttributes(observability.AttrFromStatus.String(string(from)))

	// 2. Validate the record as it would look with the caller's extras.
	candidate, legal := e.withExtras(current, req.Target, req.Extra)
	if err := e.validator.Validate(&candidate, req.Target).Err(from, req.Target); err != nil {
		if !legal {
			e.metrics.RecordTransition(string(from), string(req.Target), observability.ResultIllegal, 0)
		} else {
			e.metrics.RecordValidationFailure(string(from), string(req.Target))
			e.metrics.RecordTransition(string(from), string(req.Target), observability.ResultInvalid, 0)
		}
		e.log(ctx).Debug("transition rejected",
			zap.String("rfi_id", req.RFIID),
			zap.String("from", string(from)),
			zap.String("to", string(req.Target)),
			zap.Error(err),
		)
		return model.RFI{}, err
	}

	// 3. Side effects.
	now := e.now()
	candidate.Status = req.Target
	stampLifecycle(&candidate, req.Target, now)
	if !e.catalog.StageAllowed(candidate.Stage, req.Target) {
		candidate.Stage = model.StageNone
	}

	// 4. Conditional persist.
	updated, err := e.store.UpdateIfStatus(ctx, candidate, from)
	if err != nil {
		e.metrics.RecordTransition(string(from), string(req.Target), resultFor(err), 0)
		return model.RFI{}, writeError(err)
	}

	// 5. Audit trail and activity feed.
	detail := fmt.Sprintf("status changed from %s to %s", from, req.Target)
	if reason := strings.TrimSpace(req.Extra.Reason); reason != "" {
		detail += ": " + reason
	}
	auditEntry := model.AuditEntry{
		RFIID:     updated.ID,
		Seq:       updated.Version,
		Timestamp: now,
		ActorID:   req.ActorID,
		Action:    model.ActionStatusTransition,
		FromState: string(from),
		ToState:   string(req.Target),
		Detail:    detail,
	}
	e.recordAudit(ctx, auditEntry)

	// 6. Notification.
	e.notify(ctx, notify.Notification{
		Kind:       notify.KindStatusChanged,
		RFIID:      updated.ID,
		FromStatus: from,
		ToStatus:   req.Target,
		ActorID:    req.ActorID,
		Reason:     req.Extra.Reason,
		OccurredAt: now,
	})

	e.metrics.RecordTransition(string(from), string(req.Target), observability.ResultSuccess, time.Since(start))
	e.log(ctx).Info("rfi status transitioned",
		zap.String("rfi_id", updated.ID),
		zap.String("from", string(from)),
		zap.String("to", string(req.Target)),
		zap.String("actor_id", req.ActorID),
		zap.Int("version", updated.Version),
	)
	return updated, nil
}

// Validate checks whether the stored RFI, merged with extra the way Execute
// merges it, could move to target. Nothing is written.
func (e *Engine) Validate(ctx context.Context, id string, target model.Status, extra model.TransitionExtra) (transition.Result, error) {
	return e.validator.ValidateByID(ctx, mergedGetter{e: e, target: target, extra: extra}, id, target)
}

// withExtras returns a copy of current with the fields the (current, target)
// edge validates filled from extra. The second result reports whether the
// edge exists.
func (e *Engine) withExtras(current model.RFI, target model.Status, extra model.TransitionExtra) (model.RFI, bool) {
	candidate := cloneRFI(current)
	entry, legal := e.validator.Table().Lookup(current.Status, target)
	if !legal {
		return candidate, false
	}
	for _, f := range entry.ValidationFields {
		f.Fill(&candidate, extra)
	}
	if target == model.StatusSent {
		transition.FieldDueDate.FillIfMissing(&candidate, extra)
		transition.FieldAssignedTo.FillIfMissing(&candidate, extra)
	}
	return candidate, true
}

// mergedGetter serves the stored record with transition extras applied.
type mergedGetter struct {
	e      *Engine
	target model.Status
	extra  model.TransitionExtra
}

func (g mergedGetter) Get(ctx context.Context, id string) (model.RFI, error) {
	rfi, err := g.e.store.Get(ctx, id)
	if err != nil {
		return model.RFI{}, err
	}
	candidate, _ := g.e.withExtras(rfi, g.target, g.extra)
	return candidate, nil
}

// AvailableTransitions returns the table entries leaving the RFI's current
// status, in table order.
func (e *Engine) AvailableTransitions(ctx context.Context, id string) ([]transition.Entry, error) {
	rfi, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, loadError(err)
	}
	return e.validator.Table().From(rfi.Status), nil
}

// Create persists a new RFI in status draft.
func (e *Engine) Create(ctx context.Context, in model.NewRFI, actorID string) (rfi model.RFI, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Create",
		observability.AttrActorID.String(actorID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	var missing []string
	if strings.TrimSpace(in.ProjectID) == "" {
		missing = append(missing, "project_id is required")
	}
	if strings.TrimSpace(in.Subject) == "" {
		missing = append(missing, "subject is required")
	}
	if len(missing) > 0 {
		return model.RFI{}, model.NewBadRequestError(strings.Join(missing, "; "))
	}

	now := e.now()
	rfi = model.RFI{
		ID:         e.newID(),
		ProjectID:  in.ProjectID,
		Number:     in.Number,
		Subject:    in.Subject,
		Question:   in.Question,
		Status:     model.StatusDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
		DueDate:    cloneTime(in.DueDate),
		AssignedTo: in.AssignedTo,
		CreatedBy:  actorID,
		Version:    1,
	}
	span.SetAttributes(observability.AttrRFIID.String(rfi.ID))

	if err := e.store.Create(ctx, rfi); err != nil {
		return model.RFI{}, writeError(err)
	}

	e.recordAudit(ctx, model.AuditEntry{
		RFIID:     rfi.ID,
		Seq:       rfi.Version,
		Timestamp: now,
		ActorID:   actorID,
		Action:    model.ActionGenericUpdate,
		ToState:   string(rfi.Status),
		Detail:    "created",
	})

	e.metrics.RecordRFICreated()
	e.log(ctx).Info("rfi created",
		zap.String("rfi_id", rfi.ID),
		zap.String("project_id", rfi.ProjectID),
		zap.String("actor_id", actorID),
	)
	return rfi, nil
}

// SetStage moves an RFI to stage. The stage must be allowed for the RFI's
// current status; StageNone clears it.
func (e *Engine) SetStage(ctx context.Context, id string, stage model.Stage, actorID string) (rfi model.RFI, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.SetStage",
		observability.AttrRFIID.String(id),
		observability.AttrStage.String(string(stage)),
		observability.AttrActorID.String(actorID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if stage != model.StageNone {
		if _, err := e.catalog.DescribeStage(stage); err != nil {
			return model.RFI{}, err
		}
	}

	current, err := e.store.Get(ctx, id)
	if err != nil {
		return model.RFI{}, loadError(err)
	}
	if current.Stage == stage {
		return current, nil
	}
	if !e.catalog.StageAllowed(stage, current.Status) {
		return model.RFI{}, &model.ErrorEnvelope{
			Code:    model.ErrIllegalTransition,
			Message: fmt.Sprintf("stage %s is not allowed while status is %s", stage, current.Status),
		}
	}

	candidate := cloneRFI(current)
	candidate.Stage = stage
	updated, err := e.store.UpdateIfVersion(ctx, candidate)
	if err != nil {
		return model.RFI{}, writeError(err)
	}

	now := e.now()
	e.recordAudit(ctx, model.AuditEntry{
		RFIID:     updated.ID,
		Seq:       updated.Version,
		Timestamp: now,
		ActorID:   actorID,
		Action:    model.ActionStageTransition,
		FromState: string(current.Stage),
		ToState:   string(stage),
		Detail:    fmt.Sprintf("stage changed from %s to %s", stageLabel(current.Stage), stageLabel(stage)),
	})
	e.notify(ctx, notify.Notification{
		Kind:       notify.KindStageChanged,
		RFIID:      updated.ID,
		ToStatus:   updated.Status,
		ActorID:    actorID,
		Reason:     string(stage),
		OccurredAt: now,
	})

	e.metrics.RecordStageChange(stageLabel(stage))
	e.log(ctx).Info("rfi stage changed",
		zap.String("rfi_id", updated.ID),
		zap.String("from", string(current.Stage)),
		zap.String("to", string(stage)),
		zap.String("actor_id", actorID),
	)
	return updated, nil
}

// UpdateFields applies a generic, non-lifecycle update.
func (e *Engine) UpdateFields(ctx context.Context, id string, upd model.FieldUpdate, actorID string) (rfi model.RFI, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.UpdateFields",
		observability.AttrRFIID.String(id),
		observability.AttrActorID.String(actorID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if upd.Empty() {
		return model.RFI{}, model.NewBadRequestError("no fields to update")
	}
	if upd.Subject != nil && strings.TrimSpace(*upd.Subject) == "" {
		return model.RFI{}, model.NewBadRequestError("subject must not be empty")
	}

	current, err := e.store.Get(ctx, id)
	if err != nil {
		return model.RFI{}, loadError(err)
	}

	candidate := cloneRFI(current)
	changed := applyFieldUpdate(&candidate, upd)
	updated, err := e.store.UpdateIfVersion(ctx, candidate)
	if err != nil {
		return model.RFI{}, writeError(err)
	}

	e.recordAudit(ctx, model.AuditEntry{
		RFIID:     updated.ID,
		Seq:       updated.Version,
		Timestamp: e.now(),
		ActorID:   actorID,
		Action:    model.ActionGenericUpdate,
		Detail:    "updated " + strings.Join(changed, ", "),
	})

	e.metrics.RecordFieldUpdate()
	e.log(ctx).Info("rfi fields updated",
		zap.String("rfi_id", updated.ID),
		zap.Strings("fields", changed),
		zap.String("actor_id", actorID),
	)
	return updated, nil
}

// Delete removes an RFI. Its audit trail is kept and gains a deleted entry.
func (e *Engine) Delete(ctx context.Context, id, actorID string) (err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Delete",
		observability.AttrRFIID.String(id),
		observability.AttrActorID.String(actorID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	current, err := e.store.Get(ctx, id)
	if err != nil {
		return loadError(err)
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return writeError(err)
	}

	now := e.now()
	e.recordAudit(ctx, model.AuditEntry{
		RFIID:     id,
		Seq:       current.Version + 1,
		Timestamp: now,
		ActorID:   actorID,
		Action:    model.ActionDeleted,
		FromState: string(current.Status),
		Detail:    "rfi deleted",
	})
	e.notify(ctx, notify.Notification{
		Kind:       notify.KindRFIDeleted,
		RFIID:      id,
		FromStatus: current.Status,
		ActorID:    actorID,
		OccurredAt: now,
	})

	e.log(ctx).Info("rfi deleted",
		zap.String("rfi_id", id),
		zap.String("actor_id", actorID),
	)
	return nil
}

// Get returns one RFI.
func (e *Engine) Get(ctx context.Context, id string) (model.RFI, error) {
	rfi, err := e.store.Get(ctx, id)
	if err != nil {
		return model.RFI{}, loadError(err)
	}
	return rfi, nil
}

// List returns RFIs matching filters.
func (e *Engine) List(ctx context.Context, filters model.RFIFilters) ([]model.RFI, error) {
	if filters.Status != "" && !e.catalog.HasStatus(filters.Status) {
		return nil, model.NewUnknownStateError("status", string(filters.Status))
	}
	rfis, err := e.store.List(ctx, filters)
	if err != nil {
		return nil, model.NewPersistenceError(err)
	}
	return rfis, nil
}

// AuditTrail returns the compliance trail of an RFI in sequence order.
func (e *Engine) AuditTrail(ctx context.Context, id string) ([]model.AuditEntry, error) {
	entries, err := e.trail.ListFor(ctx, id)
	if err != nil {
		return nil, model.NewPersistenceError(err)
	}
	return entries, nil
}

// ActivityFeed returns the activity entries of an RFI in sequence order. It
// is empty when no feed is configured.
func (e *Engine) ActivityFeed(ctx context.Context, id string) ([]model.AuditEntry, error) {
	if e.feed == nil {
		return []model.AuditEntry{}, nil
	}
	entries, err := e.feed.ListFor(ctx, id)
	if err != nil {
		return nil, model.NewPersistenceError(err)
	}
	return entries, nil
}

// ClearAudit removes the compliance trail of one RFI, leaving a marker entry.
func (e *Engine) ClearAudit(ctx context.Context, id, actorID string) (int, error) {
	n, err := e.trail.ClearFor(ctx, id, actorID)
	if err != nil {
		return n, model.NewPersistenceError(err)
	}
	e.log(ctx).Warn("audit trail cleared",
		zap.String("rfi_id", id),
		zap.Int("entries", n),
		zap.String("actor_id", actorID),
	)
	return n, nil
}

// ClearAllAudit removes every compliance trail, leaving a single marker.
func (e *Engine) ClearAllAudit(ctx context.Context, actorID string) (int, error) {
	n, err := e.trail.ClearAll(ctx, actorID)
	if err != nil {
		return n, model.NewPersistenceError(err)
	}
	e.log(ctx).Warn("all audit trails cleared",
		zap.Int("entries", n),
		zap.String("actor_id", actorID),
	)
	return n, nil
}

// log returns the engine logger with the caller's request ids attached.
func (e *Engine) log(ctx context.Context) *zap.Logger {
	return observability.Enrich(ctx, e.logger)
}

// recordAudit appends entry to the compliance trail and queues it for the
// activity feed. Failures are logged and counted, never returned: the record
// write has already committed.
func (e *Engine) recordAudit(ctx context.Context, entry model.AuditEntry) {
	ctx = context.WithoutCancel(ctx)
	if err := e.trail.Append(ctx, entry); err != nil {
		e.metrics.RecordAuditWriteFailure(e.trail.Name())
		e.log(ctx).Warn("audit append failed",
			zap.String("rfi_id", entry.RFIID),
			zap.String("action", string(entry.Action)),
			zap.Error(err),
		)
	}
	if e.feed != nil {
		e.dispatch(ctx, outbox.ActivityTask(e.feed, entry))
	}
}

func (e *Engine) notify(ctx context.Context, n notify.Notification) {
	if e.notifier == nil {
		return
	}
	e.dispatch(ctx, outbox.NotifyTask(e.notifier, n))
}

// dispatch hands t to the outbox, or runs it inline when none is configured.
func (e *Engine) dispatch(ctx context.Context, t outbox.Task) {
	if e.outbox != nil {
		e.outbox.Enqueue(t)
		return
	}
	if err := t.Run(context.WithoutCancel(ctx)); err != nil {
		if t.Kind == outbox.KindActivity && e.feed != nil {
			e.metrics.RecordAuditWriteFailure(e.feed.Name())
		}
		e.log(ctx).Warn("side effect failed",
			zap.String("kind", t.Kind),
			zap.String("rfi_id", t.RFIID),
			zap.Error(err),
		)
	}
}

// stampLifecycle sets the timestamp owned by target unless it is already set.
func stampLifecycle(r *model.RFI, target model.Status, now time.Time) {
	var slot **time.Time
	switch target {
	case model.StatusActive:
		slot = &r.DateActivated
	case model.StatusSent:
		slot = &r.DateSent
	case model.StatusResponded:
		slot = &r.DateResponded
	case model.StatusClosed:
		slot = &r.DateClosed
	default:
		return
	}
	if *slot == nil {
		t := now
		*slot = &t
	}
}

func applyFieldUpdate(r *model.RFI, upd model.FieldUpdate) []string {
	var changed []string
	if upd.Subject != nil {
		r.Subject = *upd.Subject
		changed = append(changed, "subject")
	}
	if upd.Question != nil {
		r.Question = *upd.Question
		changed = append(changed, "question")
	}
	if upd.Response != nil {
		r.Response = *upd.Response
		changed = append(changed, "response")
	}
	if upd.CostImpact != nil {
		r.CostImpact = *upd.CostImpact
		changed = append(changed, "cost_impact")
	}
	if upd.ScheduleImpactDays != nil {
		r.ScheduleImpactDays = *upd.ScheduleImpactDays
		changed = append(changed, "schedule_impact_days")
	}
	if upd.DueDate != nil {
		r.DueDate = cloneTime(upd.DueDate)
		changed = append(changed, "due_date")
	}
	if upd.AssignedTo != nil {
		r.AssignedTo = *upd.AssignedTo
		changed = append(changed, "assigned_to")
	}
	return changed
}

func stageLabel(s model.Stage) string {
	if s == model.StageNone {
		return "none"
	}
	return string(s)
}

// loadError passes NOT_FOUND through and wraps anything else as a
// persistence failure.
func loadError(err error) error {
	if model.IsCode(err, model.ErrNotFound) {
		return err
	}
	return model.NewPersistenceError(err)
}

// writeError passes CONFLICT and NOT_FOUND through and wraps anything else as
// a persistence failure.
func writeError(err error) error {
	switch model.CodeOf(err) {
	case model.ErrConflict, model.ErrNotFound:
		return err
	}
	return model.NewPersistenceError(err)
}

func resultFor(err error) string {
	switch model.CodeOf(err) {
	case model.ErrNotFound:
		return observability.ResultNotFound
	case model.ErrConflict:
		return observability.ResultConflict
	}
	return observability.ResultStoreFailed
}
