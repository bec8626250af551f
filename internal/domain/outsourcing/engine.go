package outsourcing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labnet/labnet/internal/platform/metrics"
)

// maxVersionRetries bounds how often a stale optimistic write is re-read
// and retried before the transition is reported as conflicting.
const maxVersionRetries = 3

// TransitionRequest asks for one milestone on one tracker row.
type TransitionRequest struct {
	TrackerID uuid.UUID
	Kind      TransitionKind
	Remarks   *string
}

// TransitionResult is what the caller sees. Warnings carry mirror
// propagation failures; the local write has committed regardless.
type TransitionResult struct {
	Record   *TrackerRecord   `json:"record"`
	Outcome  Outcome          `json:"outcome"`
	Group    []uuid.UUID      `json:"group"`
	Siblings []*TrackerRecord `json:"siblings,omitempty"`
	Warnings []string         `json:"warnings,omitempty"`
}

// ReconcileResult reports a full mirror re-push.
type ReconcileResult struct {
	Pushed   int      `json:"pushed"`
	Warnings []string `json:"warnings,omitempty"`
}

// Engine applies tracker transitions to the caller's store, expands them to
// the sibling group and mirrors the result into the counterpart store.
type Engine struct {
	collabs       CollaborationRepository
	trackers      TrackerRepository
	store         StoreHandle
	registry      *Registry
	resolver      *Resolver
	metrics       *metrics.SyncMetrics
	events        Publisher
	log           zerolog.Logger
	mirrorTimeout time.Duration
	now           func() time.Time
}

type EngineConfig struct {
	Collaborations CollaborationRepository
	Trackers       TrackerRepository
	Specimens      SpecimenSource
	Store          StoreHandle
	Metrics        *metrics.SyncMetrics
	// Events is optional; nil disables live notifications.
	Events        Publisher
	Logger        zerolog.Logger
	MirrorTimeout time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

func NewEngine(cfg EngineConfig) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Logger.With().Str("component", "handoff").Logger()
	registry := NewRegistry(cfg.Collaborations, cfg.Store, log, cfg.MirrorTimeout)
	return &Engine{
		collabs:       cfg.Collaborations,
		trackers:      cfg.Trackers,
		store:         cfg.Store,
		registry:      registry,
		resolver:      NewResolver(registry, cfg.Trackers, cfg.Specimens, cfg.Store, log, cfg.MirrorTimeout),
		metrics:       cfg.Metrics,
		events:        cfg.Events,
		log:           log,
		mirrorTimeout: cfg.MirrorTimeout,
		now:           now,
	}
}

func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) Resolver() *Resolver { return e.resolver }

// ResolveCaller works out which side tenant plays in the collaboration.
func (e *Engine) ResolveCaller(ctx context.Context, tenant string, collabID uuid.UUID) (Caller, *Collaboration, error) {
	c, err := e.collabs.GetByID(ctx, collabID)
	if err != nil {
		return Caller{}, nil, err
	}
	role, ok := c.RoleOf(tenant)
	if !ok {
		return Caller{}, nil, ErrNotParty
	}
	return Caller{Tenant: tenant, Role: role}, c, nil
}

// TrackerCaller is ResolveCaller for the collaboration a tracker row
// belongs to.
func (e *Engine) TrackerCaller(ctx context.Context, tenant string, trackerID uuid.UUID) (Caller, error) {
	rec, err := e.trackers.GetByID(ctx, trackerID)
	if err != nil {
		return Caller{}, err
	}
	caller, _, err := e.ResolveCaller(ctx, tenant, rec.CollaborationID)
	return caller, err
}

// RequestTransition is the single write entry point. ctx must be bound to
// the caller's own store.
func (e *Engine) RequestTransition(ctx context.Context, caller Caller, req TransitionRequest) (*TransitionResult, error) {
	res, err := e.requestTransition(ctx, caller, req)
	switch {
	case err == nil:
		e.metrics.Transition(string(req.Kind), res.Outcome.String())
	case errors.Is(err, ErrCollaborationNotActive), errors.Is(err, ErrConflictingTransition),
		errors.Is(err, ErrNotParty), errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTransition):
		e.metrics.Transition(string(req.Kind), "rejected")
	default:
		e.metrics.Transition(string(req.Kind), "error")
	}
	return res, err
}

func (e *Engine) requestTransition(ctx context.Context, caller Caller, req TransitionRequest) (*TransitionResult, error) {
	if _, err := ParseTransitionKind(string(req.Kind)); err != nil {
		return nil, err
	}
	rec, err := e.trackers.GetByID(ctx, req.TrackerID)
	if err != nil {
		return nil, err
	}
	c, err := e.collabs.GetByID(ctx, rec.CollaborationID)
	if err != nil {
		return nil, fmt.Errorf("load collaboration: %w", err)
	}
	if err := checkCaller(caller, c); err != nil {
		return nil, err
	}
	// A withdrawn collaboration still drains: only new sends are refused.
	if !c.Active && req.Kind == KindSent {
		return nil, ErrCollaborationNotActive
	}

	group := e.resolver.ExpandGroup(ctx, caller, c, rec.TestID, rec.PatientID)
	e.metrics.GroupSize(len(group))

	res := &TransitionResult{Group: group}
	now := e.now().UTC()
	err = e.store.InTx(ctx, func(ctx context.Context) error {
		primary, err := e.trackers.GetByID(ctx, rec.ID)
		if err != nil {
			return err
		}
		outcome, err := e.applyWithVersion(ctx, primary, req.Kind, req.Remarks, now)
		if err != nil {
			return err
		}
		res.Record, res.Outcome = primary, outcome
		if outcome == OutcomeBlocked {
			return nil
		}

		// Siblings take the primary's timestamp so the whole group agrees.
		at, _ := primary.milestoneAt(req.Kind)
		for _, testID := range group[1:] {
			sib, _, err := e.trackers.GetOrCreate(ctx, &TrackerRecord{
				CollaborationID: primary.CollaborationID,
				TestID:          testID,
				PatientID:       primary.PatientID,
				ToSend:          primary.ToSend,
			})
			if err != nil {
				return fmt.Errorf("sibling %s: %w", testID, err)
			}
			if _, err := e.applyWithVersion(ctx, sib, req.Kind, req.Remarks, at); err != nil {
				return fmt.Errorf("sibling %s: %w", testID, err)
			}
			res.Siblings = append(res.Siblings, sib)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("tenant", caller.Tenant).
		Str("role", caller.Role.String()).
		Str("tracker_id", rec.ID.String()).
		Str("kind", string(req.Kind)).
		Stringer("outcome", res.Outcome).
		Int("group_size", len(group)).
		Msg("tracker transition committed")

	if res.Outcome == OutcomeBlocked {
		return res, nil
	}
	records := append([]*TrackerRecord{res.Record}, res.Siblings...)
	if res.Outcome == OutcomeApplied || len(res.Siblings) > 0 {
		e.notify(ctx, caller.Tenant, c.ID, transitionEvent(req.Kind), records, true)
	}
	if warn := e.propagate(ctx, caller, c, records); warn != nil {
		res.Warnings = append(res.Warnings, warn.Error())
	}
	return res, nil
}

// applyWithVersion applies kind to rec and writes it under optimistic
// versioning. A stale write is re-read and retried; if the fresh row can no
// longer take kind, a concurrent writer got there first with an
// incompatible milestone.
func (e *Engine) applyWithVersion(ctx context.Context, rec *TrackerRecord, kind TransitionKind, remarks *string, at time.Time) (Outcome, error) {
	for attempt := 0; ; attempt++ {
		outcome := rec.Apply(kind, remarks, at)
		if outcome != OutcomeApplied {
			return outcome, nil
		}
		err := e.trackers.Update(ctx, rec)
		if !errors.Is(err, ErrStaleVersion) {
			return outcome, err
		}
		if attempt == maxVersionRetries {
			return 0, fmt.Errorf("%w: tracker %s kept changing", ErrConflictingTransition, rec.ID)
		}
		fresh, err := e.trackers.GetByID(ctx, rec.ID)
		if err != nil {
			return 0, err
		}
		if fresh.wouldBlock(kind) {
			return 0, fmt.Errorf("%w: tracker %s is already %s", ErrConflictingTransition, rec.ID, fresh.State())
		}
		*rec = *fresh
	}
}

// propagate pushes the mirror view of records into the counterpart store.
// It returns a non-nil error only to be reported as a warning.
func (e *Engine) propagate(ctx context.Context, caller Caller, c *Collaboration, records []*TrackerRecord) error {
	counterpart, ok := c.Counterpart(caller.Role)
	if !ok {
		e.metrics.Mirror("skipped")
		return nil
	}
	var mirrorID uuid.UUID
	err := e.registry.withCounterpart(ctx, counterpart, func(ctx context.Context) error {
		mc, err := e.registry.EnsureMirror(ctx, c, caller.Role.Opposite())
		if err != nil {
			return err
		}
		mirrorID = mc.ID
		for _, rec := range records {
			if err := e.mirrorRecord(ctx, mc, rec); err != nil {
				return fmt.Errorf("mirror tracker %s: %w", rec.TestID, err)
			}
		}
		return nil
	})
	if err != nil {
		e.metrics.Mirror("failed")
		e.log.Warn().Err(err).
			Str("tenant", caller.Tenant).
			Str("counterpart", counterpart).
			Str("collaboration_id", c.ID.String()).
			Msg("mirror propagation failed, local state kept")
		return err
	}
	e.metrics.Mirror("ok")
	e.notify(ctx, counterpart, mirrorID, EventMirrored, records, false)
	return nil
}

// mirrorRecord brings the counterpart copy of rec up to every milestone rec
// has reached. The copy sits at the other end of the shipment, so its
// ToSend is the inverse of rec's.
func (e *Engine) mirrorRecord(ctx context.Context, mc *Collaboration, rec *TrackerRecord) error {
	if rec.PatientIDAtClient != nil {
		if _, err := e.trackers.SetPatientIDAtClient(ctx, mc.ID, rec.PatientID, *rec.PatientIDAtClient); err != nil {
			return err
		}
	}
	milestones := rec.mirrorMilestones()
	if len(milestones) == 0 {
		return nil
	}
	m, _, err := e.trackers.GetOrCreate(ctx, &TrackerRecord{
		CollaborationID:   mc.ID,
		TestID:            rec.TestID,
		PatientID:         rec.PatientID,
		ToSend:            !rec.ToSend,
		PatientIDAtClient: rec.PatientIDAtClient,
	})
	if err != nil {
		return err
	}

	for attempt := 0; attempt <= maxVersionRetries; attempt++ {
		changed := false
		for _, ms := range milestones {
			// Blocked means the counterpart already reached a terminal
			// state on its own; that is left as is.
			if m.Apply(ms.kind, ms.remarks, ms.at) == OutcomeApplied {
				changed = true
			}
		}
		if !changed {
			return nil
		}
		err := e.trackers.Update(ctx, m)
		if !errors.Is(err, ErrStaleVersion) {
			return err
		}
		if m, err = e.trackers.GetByID(ctx, m.ID); err != nil {
			return err
		}
	}
	return ErrConflictingTransition
}

// MarkForSend flags tests of one patient for outsourcing. Rows that
// already exist are returned unchanged.
func (e *Engine) MarkForSend(ctx context.Context, caller Caller, collabID, patientID uuid.UUID, testIDs []uuid.UUID) ([]*TrackerRecord, error) {
	if len(testIDs) == 0 || patientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id and at least one test_id are required", ErrInvalidInput)
	}
	c, err := e.collabs.GetByID(ctx, collabID)
	if err != nil {
		return nil, err
	}
	if err := checkCaller(caller, c); err != nil {
		return nil, err
	}
	if caller.Role != RoleInitiator {
		return nil, fmt.Errorf("%w: only the initiator sends tests out", ErrNotParty)
	}
	if !c.Active {
		return nil, ErrCollaborationNotActive
	}

	var out []*TrackerRecord
	err = e.store.InTx(ctx, func(ctx context.Context) error {
		for _, testID := range withPrimaryFirst(testIDs[0], testIDs[1:]) {
			rec, _, err := e.trackers.GetOrCreate(ctx, &TrackerRecord{
				CollaborationID: c.ID,
				TestID:          testID,
				PatientID:       patientID,
				ToSend:          true,
			})
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.notify(ctx, caller.Tenant, c.ID, EventMarked, out, true)
	return out, nil
}

// SetPatientIDAtClient records the patient created in the acceptor's store
// for the tracker's patient. It applies to every row of that patient under
// the collaboration and is mirrored like a transition.
func (e *Engine) SetPatientIDAtClient(ctx context.Context, caller Caller, trackerID, clientPatientID uuid.UUID) (*TrackerRecord, []string, error) {
	if clientPatientID == uuid.Nil {
		return nil, nil, fmt.Errorf("%w: patient_id_at_client is required", ErrInvalidInput)
	}
	rec, err := e.trackers.GetByID(ctx, trackerID)
	if err != nil {
		return nil, nil, err
	}
	c, err := e.collabs.GetByID(ctx, rec.CollaborationID)
	if err != nil {
		return nil, nil, err
	}
	if err := checkCaller(caller, c); err != nil {
		return nil, nil, err
	}

	var rows []*TrackerRecord
	err = e.store.InTx(ctx, func(ctx context.Context) error {
		if _, err := e.trackers.SetPatientIDAtClient(ctx, c.ID, rec.PatientID, clientPatientID); err != nil {
			return err
		}
		rows, err = e.trackers.ListByPatient(ctx, c.ID, rec.PatientID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	for _, r := range rows {
		if r.ID == rec.ID {
			rec = r
		}
	}

	e.notify(ctx, caller.Tenant, c.ID, EventPatientLinked, rows, true)
	var warnings []string
	if warn := e.propagate(ctx, caller, c, rows); warn != nil {
		warnings = append(warnings, warn.Error())
	}
	return rec, warnings, nil
}

// Reconcile re-pushes the mirror view of every local row of the
// collaboration. It is idempotent and is how a lagging counterpart catches
// up without waiting for the next transition.
func (e *Engine) Reconcile(ctx context.Context, caller Caller, collabID uuid.UUID) (*ReconcileResult, error) {
	c, err := e.collabs.GetByID(ctx, collabID)
	if err != nil {
		return nil, err
	}
	if err := checkCaller(caller, c); err != nil {
		return nil, err
	}
	res := &ReconcileResult{}
	if c.External() {
		return res, nil
	}

	recs, _, err := e.trackers.ListByCollaboration(ctx, c.ID, TrackerFilter{}, 0, 0)
	if err != nil {
		return nil, err
	}
	var pending []*TrackerRecord
	for _, r := range recs {
		if len(r.mirrorMilestones()) > 0 || r.PatientIDAtClient != nil {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return res, nil
	}
	if warn := e.propagate(ctx, caller, c, pending); warn != nil {
		res.Warnings = append(res.Warnings, warn.Error())
		return res, nil
	}
	res.Pushed = len(pending)
	e.log.Info().
		Str("tenant", caller.Tenant).
		Str("collaboration_id", c.ID.String()).
		Int("pushed", res.Pushed).
		Msg("collaboration reconciled")
	return res, nil
}

func (e *Engine) GetTracker(ctx context.Context, caller Caller, id uuid.UUID) (*TrackerRecord, error) {
	rec, err := e.trackers.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err := e.collabs.GetByID(ctx, rec.CollaborationID)
	if err != nil {
		return nil, err
	}
	if err := checkCaller(caller, c); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListByCollaboration pages through the caller's rows of a collaboration.
func (e *Engine) ListByCollaboration(ctx context.Context, caller Caller, collabID uuid.UUID, f TrackerFilter, limit, offset int) ([]*TrackerRecord, int, error) {
	c, err := e.collabs.GetByID(ctx, collabID)
	if err != nil {
		return nil, 0, err
	}
	if err := checkCaller(caller, c); err != nil {
		return nil, 0, err
	}
	return e.trackers.ListByCollaboration(ctx, c.ID, f, limit, offset)
}
