package outsourcing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Resolver computes the sibling group of a test: the tests of the same
// patient that must move through the handoff together. Groups are always
// evaluated against the initiator's store, which owns the ordering and
// collection records.
type Resolver struct {
	registry *Registry
	trackers TrackerRepository
	source   SpecimenSource
	store    StoreHandle
	log      zerolog.Logger
	timeout  time.Duration
}

// NewResolver builds a Resolver. timeout bounds the session opened on the
// initiator's store for acceptor-side lookups; zero leaves it to ctx.
func NewResolver(registry *Registry, trackers TrackerRepository, source SpecimenSource, store StoreHandle, log zerolog.Logger, timeout time.Duration) *Resolver {
	return &Resolver{registry: registry, trackers: trackers, source: source, store: store, log: log, timeout: timeout}
}

// ExpandGroup returns testID and its siblings, testID first. It never
// fails: any lookup error degrades to the singleton group.
func (r *Resolver) ExpandGroup(ctx context.Context, caller Caller, c *Collaboration, testID, patientID uuid.UUID) []uuid.UUID {
	single := []uuid.UUID{testID}

	var group []uuid.UUID
	expand := func(ctx context.Context) error {
		collabID := c.ID
		if caller.Role == RoleAcceptor {
			id, err := r.initiatorCollaboration(ctx, c, testID)
			if err != nil {
				return err
			}
			collabID = id
		}
		var err error
		group, err = r.expand(ctx, collabID, testID, patientID)
		return err
	}

	var err error
	if caller.Role == RoleAcceptor && !c.External() {
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		err = r.store.WithStore(ctx, c.InitiatorTenant, expand)
	} else {
		err = expand(ctx)
	}
	if err != nil {
		r.log.Debug().Err(err).Str("test_id", testID.String()).Msg("sibling lookup failed, using singleton group")
		return single
	}
	return withPrimaryFirst(testID, group)
}

// initiatorCollaboration finds, in the initiator's store, the collaboration
// that owns testID's row. A pair re-registered after a withdrawal has
// several; without a row the pair's current one is used.
func (r *Resolver) initiatorCollaboration(ctx context.Context, c *Collaboration, testID uuid.UUID) (uuid.UUID, error) {
	rec, err := r.trackers.GetByPairTest(ctx, c.InitiatorTenant, *c.AcceptorTenant, testID)
	switch {
	case err == nil:
		return rec.CollaborationID, nil
	case !errors.Is(err, ErrNotFound):
		return uuid.Nil, err
	}
	ic, err := r.registry.Resolve(ctx, c.InitiatorTenant, *c.AcceptorTenant)
	if err != nil {
		return uuid.Nil, err
	}
	return ic.ID, nil
}

func (r *Resolver) expand(ctx context.Context, collabID, testID, patientID uuid.UUID) ([]uuid.UUID, error) {
	tests, err := r.source.GetTests(ctx, []uuid.UUID{testID})
	if err != nil {
		return nil, err
	}
	if len(tests) == 1 && tests[0].Classification == DocumentOnly {
		return r.documentGroup(ctx, collabID, patientID)
	}

	col, err := r.source.LatestCollection(ctx, testID)
	if err != nil {
		// ErrNotFound lands here too: never drawn means singleton.
		return nil, err
	}
	return r.source.TestsByAccession(ctx, patientID, col.AccessionMarker)
}

// documentGroup is every outsourced document-only test of the patient
// under the collaboration.
func (r *Resolver) documentGroup(ctx context.Context, collabID, patientID uuid.UUID) ([]uuid.UUID, error) {
	recs, err := r.trackers.ListByPatient(ctx, collabID, patientID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.TestID)
	}
	tests, err := r.source.GetTests(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(tests))
	for _, t := range tests {
		if t.Classification == DocumentOnly && t.PatientID == patientID {
			out = append(out, t.TestID)
		}
	}
	return out, nil
}

// withPrimaryFirst dedupes ids and puts primary in front.
func withPrimaryFirst(primary uuid.UUID, ids []uuid.UUID) []uuid.UUID {
	out := []uuid.UUID{primary}
	seen := map[uuid.UUID]bool{primary: true}
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
