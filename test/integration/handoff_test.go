//go:build integration

package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/labnet/labnet/internal/domain/outsourcing"
)

func TestHandoff_SendReceiveAcrossSchemas(t *testing.T) {
	ctx := context.Background()
	labA := createTenant(t, ctx, "laba")
	labB := createTenant(t, ctx, "labb")
	engine := newEngine()

	patient := uuid.New()
	drawn := time.Now().Add(-time.Hour).UTC()
	t1 := seedDraw(t, ctx, labA, patient, "sample", "S1", drawn)
	_ = seedDraw(t, ctx, labA, patient, "sample", "S1", drawn)
	t3 := seedDraw(t, ctx, labA, patient, "sample", "S2", drawn)

	var collab *outsourcing.Collaboration
	var primary *outsourcing.TrackerRecord
	inTenant(t, ctx, labA, func(ctx context.Context) error {
		var err error
		collab, err = engine.Registry().Register(ctx, labA, outsourcing.RegisterRequest{AcceptorTenant: strPtr(labB)})
		if err != nil {
			return err
		}
		caller := outsourcing.Caller{Tenant: labA, Role: outsourcing.RoleInitiator}
		recs, err := engine.MarkForSend(ctx, caller, collab.ID, patient, []uuid.UUID{t1})
		if err != nil {
			return err
		}
		primary = recs[0]

		res, err := engine.RequestTransition(ctx, caller, outsourcing.TransitionRequest{
			TrackerID: primary.ID,
			Kind:      outsourcing.KindSent,
			Remarks:   strPtr("courier 7"),
		})
		if err != nil {
			return err
		}
		if res.Outcome != outsourcing.OutcomeApplied || len(res.Warnings) != 0 {
			t.Errorf("unexpected result: %+v", res)
		}
		if len(res.Group) != 2 {
			t.Errorf("expected S1 group of 2, got %v", res.Group)
		}
		return nil
	})

	var mirrorTracker *outsourcing.TrackerRecord
	inTenant(t, ctx, labB, func(ctx context.Context) error {
		mc, err := outsourcing.NewCollaborationRepoPG(globalPool).GetByPair(ctx, labA, labB)
		if err != nil {
			return err
		}
		if mc.ID == collab.ID || !mc.IsReferral {
			t.Errorf("expected a separate referral copy, got %+v", mc)
		}
		rows, total, err := outsourcing.NewTrackerRepoPG(globalPool).ListByCollaboration(ctx, mc.ID, outsourcing.TrackerFilter{}, 0, 0)
		if err != nil {
			return err
		}
		if total != 2 {
			t.Fatalf("expected 2 mirrored rows, got %d", total)
		}
		for _, r := range rows {
			if r.TestID == t3 {
				t.Error("S2 test must not travel with S1")
			}
			if r.ToSend || !r.IsSent || r.IsReceived {
				t.Errorf("unexpected mirror state %+v", r)
			}
			if r.TestID == t1 {
				mirrorTracker = r
			}
		}

		caller := outsourcing.Caller{Tenant: labB, Role: outsourcing.RoleAcceptor}
		res, err := engine.RequestTransition(ctx, caller, outsourcing.TransitionRequest{
			TrackerID: mirrorTracker.ID,
			Kind:      outsourcing.KindReceived,
		})
		if err != nil {
			return err
		}
		if res.Outcome != outsourcing.OutcomeApplied || len(res.Warnings) != 0 {
			t.Errorf("unexpected receive result: %+v", res)
		}
		return nil
	})

	inTenant(t, ctx, labA, func(ctx context.Context) error {
		caller := outsourcing.Caller{Tenant: labA, Role: outsourcing.RoleInitiator}
		groups, err := engine.GroupByPatient(ctx, caller, collab.ID)
		if err != nil {
			return err
		}
		if len(groups) != 1 || len(groups[0].Records) != 2 {
			t.Fatalf("expected one patient with two rows, got %+v", groups)
		}
		for _, r := range groups[0].Records {
			if !r.IsReceived || r.State() != outsourcing.StateReceived {
				t.Errorf("expected receipt mirrored back, got %+v", r)
			}
		}

		// Cancel after receipt leaves the row as it is.
		res, err := engine.RequestTransition(ctx, caller, outsourcing.TransitionRequest{
			TrackerID: primary.ID,
			Kind:      outsourcing.KindCancelled,
		})
		if err != nil {
			return err
		}
		if res.Outcome != outsourcing.OutcomeBlocked {
			t.Errorf("expected blocked, got %s", res.Outcome)
		}
		return nil
	})
}

func TestHandoff_StaleVersionIsRejected(t *testing.T) {
	ctx := context.Background()
	labA := createTenant(t, ctx, "laba")
	engine := newEngine()
	trackers := outsourcing.NewTrackerRepoPG(globalPool)

	inTenant(t, ctx, labA, func(ctx context.Context) error {
		c, err := engine.Registry().Register(ctx, labA, outsourcing.RegisterRequest{ExternalOrgName: strPtr("County Reference Lab")})
		if err != nil {
			return err
		}
		caller := outsourcing.Caller{Tenant: labA, Role: outsourcing.RoleInitiator}
		recs, err := engine.MarkForSend(ctx, caller, c.ID, uuid.New(), []uuid.UUID{uuid.New()})
		if err != nil {
			return err
		}

		a, _ := trackers.GetByID(ctx, recs[0].ID)
		b, _ := trackers.GetByID(ctx, recs[0].ID)
		now := time.Now().UTC()
		a.Apply(outsourcing.KindSent, nil, now)
		if err := trackers.Update(ctx, a); err != nil {
			return err
		}
		b.Apply(outsourcing.KindCancelled, nil, now)
		if err := trackers.Update(ctx, b); !errors.Is(err, outsourcing.ErrStaleVersion) {
			t.Errorf("expected stale version, got %v", err)
		}
		return nil
	})
}

func TestHandoff_RegisterIsIdempotentPerPair(t *testing.T) {
	ctx := context.Background()
	labA := createTenant(t, ctx, "laba")
	labB := createTenant(t, ctx, "labb")
	engine := newEngine()

	inTenant(t, ctx, labA, func(ctx context.Context) error {
		first, err := engine.Registry().Register(ctx, labA, outsourcing.RegisterRequest{AcceptorTenant: strPtr(labB)})
		if err != nil {
			return err
		}
		second, err := engine.Registry().Register(ctx, labA, outsourcing.RegisterRequest{AcceptorTenant: strPtr(labB)})
		if err != nil {
			return err
		}
		if first.ID != second.ID {
			t.Errorf("expected the active pair to be reused, got %s and %s", first.ID, second.ID)
		}

		caller := outsourcing.Caller{Tenant: labA, Role: outsourcing.RoleInitiator}
		if _, _, err := engine.Registry().Deactivate(ctx, caller, first.ID); err != nil {
			return err
		}
		_, err = engine.MarkForSend(ctx, caller, first.ID, uuid.New(), []uuid.UUID{uuid.New()})
		if !errors.Is(err, outsourcing.ErrCollaborationNotActive) {
			t.Errorf("expected not active, got %v", err)
		}
		return nil
	})
}

func TestHandoff_ReRegistrationReactivatesMirror(t *testing.T) {
	ctx := context.Background()
	labA := createTenant(t, ctx, "laba")
	labB := createTenant(t, ctx, "labb")
	engine := newEngine()
	caller := outsourcing.Caller{Tenant: labA, Role: outsourcing.RoleInitiator}

	patient := uuid.New()
	first := seedDraw(t, ctx, labA, patient, "sample", "", time.Time{})
	second := seedDraw(t, ctx, labA, patient, "sample", "", time.Time{})

	send := func(ctx context.Context, collabID, testID uuid.UUID) error {
		recs, err := engine.MarkForSend(ctx, caller, collabID, patient, []uuid.UUID{testID})
		if err != nil {
			return err
		}
		res, err := engine.RequestTransition(ctx, caller, outsourcing.TransitionRequest{TrackerID: recs[0].ID, Kind: outsourcing.KindSent})
		if err != nil {
			return err
		}
		if len(res.Warnings) != 0 {
			t.Errorf("unexpected warnings: %v", res.Warnings)
		}
		return nil
	}

	inTenant(t, ctx, labA, func(ctx context.Context) error {
		c1, err := engine.Registry().Register(ctx, labA, outsourcing.RegisterRequest{AcceptorTenant: strPtr(labB)})
		if err != nil {
			return err
		}
		if err := send(ctx, c1.ID, first); err != nil {
			return err
		}
		_, warnings, err := engine.Registry().Deactivate(ctx, caller, c1.ID)
		if len(warnings) != 0 {
			t.Errorf("unexpected warnings: %v", warnings)
		}
		return err
	})

	var c2 *outsourcing.Collaboration
	inTenant(t, ctx, labA, func(ctx context.Context) error {
		var err error
		c2, err = engine.Registry().Register(ctx, labA, outsourcing.RegisterRequest{AcceptorTenant: strPtr(labB)})
		if err != nil {
			return err
		}
		return send(ctx, c2.ID, second)
	})

	inTenant(t, ctx, labB, func(ctx context.Context) error {
		_, total, err := engine.Registry().List(ctx, true, 10, 0)
		if err != nil {
			return err
		}
		if total != 1 {
			t.Errorf("expected the acceptor copy active again, got %d active", total)
		}
		return nil
	})

	// The acceptor's lookup of the second test lands on the second agreement.
	inTenant(t, ctx, labA, func(ctx context.Context) error {
		rec, err := outsourcing.NewTrackerRepoPG(globalPool).GetByPairTest(ctx, labA, labB, second)
		if err != nil {
			return err
		}
		if rec.CollaborationID != c2.ID {
			t.Errorf("expected row under %s, got %s", c2.ID, rec.CollaborationID)
		}
		return nil
	})
}
