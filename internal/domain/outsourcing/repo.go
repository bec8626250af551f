package outsourcing

import (
	"context"

	"github.com/google/uuid"
)

// Repositories act on whichever tenant store is bound to ctx.

type CollaborationRepository interface {
	Create(ctx context.Context, c *Collaboration) error
	GetByID(ctx context.Context, id uuid.UUID) (*Collaboration, error)
	// GetByPair returns the active collaboration for the ordered pair, or
	// the most recently updated inactive one when none is active.
	GetByPair(ctx context.Context, initiator, acceptor string) (*Collaboration, error)
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Collaboration, int, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

type TrackerRepository interface {
	// GetOrCreate returns the row for (t.CollaborationID, t.TestID),
	// inserting t when none exists. created reports which happened.
	GetOrCreate(ctx context.Context, t *TrackerRecord) (rec *TrackerRecord, created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*TrackerRecord, error)
	// Update writes the milestone columns if the stored version still
	// equals t.Version, then bumps t.Version. ErrStaleVersion otherwise.
	Update(ctx context.Context, t *TrackerRecord) error
	// ListByCollaboration pages through rows; limit <= 0 returns all.
	ListByCollaboration(ctx context.Context, collaborationID uuid.UUID, f TrackerFilter, limit, offset int) ([]*TrackerRecord, int, error)
	ListByPatient(ctx context.Context, collaborationID, patientID uuid.UUID) ([]*TrackerRecord, error)
	// GetByPairTest returns the row for testID under any collaboration of
	// the ordered pair, preferring the active one. ErrNotFound if none.
	GetByPairTest(ctx context.Context, initiator, acceptor string, testID uuid.UUID) (*TrackerRecord, error)
	SetPatientIDAtClient(ctx context.Context, collaborationID, patientID, clientPatientID uuid.UUID) (int, error)
}

// SpecimenSource reads the ordering and collection subsystems of the store
// bound to ctx.
type SpecimenSource interface {
	GetTests(ctx context.Context, ids []uuid.UUID) ([]*TestDescriptor, error)
	// LatestCollection returns ErrNotFound when the test was never drawn.
	LatestCollection(ctx context.Context, testID uuid.UUID) (*CollectionRecord, error)
	TestsByAccession(ctx context.Context, patientID uuid.UUID, accessionMarker string) ([]uuid.UUID, error)
}

// StoreHandle is the capability to reach a tenant store. WithStore binds
// ctx to tenant's store for the duration of fn; InTx wraps fn in one
// transaction on the store already bound to ctx.
type StoreHandle interface {
	WithStore(ctx context.Context, tenant string, fn func(ctx context.Context) error) error
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
