package outsourcing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labnet/labnet/internal/platform/db"
)

// -- In-memory tenant stores --

// fakeWorld holds one in-memory store per tenant. Repositories pick the
// store by the tenant bound to ctx, the way the pg repositories follow the
// search_path of the bound connection.
type fakeWorld struct {
	stores map[string]*fakeStore
	down   map[string]bool
	opened []string

	// beforeUpdate runs once before the next tracker update, letting a
	// test play a concurrent writer.
	beforeUpdate func(s *fakeStore, t *TrackerRecord)
	failCreate   map[uuid.UUID]bool
	failSource   bool
}

type fakeStore struct {
	collabs     []*Collaboration
	trackers    []*TrackerRecord
	tests       map[uuid.UUID]*TestDescriptor
	collections []*CollectionRecord
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{
		stores:     make(map[string]*fakeStore),
		down:       make(map[string]bool),
		failCreate: make(map[uuid.UUID]bool),
	}
}

func (w *fakeWorld) store(ctx context.Context) *fakeStore {
	return w.tenant(db.TenantFromContext(ctx))
}

func (w *fakeWorld) tenant(name string) *fakeStore {
	s, ok := w.stores[name]
	if !ok {
		s = &fakeStore{tests: make(map[uuid.UUID]*TestDescriptor)}
		w.stores[name] = s
	}
	return s
}

func (s *fakeStore) snapshot() *fakeStore {
	cp := &fakeStore{tests: s.tests, collections: s.collections}
	for _, c := range s.collabs {
		v := *c
		cp.collabs = append(cp.collabs, &v)
	}
	for _, t := range s.trackers {
		v := *t
		cp.trackers = append(cp.trackers, &v)
	}
	return cp
}

func (s *fakeStore) tracker(id uuid.UUID) *TrackerRecord {
	for _, t := range s.trackers {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (s *fakeStore) trackerByTest(collabID, testID uuid.UUID) *TrackerRecord {
	for _, t := range s.trackers {
		if t.CollaborationID == collabID && t.TestID == testID {
			return t
		}
	}
	return nil
}

func (w *fakeWorld) addTest(tenant string, testID, patientID uuid.UUID, class Classification) {
	w.tenant(tenant).tests[testID] = &TestDescriptor{TestID: testID, PatientID: patientID, Classification: class}
}

func (w *fakeWorld) addCollection(tenant string, testID uuid.UUID, marker string, at time.Time) {
	s := w.tenant(tenant)
	s.collections = append(s.collections, &CollectionRecord{TestID: testID, AccessionMarker: marker, CollectedAt: at})
}

// -- StoreHandle --

type txKey struct{}

type fakeHandle struct{ w *fakeWorld }

func (h *fakeHandle) WithStore(ctx context.Context, tenant string, fn func(ctx context.Context) error) error {
	h.w.opened = append(h.w.opened, tenant)
	if h.w.down[tenant] {
		return fmt.Errorf("acquire connection: dial %s: connection refused", tenant)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(context.WithValue(db.WithTenant(ctx, tenant), txKey{}, nil))
}

// InTx restores the tenant's rows when fn fails.
func (h *fakeHandle) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	tenant := db.TenantFromContext(ctx)
	before := h.w.tenant(tenant).snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		h.w.stores[tenant] = before
		return err
	}
	return nil
}

// -- Collaboration repository --

type fakeCollabRepo struct{ w *fakeWorld }

func (r *fakeCollabRepo) Create(ctx context.Context, c *Collaboration) error {
	s := r.w.store(ctx)
	if c.Active && !c.External() {
		for _, o := range s.collabs {
			if o.Active && !o.External() && o.InitiatorTenant == c.InitiatorTenant && *o.AcceptorTenant == *c.AcceptorTenant {
				return ErrDuplicate
			}
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	v := *c
	s.collabs = append(s.collabs, &v)
	return nil
}

func (r *fakeCollabRepo) GetByID(ctx context.Context, id uuid.UUID) (*Collaboration, error) {
	for _, c := range r.w.store(ctx).collabs {
		if c.ID == id {
			v := *c
			return &v, nil
		}
	}
	return nil, ErrNotFound
}

func (r *fakeCollabRepo) GetByPair(ctx context.Context, initiator, acceptor string) (*Collaboration, error) {
	var best *Collaboration
	for _, c := range r.w.store(ctx).collabs {
		if c.External() || c.InitiatorTenant != initiator || *c.AcceptorTenant != acceptor {
			continue
		}
		if best == nil || (c.Active && !best.Active) {
			best = c
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	v := *best
	return &v, nil
}

func (r *fakeCollabRepo) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Collaboration, int, error) {
	var out []*Collaboration
	for _, c := range r.w.store(ctx).collabs {
		if activeOnly && !c.Active {
			continue
		}
		v := *c
		out = append(out, &v)
	}
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (r *fakeCollabRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	for _, c := range r.w.store(ctx).collabs {
		if c.ID == id {
			c.Active = active
			c.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

// -- Tracker repository --

type fakeTrackerRepo struct{ w *fakeWorld }

func (r *fakeTrackerRepo) GetOrCreate(ctx context.Context, t *TrackerRecord) (*TrackerRecord, bool, error) {
	if r.w.failCreate[t.TestID] {
		return nil, false, errors.New("insert tracker: connection reset")
	}
	s := r.w.store(ctx)
	if existing := s.trackerByTest(t.CollaborationID, t.TestID); existing != nil {
		v := *existing
		return &v, false, nil
	}
	v := *t
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.Version = 1
	v.CreatedAt = time.Now()
	s.trackers = append(s.trackers, &v)
	out := v
	return &out, true, nil
}

func (r *fakeTrackerRepo) GetByID(ctx context.Context, id uuid.UUID) (*TrackerRecord, error) {
	if t := r.w.store(ctx).tracker(id); t != nil {
		v := *t
		return &v, nil
	}
	return nil, ErrNotFound
}

func (r *fakeTrackerRepo) Update(ctx context.Context, t *TrackerRecord) error {
	s := r.w.store(ctx)
	if hook := r.w.beforeUpdate; hook != nil {
		r.w.beforeUpdate = nil
		hook(s, s.tracker(t.ID))
	}
	stored := s.tracker(t.ID)
	if stored == nil || stored.Version != t.Version {
		return ErrStaleVersion
	}
	t.Version++
	*stored = *t
	return nil
}

func (r *fakeTrackerRepo) ListByCollaboration(ctx context.Context, collabID uuid.UUID, f TrackerFilter, limit, offset int) ([]*TrackerRecord, int, error) {
	var out []*TrackerRecord
	for _, t := range r.w.store(ctx).trackers {
		if t.CollaborationID != collabID {
			continue
		}
		if f.State != "" && t.State() != f.State {
			continue
		}
		if f.PatientID != nil && t.PatientID != *f.PatientID {
			continue
		}
		v := *t
		out = append(out, &v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PatientID.String() < out[j].PatientID.String()
	})
	total := len(out)
	if limit <= 0 {
		return out, total, nil
	}
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (r *fakeTrackerRepo) ListByPatient(ctx context.Context, collabID, patientID uuid.UUID) ([]*TrackerRecord, error) {
	out, _, err := r.ListByCollaboration(ctx, collabID, TrackerFilter{PatientID: &patientID}, 0, 0)
	return out, err
}

func (r *fakeTrackerRepo) GetByPairTest(ctx context.Context, initiator, acceptor string, testID uuid.UUID) (*TrackerRecord, error) {
	s := r.w.store(ctx)
	var best *TrackerRecord
	bestActive := false
	for _, c := range s.collabs {
		if c.External() || c.InitiatorTenant != initiator || *c.AcceptorTenant != acceptor {
			continue
		}
		t := s.trackerByTest(c.ID, testID)
		if t == nil {
			continue
		}
		if best == nil || (c.Active && !bestActive) {
			best, bestActive = t, c.Active
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	v := *best
	return &v, nil
}

func (r *fakeTrackerRepo) SetPatientIDAtClient(ctx context.Context, collabID, patientID, clientPatientID uuid.UUID) (int, error) {
	n := 0
	for _, t := range r.w.store(ctx).trackers {
		if t.CollaborationID == collabID && t.PatientID == patientID {
			id := clientPatientID
			t.PatientIDAtClient = &id
			t.Version++
			n++
		}
	}
	return n, nil
}

// -- Specimen source --

type fakeSource struct{ w *fakeWorld }

func (f *fakeSource) GetTests(ctx context.Context, ids []uuid.UUID) ([]*TestDescriptor, error) {
	if f.w.failSource {
		return nil, errors.New("ordering subsystem unavailable")
	}
	s := f.w.store(ctx)
	var out []*TestDescriptor
	for _, id := range ids {
		if d, ok := s.tests[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeSource) LatestCollection(ctx context.Context, testID uuid.UUID) (*CollectionRecord, error) {
	var latest *CollectionRecord
	for _, c := range f.w.store(ctx).collections {
		if c.TestID == testID && (latest == nil || c.CollectedAt.After(latest.CollectedAt)) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (f *fakeSource) TestsByAccession(ctx context.Context, patientID uuid.UUID, marker string) ([]uuid.UUID, error) {
	s := f.w.store(ctx)
	var out []uuid.UUID
	for id, d := range s.tests {
		if d.PatientID != patientID {
			continue
		}
		if c, err := f.LatestCollection(ctx, id); err == nil && c.AccessionMarker == marker {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// -- Fixture --

const (
	labA = "lab_a"
	labB = "lab_b"
	labC = "lab_c"
)

var (
	initiatorA = Caller{Tenant: labA, Role: RoleInitiator}
	acceptorB  = Caller{Tenant: labB, Role: RoleAcceptor}
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time { return c.t }

func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	w      *fakeWorld
	engine *Engine
	clock  *testClock
}

func newFixture() *fixture {
	w := newFakeWorld()
	clock := &testClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	engine := NewEngine(EngineConfig{
		Collaborations: &fakeCollabRepo{w: w},
		Trackers:       &fakeTrackerRepo{w: w},
		Specimens:      &fakeSource{w: w},
		Store:          &fakeHandle{w: w},
		Logger:         zerolog.Nop(),
		MirrorTimeout:  time.Second,
		Now:            clock.Now,
	})
	return &fixture{w: w, engine: engine, clock: clock}
}

func ctxFor(tenant string) context.Context {
	return db.WithTenant(context.Background(), tenant)
}

func strPtr(s string) *string { return &s }

// registerAB creates an active lab_a -> lab_b collaboration in lab_a.
func (f *fixture) registerAB() *Collaboration {
	c, err := f.engine.Registry().Register(ctxFor(labA), labA, RegisterRequest{AcceptorTenant: strPtr(labB)})
	if err != nil {
		panic(err)
	}
	return c
}

// mark creates to-send rows for tests of patient under c in lab_a.
func (f *fixture) mark(c *Collaboration, patient uuid.UUID, tests ...uuid.UUID) []*TrackerRecord {
	recs, err := f.engine.MarkForSend(ctxFor(labA), initiatorA, c.ID, patient, tests)
	if err != nil {
		panic(err)
	}
	return recs
}

func (f *fixture) tracker(tenant string, collabID, testID uuid.UUID) *TrackerRecord {
	return f.w.tenant(tenant).trackerByTest(collabID, testID)
}

func (f *fixture) mirrorCollab(tenant string) *Collaboration {
	c, err := (&fakeCollabRepo{w: f.w}).GetByPair(ctxFor(tenant), labA, labB)
	if err != nil {
		return nil
	}
	return c
}
