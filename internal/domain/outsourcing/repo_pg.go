package outsourcing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labnet/labnet/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// conn picks the open transaction, then the tenant connection, then the
// pool. Only the first two are tenant-scoped.
func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

// -- Collaboration --

type collaborationRepoPG struct{ pool *pgxpool.Pool }

func NewCollaborationRepoPG(pool *pgxpool.Pool) CollaborationRepository {
	return &collaborationRepoPG{pool: pool}
}

const collabCols = `id, initiator_tenant, acceptor_tenant, external_org_name, external_phone,
	min_payment, min_payment_per_test, credit_mode, is_active, is_referral, created_at, updated_at`

func scanCollaboration(row pgx.Row) (*Collaboration, error) {
	var c Collaboration
	err := row.Scan(&c.ID, &c.InitiatorTenant, &c.AcceptorTenant, &c.ExternalOrgName, &c.ExternalPhone,
		&c.MinPayment, &c.MinPaymentPerTest, &c.CreditMode, &c.Active, &c.IsReferral, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (r *collaborationRepoPG) Create(ctx context.Context, c *Collaboration) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	// DO NOTHING keeps an enclosing transaction usable when the active pair
	// already exists.
	err := conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO collaboration (id, initiator_tenant, acceptor_tenant, external_org_name, external_phone,
			min_payment, min_payment_per_test, credit_mode, is_active, is_referral)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT DO NOTHING
		RETURNING created_at, updated_at`,
		c.ID, c.InitiatorTenant, c.AcceptorTenant, c.ExternalOrgName, c.ExternalPhone,
		c.MinPayment, c.MinPaymentPerTest, c.CreditMode, c.Active, c.IsReferral,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: uq_collaboration_active_pair", ErrDuplicate)
	}
	return mapErr(err)
}

func (r *collaborationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Collaboration, error) {
	return scanCollaboration(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+collabCols+` FROM collaboration WHERE id = $1`, id))
}

func (r *collaborationRepoPG) GetByPair(ctx context.Context, initiator, acceptor string) (*Collaboration, error) {
	return scanCollaboration(conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+collabCols+` FROM collaboration
		WHERE initiator_tenant = $1 AND acceptor_tenant = $2
		ORDER BY is_active DESC, updated_at DESC
		LIMIT 1`, initiator, acceptor))
}

func (r *collaborationRepoPG) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Collaboration, int, error) {
	where := ""
	if activeOnly {
		where = " WHERE is_active"
	}
	q := conn(ctx, r.pool)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM collaboration`+where).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `SELECT `+collabCols+` FROM collaboration`+where+
		` ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Collaboration
	for rows.Next() {
		c, err := scanCollaboration(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *collaborationRepoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE collaboration SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// -- Tracker --

type trackerRepoPG struct{ pool *pgxpool.Pool }

func NewTrackerRepoPG(pool *pgxpool.Pool) TrackerRepository {
	return &trackerRepoPG{pool: pool}
}

const trackerCols = `id, collaboration_id, test_id, patient_id, to_send,
	is_sent, sent_at, sent_remarks,
	is_received, received_at, received_remarks,
	is_cancelled, cancelled_at, cancellation_remarks,
	patient_id_at_client, version, created_at, updated_at`

// prefixed qualifies each column in cols with alias.
func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

func scanTracker(row pgx.Row) (*TrackerRecord, error) {
	var t TrackerRecord
	err := row.Scan(&t.ID, &t.CollaborationID, &t.TestID, &t.PatientID, &t.ToSend,
		&t.IsSent, &t.SentAt, &t.SentRemarks,
		&t.IsReceived, &t.ReceivedAt, &t.ReceivedRemarks,
		&t.IsCancelled, &t.CancelledAt, &t.CancellationRemarks,
		&t.PatientIDAtClient, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func (r *trackerRepoPG) GetOrCreate(ctx context.Context, t *TrackerRecord) (*TrackerRecord, bool, error) {
	q := conn(ctx, r.pool)
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	rec, err := scanTracker(q.QueryRow(ctx, `
		INSERT INTO outsource_tracker (id, collaboration_id, test_id, patient_id, to_send,
			is_sent, sent_at, sent_remarks, is_received, received_at, received_remarks,
			is_cancelled, cancelled_at, cancellation_remarks, patient_id_at_client)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (collaboration_id, test_id) DO NOTHING
		RETURNING `+trackerCols,
		t.ID, t.CollaborationID, t.TestID, t.PatientID, t.ToSend,
		t.IsSent, t.SentAt, t.SentRemarks, t.IsReceived, t.ReceivedAt, t.ReceivedRemarks,
		t.IsCancelled, t.CancelledAt, t.CancellationRemarks, t.PatientIDAtClient))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	// Lost the insert race or the row already existed.
	rec, err = scanTracker(q.QueryRow(ctx,
		`SELECT `+trackerCols+` FROM outsource_tracker WHERE collaboration_id = $1 AND test_id = $2`,
		t.CollaborationID, t.TestID))
	if err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

func (r *trackerRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TrackerRecord, error) {
	return scanTracker(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+trackerCols+` FROM outsource_tracker WHERE id = $1`, id))
}

func (r *trackerRepoPG) Update(ctx context.Context, t *TrackerRecord) error {
	err := conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE outsource_tracker SET to_send=$3,
			is_sent=$4, sent_at=$5, sent_remarks=$6,
			is_received=$7, received_at=$8, received_remarks=$9,
			is_cancelled=$10, cancelled_at=$11, cancellation_remarks=$12,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		t.ID, t.Version, t.ToSend,
		t.IsSent, t.SentAt, t.SentRemarks,
		t.IsReceived, t.ReceivedAt, t.ReceivedRemarks,
		t.IsCancelled, t.CancelledAt, t.CancellationRemarks,
	).Scan(&t.Version, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrStaleVersion
	}
	return err
}

// stateClause maps a lifecycle state onto the milestone columns.
func stateClause(s State) string {
	switch s {
	case StatePendingSend:
		return "NOT is_sent AND NOT is_cancelled"
	case StateSent:
		return "is_sent AND NOT is_received AND NOT is_cancelled"
	case StateReceived:
		return "is_received AND NOT is_cancelled"
	case StateCancelled:
		return "is_cancelled"
	}
	return ""
}

// trackerWhere builds the WHERE clause and args for a listing.
func trackerWhere(collaborationID uuid.UUID, f TrackerFilter) (string, []interface{}) {
	clauses := []string{"collaboration_id = $1"}
	args := []interface{}{collaborationID}
	if c := stateClause(f.State); c != "" {
		clauses = append(clauses, c)
	}
	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		clauses = append(clauses, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r *trackerRepoPG) ListByCollaboration(ctx context.Context, collaborationID uuid.UUID, f TrackerFilter, limit, offset int) ([]*TrackerRecord, int, error) {
	q := conn(ctx, r.pool)
	where, args := trackerWhere(collaborationID, f)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM outsource_tracker`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	sql := `SELECT ` + trackerCols + ` FROM outsource_tracker` + where + ` ORDER BY patient_id, created_at`
	if limit > 0 {
		args = append(args, limit, offset)
		sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	items, err := r.query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *trackerRepoPG) ListByPatient(ctx context.Context, collaborationID, patientID uuid.UUID) ([]*TrackerRecord, error) {
	return r.query(ctx, `SELECT `+trackerCols+` FROM outsource_tracker
		WHERE collaboration_id = $1 AND patient_id = $2 ORDER BY created_at`, collaborationID, patientID)
}

func (r *trackerRepoPG) GetByPairTest(ctx context.Context, initiator, acceptor string, testID uuid.UUID) (*TrackerRecord, error) {
	return scanTracker(conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+prefixed("t", trackerCols)+` FROM outsource_tracker t
		JOIN collaboration c ON c.id = t.collaboration_id
		WHERE c.initiator_tenant = $1 AND c.acceptor_tenant = $2 AND t.test_id = $3
		ORDER BY c.is_active DESC, t.updated_at DESC
		LIMIT 1`, initiator, acceptor, testID))
}

func (r *trackerRepoPG) SetPatientIDAtClient(ctx context.Context, collaborationID, patientID, clientPatientID uuid.UUID) (int, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE outsource_tracker SET patient_id_at_client = $3, version = version + 1, updated_at = NOW()
		WHERE collaboration_id = $1 AND patient_id = $2
			AND patient_id_at_client IS DISTINCT FROM $3`,
		collaborationID, patientID, clientPatientID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *trackerRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*TrackerRecord, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*TrackerRecord
	for rows.Next() {
		t, err := scanTracker(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// -- Specimen source --

type specimenSourcePG struct{ pool *pgxpool.Pool }

// NewSpecimenSourcePG reads the lab_test and specimen_collection tables
// owned by the ordering and collection subsystems.
func NewSpecimenSourcePG(pool *pgxpool.Pool) SpecimenSource {
	return &specimenSourcePG{pool: pool}
}

func (s *specimenSourcePG) GetTests(ctx context.Context, ids []uuid.UUID) ([]*TestDescriptor, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := conn(ctx, s.pool).Query(ctx,
		`SELECT id, patient_id, flow_type FROM lab_test WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TestDescriptor
	for rows.Next() {
		var d TestDescriptor
		var flowType string
		if err := rows.Scan(&d.TestID, &d.PatientID, &flowType); err != nil {
			return nil, err
		}
		d.Classification = ClassifyFlowType(flowType)
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *specimenSourcePG) LatestCollection(ctx context.Context, testID uuid.UUID) (*CollectionRecord, error) {
	var c CollectionRecord
	err := conn(ctx, s.pool).QueryRow(ctx, `
		SELECT test_id, accession_marker, collected_at FROM specimen_collection
		WHERE test_id = $1 ORDER BY collected_at DESC LIMIT 1`, testID,
	).Scan(&c.TestID, &c.AccessionMarker, &c.CollectedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (s *specimenSourcePG) TestsByAccession(ctx context.Context, patientID uuid.UUID, accessionMarker string) ([]uuid.UUID, error) {
	// A test belongs to the draw recorded by its latest collection.
	rows, err := conn(ctx, s.pool).Query(ctx, `
		SELECT test_id FROM (
			SELECT DISTINCT ON (sc.test_id) sc.test_id, sc.accession_marker
			FROM specimen_collection sc
			JOIN lab_test t ON t.id = sc.test_id
			WHERE t.patient_id = $1
			ORDER BY sc.test_id, sc.collected_at DESC
		) latest
		WHERE accession_marker = $2`, patientID, accessionMarker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
