package outsourcing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the side of a collaboration a tenant sits on.
type Role int

const (
	RoleInitiator Role = iota + 1
	RoleAcceptor
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleAcceptor:
		return "acceptor"
	}
	return "unknown"
}

// Opposite returns the role held by the other party.
func (r Role) Opposite() Role {
	if r == RoleInitiator {
		return RoleAcceptor
	}
	return RoleInitiator
}

// Caller identifies who is asking: the tenant whose store is local to the
// request and the side of the collaboration it acts as.
type Caller struct {
	Tenant string
	Role   Role
}

// Collaboration is a standing agreement for Initiator to outsource tests to
// Acceptor. Each party keeps its own copy; the acceptor's copy is flagged
// IsReferral. An agreement with an unaffiliated lab has no AcceptorTenant
// and carries the lab's name and phone as free text instead.
type Collaboration struct {
	ID                uuid.UUID `db:"id" json:"id"`
	InitiatorTenant   string    `db:"initiator_tenant" json:"initiator_tenant"`
	AcceptorTenant    *string   `db:"acceptor_tenant" json:"acceptor_tenant,omitempty"`
	ExternalOrgName   *string   `db:"external_org_name" json:"external_org_name,omitempty"`
	ExternalPhone     *string   `db:"external_phone" json:"external_phone,omitempty"`
	MinPayment        float64   `db:"min_payment" json:"min_payment"`
	MinPaymentPerTest float64   `db:"min_payment_per_test" json:"min_payment_per_test"`
	CreditMode        bool      `db:"credit_mode" json:"credit_mode"`
	Active            bool      `db:"is_active" json:"is_active"`
	IsReferral        bool      `db:"is_referral" json:"is_referral"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// External reports whether the acceptor is a lab outside the network, in
// which case there is no counterpart store to mirror into.
func (c *Collaboration) External() bool {
	return c.AcceptorTenant == nil || *c.AcceptorTenant == ""
}

// RoleOf returns the side tenant plays in c.
func (c *Collaboration) RoleOf(tenant string) (Role, bool) {
	switch {
	case tenant == "":
		return 0, false
	case c.InitiatorTenant == tenant:
		return RoleInitiator, true
	case !c.External() && *c.AcceptorTenant == tenant:
		return RoleAcceptor, true
	}
	return 0, false
}

// Counterpart returns the tenant on the other side from role. ok is false
// for external collaborations.
func (c *Collaboration) Counterpart(role Role) (tenant string, ok bool) {
	if c.External() {
		return "", false
	}
	if role == RoleInitiator {
		return *c.AcceptorTenant, true
	}
	return c.InitiatorTenant, true
}

// mirrorCopy returns the terms of c as the counterpart would store them.
func (c *Collaboration) mirrorCopy(counterpartRole Role) *Collaboration {
	m := *c
	m.ID = uuid.Nil
	m.IsReferral = counterpartRole == RoleAcceptor
	m.CreatedAt = time.Time{}
	m.UpdatedAt = time.Time{}
	return &m
}

// TransitionKind names one of the three milestone transitions.
type TransitionKind string

const (
	KindSent      TransitionKind = "sent"
	KindReceived  TransitionKind = "received"
	KindCancelled TransitionKind = "cancelled"
)

func ParseTransitionKind(s string) (TransitionKind, error) {
	switch k := TransitionKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindSent, KindReceived, KindCancelled:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidTransition, s)
}

// State is the lifecycle position of a tracker record.
type State string

const (
	StatePendingSend State = "pending_send"
	StateSent        State = "sent"
	StateReceived    State = "received"
	StateCancelled   State = "cancelled"
)

func ParseState(s string) (State, error) {
	switch st := State(strings.ToLower(s)); st {
	case StatePendingSend, StateSent, StateReceived, StateCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// TrackerRecord follows one outsourced test through its handoff. ToSend is
// true on the sending side and false on the receiving side, so the two
// copies of one shipment disagree on it by design.
type TrackerRecord struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	CollaborationID     uuid.UUID  `db:"collaboration_id" json:"collaboration_id"`
	TestID              uuid.UUID  `db:"test_id" json:"test_id"`
	PatientID           uuid.UUID  `db:"patient_id" json:"patient_id"`
	ToSend              bool       `db:"to_send" json:"to_send"`
	IsSent              bool       `db:"is_sent" json:"is_sent"`
	SentAt              *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	SentRemarks         *string    `db:"sent_remarks" json:"sent_remarks,omitempty"`
	IsReceived          bool       `db:"is_received" json:"is_received"`
	ReceivedAt          *time.Time `db:"received_at" json:"received_at,omitempty"`
	ReceivedRemarks     *string    `db:"received_remarks" json:"received_remarks,omitempty"`
	IsCancelled         bool       `db:"is_cancelled" json:"is_cancelled"`
	CancelledAt         *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CancellationRemarks *string    `db:"cancellation_remarks" json:"cancellation_remarks,omitempty"`
	PatientIDAtClient   *uuid.UUID `db:"patient_id_at_client" json:"patient_id_at_client,omitempty"`
	Version             int        `db:"version" json:"version"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

func (t *TrackerRecord) State() State {
	switch {
	case t.IsCancelled:
		return StateCancelled
	case t.IsReceived:
		return StateReceived
	case t.IsSent:
		return StateSent
	}
	return StatePendingSend
}

// Outcome is the effect a transition had on a record.
type Outcome int

const (
	// OutcomeApplied means the record changed.
	OutcomeApplied Outcome = iota + 1
	// OutcomeDuplicate means the milestone was already reached.
	OutcomeDuplicate
	// OutcomeBlocked means a terminal state forbids the milestone.
	OutcomeBlocked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeBlocked:
		return "blocked"
	}
	return "unknown"
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Apply moves t to the milestone named by kind. Milestones only ever go
// from false to true, each timestamp is written once, and nothing follows
// cancellation. Receipt terminates the record too: a received test can no
// longer be cancelled. Receiving an unsent record stamps it sent as well.
func (t *TrackerRecord) Apply(kind TransitionKind, remarks *string, at time.Time) Outcome {
	switch kind {
	case KindSent:
		if t.IsCancelled {
			return OutcomeBlocked
		}
		if t.IsSent {
			return OutcomeDuplicate
		}
		t.markSent(remarks, at)
	case KindReceived:
		if t.IsCancelled {
			return OutcomeBlocked
		}
		if t.IsReceived {
			return OutcomeDuplicate
		}
		if !t.IsSent {
			t.markSent(nil, at)
		}
		t.IsReceived = true
		t.ReceivedAt = timePtr(at)
		t.ReceivedRemarks = remarks
	case KindCancelled:
		if t.IsCancelled {
			return OutcomeDuplicate
		}
		if t.IsReceived {
			return OutcomeBlocked
		}
		t.IsCancelled = true
		t.CancelledAt = timePtr(at)
		t.CancellationRemarks = remarks
	default:
		return OutcomeBlocked
	}
	return OutcomeApplied
}

// wouldBlock reports whether kind can no longer be applied to t.
func (t *TrackerRecord) wouldBlock(kind TransitionKind) bool {
	probe := *t
	return probe.Apply(kind, nil, time.Time{}) == OutcomeBlocked
}

// milestoneAt returns when t reached kind, if it has.
func (t *TrackerRecord) milestoneAt(kind TransitionKind) (time.Time, bool) {
	var at *time.Time
	switch kind {
	case KindSent:
		at = t.SentAt
	case KindReceived:
		at = t.ReceivedAt
	case KindCancelled:
		at = t.CancelledAt
	}
	if at == nil {
		return time.Time{}, false
	}
	return *at, true
}

func (t *TrackerRecord) markSent(remarks *string, at time.Time) {
	t.IsSent = true
	t.SentAt = timePtr(at)
	t.SentRemarks = remarks
}

// milestone is one transition replayed onto a mirror record.
type milestone struct {
	kind    TransitionKind
	at      time.Time
	remarks *string
}

// mirrorMilestones derives what the counterpart copy of t must show from
// everything t has reached so far. A sender-side send arrives as "sent,
// awaiting receipt"; a receiver-side receipt arrives as received;
// cancellation crosses from either side.
func (t *TrackerRecord) mirrorMilestones() []milestone {
	var out []milestone
	if t.ToSend && t.IsSent && t.SentAt != nil {
		out = append(out, milestone{KindSent, *t.SentAt, t.SentRemarks})
	}
	if !t.ToSend && t.IsSent && t.IsReceived && t.ReceivedAt != nil {
		out = append(out, milestone{KindReceived, *t.ReceivedAt, t.ReceivedRemarks})
	}
	if t.IsCancelled && t.CancelledAt != nil {
		out = append(out, milestone{KindCancelled, *t.CancelledAt, t.CancellationRemarks})
	}
	return out
}

// Classification is how a test is processed, resolved once from the
// ordering subsystem's flow type.
type Classification int

const (
	PhysicalSpecimen Classification = iota + 1
	DocumentOnly
)

func (c Classification) String() string {
	if c == DocumentOnly {
		return "document_only"
	}
	return "physical_specimen"
}

var documentFlowTypes = map[string]bool{
	"transcriptor": true,
	"document":     true,
	"report_only":  true,
}

// ClassifyFlowType maps a processing flow name to a Classification.
// Anything not known to be specimen-free is treated as a physical draw.
func ClassifyFlowType(flowType string) Classification {
	if documentFlowTypes[strings.ToLower(strings.TrimSpace(flowType))] {
		return DocumentOnly
	}
	return PhysicalSpecimen
}

// TestDescriptor is the ordering subsystem's view of a test.
type TestDescriptor struct {
	TestID         uuid.UUID      `json:"test_id"`
	PatientID      uuid.UUID      `json:"patient_id"`
	Classification Classification `json:"classification"`
}

// CollectionRecord is the specimen-collection subsystem's record of a draw.
type CollectionRecord struct {
	TestID          uuid.UUID `json:"test_id"`
	AccessionMarker string    `json:"accession_marker"`
	CollectedAt     time.Time `json:"collected_at"`
}

// TrackerFilter narrows tracker listings.
type TrackerFilter struct {
	State     State
	PatientID *uuid.UUID
}

// PatientGroup is one patient's tracker rows under a collaboration.
type PatientGroup struct {
	PatientID              uuid.UUID        `json:"patient_id"`
	PatientIDAtCounterpart *uuid.UUID       `json:"patient_id_at_counterpart,omitempty"`
	Records                []*TrackerRecord `json:"records"`
}

func timePtr(t time.Time) *time.Time { return &t }
