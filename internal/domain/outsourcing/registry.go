package outsourcing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RegisterRequest carries the terms of a new collaboration. Exactly one of
// AcceptorTenant and ExternalOrgName must be set.
type RegisterRequest struct {
	AcceptorTenant    *string `json:"acceptor_tenant,omitempty"`
	ExternalOrgName   *string `json:"external_org_name,omitempty"`
	ExternalPhone     *string `json:"external_phone,omitempty"`
	MinPayment        float64 `json:"min_payment"`
	MinPaymentPerTest float64 `json:"min_payment_per_test"`
	CreditMode        bool    `json:"credit_mode"`
}

// Registry owns the collaboration rows of each tenant store and knows how to
// find or create the counterpart copy.
type Registry struct {
	collabs       CollaborationRepository
	store         StoreHandle
	log           zerolog.Logger
	mirrorTimeout time.Duration
}

func NewRegistry(collabs CollaborationRepository, store StoreHandle, log zerolog.Logger, mirrorTimeout time.Duration) *Registry {
	return &Registry{collabs: collabs, store: store, log: log, mirrorTimeout: mirrorTimeout}
}

// Resolve returns the collaboration for the ordered pair in the store bound
// to ctx.
func (r *Registry) Resolve(ctx context.Context, initiator, acceptor string) (*Collaboration, error) {
	return r.collabs.GetByPair(ctx, initiator, acceptor)
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*Collaboration, error) {
	return r.collabs.GetByID(ctx, id)
}

func (r *Registry) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Collaboration, int, error) {
	return r.collabs.List(ctx, activeOnly, limit, offset)
}

// Register records a collaboration with tenant as initiator. Registering a
// member pair that already has an active agreement returns that agreement.
func (r *Registry) Register(ctx context.Context, tenant string, req RegisterRequest) (*Collaboration, error) {
	acceptor := trimmed(req.AcceptorTenant)
	external := trimmed(req.ExternalOrgName)
	switch {
	case tenant == "":
		return nil, fmt.Errorf("%w: no tenant bound to request", ErrInvalidInput)
	case acceptor == nil && external == nil:
		return nil, fmt.Errorf("%w: acceptor_tenant or external_org_name is required", ErrInvalidInput)
	case acceptor != nil && external != nil:
		return nil, fmt.Errorf("%w: acceptor_tenant and external_org_name are mutually exclusive", ErrInvalidInput)
	case acceptor != nil && *acceptor == tenant:
		return nil, fmt.Errorf("%w: a lab cannot collaborate with itself", ErrInvalidInput)
	case req.MinPayment < 0 || req.MinPaymentPerTest < 0:
		return nil, fmt.Errorf("%w: minimum payments must not be negative", ErrInvalidInput)
	}

	if acceptor != nil {
		existing, err := r.collabs.GetByPair(ctx, tenant, *acceptor)
		switch {
		case err == nil && existing.Active:
			return existing, nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}

	c := &Collaboration{
		InitiatorTenant:   tenant,
		AcceptorTenant:    acceptor,
		ExternalOrgName:   external,
		MinPayment:        req.MinPayment,
		MinPaymentPerTest: req.MinPaymentPerTest,
		CreditMode:        req.CreditMode,
		Active:            true,
	}
	if external != nil {
		c.ExternalPhone = trimmed(req.ExternalPhone)
	}
	if err := r.collabs.Create(ctx, c); err != nil {
		if errors.Is(err, ErrDuplicate) && acceptor != nil {
			return r.collabs.GetByPair(ctx, tenant, *acceptor)
		}
		return nil, fmt.Errorf("create collaboration: %w", err)
	}
	r.log.Info().
		Str("collaboration_id", c.ID.String()).
		Str("initiator", tenant).
		Bool("external", c.External()).
		Msg("collaboration registered")
	return c, nil
}

// EnsureMirror returns the copy of c held in the store bound to ctx,
// creating it on first use. role is the side that store plays. A copy
// withdrawn before c was registered belongs to an earlier agreement and is
// reactivated; one withdrawn later stays withdrawn.
func (r *Registry) EnsureMirror(ctx context.Context, c *Collaboration, role Role) (*Collaboration, error) {
	if c.External() {
		return nil, fmt.Errorf("%w: external collaboration has no mirror", ErrInvalidInput)
	}
	m, err := r.collabs.GetByPair(ctx, c.InitiatorTenant, *c.AcceptorTenant)
	if err == nil {
		if c.Active && !m.Active && !c.CreatedAt.Before(m.UpdatedAt) {
			if err := r.collabs.SetActive(ctx, m.ID, true); err != nil {
				return nil, fmt.Errorf("reactivate mirror collaboration: %w", err)
			}
			m.Active = true
			r.log.Info().
				Str("collaboration_id", m.ID.String()).
				Str("initiator", c.InitiatorTenant).
				Msg("mirror collaboration reactivated")
		}
		return m, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	m = c.mirrorCopy(role)
	if err := r.collabs.Create(ctx, m); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return r.collabs.GetByPair(ctx, c.InitiatorTenant, *c.AcceptorTenant)
		}
		return nil, fmt.Errorf("create mirror collaboration: %w", err)
	}
	return m, nil
}

// Deactivate withdraws caller from the collaboration. The local row is
// committed first; the counterpart copy is withdrawn on a best-effort basis
// and a failure there comes back as a warning.
func (r *Registry) Deactivate(ctx context.Context, caller Caller, id uuid.UUID) (*Collaboration, []string, error) {
	c, err := r.collabs.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := checkCaller(caller, c); err != nil {
		return nil, nil, err
	}
	if c.Active {
		if err := r.collabs.SetActive(ctx, id, false); err != nil {
			return nil, nil, fmt.Errorf("deactivate collaboration: %w", err)
		}
		c.Active = false
	}

	counterpart, ok := c.Counterpart(caller.Role)
	if !ok {
		return c, nil, nil
	}
	err = r.withCounterpart(ctx, counterpart, func(ctx context.Context) error {
		m, err := r.collabs.GetByPair(ctx, c.InitiatorTenant, *c.AcceptorTenant)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil || !m.Active {
			return err
		}
		return r.collabs.SetActive(ctx, m.ID, false)
	})
	if err != nil {
		r.log.Warn().Err(err).
			Str("collaboration_id", id.String()).
			Str("counterpart", counterpart).
			Msg("mirror deactivation failed")
		return c, []string{err.Error()}, nil
	}
	return c, nil, nil
}

// withCounterpart runs fn in one transaction on the counterpart store,
// bounded by the mirror timeout. Every failure is reported as
// ErrMirrorUnreachable.
func (r *Registry) withCounterpart(ctx context.Context, tenant string, fn func(ctx context.Context) error) error {
	if r.mirrorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.mirrorTimeout)
		defer cancel()
	}
	err := r.store.WithStore(ctx, tenant, func(ctx context.Context) error {
		return r.store.InTx(ctx, fn)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMirrorUnreachable, tenant, err)
	}
	return nil
}

// checkCaller verifies that caller sits on the side of c it claims.
func checkCaller(caller Caller, c *Collaboration) error {
	role, ok := c.RoleOf(caller.Tenant)
	if !ok || role != caller.Role {
		return ErrNotParty
	}
	return nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
