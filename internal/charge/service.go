package charge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/pixflow/internal"
	gatewaytypes "github.com/frahmantamala/pixflow/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/pixflow/internal/core/events"
)

// RepositoryAPI is the charge store. Every read and write is scoped by
// merchant id except the two reconciliation lookups, which the engine uses
// across merchants.
type RepositoryAPI interface {
	Create(merchantID, clientLabel string, amount decimal.Decimal, message string) (*Charge, error)
	GetByID(merchantID, id string) (*Charge, error)
	ListByMerchant(merchantID string) ([]*Charge, error)
	CompareAndSetStatus(merchantID, id string, expected, next Status) (*Charge, error)
	AttachExternalReference(merchantID, id, reference string) (*Charge, error)
	Transitions(merchantID, id string) ([]Transition, error)

	FindByExternalReference(reference string) (*Charge, error)
	ListCollecting() ([]*Charge, error)
}

type ReportAPI interface {
	DailyPaidSummary(merchantID string, days int, now time.Time) (*Summary, error)
}

// Gateway issues collection handles. Implementations return errors matching
// internal.ErrGatewayUnavailable or internal.ErrGatewayRejected.
type Gateway interface {
	Issue(ctx context.Context, req *gatewaytypes.IssueRequest) (string, error)
}

// CollectionTarget is what the reconciler needs to poll one charge.
type CollectionTarget struct {
	MerchantID string
	ChargeID   string
	Reference  string
	Since      time.Time
}

type PollHandle interface {
	Cancel()
}

type Reconciler interface {
	Register(target CollectionTarget) (PollHandle, error)
}

const (
	DefaultSummaryDays = 7
	MaxSummaryDays     = 90
)

type Service struct {
	repo       RepositoryAPI
	reports    ReportAPI
	gateway    Gateway
	reconciler Reconciler
	publisher  events.Publisher
	logger     *slog.Logger
	now        func() time.Time
	pollWindow time.Duration

	handles sync.Map // charge id -> PollHandle
}

func NewService(repo RepositoryAPI, gateway Gateway, reconciler Reconciler, publisher events.Publisher, logger *slog.Logger) *Service {
	return &Service{
		repo:       repo,
		gateway:    gateway,
		reconciler: reconciler,
		publisher:  publisher,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithPollWindow bounds how long after collection start a charge may still be
// polled. Zero means no bound.
func (s *Service) WithPollWindow(window time.Duration) *Service {
	s.pollWindow = window
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithReports enables the dashboard summary backed by r.
func (s *Service) WithReports(r ReportAPI) *Service {
	s.reports = r
	return s
}

func (s *Service) authorize(p internal.Principal, op string) error {
	if !p.CanManageCharges() {
		s.logger.Warn("charge operation denied",
			"operation", op,
			"merchant_id", p.MerchantID,
			"role", p.Role)
		return internal.ErrForbidden
	}
	return nil
}

// CreateCharge records a pending charge. It never talks to the gateway.
func (s *Service) CreateCharge(p internal.Principal, dto CreateChargeDTO) (*Charge, error) {
	if err := s.authorize(p, "create_charge"); err != nil {
		return nil, err
	}

	dto.Normalize()
	if err := dto.Validate(); err != nil {
		s.logger.Warn("charge validation failed", "error", err, "merchant_id", p.MerchantID)
		return nil, err
	}

	c, err := s.repo.Create(p.MerchantID, dto.ClientLabel, dto.Amount, dto.Message)
	if err != nil {
		s.logger.Error("failed to create charge", "error", err, "merchant_id", p.MerchantID)
		return nil, err
	}

	s.logger.Info("charge created",
		"charge_id", c.ID,
		"merchant_id", c.MerchantID,
		"amount", c.Amount.StringFixed(2))

	return c, nil
}

func (s *Service) GetCharge(p internal.Principal, id string) (*Charge, error) {
	if err := s.authorize(p, "get_charge"); err != nil {
		return nil, err
	}
	return s.repo.GetByID(p.MerchantID, id)
}

func (s *Service) ListCharges(p internal.Principal) ([]*Charge, error) {
	if err := s.authorize(p, "list_charges"); err != nil {
		return nil, err
	}

	charges, err := s.repo.ListByMerchant(p.MerchantID)
	if err != nil {
		s.logger.Error("failed to list charges", "error", err, "merchant_id", p.MerchantID)
		return nil, err
	}
	return charges, nil
}

// BeginCollection issues a gateway reference for a pending charge, attaches it
// and registers the charge for settlement polling.
func (s *Service) BeginCollection(ctx context.Context, p internal.Principal, id string) (*Charge, string, error) {
	if err := s.authorize(p, "begin_collection"); err != nil {
		return nil, "", err
	}

	c, err := s.repo.GetByID(p.MerchantID, id)
	if err != nil {
		return nil, "", err
	}
	if !c.CanBeginCollection() {
		s.logger.Warn("collection cannot begin",
			"charge_id", id,
			"status", c.Status,
			"has_reference", c.HasReference())
		return nil, "", internal.ErrWrongState.WithMessage("collection can only begin for a pending charge without a reference")
	}

	reference, err := s.gateway.Issue(ctx, &gatewaytypes.IssueRequest{
		ChargeID:    c.ID,
		MerchantID:  c.MerchantID,
		Amount:      c.Amount,
		Description: c.ClientLabel,
	})
	if err != nil {
		s.logger.Error("gateway issuance failed", "error", err, "charge_id", id)
		if _, ok := internal.IsAppError(err); !ok {
			err = internal.ErrGatewayUnavailable.WithCause(err)
		}
		return nil, "", err
	}

	updated, err := s.repo.AttachExternalReference(p.MerchantID, id, reference)
	if err != nil {
		s.logger.Error("failed to attach external reference",
			"error", err,
			"charge_id", id,
			"external_reference", reference)
		return nil, "", err
	}

	s.track(updated, collectionStart(updated, s.now()))

	s.logger.Info("collection started",
		"charge_id", id,
		"merchant_id", p.MerchantID,
		"external_reference", reference)

	return updated, reference, nil
}

// ReleaseCollection stops polling for a charge. It is safe to call when
// nothing is registered.
func (s *Service) ReleaseCollection(p internal.Principal, id string) error {
	if err := s.authorize(p, "release_collection"); err != nil {
		return err
	}
	if _, err := s.repo.GetByID(p.MerchantID, id); err != nil {
		return err
	}
	s.release(id)
	return nil
}

// SetStatus applies a manual transition. A lost compare-and-set is retried once
// against a fresh read; after that the conflict goes back to the caller.
func (s *Service) SetStatus(ctx context.Context, p internal.Principal, id string, next Status) (*Charge, error) {
	if err := s.authorize(p, "set_status"); err != nil {
		return nil, err
	}
	if !next.Valid() {
		return nil, internal.ErrInvalidStatus
	}

	current, err := s.repo.GetByID(p.MerchantID, id)
	if err != nil {
		return nil, err
	}

	updated, err := s.transition(ctx, p, current, next, false)
	if !errors.Is(err, internal.ErrConflict) {
		return updated, err
	}

	s.logger.Info("status change lost a race, retrying",
		"charge_id", id,
		"expected", current.Status,
		"requested", next)

	current, err = s.repo.GetByID(p.MerchantID, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, p, current, next, true)
}

func (s *Service) transition(ctx context.Context, p internal.Principal, current *Charge, next Status, retry bool) (*Charge, error) {
	if current.Status == next {
		return current, nil
	}
	if !CanTransition(current.Status, next) {
		if retry {
			// the state we were asked to leave is gone
			return nil, internal.ErrConflict
		}
		return nil, internal.ErrWrongState.WithMessage("cannot move charge from " + string(current.Status) + " to " + string(next))
	}

	updated, err := s.repo.CompareAndSetStatus(p.MerchantID, current.ID, current.Status, next)
	if err != nil {
		return nil, err
	}

	from := current.Status
	if IsRevert(from, next) {
		s.logger.Warn("charge reverted to pending by operator",
			"charge_id", updated.ID,
			"merchant_id", p.MerchantID,
			"role", p.Role,
			"from", from,
			"to", next)
		if updated.HasReference() {
			s.resume(updated)
		}
	} else {
		s.logger.Info("charge status changed",
			"charge_id", updated.ID,
			"merchant_id", p.MerchantID,
			"from", from,
			"to", next)
		s.release(updated.ID)
	}

	s.publish(ctx, events.NewChargeTransitionedEvent(
		updated.ID, updated.MerchantID, string(from), string(next), events.OriginManual, updated.Reference()))

	return updated, nil
}

func (s *Service) ChargeTransitions(p internal.Principal, id string) ([]Transition, error) {
	if err := s.authorize(p, "charge_transitions"); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetByID(p.MerchantID, id); err != nil {
		return nil, err
	}
	return s.repo.Transitions(p.MerchantID, id)
}

func (s *Service) DailySummary(p internal.Principal, days int) (*Summary, error) {
	if err := s.authorize(p, "daily_summary"); err != nil {
		return nil, err
	}
	if s.reports == nil {
		return nil, internal.NewInternalError("reporting is not configured")
	}
	if days <= 0 {
		days = DefaultSummaryDays
	}
	if days > MaxSummaryDays {
		days = MaxSummaryDays
	}
	return s.reports.DailyPaidSummary(p.MerchantID, days, s.now())
}

func (s *Service) track(c *Charge, since time.Time) {
	if s.reconciler == nil {
		return
	}
	handle, err := s.reconciler.Register(CollectionTarget{
		MerchantID: c.MerchantID,
		ChargeID:   c.ID,
		Reference:  c.Reference(),
		Since:      since,
	})
	if err != nil {
		// the next resync picks the charge up again from the store
		s.logger.Error("failed to register charge for polling",
			"error", err,
			"charge_id", c.ID,
			"external_reference", c.Reference())
		return
	}
	s.handles.Store(c.ID, handle)
}

// resume polls a reverted charge again for whatever is left of its original
// window. Once the window has elapsed the charge is only edited manually.
func (s *Service) resume(c *Charge) {
	since := collectionStart(c, s.now())
	if s.pollWindow > 0 && !s.now().Before(since.Add(s.pollWindow)) {
		s.logger.Info("polling window elapsed, not resuming",
			"charge_id", c.ID,
			"external_reference", c.Reference(),
			"collection_started_at", since)
		return
	}
	s.track(c, since)
}

func collectionStart(c *Charge, fallback time.Time) time.Time {
	if c.CollectionStartedAt != nil {
		return *c.CollectionStartedAt
	}
	return fallback
}

func (s *Service) release(chargeID string) {
	if h, ok := s.handles.LoadAndDelete(chargeID); ok {
		h.(PollHandle).Cancel()
	}
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event", "error", err, "event_type", event.EventType())
	}
}
