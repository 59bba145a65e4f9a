package charge_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/pixflow/internal"
	"github.com/frahmantamala/pixflow/internal/charge"
	gatewaytypes "github.com/frahmantamala/pixflow/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/pixflow/internal/core/events"
)

// Mock repository for testing
type mockChargeRepository struct {
	mu          sync.Mutex
	charges     map[string]*charge.Charge
	transitions map[string][]charge.Transition
	seq         int
	createError error

	// beforeCAS runs before each compare-and-set is evaluated, letting a test
	// move the charge underneath the caller.
	beforeCAS func(call int, c *charge.Charge)
	casCalls  int
}

func newMockChargeRepository() *mockChargeRepository {
	return &mockChargeRepository{
		charges:     make(map[string]*charge.Charge),
		transitions: make(map[string][]charge.Transition),
	}
}

func cloneCharge(c *charge.Charge) *charge.Charge {
	cp := *c
	if c.ExternalReference != nil {
		ref := *c.ExternalReference
		cp.ExternalReference = &ref
	}
	return &cp
}

func (m *mockChargeRepository) Create(merchantID, clientLabel string, amount decimal.Decimal, message string) (*charge.Charge, error) {
	if m.createError != nil {
		return nil, m.createError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	now := time.Date(2026, 3, 10, 12, 0, m.seq, 0, time.UTC)
	c := &charge.Charge{
		ID:          uuid.NewString(),
		MerchantID:  merchantID,
		ClientLabel: clientLabel,
		Amount:      amount,
		Message:     message,
		Status:      charge.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.charges[c.ID] = c
	return cloneCharge(c), nil
}

func (m *mockChargeRepository) get(merchantID, id string) (*charge.Charge, error) {
	c, ok := m.charges[id]
	if !ok || c.MerchantID != merchantID {
		return nil, internal.ErrNotFound
	}
	return c, nil
}

func (m *mockChargeRepository) GetByID(merchantID, id string) (*charge.Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(merchantID, id)
	if err != nil {
		return nil, err
	}
	return cloneCharge(c), nil
}

func (m *mockChargeRepository) ListByMerchant(merchantID string) ([]*charge.Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*charge.Charge
	for _, c := range m.charges {
		if c.MerchantID == merchantID {
			out = append(out, cloneCharge(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *mockChargeRepository) CompareAndSetStatus(merchantID, id string, expected, next charge.Status) (*charge.Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !charge.CanTransition(expected, next) {
		return nil, internal.ErrWrongState
	}
	c, err := m.get(merchantID, id)
	if err != nil {
		return nil, err
	}
	m.casCalls++
	if m.beforeCAS != nil {
		m.beforeCAS(m.casCalls, c)
	}
	if c.Status != expected {
		return nil, internal.ErrConflict
	}
	c.Status = next
	m.transitions[id] = append(m.transitions[id], charge.Transition{From: expected, To: next, At: time.Now().UTC()})
	return cloneCharge(c), nil
}

func (m *mockChargeRepository) AttachExternalReference(merchantID, id, reference string) (*charge.Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(merchantID, id)
	if err != nil {
		return nil, err
	}
	if c.ExternalReference != nil {
		if *c.ExternalReference == reference {
			return cloneCharge(c), nil
		}
		return nil, internal.ErrConflict
	}
	now := time.Now().UTC()
	c.ExternalReference = &reference
	c.CollectionStartedAt = &now
	return cloneCharge(c), nil
}

func (m *mockChargeRepository) Transitions(merchantID, id string) ([]charge.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.get(merchantID, id); err != nil {
		return nil, err
	}
	return append([]charge.Transition(nil), m.transitions[id]...), nil
}

func (m *mockChargeRepository) FindByExternalReference(reference string) (*charge.Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.charges {
		if c.Reference() == reference {
			return cloneCharge(c), nil
		}
	}
	return nil, internal.ErrNotFound
}

func (m *mockChargeRepository) ListCollecting() ([]*charge.Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*charge.Charge
	for _, c := range m.charges {
		if c.Status == charge.StatusPending && c.HasReference() {
			out = append(out, cloneCharge(c))
		}
	}
	return out, nil
}

func (m *mockChargeRepository) status(id string) charge.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.charges[id].Status
}

func (m *mockChargeRepository) setStatus(id string, s charge.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.charges[id].Status = s
}

func (m *mockChargeRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.charges)
}

type mockReports struct {
	lastDays int
}

func (m *mockReports) DailyPaidSummary(merchantID string, days int, now time.Time) (*charge.Summary, error) {
	m.lastDays = days
	return charge.BuildSummary(charge.FillDays(nil, days, now), 0, now), nil
}

// Mock gateway for testing
type mockGateway struct {
	mu       sync.Mutex
	calls    int
	err      error
	requests []*gatewaytypes.IssueRequest
}

func (g *mockGateway) Issue(ctx context.Context, req *gatewaytypes.IssueRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.requests = append(g.requests, req)
	if g.err != nil {
		return "", g.err
	}
	return "ref-" + req.ChargeID, nil
}

type mockHandle struct {
	mu       sync.Mutex
	canceled int
}

func (h *mockHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.canceled++
}

func (h *mockHandle) cancelCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.canceled
}

type mockReconciler struct {
	mu      sync.Mutex
	targets []charge.CollectionTarget
	handles []*mockHandle
	err     error
}

func (r *mockReconciler) Register(target charge.CollectionTarget) (charge.PollHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	h := &mockHandle{}
	r.targets = append(r.targets, target)
	r.handles = append(r.handles, h)
	return h, nil
}

func (r *mockReconciler) registrations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.targets)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) recorded() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

var errBoom = errors.New("boom")
