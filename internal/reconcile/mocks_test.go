package reconcile_test

import (
	"context"
	"sync"
	"time"

	"github.com/frahmantamala/pixflow/internal"
	"github.com/frahmantamala/pixflow/internal/charge"
	gatewaytypes "github.com/frahmantamala/pixflow/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/pixflow/internal/core/events"
)

type fakeStore struct {
	mu      sync.Mutex
	charges map[string]*charge.Charge
}

func newFakeStore() *fakeStore {
	return &fakeStore{charges: make(map[string]*charge.Charge)}
}

func (s *fakeStore) add(id, merchantID, reference string, startedAt *time.Time) *charge.Charge {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &charge.Charge{
		ID:                  id,
		MerchantID:          merchantID,
		Status:              charge.StatusPending,
		CollectionStartedAt: startedAt,
	}
	if reference != "" {
		ref := reference
		c.ExternalReference = &ref
	}
	s.charges[id] = c
	return c
}

func (s *fakeStore) status(id string) charge.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.charges[id].Status
}

func (s *fakeStore) CompareAndSetStatus(merchantID, id string, expected, next charge.Status) (*charge.Charge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[id]
	if !ok || c.MerchantID != merchantID {
		return nil, internal.ErrNotFound
	}
	if c.Status != expected {
		return nil, internal.ErrConflict
	}
	c.Status = next
	cp := *c
	return &cp, nil
}

func (s *fakeStore) FindByExternalReference(reference string) (*charge.Charge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.charges {
		if c.Reference() == reference {
			cp := *c
			return &cp, nil
		}
	}
	return nil, internal.ErrNotFound
}

func (s *fakeStore) ListCollecting() ([]*charge.Charge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*charge.Charge
	for _, c := range s.charges {
		if c.Status == charge.StatusPending && c.HasReference() {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

type pollResult struct {
	status gatewaytypes.SettlementStatus
	err    error
}

// scriptedPoller answers each reference from a script; the last entry repeats.
type scriptedPoller struct {
	mu          sync.Mutex
	scripts     map[string][]pollResult
	calls       map[string]int
	inFlight    int
	maxInFlight int
	delay       time.Duration

	entered chan string
	release chan struct{}
}

func newScriptedPoller() *scriptedPoller {
	return &scriptedPoller{
		scripts: make(map[string][]pollResult),
		calls:   make(map[string]int),
	}
}

func (p *scriptedPoller) script(reference string, results ...pollResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[reference] = results
}

func (p *scriptedPoller) callCount(reference string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[reference]
}

func (p *scriptedPoller) peak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInFlight
}

func (p *scriptedPoller) PollStatus(ctx context.Context, reference string) (gatewaytypes.SettlementStatus, error) {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	n := p.calls[reference]
	p.calls[reference] = n + 1
	script := p.scripts[reference]
	entered, release, delay := p.entered, p.release, p.delay
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	if entered != nil {
		entered <- reference
	}
	if release != nil {
		<-release
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	if len(script) == 0 {
		return gatewaytypes.SettlementPending, nil
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	return script[n].status, script[n].err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType())
	}
	return out
}

func (p *recordingPublisher) last() events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return nil
	}
	return p.events[len(p.events)-1]
}

type fakeObserver struct {
	reference string
	status    gatewaytypes.SettlementStatus
	err       error
	calls     int
}

func (o *fakeObserver) Observe(_ context.Context, reference string, status gatewaytypes.SettlementStatus) error {
	o.calls++
	o.reference = reference
	o.status = status
	return o.err
}
