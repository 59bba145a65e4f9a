package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/frahmantamala/pixflow/internal"
	"github.com/frahmantamala/pixflow/internal/charge"
	gatewaytypes "github.com/frahmantamala/pixflow/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/pixflow/internal/core/events"
	"github.com/frahmantamala/pixflow/internal/metrics"
)

// Store is the slice of the charge store the engine writes through.
type Store interface {
	CompareAndSetStatus(merchantID, id string, expected, next charge.Status) (*charge.Charge, error)
	FindByExternalReference(reference string) (*charge.Charge, error)
	ListCollecting() ([]*charge.Charge, error)
}

type Poller interface {
	PollStatus(ctx context.Context, reference string) (gatewaytypes.SettlementStatus, error)
}

type Config struct {
	PollInterval       time.Duration
	MaxPollDuration    time.Duration
	MaxConcurrentPolls int
	// PollTimeout bounds a single gateway call.
	PollTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.MaxPollDuration <= 0 {
		c.MaxPollDuration = 15 * time.Minute
	}
	if c.MaxConcurrentPolls <= 0 {
		c.MaxConcurrentPolls = 16
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
}

var errStopped = internal.NewInternalError("reconciler is stopped")

type registration struct {
	target charge.CollectionTarget
	handle *Handle
}

// Handle releases one registration. Cancelling only stops future ticks;
// a poll already in flight may still settle the charge.
type Handle struct {
	engine *Engine
	reg    *registration
	once   sync.Once
}

func (h *Handle) Cancel() {
	h.once.Do(func() {
		h.engine.release(h.reg)
	})
}

// Engine polls the gateway for every registered charge on a fixed interval and
// commits observed settlements through the store's compare-and-set.
type Engine struct {
	cfg       Config
	store     Store
	gateway   Poller
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	byCharge    map[string]*registration
	byReference map[string]*registration
	stopped     bool
	cancel      context.CancelFunc
	loopDone    chan struct{}

	pool      *workerPool
	tickMu    sync.Mutex
	startOnce sync.Once
	stopOnce  sync.Once
}

var _ charge.Reconciler = (*Engine)(nil)

func NewEngine(cfg Config, store Store, gateway Poller, publisher events.Publisher, m *metrics.Metrics, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:         cfg,
		store:       store,
		gateway:     gateway,
		publisher:   publisher,
		metrics:     m,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		byCharge:    make(map[string]*registration),
		byReference: make(map[string]*registration),
	}
	e.pool = newWorkerPool(cfg.MaxConcurrentPolls, e.poll, logger)
	e.pool.start()
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Register adds a charge to the polling set. Registering the same charge and
// reference again returns the existing handle; a different reference for a
// registered charge, or a reference owned by another charge, is a conflict.
func (e *Engine) Register(target charge.CollectionTarget) (charge.PollHandle, error) {
	if target.ChargeID == "" || target.Reference == "" {
		return nil, internal.NewValidationError("charge id and reference are required", internal.ErrCodeValidationFailed)
	}
	if target.Since.IsZero() {
		target.Since = e.now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil, errStopped
	}

	if existing, ok := e.byCharge[target.ChargeID]; ok {
		if existing.target.Reference != target.Reference {
			return nil, internal.ErrConflict.WithMessage("charge is registered with a different reference")
		}
		if target.Since.After(existing.target.Since) {
			existing.target.Since = target.Since
		}
		return existing.handle, nil
	}
	if owner, ok := e.byReference[target.Reference]; ok && owner.target.ChargeID != target.ChargeID {
		return nil, internal.ErrConflict.WithMessage("reference is registered for another charge")
	}

	reg := &registration{target: target}
	reg.handle = &Handle{engine: e, reg: reg}
	e.byCharge[target.ChargeID] = reg
	e.byReference[target.Reference] = reg
	e.metrics.SetRegistered(len(e.byCharge))

	e.logger.Debug("charge registered for polling",
		"charge_id", target.ChargeID,
		"external_reference", target.Reference,
		"since", target.Since)

	return reg.handle, nil
}

// release drops reg if it is still the live registration for its charge.
func (e *Engine) release(reg *registration) {
	if reg == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.byCharge[reg.target.ChargeID] != reg {
		return
	}
	delete(e.byCharge, reg.target.ChargeID)
	delete(e.byReference, reg.target.Reference)
	e.metrics.SetRegistered(len(e.byCharge))
}

// Registered returns the number of charges currently being polled.
func (e *Engine) Registered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byCharge)
}

// Lookup resolves a reference through the registration index.
func (e *Engine) Lookup(reference string) (charge.CollectionTarget, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, ok := e.byReference[reference]
	if !ok {
		return charge.CollectionTarget{}, false
	}
	return reg.target, true
}

// due returns the registrations to poll now and evicts those whose polling
// window has elapsed. Evicted charges stay pending.
func (e *Engine) due(now time.Time) []*registration {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*registration, 0, len(e.byCharge))
	for id, reg := range e.byCharge {
		if now.Sub(reg.target.Since) > e.cfg.MaxPollDuration {
			delete(e.byCharge, id)
			delete(e.byReference, reg.target.Reference)
			e.logger.Info("polling window elapsed, charge left pending",
				"charge_id", id,
				"external_reference", reg.target.Reference,
				"since", reg.target.Since)
			continue
		}
		out = append(out, reg)
	}
	e.metrics.SetRegistered(len(e.byCharge))
	return out
}

// Tick polls every due charge once through the worker pool and returns when
// all of those polls have finished.
func (e *Engine) Tick(ctx context.Context) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return
	}

	regs := e.due(e.now())
	if len(regs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, reg := range regs {
		wg.Add(1)
		job := pollJob{target: reg.target, reg: reg, done: wg.Done}
		if err := e.pool.submit(ctx, job); err != nil {
			wg.Done()
			e.logger.Debug("tick interrupted", "error", err, "remaining", len(regs))
			break
		}
	}
	wg.Wait()
}

func (e *Engine) poll(job pollJob) {
	defer job.done()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PollTimeout)
	defer cancel()

	t := job.target
	started := time.Now()
	status, err := e.gateway.PollStatus(ctx, t.Reference)
	elapsed := time.Since(started).Seconds()
	if err != nil {
		outcome := "error"
		if errors.Is(err, internal.ErrGatewayUnavailable) {
			outcome = "unavailable"
		}
		e.metrics.ObservePoll(outcome, elapsed)
		e.logger.Warn("gateway poll failed, retrying next tick",
			"error", err,
			"charge_id", t.ChargeID,
			"external_reference", t.Reference)
		return
	}
	e.metrics.ObservePoll(string(status), elapsed)

	if err := e.apply(ctx, t, job.reg, status); err != nil {
		e.logger.Error("failed to apply poll result",
			"error", err,
			"charge_id", t.ChargeID,
			"status", status)
	}
}

// apply reflects one observed settlement state into the store. reg may be nil
// when the observation did not come from a registration.
func (e *Engine) apply(ctx context.Context, t charge.CollectionTarget, reg *registration, status gatewaytypes.SettlementStatus) error {
	switch status {
	case gatewaytypes.SettlementPending:
		return nil

	case gatewaytypes.SettlementSettled:
		updated, err := e.store.CompareAndSetStatus(t.MerchantID, t.ChargeID, charge.StatusPending, charge.StatusPaid)
		switch {
		case err == nil:
		case errors.Is(err, internal.ErrConflict), errors.Is(err, internal.ErrNotFound):
			// another writer moved the charge first; the settlement is dropped
			e.release(reg)
			e.metrics.DroppedSettlement()
			e.logger.Debug("settlement dropped, charge already left pending",
				"charge_id", t.ChargeID,
				"external_reference", t.Reference)
			return nil
		default:
			return err
		}

		e.release(reg)
		e.metrics.ObserveTransition(string(charge.StatusPending), string(charge.StatusPaid), events.OriginGateway)
		e.logger.Info("charge settled by gateway",
			"charge_id", updated.ID,
			"merchant_id", updated.MerchantID,
			"external_reference", t.Reference)
		e.publish(ctx, events.NewChargeTransitionedEvent(
			updated.ID, updated.MerchantID, string(charge.StatusPending), string(charge.StatusPaid), events.OriginGateway, t.Reference))
		return nil

	case gatewaytypes.SettlementExpired, gatewaytypes.SettlementFailed:
		e.release(reg)
		e.logger.Info("collection ended without settlement",
			"charge_id", t.ChargeID,
			"external_reference", t.Reference,
			"outcome", status)
		e.publish(ctx, events.NewCollectionEndedEvent(t.ChargeID, t.MerchantID, t.Reference, string(status)))
		return nil
	}

	return internal.NewValidationError("unknown settlement status "+string(status), internal.ErrCodeInvalidStatus)
}

// Observe applies a settlement state pushed by the processor. The charge is
// resolved through the registration index, falling back to the store for
// references that are no longer being polled.
func (e *Engine) Observe(ctx context.Context, reference string, status gatewaytypes.SettlementStatus) error {
	e.mu.Lock()
	reg := e.byReference[reference]
	e.mu.Unlock()

	if reg != nil {
		return e.apply(ctx, reg.target, reg, status)
	}

	c, err := e.store.FindByExternalReference(reference)
	if err != nil {
		return err
	}
	if c.Status != charge.StatusPending {
		return nil
	}
	return e.apply(ctx, charge.CollectionTarget{
		MerchantID: c.MerchantID,
		ChargeID:   c.ID,
		Reference:  reference,
	}, nil, status)
}

// Resync registers every pending charge with a reference whose polling window
// is still open. It is how the in-memory set is rebuilt after a restart.
func (e *Engine) Resync(ctx context.Context) (int, error) {
	charges, err := e.store.ListCollecting()
	if err != nil {
		return 0, err
	}

	now := e.now()
	registered := 0
	for _, c := range charges {
		if ctx.Err() != nil {
			return registered, ctx.Err()
		}
		since := c.UpdatedAt
		if c.CollectionStartedAt != nil {
			since = *c.CollectionStartedAt
		}
		if now.Sub(since) > e.cfg.MaxPollDuration {
			continue
		}
		if _, err := e.Register(charge.CollectionTarget{
			MerchantID: c.MerchantID,
			ChargeID:   c.ID,
			Reference:  c.Reference(),
			Since:      since,
		}); err != nil {
			e.logger.Warn("resync could not register charge", "error", err, "charge_id", c.ID)
			continue
		}
		registered++
	}

	e.logger.Info("reconciler resynced from store", "candidates", len(charges), "registered", registered)
	return registered, nil
}

// Start runs the tick loop until ctx ends or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})

		e.mu.Lock()
		e.cancel = cancel
		e.loopDone = done
		e.mu.Unlock()

		go e.loop(loopCtx, done)
		e.logger.Info("reconciler started",
			"poll_interval", e.cfg.PollInterval,
			"max_poll_duration", e.cfg.MaxPollDuration,
			"max_concurrent_polls", e.cfg.MaxConcurrentPolls)
	})
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Stop ends the tick loop, lets in-flight polls finish and shuts the pool
// down. It returns ctx.Err() if draining outlives ctx.
func (e *Engine) Stop(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		cancel, loopDone := e.cancel, e.loopDone
		e.mu.Unlock()

		if cancel != nil {
			cancel()
		}

		drained := make(chan struct{})
		go func() {
			if loopDone != nil {
				<-loopDone
			}
			e.tickMu.Lock()
			e.pool.stop()
			e.tickMu.Unlock()
			close(drained)
		}()

		select {
		case <-drained:
			e.logger.Info("reconciler stopped", "registered", e.Registered())
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (e *Engine) publish(ctx context.Context, event events.Event) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Error("failed to publish event", "error", err, "event_type", event.EventType())
	}
}
