package reconcile_test

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/pixflow/internal"
	"github.com/frahmantamala/pixflow/internal/charge"
	"github.com/frahmantamala/pixflow/internal/charge/boltstore"
	chargePostgres "github.com/frahmantamala/pixflow/internal/charge/postgres"
	chargeDatamodel "github.com/frahmantamala/pixflow/internal/core/datamodel/charge"
	"github.com/frahmantamala/pixflow/internal/core/events"
	"github.com/frahmantamala/pixflow/internal/metrics"
	"github.com/frahmantamala/pixflow/internal/paymentgateway"
	"github.com/frahmantamala/pixflow/internal/reconcile"
	"github.com/frahmantamala/pixflow/pkg/logger"
)

// backend is a charge store under test plus its teardown.
type backend struct {
	store interface {
		charge.RepositoryAPI
		reconcile.Store
	}
	close func()
}

func openBolt(now func() time.Time) backend {
	store, err := boltstore.Open(filepath.Join(GinkgoT().TempDir(), "pixflow.db"))
	Expect(err).NotTo(HaveOccurred())
	return backend{
		store: store.WithClock(now),
		close: func() { Expect(store.Close()).To(Succeed()) },
	}
}

func openSQLite(now func() time.Time) backend {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	Expect(err).NotTo(HaveOccurred())
	sqlDB, err := db.DB()
	Expect(err).NotTo(HaveOccurred())
	sqlDB.SetMaxOpenConns(1)
	Expect(db.AutoMigrate(&chargeDatamodel.Charge{}, &chargeDatamodel.Transition{})).To(Succeed())

	return backend{
		store: chargePostgres.NewChargeRepository(db).WithClock(now),
		close: func() { Expect(sqlDB.Close()).To(Succeed()) },
	}
}

// transitionLog counts committed transitions per charge as seen on the bus.
type transitionLog struct {
	mu   sync.Mutex
	seen map[string][]*events.ChargeTransitionedEvent
}

func (l *transitionLog) handle(ctx context.Context, e events.Event) error {
	te := e.(*events.ChargeTransitionedEvent)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[te.ChargeID] = append(l.seen[te.ChargeID], te)
	return nil
}

func (l *transitionLog) of(chargeID string) []*events.ChargeTransitionedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*events.ChargeTransitionedEvent(nil), l.seen[chargeID]...)
}

func wiredBehaviour(open func(now func() time.Time) backend) {
	var (
		b       backend
		bus     *events.EventBus
		journal *transitionLog
		engine  *reconcile.Engine
		service *charge.Service
		clock   time.Time
		clockMu sync.Mutex
		ctx     context.Context

		merchant = internal.Principal{MerchantID: "merchant-a", Role: internal.RoleMerchant}
	)

	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		defer clockMu.Unlock()
		clock = clock.Add(d)
	}

	// wire builds the full chain around a simulated processor that settles
	// every reference on its settleAfter-th poll.
	wire := func(settleAfter int) {
		gateway := paymentgateway.NewSimulator(settleAfter, logger.Discard())
		engine = reconcile.NewEngine(reconcile.Config{
			PollInterval:       3 * time.Second,
			MaxPollDuration:    15 * time.Minute,
			MaxConcurrentPolls: 4,
		}, b.store, gateway, bus, metrics.New(prometheus.NewRegistry()), logger.Discard()).WithClock(now)
		service = charge.NewService(b.store, gateway, engine, bus, logger.Discard()).
			WithPollWindow(15 * time.Minute).
			WithClock(now)
	}

	drain := func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		Expect(bus.Drain(drainCtx)).To(Succeed())
	}

	create := func(amount string) *charge.Charge {
		c, err := service.CreateCharge(merchant, charge.CreateChargeDTO{
			ClientLabel: "Table 4",
			Amount:      decimal.RequireFromString(amount),
			Message:     "thanks",
		})
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	BeforeEach(func() {
		clock = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
		ctx = context.Background()
		b = open(now)
		bus = events.NewEventBus(logger.Discard())
		journal = &transitionLog{seen: make(map[string][]*events.ChargeTransitionedEvent)}
		bus.Subscribe(events.EventTypeChargePaid, journal.handle)
		bus.Subscribe(events.EventTypeChargeCanceled, journal.handle)
	})

	AfterEach(func() {
		if engine != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			Expect(engine.Stop(stopCtx)).To(Succeed())
		}
		drain()
		b.close()
	})

	It("round-trips a created charge", func() {
		wire(3)
		c := create("50.00")

		got, err := service.GetCharge(merchant, c.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(charge.StatusPending))
		Expect(got.Amount.Equal(decimal.RequireFromString("50.00"))).To(BeTrue())
		Expect(got.ClientLabel).To(Equal("Table 4"))
		Expect(got.Message).To(Equal("thanks"))
	})

	It("settles a collecting charge on the third tick", func() {
		wire(3)
		c := create("50.00")

		_, ref, err := service.BeginCollection(ctx, merchant, c.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(engine.Registered()).To(Equal(1))

		for i := 0; i < 2; i++ {
			advance(3 * time.Second)
			engine.Tick(ctx)
			got, err := service.GetCharge(merchant, c.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(charge.StatusPending))
		}

		advance(3 * time.Second)
		engine.Tick(ctx)

		got, err := service.GetCharge(merchant, c.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(charge.StatusPaid))
		Expect(got.Reference()).To(Equal(ref))
		Expect(got.UpdatedAt.After(c.UpdatedAt)).To(BeTrue())
		Expect(engine.Registered()).To(BeZero())

		transitions, err := service.ChargeTransitions(merchant, c.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(transitions).To(HaveLen(1))

		drain()
		seen := journal.of(c.ID)
		Expect(seen).To(HaveLen(1))
		Expect(seen[0].Origin).To(Equal(events.OriginGateway))
	})

	It("cancels a charge that never started collection", func() {
		wire(1)
		c := create("12.00")

		advance(time.Second)
		got, err := service.SetStatus(ctx, merchant, c.ID, charge.StatusCanceled)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(charge.StatusCanceled))
		Expect(got.HasReference()).To(BeFalse())
		Expect(got.UpdatedAt.After(c.UpdatedAt)).To(BeTrue())
		Expect(engine.Registered()).To(BeZero())
	})

	It("commits a manual payment and a settled poll exactly once", func() {
		wire(1)

		for i := 0; i < 20; i++ {
			c := create("50.00")
			_, _, err := service.BeginCollection(ctx, merchant, c.ID)
			Expect(err).NotTo(HaveOccurred())
			advance(3 * time.Second)

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := service.SetStatus(ctx, merchant, c.ID, charge.StatusPaid)
				Expect(err).NotTo(HaveOccurred())
			}()
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				engine.Tick(ctx)
			}()
			wg.Wait()
			drain()

			got, err := service.GetCharge(merchant, c.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(charge.StatusPaid))

			transitions, err := service.ChargeTransitions(merchant, c.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(transitions).To(HaveLen(1))
			Expect(journal.of(c.ID)).To(HaveLen(1))
		}
	})

	It("lets exactly one of a manual cancel and a settled poll win", func() {
		wire(1)

		for i := 0; i < 20; i++ {
			c := create("50.00")
			_, _, err := service.BeginCollection(ctx, merchant, c.ID)
			Expect(err).NotTo(HaveOccurred())
			advance(3 * time.Second)

			var (
				wg        sync.WaitGroup
				cancelErr error
			)
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, cancelErr = service.SetStatus(ctx, merchant, c.ID, charge.StatusCanceled)
			}()
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				engine.Tick(ctx)
			}()
			wg.Wait()
			drain()

			got, err := service.GetCharge(merchant, c.ID)
			Expect(err).NotTo(HaveOccurred())
			if cancelErr == nil {
				Expect(got.Status).To(Equal(charge.StatusCanceled))
			} else {
				Expect(got.Status).To(Equal(charge.StatusPaid))
				Expect(cancelErr).To(Or(MatchError(internal.ErrWrongState), MatchError(internal.ErrConflict)))
			}

			transitions, err := service.ChargeTransitions(merchant, c.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(transitions).To(HaveLen(1))

			seen := journal.of(c.ID)
			Expect(seen).To(HaveLen(1))
			Expect(seen[0].To).To(Equal(string(got.Status)))
		}
	})

	It("stops polling a reverted charge whose window has elapsed", func() {
		wire(5)
		c := create("50.00")
		_, ref, err := service.BeginCollection(ctx, merchant, c.ID)
		Expect(err).NotTo(HaveOccurred())
		_, err = service.SetStatus(ctx, merchant, c.ID, charge.StatusPaid)
		Expect(err).NotTo(HaveOccurred())

		advance(16 * time.Minute)
		_, err = service.SetStatus(ctx, merchant, c.ID, charge.StatusPending)
		Expect(err).NotTo(HaveOccurred())

		_, registered := engine.Lookup(ref)
		Expect(registered).To(BeFalse())
	})

	It("resumes a reverted charge for the rest of its original window", func() {
		wire(5)
		c := create("50.00")
		started, ref, err := service.BeginCollection(ctx, merchant, c.ID)
		Expect(err).NotTo(HaveOccurred())
		_, err = service.SetStatus(ctx, merchant, c.ID, charge.StatusPaid)
		Expect(err).NotTo(HaveOccurred())

		advance(14 * time.Minute)
		_, err = service.SetStatus(ctx, merchant, c.ID, charge.StatusPending)
		Expect(err).NotTo(HaveOccurred())

		target, registered := engine.Lookup(ref)
		Expect(registered).To(BeTrue())
		Expect(target.Since).To(BeTemporally("==", *started.CollectionStartedAt))
	})
}

var _ = Describe("Charge service and engine on the bolt store", func() {
	wiredBehaviour(openBolt)
})

var _ = Describe("Charge service and engine on sqlite", func() {
	wiredBehaviour(openSQLite)
})
