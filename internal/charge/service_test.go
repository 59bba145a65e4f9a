package charge_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/pixflow/internal"
	"github.com/frahmantamala/pixflow/internal/charge"
	"github.com/frahmantamala/pixflow/internal/core/events"
	"github.com/frahmantamala/pixflow/pkg/logger"
)

var _ = Describe("Charge Service", func() {
	var (
		repo       *mockChargeRepository
		gateway    *mockGateway
		reconciler *mockReconciler
		publisher  *recordingPublisher
		service    *charge.Service
		ctx        context.Context

		merchant = internal.Principal{MerchantID: "merchant-a", Role: internal.RoleMerchant}
		other    = internal.Principal{MerchantID: "merchant-b", Role: internal.RoleMerchant}
	)

	BeforeEach(func() {
		repo = newMockChargeRepository()
		gateway = &mockGateway{}
		reconciler = &mockReconciler{}
		publisher = &recordingPublisher{}
		service = charge.NewService(repo, gateway, reconciler, publisher, logger.Discard())
		ctx = context.Background()
	})

	create := func(p internal.Principal) *charge.Charge {
		c, err := service.CreateCharge(p, charge.CreateChargeDTO{
			ClientLabel: "Table 4",
			Amount:      decimal.RequireFromString("50.00"),
		})
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	Describe("CreateCharge", func() {
		It("records a pending charge without touching the gateway", func() {
			c := create(merchant)

			Expect(c.Status).To(Equal(charge.StatusPending))
			Expect(c.MerchantID).To(Equal("merchant-a"))
			Expect(c.HasReference()).To(BeFalse())
			Expect(gateway.calls).To(BeZero())
			Expect(reconciler.registrations()).To(BeZero())
		})

		It("trims the label before validating", func() {
			c, err := service.CreateCharge(merchant, charge.CreateChargeDTO{
				ClientLabel: "  Ana  ",
				Amount:      decimal.NewFromInt(10),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(c.ClientLabel).To(Equal("Ana"))
		})

		It("rejects a non-positive amount and stores nothing", func() {
			_, err := service.CreateCharge(merchant, charge.CreateChargeDTO{ClientLabel: "x", Amount: decimal.Zero})
			Expect(err).To(MatchError(internal.ErrInvalidAmount))
			Expect(repo.count()).To(BeZero())
		})

		It("refuses callers whose role cannot manage charges", func() {
			_, err := service.CreateCharge(internal.Principal{MerchantID: "m", Role: "viewer"}, charge.CreateChargeDTO{
				ClientLabel: "x",
				Amount:      decimal.NewFromInt(1),
			})
			Expect(err).To(MatchError(internal.ErrForbidden))

			_, err = service.CreateCharge(internal.Principal{Role: internal.RoleMerchant}, charge.CreateChargeDTO{
				ClientLabel: "x",
				Amount:      decimal.NewFromInt(1),
			})
			Expect(err).To(MatchError(internal.ErrForbidden))
		})

		It("surfaces store failures", func() {
			repo.createError = errBoom
			_, err := service.CreateCharge(merchant, charge.CreateChargeDTO{ClientLabel: "x", Amount: decimal.NewFromInt(1)})
			Expect(err).To(MatchError(errBoom))
		})
	})

	Describe("reads", func() {
		It("scopes every read to the caller's merchant", func() {
			c := create(merchant)
			create(other)

			_, err := service.GetCharge(other, c.ID)
			Expect(err).To(MatchError(internal.ErrNotFound))

			list, err := service.ListCharges(merchant)
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(1))
			Expect(list[0].ID).To(Equal(c.ID))
		})

		It("lists newest first", func() {
			first := create(merchant)
			second := create(merchant)

			list, err := service.ListCharges(merchant)
			Expect(err).NotTo(HaveOccurred())
			Expect(list[0].ID).To(Equal(second.ID))
			Expect(list[1].ID).To(Equal(first.ID))
		})
	})

	Describe("BeginCollection", func() {
		It("issues a reference, attaches it and registers the charge", func() {
			c := create(merchant)

			updated, ref, err := service.BeginCollection(ctx, merchant, c.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(ref).To(Equal("ref-" + c.ID))
			Expect(updated.Reference()).To(Equal(ref))
			Expect(gateway.calls).To(Equal(1))
			Expect(gateway.requests[0].Amount.Equal(c.Amount)).To(BeTrue())

			Expect(reconciler.registrations()).To(Equal(1))
			target := reconciler.targets[0]
			Expect(target.ChargeID).To(Equal(c.ID))
			Expect(target.MerchantID).To(Equal("merchant-a"))
			Expect(target.Reference).To(Equal(ref))
		})

		It("refuses a charge that already has a reference", func() {
			c := create(merchant)
			_, _, err := service.BeginCollection(ctx, merchant, c.ID)
			Expect(err).NotTo(HaveOccurred())

			_, _, err = service.BeginCollection(ctx, merchant, c.ID)
			Expect(err).To(MatchError(internal.ErrWrongState))
			Expect(gateway.calls).To(Equal(1))
		})

		It("refuses a charge that is no longer pending", func() {
			c := create(merchant)
			repo.setStatus(c.ID, charge.StatusCanceled)

			_, _, err := service.BeginCollection(ctx, merchant, c.ID)
			Expect(err).To(MatchError(internal.ErrWrongState))
			Expect(gateway.calls).To(BeZero())
		})

		It("leaves the charge untouched when the gateway is unavailable", func() {
			c := create(merchant)
			gateway.err = internal.ErrGatewayUnavailable

			_, _, err := service.BeginCollection(ctx, merchant, c.ID)
			Expect(err).To(MatchError(internal.ErrGatewayUnavailable))

			stored, err := service.GetCharge(merchant, c.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.HasReference()).To(BeFalse())
			Expect(reconciler.registrations()).To(BeZero())
		})

		It("treats unclassified gateway errors as unavailable", func() {
			c := create(merchant)
			gateway.err = errBoom

			_, _, err := service.BeginCollection(ctx, merchant, c.ID)
			Expect(err).To(MatchError(internal.ErrGatewayUnavailable))
		})

		It("keeps the reference when registration fails", func() {
			c := create(merchant)
			reconciler.err = errBoom

			updated, _, err := service.BeginCollection(ctx, merchant, c.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.HasReference()).To(BeTrue())
		})

		It("hides other merchants' charges", func() {
			c := create(merchant)
			_, _, err := service.BeginCollection(ctx, other, c.ID)
			Expect(err).To(MatchError(internal.ErrNotFound))
		})
	})

	Describe("SetStatus", func() {
		It("applies a permitted edge and publishes a manual event", func() {
			c := create(merchant)

			updated, err := service.SetStatus(ctx, merchant, c.ID, charge.StatusPaid)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Status).To(Equal(charge.StatusPaid))

			recorded := publisher.recorded()
			Expect(recorded).To(HaveLen(1))
			e, ok := recorded[0].(*events.ChargeTransitionedEvent)
			Expect(ok).To(BeTrue())
			Expect(e.EventType()).To(Equal(events.EventTypeChargePaid))
			Expect(e.Origin).To(Equal(events.OriginManual))
			Expect(e.From).To(Equal("pending"))
		})

		It("stops polling when a collecting charge is settled by hand", func() {
			c := create(merchant)
			_, _, err := service.BeginCollection(ctx, merchant, c.ID)
			Expect(err).NotTo(HaveOccurred())

			_, err = service.SetStatus(ctx, merchant, c.ID, charge.StatusCanceled)
			Expect(err).NotTo(HaveOccurred())
			Expect(reconciler.handles[0].cancelCount()).To(Equal(1))
		})

		It("rejects an edge outside the graph", func() {
			c := create(merchant)
			repo.setStatus(c.ID, charge.StatusPaid)

			_, err := service.SetStatus(ctx, merchant, c.ID, charge.StatusCanceled)
			Expect(err).To(MatchError(internal.ErrWrongState))
			Expect(publisher.recorded()).To(BeEmpty())
		})

		It("rejects an unknown status", func() {
			c := create(merchant)
			_, err := service.SetStatus(ctx, merchant, c.ID, charge.Status("refunded"))
			Expect(err).To(MatchError(internal.ErrInvalidStatus))
		})

		It("treats setting the current status as a no-op", func() {
			c := create(merchant)

			updated, err := service.SetStatus(ctx, merchant, c.ID, charge.StatusPending)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Status).To(Equal(charge.StatusPending))
			Expect(publisher.recorded()).To(BeEmpty())
			Expect(repo.casCalls).To(BeZero())
		})

		It("reverts a paid charge and polls its reference again", func() {
			c := create(merchant)
			_, _, err := service.BeginCollection(ctx, merchant, c.ID)
			Expect(err).NotTo(HaveOccurred())
			_, err = service.SetStatus(ctx, merchant, c.ID, charge.StatusPaid)
			Expect(err).NotTo(HaveOccurred())

			reverted, err := service.SetStatus(ctx, merchant, c.ID, charge.StatusPending)
			Expect(err).NotTo(HaveOccurred())
			Expect(reverted.Status).To(Equal(charge.StatusPending))
			Expect(reconciler.registrations()).To(Equal(2))

			recorded := publisher.recorded()
			Expect(recorded[len(recorded)-1].EventType()).To(Equal(events.EventTypeChargeReverted))
		})

		It("resumes polling from the original collection start", func() {
			service.WithPollWindow(15 * time.Minute)
			c := create(merchant)
			started, _, err := service.BeginCollection(ctx, merchant, c.ID)
			Expect(err).NotTo(HaveOccurred())
			_, err = service.SetStatus(ctx, merchant, c.ID, charge.StatusPaid)
			Expect(err).NotTo(HaveOccurred())

			service.WithClock(func() time.Time { return started.CollectionStartedAt.Add(10 * time.Minute) })
			_, err = service.SetStatus(ctx, merchant, c.ID, charge.StatusPending)
			Expect(err).NotTo(HaveOccurred())

			Expect(reconciler.registrations()).To(Equal(2))
			Expect(reconciler.targets[1].Since).To(Equal(*started.CollectionStartedAt))
		})

		It("does not poll a reverted charge once its window has elapsed", func() {
			service.WithPollWindow(15 * time.Minute)
			c := create(merchant)
			started, _, err := service.BeginCollection(ctx, merchant, c.ID)
			Expect(err).NotTo(HaveOccurred())
			_, err = service.SetStatus(ctx, merchant, c.ID, charge.StatusPaid)
			Expect(err).NotTo(HaveOccurred())

			service.WithClock(func() time.Time { return started.CollectionStartedAt.Add(16 * time.Minute) })
			reverted, err := service.SetStatus(ctx, merchant, c.ID, charge.StatusPending)
			Expect(err).NotTo(HaveOccurred())
			Expect(reverted.Status).To(Equal(charge.StatusPending))

			Expect(reconciler.registrations()).To(Equal(1))
			recorded := publisher.recorded()
			Expect(recorded[len(recorded)-1].EventType()).To(Equal(events.EventTypeChargeReverted))
		})

		It("retries once after losing a race and succeeds when the edge still holds", func() {
			c := create(merchant)
			repo.setStatus(c.ID, charge.StatusPaid)
			repo.beforeCAS = func(call int, stored *charge.Charge) {
				if call == 1 {
					stored.Status = charge.StatusCanceled
				}
			}

			updated, err := service.SetStatus(ctx, merchant, c.ID, charge.StatusPending)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Status).To(Equal(charge.StatusPending))
			Expect(repo.casCalls).To(Equal(2))

			e := publisher.recorded()[0].(*events.ChargeTransitionedEvent)
			Expect(e.From).To(Equal("canceled"))
		})

		It("returns a conflict when the retry finds the edge gone", func() {
			c := create(merchant)
			repo.beforeCAS = func(call int, stored *charge.Charge) {
				if call == 1 {
					stored.Status = charge.StatusPaid
				}
			}

			_, err := service.SetStatus(ctx, merchant, c.ID, charge.StatusCanceled)
			Expect(err).To(MatchError(internal.ErrConflict))
			Expect(repo.status(c.ID)).To(Equal(charge.StatusPaid))
			Expect(publisher.recorded()).To(BeEmpty())
		})

		It("gives up after a second lost race", func() {
			c := create(merchant)
			repo.setStatus(c.ID, charge.StatusPaid)
			repo.beforeCAS = func(call int, stored *charge.Charge) {
				switch call {
				case 1:
					stored.Status = charge.StatusCanceled
				case 2:
					stored.Status = charge.StatusPending
				}
			}

			_, err := service.SetStatus(ctx, merchant, c.ID, charge.StatusPending)
			Expect(err).To(MatchError(internal.ErrConflict))
			Expect(repo.casCalls).To(Equal(2))
			Expect(publisher.recorded()).To(BeEmpty())
		})
	})

	Describe("ReleaseCollection", func() {
		It("cancels the polling handle", func() {
			c := create(merchant)
			_, _, err := service.BeginCollection(ctx, merchant, c.ID)
			Expect(err).NotTo(HaveOccurred())

			Expect(service.ReleaseCollection(merchant, c.ID)).To(Succeed())
			Expect(reconciler.handles[0].cancelCount()).To(Equal(1))

			Expect(service.ReleaseCollection(merchant, c.ID)).To(Succeed())
			Expect(reconciler.handles[0].cancelCount()).To(Equal(1))
		})

		It("reports unknown charges", func() {
			Expect(service.ReleaseCollection(merchant, "missing")).To(MatchError(internal.ErrNotFound))
		})
	})

	Describe("ChargeTransitions", func() {
		It("returns the audit trail in order", func() {
			c := create(merchant)
			_, err := service.SetStatus(ctx, merchant, c.ID, charge.StatusPaid)
			Expect(err).NotTo(HaveOccurred())
			_, err = service.SetStatus(ctx, merchant, c.ID, charge.StatusPending)
			Expect(err).NotTo(HaveOccurred())

			trail, err := service.ChargeTransitions(merchant, c.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(trail).To(HaveLen(2))
			Expect(trail[0].To).To(Equal(charge.StatusPaid))
			Expect(trail[1].To).To(Equal(charge.StatusPending))
		})
	})

	Describe("DailySummary", func() {
		It("fails when reporting is not configured", func() {
			_, err := service.DailySummary(merchant, 7)
			Expect(err).To(HaveOccurred())
		})

		It("defaults and clamps the window", func() {
			reports := &mockReports{}
			service.WithReports(reports)

			s, err := service.DailySummary(merchant, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(reports.lastDays).To(Equal(charge.DefaultSummaryDays))
			Expect(s.Days).To(HaveLen(charge.DefaultSummaryDays))

			_, err = service.DailySummary(merchant, 365)
			Expect(err).NotTo(HaveOccurred())
			Expect(reports.lastDays).To(Equal(charge.MaxSummaryDays))
		})
	})
})
