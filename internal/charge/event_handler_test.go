package charge_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/frahmantamala/pixflow/internal/charge"
	"github.com/frahmantamala/pixflow/internal/core/events"
	"github.com/frahmantamala/pixflow/internal/metrics"
	"github.com/frahmantamala/pixflow/pkg/logger"
)

var _ = Describe("Charge EventHandler", func() {
	var (
		m   *metrics.Metrics
		bus *events.EventBus
	)

	BeforeEach(func() {
		m = metrics.New(prometheus.NewRegistry())
		bus = events.NewEventBus(logger.Discard())
		charge.NewEventHandler(m, logger.Discard()).RegisterEventHandlers(bus)
	})

	drain := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		Expect(bus.Drain(ctx)).To(Succeed())
	}

	It("counts manual transitions", func() {
		Expect(bus.Publish(context.Background(), events.NewChargeTransitionedEvent(
			"c1", "merchant-a", "pending", "canceled", events.OriginManual, ""))).To(Succeed())
		drain()

		Expect(testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("pending", "canceled", events.OriginManual))).To(Equal(1.0))
	})

	It("leaves gateway transitions to the reconciler", func() {
		Expect(bus.Publish(context.Background(), events.NewChargeTransitionedEvent(
			"c1", "merchant-a", "pending", "paid", events.OriginGateway, "ref-1"))).To(Succeed())
		drain()

		Expect(testutil.CollectAndCount(m.TransitionsTotal)).To(BeZero())
	})

	It("refuses events of the wrong shape", func() {
		h := charge.NewEventHandler(m, logger.Discard())
		wrong := events.NewCollectionEndedEvent("c1", "merchant-a", "ref-1", "expired")
		Expect(h.HandleChargeTransitioned(context.Background(), wrong)).To(HaveOccurred())
		Expect(h.HandleCollectionEnded(context.Background(), wrong)).To(Succeed())
	})
})
