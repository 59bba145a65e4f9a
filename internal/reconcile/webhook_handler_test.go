package reconcile_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/pixflow/internal"
	gatewaytypes "github.com/frahmantamala/pixflow/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/pixflow/internal/reconcile"
	"github.com/frahmantamala/pixflow/internal/transport"
	"github.com/frahmantamala/pixflow/pkg/logger"
)

var _ = Describe("Webhook Handler", func() {
	var (
		observer *fakeObserver
		handler  *reconcile.WebhookHandler
	)

	BeforeEach(func() {
		observer = &fakeObserver{}
		handler = reconcile.NewWebhookHandler(transport.NewBaseHandler(logger.Discard()), observer, "s3cret", logger.Discard())
	})

	send := func(h *reconcile.WebhookHandler, token, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gateway", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set(reconcile.WebhookTokenHeader, token)
		}
		rec := httptest.NewRecorder()
		h.HandleNotification(rec, req)
		return rec
	}

	It("feeds a normalized status to the engine", func() {
		rec := send(handler, "s3cret", `{"external_reference":" ref-1 ","status":"approved"}`)
		Expect(rec.Code).To(Equal(http.StatusOK))

		var resp reconcile.WebhookResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Status).To(Equal("success"))

		Expect(observer.calls).To(Equal(1))
		Expect(observer.reference).To(Equal("ref-1"))
		Expect(observer.status).To(Equal(gatewaytypes.SettlementSettled))
	})

	It("rejects a missing or wrong token", func() {
		Expect(send(handler, "", `{"external_reference":"ref-1","status":"paid"}`).Code).To(Equal(http.StatusUnauthorized))
		Expect(send(handler, "nope", `{"external_reference":"ref-1","status":"paid"}`).Code).To(Equal(http.StatusUnauthorized))
		Expect(observer.calls).To(BeZero())
	})

	It("is closed when no secret is configured", func() {
		open := reconcile.NewWebhookHandler(transport.NewBaseHandler(logger.Discard()), observer, "", logger.Discard())
		Expect(send(open, "anything", `{"external_reference":"ref-1","status":"paid"}`).Code).To(Equal(http.StatusUnauthorized))
	})

	It("validates the body", func() {
		Expect(send(handler, "s3cret", `{"status":"paid"}`).Code).To(Equal(http.StatusBadRequest))
		Expect(send(handler, "s3cret", `not json`).Code).To(Equal(http.StatusBadRequest))

		rec := send(handler, "s3cret", `{"external_reference":"ref-1","status":"teleported"}`)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
		Expect(rec.Body.String()).To(ContainSubstring(string(internal.ErrCodeInvalidStatus)))
		Expect(observer.calls).To(BeZero())
	})

	It("maps an unknown reference to not found", func() {
		observer.err = internal.ErrNotFound
		Expect(send(handler, "s3cret", `{"external_reference":"ref-x","status":"paid"}`).Code).To(Equal(http.StatusNotFound))
	})

	It("surfaces store failures as server errors", func() {
		observer.err = internal.NewInternalError("database down")
		Expect(send(handler, "s3cret", `{"external_reference":"ref-1","status":"paid"}`).Code).To(Equal(http.StatusInternalServerError))
	})
})
