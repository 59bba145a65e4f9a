package charge

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/pixflow/internal"
	"github.com/frahmantamala/pixflow/internal/idempotency"
	"github.com/frahmantamala/pixflow/internal/transport"
	"github.com/frahmantamala/pixflow/pkg/logger"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type ServiceAPI interface {
	CreateCharge(p internal.Principal, dto CreateChargeDTO) (*Charge, error)
	GetCharge(p internal.Principal, id string) (*Charge, error)
	ListCharges(p internal.Principal) ([]*Charge, error)
	BeginCollection(ctx context.Context, p internal.Principal, id string) (*Charge, string, error)
	ReleaseCollection(p internal.Principal, id string) error
	SetStatus(ctx context.Context, p internal.Principal, id string, next Status) (*Charge, error)
	ChargeTransitions(p internal.Principal, id string) ([]Transition, error)
	DailySummary(p internal.Principal, days int) (*Summary, error)
}

type Handler struct {
	*transport.BaseHandler
	Service     ServiceAPI
	Idempotency *idempotency.Keeper
}

func NewHandler(service ServiceAPI, keeper *idempotency.Keeper) *Handler {
	lg := logger.LoggerWrapper()
	if lg == nil {
		lg = slog.Default()
	}
	return &Handler{
		BaseHandler: transport.NewBaseHandler(lg),
		Service:     service,
		Idempotency: keeper,
	}
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request, op string) (internal.Principal, bool) {
	p, ok := internal.PrincipalFromContext(r.Context())
	if !ok {
		h.Logger.Error(op + ": principal not found in context")
		h.HandleError(w, r, internal.ErrUnauthorized)
		return internal.Principal{}, false
	}
	return p, true
}

func (h *Handler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, "CreateCharge")
	if !ok {
		return
	}

	var dto CreateChargeDTO
	if err := h.DecodeJSON(r, &dto); err != nil {
		h.Logger.Warn("CreateCharge: invalid request body", "error", err)
		h.HandleError(w, r, err)
		return
	}

	key := r.Header.Get(IdempotencyKeyHeader)
	if h.Idempotency == nil {
		key = ""
	}

	var created *Charge
	create := func() (string, error) {
		c, err := h.Service.CreateCharge(p, dto)
		if err != nil {
			return "", err
		}
		created = c
		return c.ID, nil
	}

	var (
		id       string
		replayed bool
		err      error
	)
	if key == "" {
		id, err = create()
	} else {
		id, replayed, err = h.Idempotency.Do(r.Context(), p.MerchantID, key, create)
	}
	if err != nil {
		h.Logger.Error("CreateCharge: service error", "error", err, "merchant_id", p.MerchantID)
		h.HandleError(w, r, err)
		return
	}

	if replayed {
		original, err := h.Service.GetCharge(p, id)
		if err != nil {
			h.HandleError(w, r, err)
			return
		}
		h.Logger.Info("CreateCharge: idempotent replay", "charge_id", id, "merchant_id", p.MerchantID)
		h.WriteJSON(w, http.StatusOK, original)
		return
	}

	h.WriteJSON(w, http.StatusCreated, created)
}

func (h *Handler) ListCharges(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, "ListCharges")
	if !ok {
		return
	}

	charges, err := h.Service.ListCharges(p)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	if charges == nil {
		charges = []*Charge{}
	}

	h.WriteJSON(w, http.StatusOK, ChargesResponse{Charges: charges, Total: len(charges)})
}

func (h *Handler) GetCharge(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, "GetCharge")
	if !ok {
		return
	}

	c, err := h.Service.GetCharge(p, chi.URLParam(r, "id"))
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, c)
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, "UpdateStatus")
	if !ok {
		return
	}

	var dto UpdateStatusDTO
	if err := h.DecodeJSON(r, &dto); err != nil {
		h.HandleError(w, r, err)
		return
	}
	if err := dto.Validate(); err != nil {
		h.HandleError(w, r, err)
		return
	}

	id := chi.URLParam(r, "id")
	c, err := h.Service.SetStatus(r.Context(), p, id, Status(dto.Status))
	if err != nil {
		h.Logger.Warn("UpdateStatus: service error", "error", err, "charge_id", id, "status", dto.Status)
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, c)
}

func (h *Handler) BeginCollection(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, "BeginCollection")
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	c, reference, err := h.Service.BeginCollection(r.Context(), p, id)
	if err != nil {
		h.Logger.Warn("BeginCollection: service error", "error", err, "charge_id", id)
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusCreated, CollectionResponse{Charge: c, ExternalReference: reference})
}

func (h *Handler) ReleaseCollection(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, "ReleaseCollection")
	if !ok {
		return
	}

	if err := h.Service.ReleaseCollection(p, chi.URLParam(r, "id")); err != nil {
		h.HandleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetTransitions(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, "GetTransitions")
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	transitions, err := h.Service.ChargeTransitions(p, id)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	if transitions == nil {
		transitions = []Transition{}
	}
	h.WriteJSON(w, http.StatusOK, TransitionsResponse{ChargeID: id, Transitions: transitions})
}

func (h *Handler) DailySummary(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r, "DailySummary")
	if !ok {
		return
	}

	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.HandleError(w, r, internal.NewValidationFieldError("days", "days must be a positive integer", internal.ErrCodeValidationFailed))
			return
		}
		days = n
	}

	summary, err := h.Service.DailySummary(p, days)
	if err != nil {
		h.HandleError(w, r, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, summary)
}
