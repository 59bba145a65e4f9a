package paymentgateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/frahmantamala/pixflow/internal"
	gatewaytypes "github.com/frahmantamala/pixflow/internal/core/datamodel/paymentgateway"
)

// Simulator is an in-process processor for local runs: every reference reports
// pending until it has been polled settleAfter times, then settled.
type Simulator struct {
	settleAfter int
	logger      *slog.Logger

	mu    sync.Mutex
	polls map[string]int
}

var _ Gateway = (*Simulator)(nil)

func NewSimulator(settleAfter int, logger *slog.Logger) *Simulator {
	if settleAfter <= 0 {
		settleAfter = 1
	}
	return &Simulator{
		settleAfter: settleAfter,
		logger:      logger,
		polls:       make(map[string]int),
	}
}

func (s *Simulator) Issue(ctx context.Context, req *gatewaytypes.IssueRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", internal.ErrGatewayRejected.WithCause(err)
	}
	if err := ctx.Err(); err != nil {
		return "", internal.ErrGatewayUnavailable.WithCause(err)
	}

	reference := "sim-" + uuid.NewString()
	s.mu.Lock()
	s.polls[reference] = 0
	s.mu.Unlock()

	s.logger.Debug("simulated collection issued", "charge_id", req.ChargeID, "external_reference", reference)
	return reference, nil
}

func (s *Simulator) PollStatus(ctx context.Context, reference string) (gatewaytypes.SettlementStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", internal.ErrGatewayUnavailable.WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.polls[reference]
	if !ok {
		return gatewaytypes.SettlementFailed, nil
	}
	n++
	s.polls[reference] = n
	if n >= s.settleAfter {
		return gatewaytypes.SettlementSettled, nil
	}
	return gatewaytypes.SettlementPending, nil
}
