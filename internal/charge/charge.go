package charge

import (
	"time"

	"github.com/shopspring/decimal"

	chargeDatamodel "github.com/frahmantamala/pixflow/internal/core/datamodel/charge"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusCanceled Status = "canceled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusCanceled:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusCanceled
}

// allowedTransitions is the full edge set. Settlement from the gateway only
// ever uses pending->paid; the reverse edges are operator overrides.
var allowedTransitions = map[Status][]Status{
	StatusPending:  {StatusPaid, StatusCanceled},
	StatusPaid:     {StatusPending},
	StatusCanceled: {StatusPending},
}

// CanTransition reports whether from->to is one of the permitted edges.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsRevert reports whether from->to un-terminates a charge.
func IsRevert(from, to Status) bool {
	return from.Terminal() && to == StatusPending
}

type Charge struct {
	ID                  string          `json:"id"`
	MerchantID          string          `json:"merchant_id"`
	ClientLabel         string          `json:"client_label"`
	Amount              decimal.Decimal `json:"amount"`
	Message             string          `json:"message"`
	Status              Status          `json:"status"`
	ExternalReference   *string         `json:"external_reference,omitempty"`
	CollectionStartedAt *time.Time      `json:"collection_started_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (c *Charge) HasReference() bool {
	return c.ExternalReference != nil && *c.ExternalReference != ""
}

func (c *Charge) Reference() string {
	if c.ExternalReference == nil {
		return ""
	}
	return *c.ExternalReference
}

// CanBeginCollection is true only for a pending charge that was never issued.
func (c *Charge) CanBeginCollection() bool {
	return c.Status == StatusPending && !c.HasReference()
}

// Transition is one entry of a charge's audit trail.
type Transition struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// DailyTotal is the paid revenue for one calendar day (UTC).
type DailyTotal struct {
	Day   string          `json:"day"`
	Total decimal.Decimal `json:"total"`
	Count int64           `json:"count"`
}

// Summary is the dashboard view over a window of days. Growth figures compare
// today with yesterday and are absent when yesterday had nothing to compare.
type Summary struct {
	Days           []DailyTotal    `json:"days"`
	Total          decimal.Decimal `json:"total"`
	Count          int64           `json:"count"`
	AverageTicket  decimal.Decimal `json:"average_ticket"`
	Today          decimal.Decimal `json:"today"`
	Yesterday      decimal.Decimal `json:"yesterday"`
	TodayCount     int64           `json:"today_count"`
	YesterdayCount int64           `json:"yesterday_count"`
	GrowthPct      *float64        `json:"growth_pct,omitempty"`
	SalesGrowthPct *float64        `json:"sales_growth_pct,omitempty"`
	PendingOpen    int64           `json:"pending_open"`
}

func ToDataModel(c *Charge) *chargeDatamodel.Charge {
	return &chargeDatamodel.Charge{
		ID:                  c.ID,
		MerchantID:          c.MerchantID,
		ClientLabel:         c.ClientLabel,
		Amount:              c.Amount,
		Message:             c.Message,
		Status:              string(c.Status),
		ExternalReference:   c.ExternalReference,
		CollectionStartedAt: c.CollectionStartedAt,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

func FromDataModel(dm *chargeDatamodel.Charge) *Charge {
	return &Charge{
		ID:                  dm.ID,
		MerchantID:          dm.MerchantID,
		ClientLabel:         dm.ClientLabel,
		Amount:              dm.Amount,
		Message:             dm.Message,
		Status:              Status(dm.Status),
		ExternalReference:   dm.ExternalReference,
		CollectionStartedAt: dm.CollectionStartedAt,
		CreatedAt:           dm.CreatedAt,
		UpdatedAt:           dm.UpdatedAt,
	}
}

func TransitionFromDataModel(dm *chargeDatamodel.Transition) Transition {
	return Transition{
		From: Status(dm.FromStatus),
		To:   Status(dm.ToStatus),
		At:   dm.CreatedAt,
	}
}

// BuildSummary folds per-day paid totals into the dashboard view. days is
// ordered oldest first and must already cover the window ending at now.
func BuildSummary(days []DailyTotal, pendingOpen int64, now time.Time) *Summary {
	s := &Summary{Days: days, PendingOpen: pendingOpen}
	today := now.UTC().Format(DayLayout)
	yesterday := now.UTC().AddDate(0, 0, -1).Format(DayLayout)
	for _, d := range days {
		s.Total = s.Total.Add(d.Total)
		s.Count += d.Count
		switch d.Day {
		case today:
			s.Today, s.TodayCount = d.Total, d.Count
		case yesterday:
			s.Yesterday, s.YesterdayCount = d.Total, d.Count
		}
	}
	if s.Count > 0 {
		s.AverageTicket = s.Total.Div(decimal.NewFromInt(s.Count)).Round(2)
	}
	if s.Yesterday.IsPositive() {
		s.GrowthPct = growth(s.Today, s.Yesterday)
	}
	if s.YesterdayCount > 0 {
		s.SalesGrowthPct = growth(decimal.NewFromInt(s.TodayCount), decimal.NewFromInt(s.YesterdayCount))
	}
	return s
}

func growth(current, previous decimal.Decimal) *float64 {
	pct, _ := current.Sub(previous).Div(previous).Mul(decimal.NewFromInt(100)).Round(1).Float64()
	return &pct
}

const DayLayout = "2006-01-02"

// FillDays returns one entry per day in [now-days+1, now], oldest first,
// taking totals from found and zero elsewhere.
func FillDays(found map[string]DailyTotal, days int, now time.Time) []DailyTotal {
	out := make([]DailyTotal, 0, days)
	start := now.UTC().AddDate(0, 0, -(days - 1))
	for i := 0; i < days; i++ {
		day := start.AddDate(0, 0, i).Format(DayLayout)
		if d, ok := found[day]; ok {
			out = append(out, d)
			continue
		}
		out = append(out, DailyTotal{Day: day, Total: decimal.Zero})
	}
	return out
}
