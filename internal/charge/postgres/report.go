package postgres

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/pixflow/internal/charge"
)

// ReportRepository serves the read-only dashboard queries with sqlx. Queries
// use ? placeholders and are rebound for the driver the handle was opened with.
type ReportRepository struct {
	db *sqlx.DB
}

var _ charge.ReportAPI = (*ReportRepository)(nil)

func NewReportRepository(db *sqlx.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

type paidRow struct {
	CreatedAt time.Time       `db:"created_at"`
	Amount    decimal.Decimal `db:"amount"`
}

func (r *ReportRepository) DailyPaidSummary(merchantID string, days int, now time.Time) (*charge.Summary, error) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(days - 1))

	var rows []paidRow
	query := r.db.Rebind(`SELECT created_at, amount FROM charges
		WHERE merchant_id = ? AND status = ? AND created_at >= ?`)
	if err := r.db.Select(&rows, query, merchantID, string(charge.StatusPaid), start); err != nil {
		return nil, fmt.Errorf("query paid charges: %w", err)
	}

	var pending int64
	countQuery := r.db.Rebind(`SELECT COUNT(*) FROM charges WHERE merchant_id = ? AND status = ?`)
	if err := r.db.Get(&pending, countQuery, merchantID, string(charge.StatusPending)); err != nil {
		return nil, fmt.Errorf("count pending charges: %w", err)
	}

	found := make(map[string]charge.DailyTotal)
	for _, row := range rows {
		day := row.CreatedAt.UTC().Format(charge.DayLayout)
		total := found[day]
		total.Day = day
		total.Total = total.Total.Add(row.Amount)
		total.Count++
		found[day] = total
	}

	return charge.BuildSummary(charge.FillDays(found, days, now), pending, now), nil
}
