// Package reporting aggregates recorded presences for the dashboard.
package reporting

import (
	"context"
	"time"

	"ipresence/internal/apperr"
	"ipresence/internal/civil"
	"ipresence/internal/model"
)

// Store computes the three aggregates over [start, end]. Implementations
// read them from one snapshot; Period is filled by the Reporter.
type Store interface {
	Aggregate(ctx context.Context, start, end civil.Date) (model.Stats, error)
}

// Reporter serves statistics over a date range.
type Reporter struct {
	store Store
	loc   *time.Location
	now   func() time.Time
}

// NewReporter wires a reporter. now and loc default to time.Now and time.Local.
func NewReporter(store Store, loc *time.Location, now func() time.Time) *Reporter {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &Reporter{store: store, loc: loc, now: now}
}

// Stats aggregates presences between start and end inclusive. A nil bound
// defaults to the matching edge of the current calendar month.
func (r *Reporter) Stats(ctx context.Context, start, end *civil.Date) (model.Stats, error) {
	first, last := civil.DateOf(r.now().In(r.loc)).MonthBounds()
	if start != nil {
		first = *start
	}
	if end != nil {
		last = *end
	}
	if first.After(last) {
		return model.Stats{}, apperr.E(apperr.InvalidInput, "start_date must not be after end_date", nil)
	}

	stats, err := r.store.Aggregate(ctx, first, last)
	if err != nil {
		return model.Stats{}, apperr.E(apperr.StorageFailure, "aggregate presences", err)
	}
	if stats.ByPromotion == nil {
		stats.ByPromotion = []model.PromotionStats{}
	}
	if stats.Daily == nil {
		stats.Daily = []model.DailyStats{}
	}
	stats.Period = model.Period{StartDate: first, EndDate: last}
	return stats, nil
}
