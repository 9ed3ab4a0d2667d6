package integrate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/gridwell/datafeeds/internal/dates"
	"github.com/gridwell/datafeeds/internal/model"
	"github.com/gridwell/datafeeds/internal/store"
)

// IntervalReport summarizes one interval batch.
type IntervalReport struct {
	DaysWritten   int
	SkippedFrozen []dates.Date
	Errors        []model.IntegrationError
}

// IntervalIntegrator merges scraped interval days into stored readings.
type IntervalIntegrator struct {
	store store.Store
	now   func() time.Time
	log   *zap.Logger
}

// NewIntervalIntegrator builds an integrator over st.
func NewIntervalIntegrator(st store.Store) *IntervalIntegrator {
	return &IntervalIntegrator{
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
		log:   zap.L().With(zap.String("component", "integrate.interval")),
	}
}

// Integrate merges each scraped day into the stored reading for the meter,
// ascending by date. Frozen days are never touched; a vector whose length
// disagrees with the meter's slot count fails that date only.
func (ii *IntervalIntegrator) Integrate(ctx context.Context, meterID int64, slotsPerDay int, intervals map[dates.Date]model.IntervalVector) (*IntervalReport, error) {
	report := &IntervalReport{}

	days := make([]dates.Date, 0, len(intervals))
	for d := range intervals {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := ii.integrateDay(ctx, meterID, slotsPerDay, day, intervals[day], report); err != nil {
			report.Errors = append(report.Errors, model.IntegrationError{
				Scope:   "interval",
				Key:     day.String(),
				Kind:    "StoreError",
				Message: err.Error(),
			})
		}
	}
	return report, nil
}

func (ii *IntervalIntegrator) integrateDay(ctx context.Context, meterID int64, slotsPerDay int, day dates.Date, incoming model.IntervalVector, report *IntervalReport) error {
	if slotsPerDay > 0 && len(incoming) != slotsPerDay {
		report.Errors = append(report.Errors, model.IntegrationError{
			Scope:   "interval",
			Key:     day.String(),
			Kind:    "IntervalShapeMismatch",
			Message: fmt.Sprintf("got %d slots, meter expects %d", len(incoming), slotsPerDay),
		})
		return nil
	}

	existing, err := ii.store.LoadInterval(ctx, meterID, day)
	if err != nil {
		return err
	}
	if existing == nil {
		report.DaysWritten++
		return ii.store.UpsertInterval(ctx, model.IntervalReading{
			MeterID:  meterID,
			Occurred: day,
			Readings: incoming.Clone(),
			Modified: ii.now(),
		})
	}

	if existing.Frozen {
		report.SkippedFrozen = append(report.SkippedFrozen, day)
		ii.log.Debug("skipping frozen day",
			zap.Int64("meter_id", meterID),
			zap.String("date", day.String()))
		return nil
	}

	if len(existing.Readings) != len(incoming) {
		report.Errors = append(report.Errors, model.IntegrationError{
			Scope:   "interval",
			Key:     day.String(),
			Kind:    "IntervalShapeMismatch",
			Message: fmt.Sprintf("got %d slots, stored row has %d", len(incoming), len(existing.Readings)),
		})
		return nil
	}

	merged, changed := existing.Readings.Merge(incoming)
	if !changed {
		return nil
	}

	report.DaysWritten++
	return ii.store.UpsertInterval(ctx, model.IntervalReading{
		MeterID:  meterID,
		Occurred: day,
		Readings: merged,
		Frozen:   existing.Frozen,
		Modified: ii.now(),
	})
}
