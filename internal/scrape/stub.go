package scrape

import (
	"context"
	"math"
	"time"

	"github.com/gridwell/datafeeds/internal/dates"
	"github.com/gridwell/datafeeds/internal/model"
	"github.com/gridwell/datafeeds/internal/secrets"
)

// StubBills is a deterministic browserless adapter used for end-to-end runs
// against no real portal. It emits one bill per calendar month fully inside
// the window, with line items tiling the whole period.
type StubBills struct{}

func (*StubBills) Name() string       { return "stub-bills" }
func (*StubBills) NeedsBrowser() bool { return false }

func (*StubBills) Scrape(ctx context.Context, rc *RunContext, w dates.Window, _ secrets.Credentials) (*model.Results, error) {
	if err := rc.Polite(ctx); err != nil {
		return nil, err
	}

	res := &model.Results{TariffFromScrape: rc.Source.Meta.Extra["tariff"]}
	for _, month := range monthsWithin(w) {
		res.Bills = append(res.Bills, stubBill(month))
	}
	return res, nil
}

func stubBill(month dates.Window) model.BillingDatum {
	m := float64(month.Start.Month)
	delivery := round2(80 + 4*m)
	generation := round2(120 + 9*m)
	used := round2(800 + 55*m)

	return model.BillingDatum{
		Start: month.Start,
		End:   month.End,
		Cost:  round2(delivery + generation),
		Used:  &used,
		Items: []model.LineItem{
			{Kind: "delivery", Description: CanonicalDescription("<td>Delivery charges</td>"), Total: delivery},
			{Kind: "generation", Description: CanonicalDescription("<td>Generation charges</td>"), Total: generation},
		},
		Source: "stub-bills",
	}
}

// StubIntervals emits a deterministic interval vector for every day in the
// window, with periodic nil slots so merge behavior is exercised end to end.
type StubIntervals struct{}

func (*StubIntervals) Name() string       { return "stub-intervals" }
func (*StubIntervals) NeedsBrowser() bool { return false }

func (*StubIntervals) Scrape(ctx context.Context, rc *RunContext, w dates.Window, _ secrets.Credentials) (*model.Results, error) {
	if err := rc.Polite(ctx); err != nil {
		return nil, err
	}

	slots := rc.Source.Meta.SlotsPerDay()
	res := &model.Results{Intervals: make(map[dates.Date]model.IntervalVector)}
	w.Each(func(day dates.Date) {
		vec := make(model.IntervalVector, slots)
		for i := range vec {
			if (i+day.Day)%13 == 0 {
				continue
			}
			vec[i] = model.Reading(round2(0.2 + 0.01*float64(day.Day) + 0.001*float64(i)))
		}
		res.Intervals[day] = vec
	})
	return res, nil
}

// monthsWithin returns the calendar months fully contained in w, ascending.
func monthsWithin(w dates.Window) []dates.Window {
	var months []dates.Window
	cur := dates.New(w.Start.Year, w.Start.Month, 1)
	for !cur.After(w.End) {
		end := lastOfMonth(cur)
		if !cur.Before(w.Start) && !end.After(w.End) {
			months = append(months, dates.Window{Start: cur, End: end})
		}
		cur = firstOfNextMonth(cur)
	}
	return months
}

func lastOfMonth(d dates.Date) dates.Date {
	return dates.FromTime(time.Date(d.Year, time.Month(d.Month)+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1))
}

func firstOfNextMonth(d dates.Date) dates.Date {
	return dates.FromTime(time.Date(d.Year, time.Month(d.Month)+1, 1, 0, 0, 0, 0, time.UTC))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
