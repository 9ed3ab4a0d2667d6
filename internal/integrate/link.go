package integrate

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/gridwell/datafeeds/internal/dates"
	"github.com/gridwell/datafeeds/internal/model"
	"github.com/gridwell/datafeeds/internal/store"
)

// recomputeLinks rebuilds partial-to-whole links for every visible whole bill
// in the envelope. A whole bill links to the visible partials that exactly
// tile its period: one tnd partial plus one or more generation partials, or a
// single exactly-covering partial when the service is single-provider.
func (bi *BillIntegrator) recomputeLinks(ctx context.Context, svc model.UtilityService, singleProvider bool, envelope dates.Window) error {
	return bi.store.Tx(ctx, svc.ID, func(ctx context.Context, st store.Store) error {
		bills, err := st.ListBills(ctx, svc.ID, envelope)
		if err != nil {
			return err
		}
		tnd, err := visiblePartials(ctx, st, svc.ID, model.ProviderTND, envelope)
		if err != nil {
			return err
		}
		gen, err := visiblePartials(ctx, st, svc.ID, model.ProviderGeneration, envelope)
		if err != nil {
			return err
		}
		links, err := st.ListLinks(ctx, svc.ID)
		if err != nil {
			return err
		}
		linked := make(map[model.PartialBillLink]bool, len(links))
		for _, l := range links {
			linked[l] = true
		}

		for _, bill := range bills {
			if !bill.Visible {
				continue
			}
			var cover []model.PartialBill
			if singleProvider {
				cover = singleProviderCover(bill.Window(), append(append([]model.PartialBill(nil), tnd...), gen...))
			} else {
				cover = splitProviderCover(bill.Window(), tnd, gen)
			}
			for _, p := range cover {
				key := model.PartialBillLink{PartialOID: p.OID, BillOID: bill.OID}
				if linked[key] {
					continue
				}
				if err := st.LinkPartial(ctx, p.OID, bill.OID); err != nil {
					return err
				}
				bi.log.Debug("linked partial to bill",
					zap.String("partial_oid", p.OID),
					zap.String("bill_oid", bill.OID))
			}
		}
		return nil
	})
}

func visiblePartials(ctx context.Context, st store.Store, serviceID int64, pt model.ProviderType, w dates.Window) ([]model.PartialBill, error) {
	rows, err := st.ListPartials(ctx, serviceID, pt, w)
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, p := range rows {
		if p.Visible {
			out = append(out, p)
		}
	}
	return out, nil
}

// singleProviderCover finds one partial whose period equals the bill's.
func singleProviderCover(w dates.Window, partials []model.PartialBill) []model.PartialBill {
	for _, p := range partials {
		if p.Window() == w {
			return []model.PartialBill{p}
		}
	}
	return nil
}

// splitProviderCover picks the tnd partial matching the bill's period and the
// generation partials that together tile it day by day with no gaps and no
// overlaps. Partial coverage yields no links at all.
func splitProviderCover(w dates.Window, tnd, gen []model.PartialBill) []model.PartialBill {
	var tndMatch *model.PartialBill
	for i, p := range tnd {
		if p.Window() == w {
			tndMatch = &tnd[i]
			break
		}
	}
	if tndMatch == nil {
		return nil
	}

	var inside []model.PartialBill
	for _, p := range gen {
		if w.Contains(p.Window()) {
			inside = append(inside, p)
		}
	}
	if len(inside) == 0 {
		return nil
	}
	sort.Slice(inside, func(i, j int) bool { return inside[i].Start.Before(inside[j].Start) })

	cursor := w.Start
	for _, p := range inside {
		if p.Start != cursor {
			return nil
		}
		cursor = p.End.AddDays(1)
	}
	if cursor != w.End.AddDays(1) {
		return nil
	}

	return append([]model.PartialBill{*tndMatch}, inside...)
}

// flagMissingThirdParty marks visible tnd partials whose generation
// counterpart never showed up within thirdPartySlack days of the period.
func (bi *BillIntegrator) flagMissingThirdParty(ctx context.Context, svc model.UtilityService, envelope dates.Window) error {
	return bi.store.Tx(ctx, svc.ID, func(ctx context.Context, st store.Store) error {
		tnd, err := visiblePartials(ctx, st, svc.ID, model.ProviderTND, envelope)
		if err != nil {
			return err
		}
		genEnvelope := dates.Window{
			Start: envelope.Start.AddDays(-thirdPartySlack),
			End:   envelope.End.AddDays(thirdPartySlack),
		}
		gen, err := visiblePartials(ctx, st, svc.ID, model.ProviderGeneration, genEnvelope)
		if err != nil {
			return err
		}

		for _, p := range tnd {
			slack := dates.Window{
				Start: p.Start.AddDays(-thirdPartySlack),
				End:   p.End.AddDays(thirdPartySlack),
			}
			found := false
			for _, g := range gen {
				if slack.Overlaps(g.Window()) {
					found = true
					break
				}
			}
			expected := !found
			if p.ThirdPartyExpected != nil && *p.ThirdPartyExpected == expected {
				continue
			}
			if err := st.SetThirdPartyExpected(ctx, p.OID, expected); err != nil {
				return err
			}
		}
		return nil
	})
}

// detectTariffTransition emits one pending transition when the portal tariff
// differs from the service's and at least two consecutive newly written bills
// back it up. Consecutive means the next period starts within a day of the
// previous period's end.
func (bi *BillIntegrator) detectTariffTransition(ctx context.Context, svc model.UtilityService, scraped string, report *BillReport) {
	if scraped == "" || scraped == svc.Tariff {
		return
	}
	windows := report.newBillWindows
	if len(windows) < 2 {
		return
	}

	run := 1
	runStart := windows[0].Start
	for i := 1; i < len(windows); i++ {
		gap := windows[i-1].End.DaysUntil(windows[i].Start)
		if gap >= 0 && gap <= 2 {
			run++
		} else {
			run = 1
			runStart = windows[i].Start
		}
		if run >= 2 {
			tt := model.TariffTransition{
				ServiceID: svc.ID,
				Occurred:  runStart,
				To:        scraped,
				Applied:   false,
			}
			if err := bi.store.EmitTariffTransition(ctx, tt); err != nil {
				bi.log.Warn("tariff transition emit failed", zap.Error(err))
				return
			}
			bi.log.Info("tariff transition detected",
				zap.Int64("service_id", svc.ID),
				zap.String("from", svc.Tariff),
				zap.String("to", scraped),
				zap.String("occurred", runStart.String()))
			return
		}
	}
}
