package scrape

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/gridwell/datafeeds/internal/dates"
	"github.com/gridwell/datafeeds/internal/model"
)

// ParseIntervalWorkbook reads an interval workbook: first sheet, a header
// row, then one row per day with the date in column A and one reading per
// slot in the following columns. Blank cells are missing slots, not zeros.
func ParseIntervalWorkbook(path string) (map[dates.Date]model.IntervalVector, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("xlsx: workbook has no sheets")
	}

	out := make(map[dates.Date]model.IntervalVector)
	for i, row := range f.Sheets[0].Rows {
		if i == 0 || len(row.Cells) == 0 {
			continue
		}
		dateStr := strings.TrimSpace(row.Cells[0].String())
		if dateStr == "" {
			continue
		}
		day, err := dates.Parse(dateStr)
		if err != nil {
			return nil, eris.Wrapf(err, "xlsx: row %d date %q", i+1, dateStr)
		}

		vec := make(model.IntervalVector, len(row.Cells)-1)
		for j, cell := range row.Cells[1:] {
			raw := strings.TrimSpace(cell.String())
			if raw == "" {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, eris.Wrapf(err, "xlsx: row %d slot %d value %q", i+1, j+1, raw)
			}
			vec[j] = model.Reading(v)
		}
		out[day] = vec
	}
	return out, nil
}
