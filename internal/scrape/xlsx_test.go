package scrape

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/gridwell/datafeeds/internal/dates"
)

func writeWorkbook(t *testing.T, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("readings")
	require.NoError(t, err)
	for _, cells := range rows {
		row := sheet.AddRow()
		for _, c := range cells {
			row.AddCell().SetString(c)
		}
	}
	path := filepath.Join(t.TempDir(), "intervals.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestParseIntervalWorkbook(t *testing.T) {
	path := writeWorkbook(t, [][]string{
		{"date", "s1", "s2", "s3", "s4"},
		{"2024-06-01", "1.5", "", "0", "2.25"},
		{"2024-06-02", "0.1", "0.2", "0.3", "0.4"},
		{""},
	})

	got, err := ParseIntervalWorkbook(path)
	require.NoError(t, err)
	require.Len(t, got, 2)

	day1 := got[dates.New(2024, 6, 1)]
	require.Len(t, day1, 4)
	assert.Equal(t, 1.5, *day1[0])
	assert.Nil(t, day1[1], "blank cell is missing, not zero")
	assert.Equal(t, 0.0, *day1[2])
	assert.Equal(t, 2.25, *day1[3])
}

func TestParseIntervalWorkbookBadDate(t *testing.T) {
	path := writeWorkbook(t, [][]string{
		{"date", "s1"},
		{"June 1st", "1.0"},
	})

	_, err := ParseIntervalWorkbook(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "date")
}

func TestParseIntervalWorkbookBadValue(t *testing.T) {
	path := writeWorkbook(t, [][]string{
		{"date", "s1"},
		{"2024-06-01", "n/a"},
	})

	_, err := ParseIntervalWorkbook(path)
	require.Error(t, err)
}
