package ledger

import (
	"encoding/csv"
	"io"
	"sort"
	"strconv"
	"time"
)

// WriteCSV writes entries sorted by timestamp with a header row.
func WriteCSV(w io.Writer, entries []Entry) error {
	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "strategy", "result", "pnl"}); err != nil {
		return err
	}
	for _, e := range sorted {
		row := []string{
			e.Timestamp.UTC().Format(time.RFC3339),
			e.Strategy,
			string(e.Result),
			strconv.FormatFloat(e.PnL, 'f', 2, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
