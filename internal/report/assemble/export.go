package assemble

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/sawpanic/alphaforge/internal/domain"
	"github.com/shopspring/decimal"
)

// CSVHeader is the column layout of the rebalance export
var CSVHeader = []string{"Date", "Action", "Symbol", "Weight"}

// WriteRebalanceCSV writes one row per (date, symbol, weight) for each
// Rebalance event and one row per HoldCash event with its reason in the
// symbol column. Weights are rendered to four decimal places.
func WriteRebalanceCSV(w io.Writer, events []domain.RebalanceEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, ev := range events {
		date := ev.Date.Format(domain.DateLayout)
		switch ev.Action {
		case domain.ActionRebalance:
			targets := ev.Targets()
			for _, sym := range targets.Symbols() {
				row := []string{date, ev.Action.String(), sym, decimal.NewFromFloat(targets[sym]).StringFixed(4)}
				if err := cw.Write(row); err != nil {
					return fmt.Errorf("failed to write csv row: %w", err)
				}
			}
		default:
			if err := cw.Write([]string{date, ev.Action.String(), ev.Reason(), ""}); err != nil {
				return fmt.Errorf("failed to write csv row: %w", err)
			}
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}
	return nil
}
