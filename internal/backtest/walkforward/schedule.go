package walkforward

import (
	"time"

	"github.com/sawpanic/alphaforge/internal/domain"
)

// bucket identifies the cadence period a trading day falls into
func bucket(d time.Time, c Cadence) int {
	switch c {
	case Daily:
		return int(d.Unix() / 86400)
	case Weekly:
		y, w := d.ISOWeek()
		return y*100 + w
	case Quarterly:
		return d.Year()*10 + (int(d.Month())-1)/3
	case Yearly:
		return d.Year()
	default:
		return d.Year()*100 + int(d.Month())
	}
}

// RebalanceIndices returns the first trading day of each cadence period
// between calendar indices from and to inclusive
func RebalanceIndices(panel *domain.PricePanel, from, to int, c Cadence) []int {
	var out []int
	prev := -1
	for i := from; i <= to && i < panel.Len(); i++ {
		if b := bucket(panel.Date(i), c); b != prev {
			out = append(out, i)
			prev = b
		}
	}
	return out
}
