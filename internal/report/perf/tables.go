package perf

import (
	"time"
)

var monthColumns = []string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}

// Table is a frame in split orientation: column labels, row labels, and
// row-major data. Missing cells are undefined.
type Table struct {
	Columns []string  `json:"columns"`
	Index   []int     `json:"index"`
	Data    [][]Value `json:"data"`
}

// Cell returns the value at row label and column label
func (t Table) Cell(index int, column string) Value {
	col := -1
	for j, c := range t.Columns {
		if c == column {
			col = j
			break
		}
	}
	if col < 0 {
		return Undefined()
	}
	for i, idx := range t.Index {
		if idx == index {
			return t.Data[i][col]
		}
	}
	return Undefined()
}

type period struct {
	year  int
	month time.Month
}

// compound groups returns by key in date order and compounds each group
func compound(dates []time.Time, returns []float64, key func(time.Time) period) ([]period, map[period]float64) {
	var order []period
	growth := make(map[period]float64)
	for i, d := range dates {
		p := key(d)
		if _, ok := growth[p]; !ok {
			order = append(order, p)
			growth[p] = 1
		}
		growth[p] *= 1 + returns[i]
	}
	for p := range growth {
		growth[p]--
	}
	return order, growth
}

// MonthlyReturns tabulates compounded returns with one row per year and one
// column per calendar month
func MonthlyReturns(s Series) Table {
	t := Table{Columns: monthColumns, Index: []int{}, Data: [][]Value{}}
	order, growth := compound(s.Dates, s.Returns, func(d time.Time) period {
		return period{d.Year(), d.Month()}
	})
	rows := make(map[int]int)
	for _, p := range order {
		row, ok := rows[p.year]
		if !ok {
			row = len(t.Index)
			rows[p.year] = row
			t.Index = append(t.Index, p.year)
			t.Data = append(t.Data, make([]Value, len(monthColumns)))
		}
		t.Data[row][int(p.month)-1] = Some(growth[p])
	}
	return t
}

// YearlyReturns tabulates compounded calendar-year returns for the strategy
// and, when present, the benchmark
func YearlyReturns(s Series) Table {
	t := Table{Columns: []string{"Strategy"}, Index: []int{}, Data: [][]Value{}}
	if s.Benchmark != nil {
		t.Columns = append(t.Columns, "Benchmark")
	}
	byYear := func(d time.Time) period { return period{year: d.Year()} }
	order, strat := compound(s.Dates, s.Returns, byYear)
	var bench map[period]float64
	if s.Benchmark != nil {
		_, bench = compound(s.Dates, s.Benchmark, byYear)
	}
	for _, p := range order {
		row := []Value{Some(strat[p])}
		if bench != nil {
			row = append(row, Some(bench[p]))
		}
		t.Index = append(t.Index, p.year)
		t.Data = append(t.Data, row)
	}
	return t
}
