package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sawpanic/alphaforge/internal/backtest/walkforward"
	"github.com/sawpanic/alphaforge/internal/domain"
	"github.com/sawpanic/alphaforge/internal/optimizer"
)

// cadenceValue is a pflag.Value accepting cadence names and aliases
type cadenceValue struct {
	target *walkforward.Cadence
}

func (c cadenceValue) String() string {
	if c.target == nil {
		return ""
	}
	return string(*c.target)
}

func (c cadenceValue) Set(s string) error {
	cadence, err := walkforward.ParseCadence(s)
	if err != nil {
		return err
	}
	*c.target = cadence
	return nil
}

func (c cadenceValue) Type() string { return "cadence" }

// methodValue is a pflag.Value for the optimization method
type methodValue struct {
	target *optimizer.Method
}

func (m methodValue) String() string {
	if m.target == nil {
		return ""
	}
	return string(*m.target)
}

func (m methodValue) Set(s string) error {
	method, err := optimizer.ParseMethod(s)
	if err != nil {
		return err
	}
	*m.target = method
	return nil
}

func (m methodValue) Type() string { return "method" }

// dateValue parses YYYY-MM-DD
type dateValue struct {
	target *time.Time
}

func (d dateValue) String() string {
	if d.target == nil || d.target.IsZero() {
		return ""
	}
	return d.target.Format(domain.DateLayout)
}

func (d dateValue) Set(s string) error {
	t, err := time.Parse(domain.DateLayout, strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("expected YYYY-MM-DD: %w", err)
	}
	*d.target = t
	return nil
}

func (d dateValue) Type() string { return "date" }

// weightsValue parses SYM=W pairs separated by commas
type weightsValue struct {
	target *domain.Weights
}

func (w weightsValue) String() string {
	if w.target == nil || len(*w.target) == 0 {
		return ""
	}
	symbols := w.target.Symbols()
	parts := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		parts = append(parts, sym+"="+strconv.FormatFloat((*w.target)[sym], 'f', -1, 64))
	}
	return strings.Join(parts, ",")
}

func (w weightsValue) Set(s string) error {
	weights := domain.Weights{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		sym, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("expected SYMBOL=WEIGHT, got %q", pair)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return fmt.Errorf("invalid weight for %s: %w", sym, err)
		}
		weights[strings.ToUpper(strings.TrimSpace(sym))] = v
	}
	*w.target = weights
	return nil
}

func (w weightsValue) Type() string { return "weights" }

// symbolsOf returns the upper-cased, de-duplicated symbols in list
func symbolsOf(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, s := range list {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
