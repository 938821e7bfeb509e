package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sawpanic/alphaforge/internal/backtest/walkforward"
	"github.com/sawpanic/alphaforge/internal/config"
	"github.com/sawpanic/alphaforge/internal/domain"
	"github.com/sawpanic/alphaforge/internal/optimizer"
	"github.com/sawpanic/alphaforge/internal/report/assemble"
	"github.com/sawpanic/alphaforge/internal/report/perf"
)

// adhocPortfolioID identifies a portfolio given with --stocks
const adhocPortfolioID = "cli"

type backtestFlags struct {
	universe     string
	portfolioID  string
	stocks       []string
	weights      domain.Weights
	optimize     bool
	benchmark    string
	topN         int
	costBps      float64
	riskFree     float64
	regime       bool
	positiveOnly bool
	synthetic    bool
	outputDir    string
	progress     bool
}

func newBacktestCmd(loadConfig func() (*config.AppConfig, error)) *cobra.Command {
	f := &backtestFlags{}
	cfgOverrides := walkforward.Config{}

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run a walk-forward backtest",
		Long: `Run a model backtest over a universe or a custom-portfolio backtest and
write result.json, rebalances.csv and report.md under the output directory.

Flags override the backtest section of the configuration file.`,
		Example: `  alphaforge backtest --synthetic
  alphaforge backtest --universe SP500 --start 2019-01-01 --end 2024-01-01 --cadence monthly --method hrp
  alphaforge backtest --synthetic --stocks SYN01,SYN02 --weights SYN01=0.6,SYN02=0.4 --method manual`,
		RunE: func(cmd *cobra.Command, args []string) error {
			appCfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runBacktest(cmd, appCfg, f, cfgOverrides)
		},
	}

	bindBacktestFlags(cmd.Flags(), f, &cfgOverrides)
	return cmd
}

func bindBacktestFlags(flags *pflag.FlagSet, f *backtestFlags, overrides *walkforward.Config) {
	flags.StringVar(&f.universe, "universe", "", "Universe to rank (model mode)")
	flags.StringVar(&f.portfolioID, "portfolio", "", "Stored custom portfolio id (custom mode)")
	flags.StringSliceVar(&f.stocks, "stocks", nil, "Comma-separated stocks of an ad-hoc custom portfolio")
	flags.Var(weightsValue{target: &f.weights}, "weights", "Manual weights for --stocks as SYM=W,SYM=W")
	flags.BoolVar(&f.optimize, "optimize", false, "Optimize weights of the ad-hoc portfolio at every rebalance")
	flags.StringVar(&f.benchmark, "benchmark", "", "Benchmark symbol")
	flags.IntVar(&f.topN, "top-n", 0, "Number of model candidates to optimize")
	flags.Var(dateValue{target: &overrides.Start}, "start", "Start date (YYYY-MM-DD)")
	flags.Var(dateValue{target: &overrides.End}, "end", "End date (YYYY-MM-DD)")
	flags.Var(cadenceValue{target: &overrides.Cadence}, "cadence", "Rebalance cadence (daily|weekly|monthly|quarterly|yearly)")
	flags.Var(methodValue{target: &overrides.Method}, "method", "Optimization method (max_sharpe|hrp|manual)")
	flags.Float64Var(&f.costBps, "cost-bps", 0, "Transaction cost in basis points of turnover")
	flags.Float64Var(&f.riskFree, "risk-free", 0, "Annual risk-free rate")
	flags.BoolVar(&f.regime, "regime", true, "Hold cash when the benchmark is below its moving average")
	flags.BoolVar(&f.positiveOnly, "positive-only", false, "Drop candidates with a non-positive predicted return")
	flags.BoolVar(&f.synthetic, "synthetic", false, "Use the generated demo market")
	flags.StringVar(&f.outputDir, "output", "", "Artifact directory (defaults to report.output_dir)")
	flags.BoolVar(&f.progress, "progress", true, "Render a progress bar on stderr")
}

func runBacktest(cmd *cobra.Command, appCfg *config.AppConfig, f *backtestFlags, overrides walkforward.Config) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appCfg, f.synthetic)
	if err != nil {
		return err
	}
	defer a.Close()

	runCfg, err := resolveBacktestConfig(ctx, cmd, a, f, overrides)
	if err != nil {
		return err
	}

	outputDir := f.outputDir
	if outputDir == "" {
		outputDir = appCfg.Report.OutputDir
	}

	host := a.host(outputDir, f.progress)
	runID, res, err := host.Run(ctx, runCfg)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("backtest %s cancelled", runID)
		}
		return fmt.Errorf("backtest %s failed: %w", runID, err)
	}

	printSummary(cmd, runID, res, filepath.Join(outputDir, runID))
	return nil
}

// resolveBacktestConfig layers changed flags over the configured defaults
func resolveBacktestConfig(ctx context.Context, cmd *cobra.Command, a *app, f *backtestFlags, overrides walkforward.Config) (walkforward.Config, error) {
	cfg := a.cfg.Backtest
	flags := cmd.Flags()

	if a.dataset != nil && len(a.dataset.Calendar) > 0 {
		// the generated market has one universe; leave two years of history for training
		first, last := a.dataset.Calendar[0], a.dataset.Calendar[len(a.dataset.Calendar)-1]
		cfg.Start = first.AddDate(2, 0, 0)
		cfg.End = last
		cfg.Benchmark = a.dataset.Benchmark
		if cfg.PortfolioID == "" {
			cfg.Universe = syntheticUniverse
		}
	}

	if flags.Changed("universe") {
		cfg.Universe, cfg.PortfolioID = f.universe, ""
	}
	if flags.Changed("portfolio") {
		cfg.PortfolioID, cfg.Universe = f.portfolioID, ""
	}
	if flags.Changed("stocks") {
		p, err := domain.NewCustomPortfolio(adhocPortfolioID, "command line", symbolsOf(f.stocks), f.weights, f.optimize)
		if err != nil {
			return cfg, err
		}
		if err := a.portfolios.Save(ctx, p); err != nil {
			return cfg, err
		}
		cfg.PortfolioID, cfg.Universe = p.ID, ""
		if len(f.weights) > 0 && !f.optimize && !flags.Changed("method") {
			cfg.Method = optimizer.MethodManual
		}
	}
	if flags.Changed("benchmark") {
		cfg.Benchmark = f.benchmark
	}
	if flags.Changed("top-n") {
		cfg.TopN = f.topN
	}
	if flags.Changed("start") {
		cfg.Start = overrides.Start
	}
	if flags.Changed("end") {
		cfg.End = overrides.End
	}
	if flags.Changed("cadence") {
		cfg.Cadence = overrides.Cadence
	}
	if flags.Changed("method") {
		cfg.Method = overrides.Method
	}
	if flags.Changed("cost-bps") {
		cfg.CostBps = f.costBps
	}
	if flags.Changed("risk-free") {
		cfg.RiskFree = f.riskFree
	}
	if flags.Changed("regime") {
		cfg.Regime.Enabled = f.regime
	}
	if flags.Changed("positive-only") {
		cfg.PositiveOnly = f.positiveOnly
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	log.Info().Str("universe", cfg.Universe).Str("portfolio_id", cfg.PortfolioID).
		Str("start", cfg.Start.Format(domain.DateLayout)).Str("end", cfg.End.Format(domain.DateLayout)).
		Str("cadence", string(cfg.Cadence)).Str("method", string(cfg.Method)).
		Msg("Backtest configured")
	return cfg, nil
}

func printSummary(cmd *cobra.Command, runID string, res *assemble.Result, dir string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nBacktest %s\n", runID)
	fmt.Fprintf(out, "  Period:      %s to %s\n", res.Summary.Start, res.Summary.End)
	fmt.Fprintf(out, "  Rebalances:  %d (%d in cash)\n", res.Summary.Rebalances, res.Summary.HoldCash)
	for _, m := range []perf.Metric{perf.CAGR, perf.Sharpe, perf.MaxDrawdown, perf.CumulativeReturn} {
		fmt.Fprintf(out, "  %-18s %s\n", perf.Label(m)+":", perf.Format(m, res.KPIs.Get(m)))
	}
	fmt.Fprintf(out, "  Artifacts:   %s\n", dir)
}
