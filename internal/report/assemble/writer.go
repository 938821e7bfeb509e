package assemble

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sawpanic/alphaforge/internal/report/attribution"
	"github.com/sawpanic/alphaforge/internal/report/perf"
)

// Artifact file names
const (
	ResultFile = "result.json"
	CSVFile    = "rebalances.csv"
	ReportFile = "report.md"
)

// ArtifactPaths lists the files written for one run
type ArtifactPaths struct {
	Result    string `json:"result"`
	CSV       string `json:"csv"`
	Report    string `json:"report"`
	OutputDir string `json:"output_dir"`
}

// Writer handles writing run artifacts to disk
type Writer struct {
	outputDir string
}

// NewWriter creates a writer under {outputDir}/{runID}
func NewWriter(outputDir, runID string) *Writer {
	return &Writer{outputDir: filepath.Join(outputDir, runID)}
}

// GetOutputDir returns the full output directory path
func (w *Writer) GetOutputDir() string {
	return w.outputDir
}

// GetArtifactPaths returns the paths of all generated artifacts
func (w *Writer) GetArtifactPaths() ArtifactPaths {
	return ArtifactPaths{
		Result:    filepath.Join(w.outputDir, ResultFile),
		CSV:       filepath.Join(w.outputDir, CSVFile),
		Report:    filepath.Join(w.outputDir, ReportFile),
		OutputDir: w.outputDir,
	}
}

// WriteAll writes the result JSON, the rebalance CSV and the markdown report
func (w *Writer) WriteAll(res *Result) (ArtifactPaths, error) {
	if err := os.MkdirAll(w.outputDir, 0755); err != nil {
		return ArtifactPaths{}, fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := w.WriteResult(res); err != nil {
		return ArtifactPaths{}, err
	}
	if err := w.WriteCSV(res); err != nil {
		return ArtifactPaths{}, err
	}
	if err := w.WriteReport(res); err != nil {
		return ArtifactPaths{}, err
	}
	return w.GetArtifactPaths(), nil
}

// WriteResult writes the full report contract as indented JSON
func (w *Writer) WriteResult(res *Result) error {
	file, err := os.Create(filepath.Join(w.outputDir, ResultFile))
	if err != nil {
		return fmt.Errorf("failed to create result file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(res); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}

// WriteCSV writes the rebalance log export
func (w *Writer) WriteCSV(res *Result) error {
	file, err := os.Create(filepath.Join(w.outputDir, CSVFile))
	if err != nil {
		return fmt.Errorf("failed to create csv file: %w", err)
	}
	defer file.Close()
	return WriteRebalanceCSV(file, res.Logs)
}

// WriteReport writes a markdown summary
func (w *Writer) WriteReport(res *Result) error {
	file, err := os.Create(filepath.Join(w.outputDir, ReportFile))
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(Markdown(res, time.Now())); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// ReadResult loads a result written by WriteResult
func ReadResult(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read result: %w", err)
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &res, nil
}

// Markdown renders the human-readable summary of a report
func Markdown(res *Result, generated time.Time) string {
	var report strings.Builder

	report.WriteString("# Walk-Forward Backtest Report\n\n")
	report.WriteString(fmt.Sprintf("**Generated**: %s\n", generated.UTC().Format("2006-01-02 15:04:05 UTC")))
	report.WriteString(fmt.Sprintf("**Period**: %s to %s (%d trading days)\n\n",
		res.Summary.Start, res.Summary.End, res.Summary.TradingDays))

	report.WriteString("## Executive Summary\n\n")
	report.WriteString(fmt.Sprintf("- **Rebalances**: %d invested, %d in cash\n", res.Summary.Rebalances, res.Summary.HoldCash))
	report.WriteString(fmt.Sprintf("- **Equal-weight fallbacks**: %d\n", res.Summary.Fallbacks))
	report.WriteString(fmt.Sprintf("- **Stale model reuses**: %d\n", res.Summary.StaleModels))
	report.WriteString(fmt.Sprintf("- **Price gap days**: %d\n\n", res.Summary.GapDays))
	if res.KPIs.Note != "" {
		report.WriteString(fmt.Sprintf("> %s\n\n", res.KPIs.Note))
	}

	report.WriteString("## Key Performance Indicators\n\n")
	report.WriteString("| Metric | Value |\n")
	report.WriteString("|--------|------:|\n")
	for _, info := range perf.Catalog() {
		report.WriteString(fmt.Sprintf("| %s | %s |\n", info.Label, perf.Format(info.Metric, res.KPIs.Get(info.Metric))))
	}
	report.WriteString("\n")

	if len(res.Tables.YearlyReturns.Index) > 0 {
		report.WriteString("## Yearly Returns\n\n")
		report.WriteString("| Year | " + strings.Join(res.Tables.YearlyReturns.Columns, " | ") + " |\n")
		report.WriteString("|------|" + strings.Repeat("------:|", len(res.Tables.YearlyReturns.Columns)) + "\n")
		for i, year := range res.Tables.YearlyReturns.Index {
			cells := make([]string, len(res.Tables.YearlyReturns.Data[i]))
			for j, v := range res.Tables.YearlyReturns.Data[i] {
				cells[j] = perf.Format(perf.CumulativeReturn, v)
			}
			report.WriteString(fmt.Sprintf("| %d | %s |\n", year, strings.Join(cells, " | ")))
		}
		report.WriteString("\n")
	}

	report.WriteString("## Factor Exposure\n\n")
	if exp := res.FactorExposure.Exposure; exp != nil {
		report.WriteString(fmt.Sprintf("- **Annualized alpha**: %.2f%% (p=%.3f)\n",
			exp.AlphaAnnualizedPct, exp.PValues[attribution.Alpha]))
		report.WriteString(fmt.Sprintf("- **R²**: %.3f over %d observations\n\n", exp.RSquared, exp.Observations))
		report.WriteString("| Factor | Beta | t | p |\n")
		report.WriteString("|--------|-----:|--:|--:|\n")
		for _, f := range attribution.Factors {
			report.WriteString(fmt.Sprintf("| %s | %.3f | %.2f | %.3f |\n", f, exp.Betas[f], exp.TStats[f], exp.PValues[f]))
		}
		report.WriteString("\n")
	} else {
		report.WriteString(fmt.Sprintf("Unavailable: %s\n\n", res.FactorExposure.Error))
	}

	if len(res.Alerts) > 0 {
		report.WriteString("## Alerts\n\n")
		for _, a := range res.Alerts {
			report.WriteString(fmt.Sprintf("- **%s**: %s\n", a.Severity, a.Message))
		}
		report.WriteString("\n")
	}

	report.WriteString("## Methodology\n\n")
	report.WriteString("1. **Walk-forward**: every rebalance decision reads only prices dated before the rebalance day\n")
	report.WriteString("2. **Costs**: turnover is charged once on the rebalance day at the configured basis-point rate\n")
	report.WriteString("3. **Regime filter**: the portfolio holds cash while the benchmark closes below its moving average\n")
	report.WriteString("4. **Gaps**: a missing price is treated as a flat day for the affected holding\n\n")

	return report.String()
}
