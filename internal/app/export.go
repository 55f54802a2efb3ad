package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"fxwatch/internal/currency"
	"fxwatch/internal/storage"
)

// Export renders conversion history as CSV and/or a PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.From != nil && opts.To != nil && !opts.From.Before(*opts.To) {
		return errors.New("from must be before to")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	e, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	history, err := e.converter.History(ctx)
	if err != nil {
		return err
	}

	selected := selectConversions(history, opts)
	if len(selected) == 0 {
		a.Logger.Info().Msg("no conversions found for export window")
		return nil
	}

	downsampled := downsample(selected, opts.MaxPoints)
	a.Logger.Info().Int("total", len(selected)).Int("exported", len(downsampled)).Msg("exporting conversions")

	if opts.CSVPath != "" {
		if err := writeConversionsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeConversionsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}
	return nil
}

func selectConversions(history []storage.Conversion, opts ExportOptions) []storage.Conversion {
	out := make([]storage.Conversion, 0, len(history))
	for _, item := range history {
		if opts.Pair != nil && item.Pair != *opts.Pair {
			continue
		}
		if opts.From != nil && item.Time.Before(opts.From.UTC()) {
			continue
		}
		if opts.To != nil && !item.Time.Before(opts.To.UTC()) {
			continue
		}
		out = append(out, item)
	}
	return out
}

func downsample(items []storage.Conversion, max int) []storage.Conversion {
	if max <= 0 || len(items) <= max {
		return items
	}
	if max == 1 {
		return items[len(items)-1:]
	}

	result := make([]storage.Conversion, 0, max)
	step := float64(len(items)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(items) {
			idx = len(items) - 1
		}
		result = append(result, items[idx])
	}
	return result
}

func writeConversionsCSV(path string, items []storage.Conversion) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"time", "from", "to", "amount", "result", "rate", "mode", "min_result", "max_result"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, item := range items {
		record := []string{
			item.Time.UTC().Format(time.RFC3339),
			item.Pair.Base,
			item.Pair.Quote,
			item.Amount.String(),
			formatDecimal(item.Result, 2),
			formatDecimal(item.Rate, 6),
			string(item.Mode),
			formatDecimal(item.CostRange.Min, 2),
			formatDecimal(item.CostRange.Max, 2),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeConversionsPNG plots one rate series per pair.
func writeConversionsPNG(path string, items []storage.Conversion) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	type series struct {
		x []time.Time
		y []float64
	}
	order := make([]currency.Pair, 0)
	byPair := make(map[currency.Pair]*series)
	for _, item := range items {
		s, ok := byPair[item.Pair]
		if !ok {
			s = &series{}
			byPair[item.Pair] = s
			order = append(order, item.Pair)
		}
		s.x = append(s.x, item.Time)
		s.y = append(s.y, item.Rate.InexactFloat64())
	}

	plots := make([]chart.Series, 0, len(order))
	for _, pair := range order {
		s := byPair[pair]
		if len(s.x) < 2 {
			// go-chart needs two points to draw a line.
			s.x = append(s.x, s.x[0].Add(time.Second))
			s.y = append(s.y, s.y[0])
		}
		plots = append(plots, chart.TimeSeries{
			Name:    pair.String(),
			XValues: s.x,
			YValues: s.y,
		})
	}

	rateFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	yAxis := chart.YAxis{
		Name:           "Rate",
		ValueFormatter: rateFormatter,
	}
	if lo, hi := rateBounds(items); lo == hi {
		// A flat series has no y-range for go-chart to scale.
		yAxis.Range = &chart.ContinuousRange{Min: lo * 0.99, Max: hi*1.01 + 1e-9}
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis:  yAxis,
		Series: plots,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := graph.Render(chart.PNG, file); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}

func rateBounds(items []storage.Conversion) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, item := range items {
		v := item.Rate.InexactFloat64()
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
